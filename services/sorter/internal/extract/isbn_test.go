package extract

import (
	"reflect"
	"testing"
)

func TestValidISBN(t *testing.T) {
	valid := []string{"0306406152", "080442957X", "9780306406157", "9782070368228", "9782070360024"}
	for _, isbn := range valid {
		if !ValidISBN(isbn) {
			t.Fatalf("ValidISBN(%q) = false, want true", isbn)
		}
	}
	invalid := []string{"", "0306406153", "9780306406158", "97803064061", "030640615X", "978030640615X", "abcdefghij"}
	for _, isbn := range invalid {
		if ValidISBN(isbn) {
			t.Fatalf("ValidISBN(%q) = true, want false", isbn)
		}
	}
}

func TestNormalizeISBN(t *testing.T) {
	cases := map[string]string{
		"978-0-306-40615-7":      "9780306406157",
		"urn:isbn:9782070368228": "9782070368228",
		"ISBN: 0 8044 2957 x":    "080442957X",
		" 080442957x ":           "080442957X",
	}
	for in, want := range cases {
		if got := NormalizeISBN(in); got != want {
			t.Fatalf("NormalizeISBN(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFindISBNsKeepsOrderAndDropsInvalid(t *testing.T) {
	text := "First printing. ISBN-10: 0-306-40615-2 and also ISBN 978-0-306-40615-7; " +
		"misprint 978-0-306-40615-8, repeat 0-306-40615-2."
	got := FindISBNs(text)
	want := []string{"0306406152", "9780306406157"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FindISBNs() = %v, want %v", got, want)
	}
	if FindISBNs("no identifiers here") != nil {
		t.Fatalf("expected nil for text without ISBNs")
	}
}

func TestPreferISBN13(t *testing.T) {
	if got := PreferISBN13([]string{"0306406152", "9780306406157"}); got != "9780306406157" {
		t.Fatalf("PreferISBN13() = %q", got)
	}
	if got := PreferISBN13([]string{"0306406152"}); got != "0306406152" {
		t.Fatalf("PreferISBN13() = %q", got)
	}
	if got := PreferISBN13(nil); got != "" {
		t.Fatalf("PreferISBN13(nil) = %q", got)
	}
}

func TestISBN13(t *testing.T) {
	cases := map[string]string{
		"0306406152":    "9780306406157",
		"080442957X":    "9780804429573",
		"9782070368228": "9782070368228",
		"0306406153":    "0306406153",
		"":              "",
	}
	for in, want := range cases {
		if got := ISBN13(in); got != want {
			t.Fatalf("ISBN13(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestISBNsAllUsesThirteenDigitForm(t *testing.T) {
	got := ISBNs{
		Metadata: []string{"0306406152"},
		Text:     []string{"9780306406157", "9782070368228"},
	}.All()
	want := []string{"9780306406157", "9782070368228"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("All() = %v, want %v", got, want)
	}

	b := Bundle{ISBN: ISBNs{Metadata: []string{"0306406152"}}}
	b.resolveIdentifier()
	if b.Identifier != "9780306406157" {
		t.Fatalf("identifier = %q, want ISBN-13 form", b.Identifier)
	}
}
