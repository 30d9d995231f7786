package extract

import (
	"regexp"
	"strings"
)

var isbnPattern = regexp.MustCompile(`(?:ISBN(?:-1[03])?[:\s]?)?((?:97[89][-\s]?)?\d{1,5}[-\s]?\d{1,7}[-\s]?\d{1,6}[-\s]?\d{1,6}[-\s]?[\dX])`)

// NormalizeISBN drops separators and upper-cases the check character.
func NormalizeISBN(value string) string {
	value = strings.TrimSpace(value)
	lower := strings.ToLower(value)
	for _, prefix := range []string{"urn:isbn:", "isbn:", "isbn"} {
		if strings.HasPrefix(lower, prefix) {
			value = value[len(prefix):]
			break
		}
	}
	r := strings.NewReplacer("-", "", " ", "", ":", "")
	return strings.ToUpper(r.Replace(value))
}

// ValidISBN checks the ISBN-10 or ISBN-13 checksum of a normalized value.
func ValidISBN(isbn string) bool {
	switch len(isbn) {
	case 10:
		total := 0
		for i := 0; i < 9; i++ {
			c := isbn[i]
			if c < '0' || c > '9' {
				return false
			}
			total += int(c-'0') * (10 - i)
		}
		var want byte
		switch check := 11 - total%11; check {
		case 11:
			want = '0'
		case 10:
			want = 'X'
		default:
			want = byte('0' + check)
		}
		return isbn[9] == want
	case 13:
		total := 0
		for i := 0; i < 13; i++ {
			c := isbn[i]
			if c < '0' || c > '9' {
				return false
			}
			if i == 12 {
				break
			}
			weight := 1
			if i%2 == 1 {
				weight = 3
			}
			total += int(c-'0') * weight
		}
		return int(isbn[12]-'0') == (10-total%10)%10
	default:
		return false
	}
}

// ISBN13 returns the 13-digit form of a valid normalized ISBN, so the same
// book compares equal whether it was printed as ISBN-10 or ISBN-13. Anything
// else is returned unchanged.
func ISBN13(isbn string) string {
	if len(isbn) != 10 || !ValidISBN(isbn) {
		return isbn
	}
	digits := "978" + isbn[:9]
	total := 0
	for i := 0; i < 12; i++ {
		weight := 1
		if i%2 == 1 {
			weight = 3
		}
		total += int(digits[i]-'0') * weight
	}
	return digits + string(rune('0'+(10-total%10)%10))
}

// FindISBNs returns the valid ISBNs in text, normalized, in order of first
// appearance.
func FindISBNs(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range isbnPattern.FindAllStringSubmatch(text, -1) {
		isbn := NormalizeISBN(m[1])
		if !ValidISBN(isbn) {
			continue
		}
		if _, ok := seen[isbn]; ok {
			continue
		}
		seen[isbn] = struct{}{}
		out = append(out, isbn)
	}
	return out
}

// PreferISBN13 returns the first 13-digit ISBN, else the first one.
func PreferISBN13(isbns []string) string {
	for _, isbn := range isbns {
		if len(isbn) == 13 {
			return isbn
		}
	}
	if len(isbns) > 0 {
		return isbns[0]
	}
	return ""
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		dup := false
		for _, existing := range dst {
			if existing == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}
