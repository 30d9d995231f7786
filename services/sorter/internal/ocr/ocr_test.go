package ocr

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/extract"
)

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func fakeImages() []extract.Image {
	return []extract.Image{
		{Href: "OEBPS/images/cover.png", MediaType: "image/png", Data: []byte("png-bytes")},
		{Href: "OEBPS/images/logo.svg", MediaType: "image/svg+xml", Data: []byte("<svg/>")},
	}
}

func TestRecognizeDisabledLogsOnce(t *testing.T) {
	var logs bytes.Buffer
	e := New(Config{Enabled: false, Logger: testLogger(&logs)})
	called := false
	e.run = func(context.Context, []string) ([]byte, error) {
		called = true
		return nil, nil
	}
	for i := 0; i < 3; i++ {
		if res := e.Recognize(context.Background(), fakeImages()); res != nil {
			t.Fatalf("expected no results when disabled, got %+v", res)
		}
	}
	if called {
		t.Fatalf("command should not run when disabled")
	}
	if n := strings.Count(logs.String(), "ocr disabled"); n != 1 {
		t.Fatalf("warning logged %d times, want 1", n)
	}
}

func TestRecognizeMissingCommandLogsOnce(t *testing.T) {
	var logs bytes.Buffer
	e := New(Config{Enabled: true, Command: "sortbook-no-such-ocr", Logger: testLogger(&logs)})
	e.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	e.Recognize(context.Background(), fakeImages())
	e.Recognize(context.Background(), fakeImages())
	if n := strings.Count(logs.String(), "ocr command not found"); n != 1 {
		t.Fatalf("warning logged %d times, want 1", n)
	}
}

func TestRecognizeParsesISBNsAndSkipsSVG(t *testing.T) {
	e := New(Config{Enabled: true, Command: "tesseract --psm 3", Languages: "fra"})
	e.lookPath = func(string) (string, error) { return "/usr/bin/tesseract", nil }
	var gotArgv []string
	e.run = func(_ context.Context, argv []string) ([]byte, error) {
		gotArgv = argv
		data, err := os.ReadFile(argv[3])
		if err != nil {
			t.Fatalf("temp image not readable: %v", err)
		}
		if string(data) != "png-bytes" {
			t.Fatalf("temp image content = %q", data)
		}
		return []byte("Gallimard\n\nISBN 978-2-07-036822-8\n"), nil
	}
	res := e.Recognize(context.Background(), fakeImages())
	if len(res) != 1 {
		t.Fatalf("expected one result, got %+v", res)
	}
	if res[0].Filename != "OEBPS/images/cover.png" || res[0].Text != "Gallimard ISBN 978-2-07-036822-8" {
		t.Fatalf("unexpected result: %+v", res[0])
	}
	if got := ISBNs(res); len(got) != 1 || got[0] != "9782070368228" {
		t.Fatalf("ISBNs() = %v", got)
	}
	want := []string{"tesseract", "--psm", "3"}
	for i, w := range want {
		if gotArgv[i] != w {
			t.Fatalf("argv = %v", gotArgv)
		}
	}
	if tail := gotArgv[len(gotArgv)-3:]; tail[0] != "stdout" || tail[1] != "-l" || tail[2] != "fra" {
		t.Fatalf("argv tail = %v", tail)
	}
	if _, err := os.Stat(gotArgv[3]); !os.IsNotExist(err) {
		t.Fatalf("temp image should be removed, stat err = %v", err)
	}
}

func TestRecognizeTruncatesText(t *testing.T) {
	e := New(Config{Enabled: true, MaxChars: 5})
	e.lookPath = func(string) (string, error) { return "/usr/bin/tesseract", nil }
	e.run = func(context.Context, []string) ([]byte, error) { return []byte("abcdefghij"), nil }
	res := e.Recognize(context.Background(), fakeImages())
	if len(res) != 1 || res[0].Text != "abcde" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRecognizeReportsTimeout(t *testing.T) {
	e := New(Config{Enabled: true, Timeout: 10 * time.Millisecond})
	e.lookPath = func(string) (string, error) { return "/usr/bin/tesseract", nil }
	e.run = func(ctx context.Context, _ []string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	res := e.Recognize(context.Background(), fakeImages())
	if len(res) != 1 || !strings.Contains(res[0].Error, "timed out") {
		t.Fatalf("expected timeout result, got %+v", res)
	}
	if len(res[0].ISBNs) != 0 {
		t.Fatalf("timed out image should carry no ISBNs")
	}
}
