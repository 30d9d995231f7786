package extract

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
)

func (e *Extractor) extractPDF(ctx context.Context, path string) Bundle {
	b := Bundle{Format: "pdf"}

	md, err := readPDFInfo(path)
	if err != nil {
		b.fail("metadata", err)
	}
	b.Metadata = md

	text, err := pdfTextWithPdftotext(ctx, path)
	if err != nil || text == "" {
		text, err = pdfTextWithGoLib(path)
	}
	if err != nil {
		b.fail("text", err)
	}
	b.ISBN.Text = FindISBNs(text)
	b.TextPreview = truncateRunes(text, e.previewChars)
	return b
}

// pdfTextWithPdftotext uses poppler's pdftotext on the leading pages.
func pdfTextWithPdftotext(ctx context.Context, path string) (string, error) {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return "", fmt.Errorf("pdftotext not found: %w", err)
	}
	cmd := exec.CommandContext(ctx, "pdftotext",
		"-f", "1", "-l", strconv.Itoa(pdfScanPages), "-enc", "UTF-8", path, "-")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext failed: %w", err)
	}
	return normalizeText(string(output)), nil
}

// pdfTextWithGoLib is the fallback when poppler is not installed. The library
// panics on some malformed files, so it runs under recover.
func pdfTextWithGoLib(path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panic: %v", r)
		}
	}()
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	var parts []string
	for i := 1; i <= reader.NumPage() && i <= pdfScanPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if content = normalizeText(content); content != "" {
			parts = append(parts, content)
		}
	}
	if len(parts) == 0 {
		return "", errors.New("no text extracted from PDF")
	}
	return strings.Join(parts, " "), nil
}

func readPDFInfo(path string) (md Metadata, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panic: %v", r)
		}
	}()
	file, reader, err := pdf.Open(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	info := reader.Trailer().Key("Info")
	if info.IsNull() {
		return Metadata{}, nil
	}
	field := func(key string) string { return normalizeText(info.Key(key).Text()) }
	md.Title = field("Title")
	if author := field("Author"); author != "" {
		md.Creators = []string{author}
	}
	md.Date = field("CreationDate")
	md.Subjects = appendUnique(nil, field("Subject"))
	for _, kw := range strings.Split(field("Keywords"), ",") {
		md.Subjects = appendUnique(md.Subjects, strings.TrimSpace(kw))
	}
	return md, nil
}
