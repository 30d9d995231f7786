// Package extract reads metadata, identifiers, a text preview and cover
// candidates out of book files. Every field fails on its own: a broken cover
// never hides the title.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/JeanLouisParent/sortbook-v5/pkg/domain"
)

const (
	defaultPreviewChars = 2000
	defaultMinCoverSide = 300
	defaultMaxCovers    = 6
	isbnScanDocs        = 5
	coverScanDocs       = 3
	pdfScanPages        = 10
)

// Metadata holds the container-level descriptive fields.
type Metadata struct {
	Title       string   `json:"title,omitempty"`
	Creators    []string `json:"creator,omitempty"`
	Publisher   string   `json:"publisher,omitempty"`
	Date        string   `json:"date,omitempty"`
	Identifiers []string `json:"identifier,omitempty"`
	Language    string   `json:"language,omitempty"`
	Description string   `json:"description,omitempty"`
	Subjects    []string `json:"subjects,omitempty"`
}

// Empty reports whether no field was found.
func (m Metadata) Empty() bool {
	return m.Title == "" && len(m.Creators) == 0 && m.Publisher == "" && m.Date == "" &&
		len(m.Identifiers) == 0 && m.Language == "" && m.Description == "" && len(m.Subjects) == 0
}

// ISBNs groups candidate identifiers by where they were found.
type ISBNs struct {
	Metadata []string `json:"metadata"`
	Text     []string `json:"text"`
	OCR      []string `json:"ocr"`
}

// All returns every candidate once in ISBN-13 form, metadata first.
func (i ISBNs) All() []string {
	var out []string
	for _, group := range [][]string{i.Metadata, i.Text, i.OCR} {
		for _, isbn := range group {
			out = appendUnique(out, ISBN13(isbn))
		}
	}
	return out
}

// Image is a raster cover candidate.
type Image struct {
	Href      string  `json:"filename"`
	MediaType string  `json:"media_type"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	Format    string  `json:"format,omitempty"`
	Contrast  float64 `json:"contrast"`
	Primary   bool    `json:"primary"`
	Data      []byte  `json:"-"`
	decoded   bool
}

// Qualifies reports whether the image decoded and shows at least minContrast.
func (img Image) Qualifies(minContrast float64) bool {
	return img.decoded && img.Contrast >= minContrast
}

// Bundle is everything extraction produced for one file.
type Bundle struct {
	Format           string                  `json:"format"`
	Metadata         Metadata                `json:"metadata"`
	ISBN             ISBNs                   `json:"isbn"`
	Identifier       string                  `json:"identifier,omitempty"`
	IdentifierSource domain.IdentifierSource `json:"identifier_source"`
	TextPreview      string                  `json:"text_preview"`
	Covers           []Image                 `json:"covers"`
	Errors           map[string]string       `json:"errors,omitempty"`
}

// HasCover reports whether at least one cover candidate survived filtering.
func (b *Bundle) HasCover() bool { return len(b.Covers) > 0 }

// PrimaryCover returns the flagged primary cover, if any.
func (b *Bundle) PrimaryCover() (Image, bool) {
	for _, c := range b.Covers {
		if c.Primary {
			return c, true
		}
	}
	return Image{}, false
}

// AddOCRISBNs merges identifiers read from cover images. They only become
// the chosen identifier when nothing else was found.
func (b *Bundle) AddOCRISBNs(isbns []string) {
	b.ISBN.OCR = appendUnique(b.ISBN.OCR, isbns...)
	b.resolveIdentifier()
}

func (b *Bundle) resolveIdentifier() {
	switch {
	case len(b.ISBN.Metadata) > 0:
		b.Identifier, b.IdentifierSource = b.ISBN.Metadata[0], domain.IdentifierFromMetadata
	case len(b.ISBN.Text) > 0:
		b.Identifier, b.IdentifierSource = PreferISBN13(b.ISBN.Text), domain.IdentifierFromContent
	case len(b.ISBN.OCR) > 0:
		b.Identifier, b.IdentifierSource = PreferISBN13(b.ISBN.OCR), domain.IdentifierFromContent
	default:
		b.Identifier, b.IdentifierSource = "", domain.IdentifierNone
	}
	b.Identifier = ISBN13(b.Identifier)
}

func (b *Bundle) fail(field string, err error) {
	if err == nil {
		return
	}
	if b.Errors == nil {
		b.Errors = make(map[string]string)
	}
	b.Errors[field] = err.Error()
}

// Config tunes extraction.
type Config struct {
	TextPreviewChars int
	CoverMinWidth    int
	CoverMinHeight   int
	MaxCovers        int
	Logger           *slog.Logger
}

// Extractor reads EPUB and PDF files.
type Extractor struct {
	previewChars int
	minWidth     int
	minHeight    int
	maxCovers    int
	logger       *slog.Logger
}

// New builds an Extractor, filling defaults.
func New(cfg Config) *Extractor {
	e := &Extractor{
		previewChars: cfg.TextPreviewChars,
		minWidth:     cfg.CoverMinWidth,
		minHeight:    cfg.CoverMinHeight,
		maxCovers:    cfg.MaxCovers,
		logger:       cfg.Logger,
	}
	if e.previewChars <= 0 {
		e.previewChars = defaultPreviewChars
	}
	if e.minWidth <= 0 {
		e.minWidth = defaultMinCoverSide
	}
	if e.minHeight <= 0 {
		e.minHeight = defaultMinCoverSide
	}
	if e.maxCovers <= 0 {
		e.maxCovers = defaultMaxCovers
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Extract never fails as a whole; per-field problems land in Bundle.Errors.
func (e *Extractor) Extract(ctx context.Context, path string) Bundle {
	ext := strings.ToLower(filepath.Ext(path))
	var b Bundle
	switch ext {
	case ".epub":
		b = e.extractEPUB(path)
	case ".pdf":
		b = e.extractPDF(ctx, path)
	default:
		b = Bundle{Format: strings.TrimPrefix(ext, ".")}
		b.fail("format", fmt.Errorf("unsupported format %q", ext))
	}
	if b.Covers == nil {
		b.Covers = []Image{}
	}
	b.resolveIdentifier()
	for field, msg := range b.Errors {
		e.logger.Debug("extraction field failed", "file", filepath.Base(path), "field", field, "err", msg)
	}
	return b
}
