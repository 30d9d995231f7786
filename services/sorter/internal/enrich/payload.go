package enrich

import (
	"encoding/base64"
	"path/filepath"

	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/extract"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/ocr"
)

// Payload is the request body sent to the enrichment service. Lists are
// always encoded as arrays, never null.
type Payload struct {
	Filename    string           `json:"filename"`
	Metadata    extract.Metadata `json:"metadata"`
	ISBN        extract.ISBNs    `json:"isbn"`
	TextPreview string           `json:"text_preview"`
	Cover       Cover            `json:"cover"`
	ImageOCR    []ocr.Result     `json:"image_ocr"`
	DryRun      bool             `json:"dry_run"`
	TestMode    bool             `json:"test_mode"`
}

// Cover lists every candidate and repeats the primary one.
type Cover struct {
	Primary *CoverImage  `json:"primary"`
	Images  []CoverImage `json:"images"`
}

// CoverImage carries image bytes as base64.
type CoverImage struct {
	Filename  string  `json:"filename"`
	MediaType string  `json:"media_type"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Format    string  `json:"format"`
	Contrast  float64 `json:"contrast"`
	Primary   bool    `json:"primary"`
	Data      string  `json:"data"`
}

// BuildPayload assembles the request for one file.
func BuildPayload(path string, b extract.Bundle, ocrResults []ocr.Result, dryRun, testMode bool) Payload {
	p := Payload{
		Filename:    filepath.Base(path),
		Metadata:    b.Metadata,
		ISBN:        b.ISBN,
		TextPreview: b.TextPreview,
		Cover:       Cover{Images: make([]CoverImage, 0, len(b.Covers))},
		ImageOCR:    ocrResults,
		DryRun:      dryRun,
		TestMode:    testMode,
	}
	if p.ISBN.Metadata == nil {
		p.ISBN.Metadata = []string{}
	}
	if p.ISBN.Text == nil {
		p.ISBN.Text = []string{}
	}
	if p.ISBN.OCR == nil {
		p.ISBN.OCR = []string{}
	}
	if p.ImageOCR == nil {
		p.ImageOCR = []ocr.Result{}
	}
	for _, img := range b.Covers {
		ci := CoverImage{
			Filename:  img.Href,
			MediaType: img.MediaType,
			Width:     img.Width,
			Height:    img.Height,
			Format:    img.Format,
			Contrast:  img.Contrast,
			Primary:   img.Primary,
			Data:      base64.StdEncoding.EncodeToString(img.Data),
		}
		p.Cover.Images = append(p.Cover.Images, ci)
		if img.Primary && p.Cover.Primary == nil {
			primary := ci
			p.Cover.Primary = &primary
		}
	}
	return p
}
