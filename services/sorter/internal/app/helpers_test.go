package app

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/JeanLouisParent/sortbook-v5/pkg/domain"
	"github.com/JeanLouisParent/sortbook-v5/pkg/resume"
	"github.com/JeanLouisParent/sortbook-v5/pkg/storage"
	"github.com/JeanLouisParent/sortbook-v5/pkg/store"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/enrich"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/extract"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/ocr"
)

const testResumeKey = "test:processed"

type fakeExtractor struct {
	bundles map[string]extract.Bundle
}

func (f *fakeExtractor) Extract(_ context.Context, path string) extract.Bundle {
	if b, ok := f.bundles[filepath.Base(path)]; ok {
		return b
	}
	return extract.Bundle{Format: "epub", Covers: []extract.Image{}, IdentifierSource: domain.IdentifierNone}
}

type fakeEnricher struct {
	mu       sync.Mutex
	resp     *enrich.Response
	err      error
	payloads []enrich.Payload
}

func (f *fakeEnricher) Enrich(_ context.Context, p enrich.Payload) (*enrich.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	return f.resp, f.err
}

func (f *fakeEnricher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type fakeRelocator struct {
	moved []storage.Placement
	err   error
}

func (f *fakeRelocator) Relocate(_ context.Context, src string, p storage.Placement) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.moved = append(f.moved, p)
	return filepath.Join("/target", p.RelPath()), nil
}

type fakeOCR struct {
	results []ocr.Result
	seen    int
}

func (f *fakeOCR) Recognize(_ context.Context, images []extract.Image) []ocr.Result {
	f.seen += len(images)
	return f.results
}

// flakyStore fails the terminal write while failFinalize is set.
type flakyStore struct {
	*store.MemoryStore
	failFinalize bool
}

func (f *flakyStore) Finalize(ctx context.Context, id string, out domain.Outcome) error {
	if f.failFinalize {
		return errors.New("connection reset by peer")
	}
	return f.MemoryStore.Finalize(ctx, id, out)
}

func successResponse(source, title, author string) *enrich.Response {
	return &enrich.Response{
		Success: true,
		Source:  source,
		Payload: &enrich.ResponsePayload{Title: title, Author: author},
		Body:    []byte(`{"success":true,"source":"` + source + `","payload":{"title":"` + title + `","author":"` + author + `"}}`),
	}
}

type harness struct {
	app       *App
	store     *store.MemoryStore
	redis     *miniredis.Miniredis
	tracker   resume.Tracker
	extractor *fakeExtractor
	enricher  *fakeEnricher
	relocator *fakeRelocator
	console   *bytes.Buffer
	dir       string
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	srv := miniredis.RunT(t)
	tracker, err := resume.NewRedisTracker(context.Background(), resume.Config{Addr: srv.Addr(), Key: testResumeKey})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	t.Cleanup(func() { _ = tracker.Close() })
	h := &harness{
		store:     store.NewMemoryStore(),
		redis:     srv,
		tracker:   tracker,
		extractor: &fakeExtractor{bundles: map[string]extract.Bundle{}},
		enricher:  &fakeEnricher{resp: successResponse("sortebook_v5", "Foo", "Bar")},
		relocator: &fakeRelocator{},
		console:   &bytes.Buffer{},
		dir:       t.TempDir(),
	}
	cfg := Config{
		Store:     h.store,
		Tracker:   tracker,
		Extractor: h.extractor,
		Enricher:  h.enricher,
		Relocator: h.relocator,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Console:   h.console,
		BooksDir:  h.dir,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	h.app = a
	return h
}

func (h *harness) writeBook(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write book: %v", err)
	}
	return path
}

func (h *harness) members(t *testing.T) []string {
	t.Helper()
	if !h.redis.Exists(testResumeKey) {
		return nil
	}
	members, err := h.redis.Members(testResumeKey)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	return members
}

// writeCoverEPUB writes a minimal EPUB whose only image is a striped,
// high-contrast cover.
func writeCoverEPUB(t *testing.T, path string) {
	t.Helper()
	cover := image.NewGray(image.Rect(0, 0, 60, 90))
	for y := 0; y < 90; y++ {
		for x := 0; x < 60; x++ {
			if (x/7)%2 == 0 {
				cover.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var img bytes.Buffer
	if err := png.Encode(&img, cover); err != nil {
		t.Fatalf("encode cover: %v", err)
	}
	entries := []struct {
		name string
		data []byte
	}{
		{"mimetype", []byte("application/epub+zip")},
		{"META-INF/container.xml", []byte(`<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles><rootfile full-path="content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`)},
		{"content.opf", []byte(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/"></metadata>
  <manifest>
    <item id="ch1" href="ch1.xhtml" media-type="application/xhtml+xml"/>
    <item id="cover" href="cover.png" media-type="image/png" properties="cover-image"/>
  </manifest>
  <spine><itemref idref="ch1"/></spine>
</package>`)},
		{"ch1.xhtml", []byte(`<html><body><p>Scanned pages only.</p></body></html>`)},
		{"cover.png", img.Bytes()},
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write(e.data); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write epub: %v", err)
	}
}
