package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JeanLouisParent/sortbook-v5/pkg/domain"
	"github.com/JeanLouisParent/sortbook-v5/pkg/metrics"
	"github.com/JeanLouisParent/sortbook-v5/pkg/store"
)

type downStore struct {
	*store.MemoryStore
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func newTestServer(t *testing.T, st store.Store) http.Handler {
	t.Helper()
	m := metrics.New("sortbook_test")
	m.RecordOutcome(string(domain.StatusProcessed))
	srv, err := New(Config{Store: st, Metrics: m})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.Router()
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, store.NewMemoryStore())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id header missing")
	}

	h = newTestServer(t, downStore{store.NewMemoryStore()})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestPendingListing(t *testing.T) {
	st := store.NewMemoryStore()
	started := time.Now().UTC()
	for _, rec := range []domain.BookRecord{
		{ID: "id-1", Fingerprint: "h1", Filename: "a.epub", FilePath: "/books/a.epub", ProcessingStartedAt: &started},
		{ID: "id-2", Fingerprint: "h2", Filename: "b.epub", FilePath: "/books/b.epub"},
	} {
		if err := st.CreatePending(context.Background(), rec); err != nil {
			t.Fatalf("create pending: %v", err)
		}
	}
	if err := st.Finalize(context.Background(), "id-2", domain.Outcome{Status: domain.StatusFailed, CompletedAt: time.Now()}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	h := newTestServer(t, st)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books/pending", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Count int `json:"count"`
		Books []struct {
			ID       string `json:"id"`
			Filename string `json:"filename"`
		} `json:"books"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Books[0].ID != "id-1" || body.Books[0].Filename != "a.epub" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/books/pending", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books/counts", nil))
	var counts map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode counts: %v", err)
	}
	if counts["pending"] != 1 || counts["failed"] != 1 || counts["processed"] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, store.NewMemoryStore())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sortbook_test_") {
		t.Fatalf("metrics body missing namespace:\n%s", rec.Body.String())
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without store")
	}
}
