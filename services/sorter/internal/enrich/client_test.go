package enrich

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JeanLouisParent/sortbook-v5/internal/servicetoken"
)

func newTestClient(t *testing.T, url string, opts ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{URL: url, Timeout: 2 * time.Second, VerifyTLS: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func serve(t *testing.T, status int, body string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEnrichSuccess(t *testing.T) {
	var calls int32
	srv := serve(t, http.StatusOK, `{"success":true,"source":"isbn","payload":{"title":"Foo","author":"Bar","year":1946},"errors":[]}`, &calls)
	c := newTestClient(t, srv.URL)

	resp, err := c.Enrich(context.Background(), BuildPayload("a.epub", sampleBundle(), nil, false, false))
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if !resp.Success || resp.Source != "isbn" || resp.Payload == nil || resp.Payload.Title != "Foo" || resp.Payload.Author != "Bar" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Body) == 0 {
		t.Fatalf("raw body not kept")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestEnrichUnwrapsArrayBody(t *testing.T) {
	var calls int32
	srv := serve(t, http.StatusOK, `[{"success":true,"source":"metadata","payload":{"title":"T","author":"A"}}]`, &calls)
	resp, err := newTestClient(t, srv.URL).Enrich(context.Background(), Payload{Filename: "a.epub"})
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if resp.Source != "metadata" || resp.Payload.Title != "T" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestEnrichUnsuccessfulReplyIsValid(t *testing.T) {
	var calls int32
	srv := serve(t, http.StatusOK, `{"success":false,"source":"sortebook_v5","payload":null,"errors":["no match"]}`, &calls)
	resp, err := newTestClient(t, srv.URL).Enrich(context.Background(), Payload{Filename: "a.epub"})
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if resp.Success || len(resp.Errors) != 1 || resp.Errors[0] != "no match" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestEnrichSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"not json":             `<html>oops</html>`,
		"unknown field":        `{"success":true,"source":"isbn","payload":{"title":"T","author":"A"},"extra":1}`,
		"missing author":       `{"success":true,"source":"isbn","payload":{"title":"T"}}`,
		"blank title":          `{"success":true,"source":"isbn","payload":{"title":"  ","author":"A"}}`,
		"success without data": `{"success":true,"source":"isbn"}`,
		"wrong success type":   `{"success":"yes","source":"isbn"}`,
		"missing source":       `{"success":false}`,
		"errors not a list":    `{"success":false,"source":"x","errors":"boom"}`,
		"empty array":          `[]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var calls int32
			srv := serve(t, http.StatusOK, body, &calls)
			_, err := newTestClient(t, srv.URL).Enrich(context.Background(), Payload{Filename: "a.epub"})
			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("expected *SchemaError, got %T %v", err, err)
			}
			if !strings.HasPrefix(err.Error(), "schema violation: ") {
				t.Fatalf("error prefix: %q", err.Error())
			}
			if string(schemaErr.Body) != body {
				t.Fatalf("raw body not kept: %q", schemaErr.Body)
			}
		})
	}
}

func TestEnrichHTTPStatusError(t *testing.T) {
	var calls int32
	srv := serve(t, http.StatusBadGateway, `upstream down`, &calls)
	_, err := newTestClient(t, srv.URL).Enrich(context.Background(), Payload{Filename: "a.epub"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected *StatusError 502, got %v", err)
	}
	if err.Error() != "http status: 502 upstream down" {
		t.Fatalf("message = %q", err.Error())
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want exactly one (no retry)", calls)
	}
}

func TestEnrichTimeoutIsTransportError(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })
	_, err := c.Enrich(context.Background(), Payload{Filename: "a.epub"})
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected *TransportError, got %T %v", err, err)
	}
	if !strings.HasPrefix(err.Error(), "transport: ") {
		t.Fatalf("error prefix: %q", err.Error())
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestEnrichUsesTestURLInTestMode(t *testing.T) {
	var prodCalls, testCalls int32
	ok := `{"success":true,"source":"isbn","payload":{"title":"T","author":"A"}}`
	prod := serve(t, http.StatusOK, ok, &prodCalls)
	test := serve(t, http.StatusOK, ok, &testCalls)
	c := newTestClient(t, prod.URL, func(cfg *Config) { cfg.TestURL = test.URL })

	if _, err := c.Enrich(context.Background(), Payload{Filename: "a.epub", TestMode: true}); err != nil {
		t.Fatalf("enrich test mode: %v", err)
	}
	if _, err := c.Enrich(context.Background(), Payload{Filename: "a.epub"}); err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if prodCalls != 1 || testCalls != 1 {
		t.Fatalf("prod=%d test=%d, want 1 each", prodCalls, testCalls)
	}
}

func TestEnrichSendsBearerToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "key.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyPath, pemBytes, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{PrivateKeyPath: keyPath})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	var auth string
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = io.WriteString(w, `{"success":true,"source":"isbn","payload":{"title":"T","author":"A"}}`)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.Signer = signer })
	if _, err := c.Enrich(context.Background(), Payload{Filename: "a.epub", DryRun: true}); err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if !strings.HasPrefix(auth, "Bearer ") || len(auth) < 20 {
		t.Fatalf("authorization header = %q", auth)
	}
	if payload["filename"] != "a.epub" || payload["dry_run"] != true {
		t.Fatalf("payload not forwarded: %v", payload)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for missing url")
	}
}
