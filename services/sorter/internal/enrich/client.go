// Package enrich talks to the external enrichment service that decides a
// book's final title and author.
package enrich

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/JeanLouisParent/sortbook-v5/internal/servicetoken"
)

const (
	defaultTimeout  = 60 * time.Second
	maxResponseBody = 8 << 20
)

// Response is a validated enrichment reply.
type Response struct {
	Success bool             `json:"success"`
	Source  string           `json:"source"`
	Payload *ResponsePayload `json:"payload,omitempty"`
	Errors  []string         `json:"errors,omitempty"`
	Raw     json.RawMessage  `json:"raw,omitempty"`

	// Body is the reply exactly as received.
	Body json.RawMessage `json:"-"`
}

// ResponsePayload holds the chosen bibliographic fields.
type ResponsePayload struct {
	Title  string `json:"title"`
	Author string `json:"author"`
}

// Config configures the client.
type Config struct {
	URL       string
	TestURL   string
	Timeout   time.Duration
	VerifyTLS bool
	Signer    *servicetoken.Signer
	Logger    *slog.Logger
	// Transport overrides the base round tripper, mostly for tests.
	Transport http.RoundTripper
}

// Client posts one payload per book.
type Client struct {
	url       string
	testURL   string
	http      *http.Client
	validator *schemaValidator
	logger    *slog.Logger
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("enrichment url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base := cfg.Transport
	if base == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if !cfg.VerifyTLS {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		base = tr
	}
	if cfg.Signer != nil {
		base = &servicetoken.Transport{Signer: cfg.Signer, Base: base}
	}
	validator, err := newSchemaValidator()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:       url,
		testURL:   strings.TrimSpace(cfg.TestURL),
		http:      &http.Client{Timeout: timeout, Transport: base},
		validator: validator,
		logger:    logger,
	}, nil
}

func (c *Client) endpoint(testMode bool) string {
	if testMode && c.testURL != "" {
		return c.testURL
	}
	return c.url
}

// Enrich sends exactly one request. It never retries; every failure comes
// back as a *TransportError, *StatusError or *SchemaError.
func (c *Client) Enrich(ctx context.Context, p Payload) (*Response, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	url := c.endpoint(p.TestMode)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("calling enrichment service", "url", url, "file", p.Filename, "bytes", len(body))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncateBody(raw)}
	}
	return c.parse(raw)
}

func (c *Client) parse(raw []byte) (*Response, error) {
	doc, err := normalizeBody(raw)
	if err != nil {
		return nil, &SchemaError{Reason: err.Error(), Body: raw}
	}
	if err := c.validator.validate(doc); err != nil {
		return nil, &SchemaError{Reason: err.Error(), Body: raw}
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, &SchemaError{Reason: err.Error(), Body: raw}
	}
	var out Response
	if err := json.Unmarshal(normalized, &out); err != nil {
		return nil, &SchemaError{Reason: err.Error(), Body: raw}
	}
	out.Body = json.RawMessage(raw)
	return &out, nil
}
