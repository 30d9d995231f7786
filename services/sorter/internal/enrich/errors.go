package enrich

import (
	"fmt"
	"strings"
)

const maxErrorBody = 512

// TransportError covers network failures, timeouts and TLS problems.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is an HTTP reply with status >= 400.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("http status: %d", e.StatusCode)
	}
	return fmt.Sprintf("http status: %d %s", e.StatusCode, body)
}

// SchemaError is a reply that is not valid JSON or breaks the response
// contract. Body keeps the raw reply.
type SchemaError struct {
	Reason string
	Body   []byte
}

func (e *SchemaError) Error() string { return "schema violation: " + e.Reason }

func truncateBody(body []byte) string {
	if len(body) <= maxErrorBody {
		return string(body)
	}
	return string(body[:maxErrorBody]) + "..."
}
