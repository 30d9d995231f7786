package app

import (
	"errors"
	"strings"

	"github.com/JeanLouisParent/sortbook-v5/pkg/domain"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/enrich"
)

type decision struct {
	Status       domain.BookStatus
	Title        string
	Author       string
	Source       string
	ErrorMessage string
}

// decide accepts the service verdict only when it succeeded with a title and
// an author; everything else fails the file.
func decide(resp *enrich.Response, err error) decision {
	if err != nil {
		return decision{Status: domain.StatusFailed, ErrorMessage: err.Error()}
	}
	if resp == nil {
		return decision{Status: domain.StatusFailed, ErrorMessage: "schema violation: empty response"}
	}
	if !resp.Success {
		msg := strings.Join(resp.Errors, "; ")
		if msg == "" {
			msg = "enrichment unsuccessful"
		}
		return decision{Status: domain.StatusFailed, ErrorMessage: msg}
	}
	if resp.Payload == nil {
		return decision{Status: domain.StatusFailed, ErrorMessage: "schema violation: payload missing"}
	}
	title := strings.TrimSpace(resp.Payload.Title)
	author := strings.TrimSpace(resp.Payload.Author)
	if title == "" || author == "" {
		return decision{Status: domain.StatusFailed, ErrorMessage: "schema violation: payload.title and payload.author required"}
	}
	source := strings.TrimSpace(resp.Source)
	if source == "" {
		source = DefaultChoiceSource
	}
	return decision{Status: domain.StatusProcessed, Title: title, Author: author, Source: source}
}

// enrichmentResult labels the call outcome for metrics.
func enrichmentResult(resp *enrich.Response, err error) string {
	var (
		transportErr *enrich.TransportError
		statusErr    *enrich.StatusError
		schemaErr    *enrich.SchemaError
	)
	switch {
	case err == nil && resp != nil && resp.Success:
		return "success"
	case err == nil:
		return "unsuccessful"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.As(err, &statusErr):
		return "http_status"
	case errors.As(err, &schemaErr):
		return "schema"
	default:
		return "error"
	}
}
