package store

import (
	"context"
	"errors"

	"github.com/JeanLouisParent/sortbook-v5/pkg/domain"
)

var (
	// ErrDuplicateFingerprint is returned when a pending record collides with
	// an existing fingerprint. Callers treat it as a late duplicate_hash.
	ErrDuplicateFingerprint = errors.New("fingerprint already recorded")
	// ErrNotFound is returned when a record targeted by an update is missing.
	ErrNotFound = errors.New("book record not found")
)

// Store defines persistence operations for book records.
type Store interface {
	// dedup lookups
	FindByFingerprint(ctx context.Context, fingerprint string) (domain.BookRecord, bool, error)
	FindProcessedByIdentifier(ctx context.Context, identifiers []string, excludeID string) (domain.BookRecord, bool, error)

	// lifecycle
	CreatePending(ctx context.Context, rec domain.BookRecord) error
	Finalize(ctx context.Context, id string, out domain.Outcome) error

	// queries
	GetBook(ctx context.Context, id string) (domain.BookRecord, bool, error)
	ListPending(ctx context.Context) ([]domain.BookRecord, error)
	CountByStatus(ctx context.Context) (map[domain.BookStatus]int, error)

	// maintenance
	Truncate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// finalFields applies the title/author invariant: they only survive on a
// processed outcome.
func finalFields(out domain.Outcome) (title, author, source string) {
	if out.Status != domain.StatusProcessed {
		return "", "", ""
	}
	return out.FinalTitle, out.FinalAuthor, out.ChoiceSource
}
