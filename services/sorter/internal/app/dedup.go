package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/JeanLouisParent/sortbook-v5/pkg/domain"
)

// Verdict classifies a file against existing records.
type Verdict string

const (
	VerdictNew                 Verdict = "new"
	VerdictRetry               Verdict = "retry"
	VerdictDuplicateHash       Verdict = "duplicate_hash"
	VerdictDuplicateIdentifier Verdict = "duplicate_identifier"
)

// Classify looks the fingerprint up. A pending orphan left by a crash at the
// same path, or at a path that no longer exists, is handed back for reuse, as
// is a failed record at the same path when retries are on. Any other hit is a
// hash duplicate. Nothing is written.
func (a *App) Classify(ctx context.Context, fingerprint, path string) (Verdict, domain.BookRecord, error) {
	existing, ok, err := a.store.FindByFingerprint(ctx, fingerprint)
	if err != nil {
		return "", domain.BookRecord{}, fmt.Errorf("lookup fingerprint: %w", err)
	}
	if !ok {
		return VerdictNew, domain.BookRecord{}, nil
	}
	switch existing.Status {
	case domain.StatusPending:
		if existing.FilePath == path {
			return VerdictRetry, existing, nil
		}
		if missing(existing.FilePath) {
			a.logger.Info("adopting unfinished record of a moved file", "file", filepath.Base(path), "book_id", existing.ID, "previous_path", existing.FilePath)
			return VerdictRetry, existing, nil
		}
		a.logger.Warn("content matches an unfinished record", "file", filepath.Base(path), "book_id", existing.ID, "existing_path", existing.FilePath)
	case domain.StatusFailed:
		if existing.FilePath == path {
			if a.retryFailed {
				return VerdictRetry, existing, nil
			}
			a.logger.Info("previous attempt failed, not retrying", "file", filepath.Base(path), "book_id", existing.ID)
		}
	}
	return VerdictDuplicateHash, existing, nil
}

// settled reports whether a hash duplicate of existing can be remembered as
// done. A file matching its own unfinished or failed record must stay
// eligible for a later run, and so must a copy of content still in flight.
func settled(existing domain.BookRecord, path string) bool {
	switch existing.Status {
	case domain.StatusProcessed, domain.StatusDuplicateIdentifier:
		return true
	case domain.StatusFailed:
		return existing.FilePath != path
	default:
		return false
	}
}

func missing(path string) bool {
	_, err := os.Stat(path)
	return errors.Is(err, fs.ErrNotExist)
}

// ClassifyIdentifiers reports a processed record sharing one of the
// candidate identifiers, other than excludeID.
func (a *App) ClassifyIdentifiers(ctx context.Context, candidates []string, excludeID string) (Verdict, domain.BookRecord, error) {
	existing, ok, err := a.store.FindProcessedByIdentifier(ctx, candidates, excludeID)
	if err != nil {
		return "", domain.BookRecord{}, fmt.Errorf("lookup identifiers: %w", err)
	}
	if !ok {
		return VerdictNew, domain.BookRecord{}, nil
	}
	return VerdictDuplicateIdentifier, existing, nil
}
