package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JeanLouisParent/sortbook-v5/pkg/domain"
)

// MemoryStore keeps records in-process. It enforces the same fingerprint
// uniqueness and finalize guard as the SQL store and backs tests and
// throwaway dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	books  map[string]domain.BookRecord
	byHash map[string]string // fingerprint -> ID
	orders []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:  make(map[string]domain.BookRecord),
		byHash: make(map[string]string),
	}
}

// FindByFingerprint looks up the record owning a fingerprint.
func (m *MemoryStore) FindByFingerprint(_ context.Context, fingerprint string) (domain.BookRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[fingerprint]
	if !ok {
		return domain.BookRecord{}, false, nil
	}
	return m.books[id], true, nil
}

// FindProcessedByIdentifier returns the first processed record in insertion
// order whose identifier is one of identifiers.
func (m *MemoryStore) FindProcessedByIdentifier(_ context.Context, identifiers []string, excludeID string) (domain.BookRecord, bool, error) {
	ids := compactIdentifiers(identifiers)
	if len(ids) == 0 {
		return domain.BookRecord{}, false, nil
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.orders {
		b := m.books[id]
		if b.ID == excludeID || b.Status != domain.StatusProcessed {
			continue
		}
		if _, ok := wanted[b.Identifier]; ok {
			return b, true, nil
		}
	}
	return domain.BookRecord{}, false, nil
}

// CreatePending inserts a new pending record.
func (m *MemoryStore) CreatePending(_ context.Context, rec domain.BookRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byHash[rec.Fingerprint]; exists {
		return ErrDuplicateFingerprint
	}
	if _, exists := m.books[rec.ID]; exists {
		return fmt.Errorf("book %s already exists", rec.ID)
	}
	now := time.Now().UTC()
	rec.Status = domain.StatusPending
	if rec.IdentifierSource == "" {
		rec.IdentifierSource = domain.IdentifierNone
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.books[rec.ID] = rec
	m.byHash[rec.Fingerprint] = rec.ID
	m.orders = append(m.orders, rec.ID)
	return nil
}

// Finalize writes the terminal outcome of a pending or failed record.
func (m *MemoryStore) Finalize(_ context.Context, id string, out domain.Outcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %q", out.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok || (b.Status != domain.StatusPending && b.Status != domain.StatusFailed) {
		return ErrNotFound
	}
	title, author, choice := finalFields(out)
	completed := out.CompletedAt.UTC()
	b.Status = out.Status
	if out.FilePath != "" {
		b.FilePath = out.FilePath
	}
	if out.Filename != "" {
		b.Filename = out.Filename
	}
	b.Identifier = out.Identifier
	b.IdentifierSource = out.IdentifierSource
	if b.IdentifierSource == "" {
		b.IdentifierSource = domain.IdentifierNone
	}
	b.HasCover = out.HasCover
	b.FinalTitle = title
	b.FinalAuthor = author
	b.ChoiceSource = choice
	b.ExtractionSnapshot = out.ExtractionSnapshot
	b.EnrichmentResponse = out.EnrichmentResponse
	b.ProcessingCompletedAt = &completed
	b.ProcessingTimeMS = out.ProcessingTimeMS
	b.ErrorMessage = out.ErrorMessage
	b.UpdatedAt = time.Now().UTC()
	m.books[id] = b
	return nil
}

// GetBook retrieves a record by ID.
func (m *MemoryStore) GetBook(_ context.Context, id string) (domain.BookRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// ListPending returns pending records in insertion order.
func (m *MemoryStore) ListPending(_ context.Context) ([]domain.BookRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.BookRecord, 0)
	for _, id := range m.orders {
		if b := m.books[id]; b.Status == domain.StatusPending {
			res = append(res, b)
		}
	}
	return res, nil
}

// ListBooks returns every record in insertion order.
func (m *MemoryStore) ListBooks() []domain.BookRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.BookRecord, 0, len(m.orders))
	for _, id := range m.orders {
		res = append(res, m.books[id])
	}
	return res
}

// CountByStatus returns the number of records per status.
func (m *MemoryStore) CountByStatus(_ context.Context) (map[domain.BookStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[domain.BookStatus]int)
	for _, b := range m.books {
		counts[b.Status]++
	}
	return counts, nil
}

// Truncate removes every record.
func (m *MemoryStore) Truncate(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books = make(map[string]domain.BookRecord)
	m.byHash = make(map[string]string)
	m.orders = nil
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
