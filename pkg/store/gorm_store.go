package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/JeanLouisParent/sortbook-v5/pkg/domain"
)

const migrateLockID int64 = 51730517

const sqlitePrefix = "sqlite:"

// GormStore implements Store using GORM on Postgres (or SQLite for local runs).
type GormStore struct {
	db      *gorm.DB
	dialect string
}

// NewGormStore opens the DB and runs auto-migrations.
// A DSN prefixed with "sqlite:" opens the SQLite file that follows it.
func NewGormStore(dsn string) (*GormStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database dsn required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, sqlitePrefix) {
		dialector = sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix))
	} else {
		dialector = postgres.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &GormStore{db: db, dialect: db.Dialector.Name()}
	if err := s.withMigrationLock(func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GormStore) withMigrationLock(fn func(*gorm.DB) error) error {
	if s.dialect != "postgres" {
		return fn(s.db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(s.db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// FindByFingerprint looks up the record owning a fingerprint.
func (s *GormStore) FindByFingerprint(ctx context.Context, fingerprint string) (domain.BookRecord, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "fingerprint = ?", fingerprint).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BookRecord{}, false, nil
		}
		return domain.BookRecord{}, false, err
	}
	return bookFromModel(model), true, nil
}

// FindProcessedByIdentifier returns the oldest processed record carrying one
// of the identifiers, ignoring excludeID.
func (s *GormStore) FindProcessedByIdentifier(ctx context.Context, identifiers []string, excludeID string) (domain.BookRecord, bool, error) {
	ids := compactIdentifiers(identifiers)
	if len(ids) == 0 {
		return domain.BookRecord{}, false, nil
	}
	tx := s.db.WithContext(ctx).
		Where("identifier IN ? AND status = ?", ids, string(domain.StatusProcessed))
	if excludeID != "" {
		tx = tx.Where("id <> ?", excludeID)
	}
	var model BookModel
	if err := tx.Order("created_at ASC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BookRecord{}, false, nil
		}
		return domain.BookRecord{}, false, err
	}
	return bookFromModel(model), true, nil
}

// CreatePending inserts a new pending record. The unique fingerprint index
// turns a concurrent insert into ErrDuplicateFingerprint.
func (s *GormStore) CreatePending(ctx context.Context, rec domain.BookRecord) error {
	rec.Status = domain.StatusPending
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	model := bookToModel(rec)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateFingerprint
		}
		return fmt.Errorf("insert pending book: %w", err)
	}
	return nil
}

// Finalize writes the terminal outcome of a pending (or retried failed)
// record in a single update.
func (s *GormStore) Finalize(ctx context.Context, id string, out domain.Outcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %q", out.Status)
	}
	title, author, choice := finalFields(out)
	source := out.IdentifierSource
	if source == "" {
		source = domain.IdentifierNone
	}
	completed := out.CompletedAt.UTC()
	updates := map[string]any{
		"status":                  string(out.Status),
		"identifier":              out.Identifier,
		"identifier_source":       string(source),
		"has_cover":               out.HasCover,
		"final_title":             title,
		"final_author":            author,
		"choice_source":           choice,
		"extraction_snapshot":     jsonColumn(out.ExtractionSnapshot),
		"enrichment_response":     jsonColumn(out.EnrichmentResponse),
		"processing_completed_at": &completed,
		"processing_time_ms":      out.ProcessingTimeMS,
		"error_message":           out.ErrorMessage,
		"updated_at":              time.Now().UTC(),
	}
	if out.FilePath != "" {
		updates["file_path"] = out.FilePath
	}
	if out.Filename != "" {
		updates["filename"] = out.Filename
	}
	res := s.db.WithContext(ctx).Model(&BookModel{}).
		Where("id = ? AND status IN ?", id, []string{string(domain.StatusPending), string(domain.StatusFailed)}).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("finalize book: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBook retrieves a record by ID.
func (s *GormStore) GetBook(ctx context.Context, id string) (domain.BookRecord, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BookRecord{}, false, nil
		}
		return domain.BookRecord{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListPending returns pending records ordered by creation.
func (s *GormStore) ListPending(ctx context.Context) ([]domain.BookRecord, error) {
	var models []BookModel
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(domain.StatusPending)).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.BookRecord, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// CountByStatus returns the number of records per status.
func (s *GormStore) CountByStatus(ctx context.Context) (map[domain.BookStatus]int, error) {
	var rows []struct {
		Status string
		Count  int
	}
	if err := s.db.WithContext(ctx).Model(&BookModel{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[domain.BookStatus]int, len(rows))
	for _, row := range rows {
		counts[domain.BookStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// Truncate removes every record.
func (s *GormStore) Truncate(ctx context.Context) error {
	stmt := "DELETE FROM books"
	if s.dialect == "postgres" {
		stmt = "TRUNCATE TABLE books"
	}
	if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("truncate books: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "unique constraint failed")
}

func compactIdentifiers(identifiers []string) []string {
	seen := make(map[string]struct{}, len(identifiers))
	out := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
