// Package app runs the per-file sorting pipeline: fingerprint, dedup,
// extraction, a single enrichment call, the decision and the terminal write.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/JeanLouisParent/sortbook-v5/pkg/events"
	"github.com/JeanLouisParent/sortbook-v5/pkg/metrics"
	"github.com/JeanLouisParent/sortbook-v5/pkg/resume"
	"github.com/JeanLouisParent/sortbook-v5/pkg/storage"
	"github.com/JeanLouisParent/sortbook-v5/pkg/store"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/enrich"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/extract"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/ocr"
)

// Duplicate identifier policies.
const (
	PolicyHalt     = "halt"
	PolicyAdvisory = "advisory"
)

// DefaultChoiceSource names the decision when the service reply has no source.
const DefaultChoiceSource = "sortebook_v5"

const defaultMinContrast = 20

// Extractor produces the extraction bundle for one file.
type Extractor interface {
	Extract(ctx context.Context, path string) extract.Bundle
}

// Recognizer reads text from cover images.
type Recognizer interface {
	Recognize(ctx context.Context, images []extract.Image) []ocr.Result
}

// Enricher performs the single enrichment call.
type Enricher interface {
	Enrich(ctx context.Context, p enrich.Payload) (*enrich.Response, error)
}

// Quota paces enrichment calls shared with other hosts.
type Quota interface {
	Wait(ctx context.Context, key string) error
}

// Config holds runtime collaborators and policies.
type Config struct {
	Store     store.Store
	Tracker   resume.Tracker
	Extractor Extractor
	OCR       Recognizer
	Enricher  Enricher
	Quota     Quota
	Relocator storage.Relocator
	Publisher events.Publisher
	Metrics   *metrics.Pipeline
	Logger    *slog.Logger
	// Console receives one compact line per file.
	Console io.Writer

	BooksDir                  string
	TargetDir                 string
	Extensions                []string
	DuplicateIdentifierPolicy string
	RetryFailed               bool
	CoverMinContrast          float64
}

// App is the pipeline orchestrator.
type App struct {
	store       store.Store
	tracker     resume.Tracker
	extractor   Extractor
	ocr         Recognizer
	enricher    Enricher
	quota       Quota
	relocator   storage.Relocator
	publisher   events.Publisher
	metrics     *metrics.Pipeline
	logger      *slog.Logger
	console     io.Writer
	booksDir    string
	targetDir   string
	extensions  map[string]struct{}
	policy      string
	retryFailed bool
	minContrast float64
	now         func() time.Time
}

// New validates collaborators and fills defaults.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Enricher == nil {
		return nil, errors.New("enrichment client required")
	}
	policy := strings.ToLower(strings.TrimSpace(cfg.DuplicateIdentifierPolicy))
	switch policy {
	case "":
		policy = PolicyHalt
	case PolicyHalt, PolicyAdvisory:
	default:
		return nil, fmt.Errorf("unknown duplicate identifier policy %q", cfg.DuplicateIdentifierPolicy)
	}
	a := &App{
		store:       cfg.Store,
		tracker:     cfg.Tracker,
		extractor:   cfg.Extractor,
		ocr:         cfg.OCR,
		enricher:    cfg.Enricher,
		quota:       cfg.Quota,
		relocator:   cfg.Relocator,
		publisher:   cfg.Publisher,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		console:     cfg.Console,
		booksDir:    cfg.BooksDir,
		targetDir:   cfg.TargetDir,
		extensions:  make(map[string]struct{}),
		policy:      policy,
		retryFailed: cfg.RetryFailed,
		minContrast: cfg.CoverMinContrast,
		now:         time.Now,
	}
	if a.tracker == nil {
		a.tracker = resume.NopTracker{}
	}
	if a.publisher == nil {
		a.publisher = events.NopPublisher{}
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.console == nil {
		a.console = io.Discard
	}
	if a.extractor == nil {
		a.extractor = extract.New(extract.Config{Logger: a.logger})
	}
	if a.minContrast <= 0 {
		a.minContrast = defaultMinContrast
	}
	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = []string{".epub"}
	}
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		a.extensions[ext] = struct{}{}
	}
	return a, nil
}

// Reset truncates the store and clears the resume set. It ignores dry-run.
func (a *App) Reset(ctx context.Context) error {
	if err := a.store.Truncate(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	if err := a.tracker.Clear(ctx); err != nil {
		return fmt.Errorf("reset resume set: %w", err)
	}
	a.logger.Warn("reset: store truncated and resume set cleared", "resume_enabled", a.tracker.Enabled())
	return nil
}
