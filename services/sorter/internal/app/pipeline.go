package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/JeanLouisParent/sortbook-v5/internal/util"
	"github.com/JeanLouisParent/sortbook-v5/pkg/domain"
	"github.com/JeanLouisParent/sortbook-v5/pkg/events"
	"github.com/JeanLouisParent/sortbook-v5/pkg/fingerprint"
	"github.com/JeanLouisParent/sortbook-v5/pkg/storage"
	"github.com/JeanLouisParent/sortbook-v5/pkg/store"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/enrich"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/extract"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/ocr"
)

// FileOptions are the per-run switches that reach a single file.
type FileOptions struct {
	DryRun    bool
	TestMode  bool
	UseResume bool
}

const quotaKey = "enrichment"

// snapshot is the audit copy of what extraction saw.
type snapshot struct {
	Extraction extract.Bundle `json:"extraction"`
	ImageOCR   []ocr.Result   `json:"image_ocr"`
}

// ProcessFile runs one file through the state machine. Failures stay inside
// the Result; nothing here aborts a run.
func (a *App) ProcessFile(ctx context.Context, path string, opts FileOptions) Result {
	started := a.now()
	res := Result{Path: path, Filename: filepath.Base(path), State: StateErrored}
	defer func() {
		res.Duration = a.now().Sub(started)
		a.report(res)
	}()

	// START -> FINGERPRINTED
	info, err := os.Stat(path)
	if err != nil {
		res.Err = fmt.Errorf("stat file: %w", err)
		return res
	}
	a.metrics.ObserveFileSize(info.Size())
	stage := a.now()
	hash, err := fingerprint.File(path)
	if err != nil {
		res.Err = fmt.Errorf("fingerprint: %w", err)
		return res
	}
	a.observe("fingerprint", stage)
	res.Fingerprint = hash

	if opts.UseResume && a.tracker.Enabled() {
		done, err := a.tracker.IsProcessed(ctx, path)
		if err != nil {
			a.logger.Warn("resume lookup failed, processing file", "file", res.Filename, "err", err)
		} else if done {
			res.State = StateSkipped
			a.metrics.RecordSkipped()
			return res
		}
	}

	// FINGERPRINTED -> DEDUP_CHECKED
	verdict, existing, err := a.Classify(ctx, hash, path)
	if err != nil {
		res.Err = err
		return res
	}
	var bookID string
	switch verdict {
	case VerdictDuplicateHash:
		a.finishDuplicateHash(ctx, &res, existing, opts)
		return res
	case VerdictRetry:
		bookID = existing.ID
		a.logger.Info("reprocessing unfinished record", "file", res.Filename, "book_id", bookID, "previous_status", existing.Status)
	default:
		bookID = util.NewID()
		startedAt := started.UTC()
		err := a.store.CreatePending(ctx, domain.BookRecord{
			ID:                  bookID,
			Fingerprint:         hash,
			Filename:            res.Filename,
			FilePath:            path,
			FileSize:            info.Size(),
			ProcessingStartedAt: &startedAt,
		})
		if errors.Is(err, store.ErrDuplicateFingerprint) {
			late, ok, lookupErr := a.store.FindByFingerprint(ctx, hash)
			if lookupErr != nil {
				res.Err = fmt.Errorf("resolve late duplicate: %w", lookupErr)
				return res
			}
			if !ok {
				res.Err = errors.New("resolve late duplicate: fingerprint not found")
				return res
			}
			a.finishDuplicateHash(ctx, &res, late, opts)
			return res
		}
		if err != nil {
			res.Err = fmt.Errorf("create pending record: %w", err)
			return res
		}
	}
	res.BookID = bookID

	// DEDUP_CHECKED -> EXTRACTED
	stage = a.now()
	bundle := a.extractor.Extract(ctx, path)
	a.observe("extract", stage)
	ocrResults := a.runOCR(ctx, &bundle)
	res.HasIdentifier = bundle.Identifier != ""
	res.HasMetadata = !bundle.Metadata.Empty()
	out := domain.Outcome{
		FilePath:           path,
		Filename:           res.Filename,
		Identifier:         bundle.Identifier,
		IdentifierSource:   bundle.IdentifierSource,
		HasCover:           bundle.HasCover(),
		ExtractionSnapshot: a.marshalSnapshot(bundle, ocrResults),
	}

	dupVerdict, dup, err := a.ClassifyIdentifiers(ctx, bundle.ISBN.All(), bookID)
	if err != nil {
		out.Status = domain.StatusFailed
		out.ErrorMessage = err.Error()
		a.persist(ctx, &res, out, started, opts)
		return res
	}
	if dupVerdict == VerdictDuplicateIdentifier {
		if a.policy == PolicyHalt {
			a.logger.Info("duplicate identifier", "file", res.Filename, "identifier", dup.Identifier, "existing_id", dup.ID)
			out.Status = domain.StatusDuplicateIdentifier
			a.persist(ctx, &res, out, started, opts)
			return res
		}
		a.logger.Warn("duplicate identifier, continuing", "file", res.Filename, "identifier", dup.Identifier, "existing_id", dup.ID)
	}

	// EXTRACTED -> ENRICHED
	payload := enrich.BuildPayload(path, bundle, ocrResults, opts.DryRun, opts.TestMode)
	if err := a.waitQuota(ctx); err != nil {
		res.Err = err
		return res
	}
	stage = a.now()
	resp, err := a.enricher.Enrich(ctx, payload)
	a.observe("enrich", stage)
	a.metrics.RecordEnrichment(enrichmentResult(resp, err))
	if err != nil {
		a.logger.Warn("enrichment failed", "file", res.Filename, "err", err)
	}

	// ENRICHED -> DECIDED
	d := decide(resp, err)
	if resp != nil && resp.Success && resp.Payload != nil {
		res.HasMetadata = true
	}
	out.Status = d.Status
	out.FinalTitle = d.Title
	out.FinalAuthor = d.Author
	out.ChoiceSource = d.Source
	out.ErrorMessage = d.ErrorMessage
	out.EnrichmentResponse = responseDocument(resp, err)

	// DECIDED -> PERSISTED -> DONE
	a.persist(ctx, &res, out, started, opts)
	return res
}

// waitQuota blocks for an enrichment slot. Only cancellation stops the file;
// a quota backend error lets the call through.
func (a *App) waitQuota(ctx context.Context) error {
	if a.quota == nil {
		return nil
	}
	err := a.quota.Wait(ctx, quotaKey)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("wait for enrichment quota: %w", err)
	}
	a.logger.Warn("enrichment quota unavailable, calling without it", "err", err)
	return nil
}

func (a *App) runOCR(ctx context.Context, bundle *extract.Bundle) []ocr.Result {
	if a.ocr == nil {
		return []ocr.Result{}
	}
	var qualifying []extract.Image
	for _, img := range bundle.Covers {
		if img.Qualifies(a.minContrast) {
			qualifying = append(qualifying, img)
		}
	}
	if len(qualifying) == 0 {
		return []ocr.Result{}
	}
	stage := a.now()
	results := a.ocr.Recognize(ctx, qualifying)
	a.observe("ocr", stage)
	bundle.AddOCRISBNs(ocr.ISBNs(results))
	if results == nil {
		results = []ocr.Result{}
	}
	return results
}

// persist writes the terminal outcome, then updates the resume set. The
// resume set is only touched after the write succeeded.
func (a *App) persist(ctx context.Context, res *Result, out domain.Outcome, started time.Time, opts FileOptions) {
	completed := a.now()
	out.CompletedAt = completed
	out.ProcessingTimeMS = completed.Sub(started).Milliseconds()
	stage := a.now()
	if err := a.store.Finalize(ctx, res.BookID, out); err != nil {
		res.Err = fmt.Errorf("finalize record: %w", err)
		return
	}
	a.observe("persist", stage)

	res.State = StateDone
	res.Status = out.Status
	res.Identifier = out.Identifier
	res.Title = out.FinalTitle
	res.Author = out.FinalAuthor
	res.ChoiceSource = out.ChoiceSource
	res.ErrorMessage = out.ErrorMessage
	a.track(ctx, res, opts)
	a.complete(ctx, res, opts, true)
}

func (a *App) finishDuplicateHash(ctx context.Context, res *Result, existing domain.BookRecord, opts FileOptions) {
	res.State = StateDone
	res.Status = domain.StatusDuplicateHash
	res.BookID = existing.ID
	res.Identifier = existing.Identifier
	res.HasIdentifier = existing.Identifier != ""
	a.logger.Info("duplicate content", "file", res.Filename, "existing_id", existing.ID, "existing_path", existing.FilePath)
	if settled(existing, res.Path) {
		a.track(ctx, res, opts)
	}
	// The original file of a record is never moved as its own duplicate.
	a.complete(ctx, res, opts, existing.FilePath != res.Path)
}

func (a *App) track(ctx context.Context, res *Result, opts FileOptions) {
	if !opts.UseResume || !a.tracker.Enabled() || res.Status == domain.StatusFailed {
		return
	}
	if err := a.tracker.MarkProcessed(ctx, res.Path); err != nil {
		a.logger.Warn("resume update failed", "file", res.Filename, "err", err)
	}
}

// complete publishes the outcome, records metrics and relocates the file.
func (a *App) complete(ctx context.Context, res *Result, opts FileOptions, relocate bool) {
	a.metrics.RecordOutcome(string(res.Status))
	if err := a.publisher.Publish(ctx, events.Outcome{
		BookID:       res.BookID,
		Fingerprint:  res.Fingerprint,
		FilePath:     res.Path,
		Status:       string(res.Status),
		Identifier:   res.Identifier,
		FinalTitle:   res.Title,
		FinalAuthor:  res.Author,
		ChoiceSource: res.ChoiceSource,
		ErrorMessage: res.ErrorMessage,
		DryRun:       opts.DryRun,
		OccurredAt:   a.now().UTC(),
	}); err != nil {
		a.logger.Warn("publish outcome failed", "file", res.Filename, "err", err)
	}
	if opts.DryRun || !relocate || a.relocator == nil {
		return
	}
	dest, err := a.relocator.Relocate(ctx, res.Path, storage.Placement{
		Status:   string(res.Status),
		Author:   res.Author,
		Title:    res.Title,
		Filename: res.Filename,
	})
	if err != nil {
		a.metrics.RecordRelocationFailure()
		a.logger.Error("relocate file failed", "file", res.Filename, "err", err)
		return
	}
	res.Destination = dest
	a.logger.Debug("file relocated", "file", res.Filename, "dest", dest)
}

func (a *App) marshalSnapshot(bundle extract.Bundle, results []ocr.Result) json.RawMessage {
	data, err := json.Marshal(snapshot{Extraction: bundle, ImageOCR: results})
	if err != nil {
		a.logger.Warn("encode extraction snapshot", "err", err)
		return nil
	}
	return data
}

// responseDocument is the audit copy of the service reply. Failed calls get a
// synthetic reply in the service's own shape.
func responseDocument(resp *enrich.Response, err error) json.RawMessage {
	if err == nil && resp != nil && len(resp.Body) > 0 {
		return resp.Body
	}
	doc := map[string]any{
		"success": false,
		"source":  DefaultChoiceSource,
		"payload": nil,
		"errors":  []string{},
	}
	if err != nil {
		doc["errors"] = []string{err.Error()}
	}
	var schemaErr *enrich.SchemaError
	if errors.As(err, &schemaErr) && len(schemaErr.Body) > 0 {
		if json.Valid(schemaErr.Body) {
			doc["raw"] = json.RawMessage(schemaErr.Body)
		} else {
			doc["raw"] = string(schemaErr.Body)
		}
	}
	data, _ := json.Marshal(doc)
	return data
}

func (a *App) observe(stage string, since time.Time) {
	a.metrics.ObserveStage(stage, a.now().Sub(since).Seconds())
}
