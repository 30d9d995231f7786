package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/JeanLouisParent/sortbook-v5/pkg/domain"
)

// State is where a file's run ended.
type State string

const (
	StateDone    State = "DONE"
	StateSkipped State = "SKIPPED"
	StateErrored State = "ERRORED"
)

// Result describes one file's run.
type Result struct {
	Path          string
	Filename      string
	Fingerprint   string
	BookID        string
	State         State
	Status        domain.BookStatus
	Identifier    string
	HasIdentifier bool
	HasMetadata   bool
	Title         string
	Author        string
	ChoiceSource  string
	ErrorMessage  string
	Destination   string
	Duration      time.Duration
	Err           error
}

// Line renders the compact console summary for the file.
func (r Result) Line() string {
	processed := r.State == StateDone && r.Status == domain.StatusProcessed
	return fmt.Sprintf("%s | isbn=%s | metadata=%s | processed=%s | by=%s",
		r.Filename, yesNo(r.HasIdentifier), yesNo(r.HasMetadata), yesNo(processed), r.origin())
}

func (r Result) origin() string {
	switch r.State {
	case StateSkipped:
		return "resume"
	case StateErrored:
		return "error"
	}
	if r.Status == domain.StatusProcessed {
		if r.ChoiceSource == "" {
			return "unknown"
		}
		return r.ChoiceSource
	}
	return string(r.Status)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func (a *App) report(res Result) {
	fmt.Fprintln(a.console, res.Line())
	attrs := []any{
		"file", res.Filename,
		"state", res.State,
		"status", res.Status,
		"book_id", res.BookID,
		"duration_ms", res.Duration.Milliseconds(),
	}
	switch {
	case res.Err != nil:
		a.logger.Error("file errored", append(attrs, "err", res.Err)...)
	case res.ErrorMessage != "":
		a.logger.Info("file done", append(attrs, "error_message", res.ErrorMessage)...)
	default:
		a.logger.Info("file done", attrs...)
	}
}

// Summary totals a run.
type Summary struct {
	Total               int
	Processed           int
	Failed              int
	DuplicateHash       int
	DuplicateIdentifier int
	Skipped             int
	Errored             int
	Duration            time.Duration
}

// Add counts one result.
func (s *Summary) Add(r Result) {
	s.Total++
	switch r.State {
	case StateSkipped:
		s.Skipped++
		return
	case StateErrored:
		s.Errored++
		return
	}
	switch r.Status {
	case domain.StatusProcessed:
		s.Processed++
	case domain.StatusFailed:
		s.Failed++
	case domain.StatusDuplicateHash:
		s.DuplicateHash++
	case domain.StatusDuplicateIdentifier:
		s.DuplicateIdentifier++
	}
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d file(s): processed=%d failed=%d duplicate_hash=%d duplicate_identifier=%d skipped=%d errored=%d",
		s.Total, s.Processed, s.Failed, s.DuplicateHash, s.DuplicateIdentifier, s.Skipped, s.Errored)
	if s.Duration > 0 {
		fmt.Fprintf(&b, " in %s", s.Duration.Round(time.Millisecond))
	}
	return b.String()
}
