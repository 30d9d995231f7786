// Package ocr reads text out of cover images with an external OCR command.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/extract"
)

const (
	defaultCommand   = "tesseract"
	defaultLanguages = "eng+fra"
	defaultTimeout   = 30 * time.Second
	defaultMaxChars  = 2000
)

// Config controls the OCR engine.
type Config struct {
	Enabled   bool
	Command   string
	Languages string
	Timeout   time.Duration
	MaxChars  int
	Logger    *slog.Logger
}

// Result is the OCR output for one image.
type Result struct {
	Filename string   `json:"filename"`
	Text     string   `json:"text"`
	ISBNs    []string `json:"isbns"`
	Error    string   `json:"error,omitempty"`
}

// Engine shells out once per image. A missing command disables it for the
// rest of the process.
type Engine struct {
	enabled   bool
	argv      []string
	languages string
	timeout   time.Duration
	maxChars  int
	logger    *slog.Logger

	once      sync.Once
	available bool

	lookPath func(string) (string, error)
	run      func(ctx context.Context, argv []string) ([]byte, error)
}

// New builds an Engine, filling defaults.
func New(cfg Config) *Engine {
	e := &Engine{
		enabled:   cfg.Enabled,
		argv:      strings.Fields(cfg.Command),
		languages: strings.TrimSpace(cfg.Languages),
		timeout:   cfg.Timeout,
		maxChars:  cfg.MaxChars,
		logger:    cfg.Logger,
		lookPath:  exec.LookPath,
		run:       runCommand,
	}
	if len(e.argv) == 0 {
		e.argv = []string{defaultCommand}
	}
	if e.languages == "" {
		e.languages = defaultLanguages
	}
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	if e.maxChars <= 0 {
		e.maxChars = defaultMaxChars
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Available reports whether OCR can run. The first negative answer is
// logged; later calls stay quiet.
func (e *Engine) Available() bool {
	e.once.Do(func() {
		if !e.enabled {
			e.logger.Warn("ocr disabled, cover text will not be read")
			return
		}
		if _, err := e.lookPath(e.argv[0]); err != nil {
			e.logger.Warn("ocr command not found, skipping ocr", "command", e.argv[0], "err", err)
			return
		}
		e.available = true
	})
	return e.available
}

// Recognize runs OCR on every image that decoded, skipping SVG. Per-image
// failures are reported in the result and never abort the batch.
func (e *Engine) Recognize(ctx context.Context, images []extract.Image) []Result {
	if len(images) == 0 || !e.Available() {
		return nil
	}
	var results []Result
	for _, img := range images {
		if img.MediaType == "image/svg+xml" || len(img.Data) == 0 {
			continue
		}
		res := Result{Filename: img.Href, ISBNs: []string{}}
		text, err := e.recognizeOne(ctx, img)
		if err != nil {
			res.Error = err.Error()
			e.logger.Debug("ocr failed", "image", img.Href, "err", err)
		} else {
			res.Text = text
			if found := extract.FindISBNs(text); found != nil {
				res.ISBNs = found
			}
		}
		results = append(results, res)
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

// ISBNs flattens identifiers found across results.
func ISBNs(results []Result) []string {
	var out []string
	for _, r := range results {
		out = append(out, r.ISBNs...)
	}
	return out
}

func (e *Engine) recognizeOne(ctx context.Context, img extract.Image) (string, error) {
	tmp, err := os.CreateTemp("", "sortbook-ocr-*"+path.Ext(img.Href))
	if err != nil {
		return "", fmt.Errorf("create temp image: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(img.Data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp image: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	argv := append(append([]string{}, e.argv...), tmp.Name(), "stdout", "-l", e.languages)
	out, err := e.run(ctx, argv)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("ocr timed out after %s", e.timeout)
		}
		return "", err
	}
	text := strings.Join(strings.Fields(string(out)), " ")
	runes := []rune(text)
	if len(runes) > e.maxChars {
		text = string(runes[:e.maxChars])
	}
	return text, nil
}

func runCommand(ctx context.Context, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return nil, fmt.Errorf("%s: %w", argv[0], err)
	}
	return out, nil
}
