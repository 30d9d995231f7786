package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// RunOptions mirror the run command flags.
type RunOptions struct {
	DryRun    bool
	Reset     bool
	UseResume bool
	Limit     int
	Offset    int
	// SingleFile processes only this path.
	SingleFile string
	TestMode   bool
}

// Run resets when asked, discovers files and processes them one by one.
// Only cancellation, reset and discovery failures are returned as errors.
func (a *App) Run(ctx context.Context, opts RunOptions) (Summary, error) {
	started := a.now()
	var summary Summary
	if opts.Reset {
		if err := a.Reset(ctx); err != nil {
			return summary, err
		}
	}
	if opts.DryRun {
		a.logger.Info("dry run: files will not be moved")
	}
	files, err := a.Discover(opts)
	if err != nil {
		return summary, err
	}
	if len(files) == 0 {
		a.logger.Info("no files to process", "dir", a.booksDir)
		return summary, nil
	}
	a.logger.Info("processing files", "count", len(files), "resume", opts.UseResume && a.tracker.Enabled())

	fileOpts := FileOptions{DryRun: opts.DryRun, TestMode: opts.TestMode, UseResume: opts.UseResume}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			summary.Duration = a.now().Sub(started)
			return summary, fmt.Errorf("run interrupted: %w", err)
		}
		summary.Add(a.ProcessFile(ctx, path, fileOpts))
	}
	summary.Duration = a.now().Sub(started)
	a.logger.Info("run finished", "summary", summary.String())
	return summary, nil
}

// Discover lists candidate files in lexical walk order, then applies offset
// and limit. A single file bypasses the walk.
func (a *App) Discover(opts RunOptions) ([]string, error) {
	if single := strings.TrimSpace(opts.SingleFile); single != "" {
		info, err := os.Stat(single)
		if err != nil {
			return nil, fmt.Errorf("single file: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("single file: %s is a directory", single)
		}
		return []string{single}, nil
	}
	if strings.TrimSpace(a.booksDir) == "" {
		return nil, errors.New("books dir required")
	}
	var files []string
	err := filepath.WalkDir(a.booksDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == a.booksDir {
				return err
			}
			a.logger.Warn("skip unreadable path", "path", path, "err", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != a.booksDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if a.targetDir != "" && filepath.Clean(path) == filepath.Clean(a.targetDir) {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := a.extensions[strings.ToLower(filepath.Ext(path))]; ok && d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk books dir: %w", err)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(files) {
			return nil, nil
		}
		files = files[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(files) {
		files = files[:opts.Limit]
	}
	return files, nil
}
