package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JeanLouisParent/sortbook-v5/internal/ratelimit"
	"github.com/JeanLouisParent/sortbook-v5/internal/runlock"
	"github.com/JeanLouisParent/sortbook-v5/internal/util"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/app"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/config"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/server"
)

type runFlags struct {
	dryRun    bool
	reset     bool
	useResume bool
	limit     int
	offset    int
	testFile  string
	testMode  bool
	verbose   bool
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the books directory",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			applyRunDefaults(cmd, &flags, cfg.Run)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, ctx, flags)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&flags.dryRun, "dry-run", false, "Process and record files without moving them")
	f.BoolVar(&flags.reset, "reset", false, "Truncate the books table, clear the resume set and purge logs first")
	f.BoolVar(&flags.useResume, "use-resume", false, "Skip files already listed in the resume set")
	f.IntVar(&flags.limit, "limit", 0, "Process at most this many files (0 = all)")
	f.IntVar(&flags.offset, "offset", 0, "Skip this many discovered files")
	f.StringVar(&flags.testFile, "file", "", "Process a single file")
	f.BoolVar(&flags.testMode, "test-mode", false, "Send requests to the enrichment test endpoint")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "Debug logging on the console")
	return cmd
}

// applyRunDefaults fills flags the user did not set from the config file.
func applyRunDefaults(cmd *cobra.Command, flags *runFlags, d config.RunDefaults) {
	changed := cmd.Flags().Changed
	if !changed("dry-run") {
		flags.dryRun = d.DryRun
	}
	if !changed("reset") {
		flags.reset = d.Reset
	}
	if !changed("use-resume") {
		flags.useResume = d.UseResume
	}
	if !changed("limit") {
		flags.limit = d.Limit
	}
	if !changed("offset") {
		flags.offset = d.Offset
	}
	if !changed("file") {
		flags.testFile = d.TestFile
	}
	if !changed("test-mode") {
		flags.testMode = d.TestMode
	}
	if !changed("verbose") {
		flags.verbose = d.Verbose
	}
}

func runPipeline(cmd *cobra.Command, cc *commandContext, flags runFlags) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	if flags.limit < 0 || flags.offset < 0 {
		return errors.New("--limit and --offset must be >= 0")
	}

	purged := 0
	if flags.reset {
		if purged, err = util.PurgeLogs(cfg.LogsDir); err != nil {
			return err
		}
	}
	level := cfg.LogLevel
	if flags.verbose {
		level = "debug"
	}
	session, err := util.InitLogger(level, cfg.LogsDir, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer session.Close()
	logger := session.Logger
	if purged > 0 {
		logger.Info("purged previous logs", "count", purged)
	}

	lockPath := cfg.LockPath
	if strings.TrimSpace(lockPath) == "" {
		lockPath = filepath.Join(os.TempDir(), "sortbook.lock")
	}
	lock, err := runlock.Acquire(lockPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	pipeline, err := app.New(app.Config{
		Store:                     rt.store,
		Tracker:                   rt.tracker,
		Extractor:                 rt.extractor,
		OCR:                       rt.ocr,
		Enricher:                  rt.enricher,
		Quota:                     quotaOrNil(rt.quota),
		Relocator:                 rt.relocator,
		Publisher:                 rt.publisher,
		Metrics:                   rt.metrics,
		Logger:                    logger,
		Console:                   cmd.OutOrStdout(),
		BooksDir:                  cfg.BooksDir,
		TargetDir:                 cfg.TargetDir,
		Extensions:                cfg.Extensions,
		DuplicateIdentifierPolicy: cfg.DuplicateIdentifierPolicy,
		RetryFailed:               cfg.RetryFailed,
		CoverMinContrast:          cfg.CoverMinContrast,
	})
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	if addr := strings.TrimSpace(cfg.OpsAddr); addr != "" {
		ops, err := server.New(server.Config{Store: rt.store, Metrics: rt.metrics, Logger: logger})
		if err != nil {
			cancelRun()
			return err
		}
		g.Go(func() error {
			return server.Serve(gctx, addr, ops.Router(), logger)
		})
	}
	var summary app.Summary
	g.Go(func() error {
		defer cancelRun()
		var runErr error
		summary, runErr = pipeline.Run(gctx, app.RunOptions{
			DryRun:     flags.dryRun,
			Reset:      flags.reset,
			UseResume:  flags.useResume,
			Limit:      flags.limit,
			Offset:     flags.offset,
			SingleFile: flags.testFile,
			TestMode:   flags.testMode,
		})
		return runErr
	})
	runErr := g.Wait()
	cancelRun()

	fmt.Fprintln(cmd.OutOrStdout(), summary.String())
	if path := strings.TrimSpace(cfg.MetricsTextfile); path != "" {
		if err := rt.metrics.WriteTextfile(path); err != nil {
			logger.Warn("write metrics textfile failed", "path", path, "err", err)
		}
	}
	if runErr != nil {
		logger.Error("run failed", "err", runErr)
		return runErr
	}
	return nil
}

// quotaOrNil keeps a nil limiter from becoming a non-nil interface.
func quotaOrNil(l *ratelimit.FixedWindowLimiter) app.Quota {
	if l == nil {
		return nil
	}
	return l
}
