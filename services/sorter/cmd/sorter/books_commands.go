package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/JeanLouisParent/sortbook-v5/pkg/domain"
	"github.com/JeanLouisParent/sortbook-v5/pkg/resume"
)

func newPendingCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "list-pending",
		Aliases: []string{"pending"},
		Short:   "List records left pending by an interrupted run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer st.Close()
			books, err := st.ListPending(cmd.Context())
			if err != nil {
				return fmt.Errorf("list pending: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(books) == 0 {
				fmt.Fprintln(out, "No pending records")
				return nil
			}
			rows := make([][]string, 0, len(books))
			for _, b := range books {
				rows = append(rows, []string{b.ID, b.Filename, formatStarted(b.ProcessingStartedAt), b.FilePath})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "File", "Started", "Path"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
				shouldColorize(out),
			))
			return nil
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show record counts per status and the resume set size",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer st.Close()
			counts, err := st.CountByStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("count records: %w", err)
			}
			rows := make([][]string, 0, 6)
			for _, status := range []domain.BookStatus{
				domain.StatusProcessed,
				domain.StatusFailed,
				domain.StatusDuplicateHash,
				domain.StatusDuplicateIdentifier,
				domain.StatusPending,
			} {
				rows = append(rows, []string{string(status), strconv.Itoa(counts[status])})
			}
			rows = append(rows, []string{"resume set", resumeCount(cmd.Context(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ResumeKey)})
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}, shouldColorize(out)))
			return nil
		},
	}
}

func resumeCount(ctx context.Context, addr, password string, db int, key string) string {
	if addr == "" {
		return "disabled"
	}
	dialCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()
	tracker, err := resume.NewRedisTracker(dialCtx, resume.Config{Addr: addr, Password: password, DB: db, Key: key})
	if err != nil {
		return "unavailable"
	}
	defer tracker.Close()
	n, err := tracker.Count(dialCtx)
	if err != nil {
		return "unavailable"
	}
	return strconv.FormatInt(n, 10)
}

func newInitDBCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create or migrate the books table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "Database ready")
			return nil
		},
	}
}

func formatStarted(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
