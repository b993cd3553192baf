package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"mlm_service/internal/bonus"
	"mlm_service/internal/config"

	"github.com/spf13/cobra"
)

func runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a bonus period now",
	}
	cmd.AddCommand(runDailyCommand(), runMonthlyCommand())
	return cmd
}

func runDailyCommand() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Compute pairing, leveling and matching bonuses for a day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromContext(cmd.Context())
			loc := cfg.Location()
			day := time.Now().In(loc).AddDate(0, 0, -1)
			if date != "" {
				var err error
				if day, err = time.ParseInLocation(bonus.DailyLayout, date, loc); err != nil {
					return fmt.Errorf("invalid --date %q: %w", date, err)
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app) (*bonus.Summary, error) {
				return a.engine.RunDaily(ctx, day)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to run (YYYY-MM-DD), defaults to yesterday")
	return cmd
}

func runMonthlyCommand() *cobra.Command {
	var month, year int
	cmd := &cobra.Command{
		Use:   "monthly",
		Short: "Compute repeat-order and global-sharing bonuses for a month",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromContext(cmd.Context())
			now := time.Now().In(cfg.Location())
			prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, -1, 0)
			if month == 0 {
				month = int(prev.Month())
			}
			if year == 0 {
				year = prev.Year()
			}
			return withApp(cmd, func(ctx context.Context, a *app) (*bonus.Summary, error) {
				return a.engine.RunMonthly(ctx, time.Month(month), year)
			})
		},
	}
	cmd.Flags().IntVar(&month, "month", 0, "month to run (1-12), defaults to the previous month")
	cmd.Flags().IntVar(&year, "year", 0, "year of the month to run")
	return cmd
}

func withApp(cmd *cobra.Command, run func(ctx context.Context, a *app) (*bonus.Summary, error)) error {
	a, err := newApp(config.FromContext(cmd.Context()))
	if err != nil {
		return err
	}
	defer a.close()

	summary, err := run(cmd.Context(), a)
	if summary != nil {
		if werr := printJSON(cmd.OutOrStdout(), summary); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if summary.Status == bonus.RunFailed {
		return fmt.Errorf("run %s finished with %d member errors", summary.RunID, summary.ErrorCount)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
