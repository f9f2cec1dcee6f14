package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/co2-monitor/internal/models"
	"github.com/kjstillabower/co2-monitor/internal/store"
	"github.com/kjstillabower/co2-monitor/internal/validation"
)

func newHistoryCommand() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the last N hours of measurements as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if hours <= 0 {
				return fmt.Errorf("--hours must be positive, got %d", hours)
			}
			logger := cliLogger(cmd)
			defer func() { _ = logger.Sync() }()
			st, err := openExisting(databasePath(cmd), logger)
			if err != nil {
				return err
			}
			defer st.Close()

			start := time.Now()
			rows, err := st.QueryRecent(cmd.Context(), time.Duration(hours)*time.Hour)
			if err != nil {
				return err
			}
			logger.Debug("history query complete", zap.Int("hours", hours), zap.Int("rows", len(rows)), zap.Duration("duration", time.Since(start)))
			return printSeries(cmd, rows)
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "window length in hours")
	return cmd
}

func newRangeCommand() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "range",
		Short: "Print measurements between two ISO 8601 date-times as JSON",
		Long: `Range prints every measurement with start <= timestamp <= end. Values without
a zone offset are interpreted in local time.

Example:
  co2monitor range --start 2026-03-01T00:00 --end "2026-03-01 12:00"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := validation.ParseDateTime(start, time.Local)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			to, err := validation.ParseDateTime(end, time.Local)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			logger := cliLogger(cmd)
			defer func() { _ = logger.Sync() }()
			st, err := openExisting(databasePath(cmd), logger)
			if err != nil {
				return err
			}
			defer st.Close()

			var rows []models.Measurement
			if to.Before(from) {
				logger.Warn("end precedes start, printing empty series", zap.Time("start", from), zap.Time("end", to))
			} else {
				rows, err = st.QueryRange(cmd.Context(), from, to)
				if err != nil {
					return err
				}
			}
			logger.Debug("range query complete", zap.Time("start", from), zap.Time("end", to), zap.Int("rows", len(rows)))
			return printSeries(cmd, rows)
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "inclusive lower bound (required)")
	cmd.Flags().StringVar(&end, "end", "", "inclusive upper bound (required)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

// openExisting opens path without creating it; a typo should not leave an empty database behind.
func openExisting(path string, logger *zap.Logger) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database %s: %w", path, err)
	}
	logger.Debug("opening database", zap.String("path", path))
	return store.Open(path)
}

func printSeries(cmd *cobra.Command, rows []models.Measurement) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(models.NewSeries(rows))
}
