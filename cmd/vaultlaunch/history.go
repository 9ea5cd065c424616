package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/vaultlaunch/internal/storage"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent launches",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of launches to show")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)

	ctx := context.Background()
	store, err := initStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	if store.Driver() == storage.DriverNone {
		fmt.Fprintln(cmd.OutOrStdout(), "history is disabled (storage.driver: none)")
		return nil
	}

	records, err := store.List(ctx, historyLimit)
	if err != nil {
		return err
	}
	return writeHistory(cmd.OutOrStdout(), records)
}

// writeHistory renders records as an aligned table, newest first.
func writeHistory(w io.Writer, records []storage.LaunchRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "no launches recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tTARGET\tITEM\tUSER\tHOST\tSTATUS\tSTAGE\tEXIT\tDURATION")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime),
			r.Target,
			r.ItemID,
			dash(r.Username),
			dash(r.Host),
			r.Status,
			r.Stage,
			r.ExitCode,
			r.Duration.Round(time.Millisecond),
		)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
