package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/roundtouch/ota-agent/internal/config"
	"github.com/roundtouch/ota-agent/internal/history"
)

var errHistoryDisabled = errors.New("update history is disabled (history_path is \"-\")")

// printHistory writes the n most recent update attempts to w, newest first.
// The store is locked while the agent runs, so this fails against a live agent
// after the history open timeout.
func printHistory(w io.Writer, cfg *config.Config, n int) error {
	if !cfg.HistoryEnabled() {
		return errHistoryDisabled
	}
	store, err := history.Open(cfg.HistoryPath, cfg.HistoryLimit)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Recent(n)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	total, err := store.Count()
	if err != nil {
		return fmt.Errorf("count history: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tOPERATION\tFROM\tTO\tSTATUS\tBYTES\tERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID,
			r.StartedAt.Format(time.RFC3339),
			r.Operation,
			orDash(r.FromVersion),
			orDash(r.ToVersion),
			r.Status,
			r.Bytes,
			orDash(r.ErrorKind),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%d of %d recorded attempts\n", len(records), total)
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
