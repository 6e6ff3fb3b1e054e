package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shalfeiok/jobcore/event"
	"github.com/shalfeiok/jobcore/journal"
	"github.com/shalfeiok/jobcore/registry"
)

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show job history reconstructed from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JournalPath == "" {
				return fmt.Errorf("no journal path configured")
			}
			if _, err := os.Stat(cfg.JournalPath); err != nil {
				return fmt.Errorf("journal: %w", err)
			}

			logger := newLogger()
			store, err := journal.Open(cfg.JournalPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			bus := event.NewBus(logger)
			reg := registry.New(bus, logger, registry.WithMaxRecords(limit))
			defer reg.Close()
			if err := reg.Replay(store); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tKIND\tSTATUS\tPROGRESS\tRETRIES\tMESSAGE")
			for _, rec := range reg.List(registry.Filter{Limit: limit}) {
				msg := rec.Message
				if rec.Failure != nil {
					msg = rec.Failure.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%d\t%s\n",
					rec.ID, rec.Kind, rec.Status, rec.Progress*100, rec.RetryCount, msg)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to show")
	return cmd
}
