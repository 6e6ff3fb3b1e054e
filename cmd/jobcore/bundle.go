package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shalfeiok/jobcore/journal"
)

func bundleCmd() *cobra.Command {
	var (
		out    string
		logDir string
		logs   []string
	)

	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Write a crash bundle zip with the journal and logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JournalPath == "" {
				return fmt.Errorf("no journal path configured")
			}

			err = journal.WriteBundle(out, journal.BundleOptions{
				JournalPath:    cfg.JournalPath,
				LogDir:         logDir,
				LogGlobs:       logs,
				IncludeRotated: true,
			})
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "jobcore-bundle.zip", "output zip path")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "application log directory")
	cmd.Flags().StringArrayVar(&logs, "logs", nil, "log file globs relative to --log-dir")
	return cmd
}
