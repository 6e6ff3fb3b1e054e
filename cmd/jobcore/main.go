// Command jobcore runs the job engine as a small service with an HTTP
// API, and doubles as its own demo worker binary for process-isolated
// jobs.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shalfeiok/jobcore"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "jobcore",
		Short:         "Job orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(serveCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(bundleCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "jobcore:", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (jobcore.Config, error) {
	if configPath == "" {
		return jobcore.DefaultConfig(), nil
	}
	return jobcore.LoadConfig(configPath)
}
