package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shalfeiok/jobcore"
	"github.com/shalfeiok/jobcore/api"
	"github.com/shalfeiok/jobcore/engine"
	"github.com/shalfeiok/jobcore/procrunner"
	"github.com/shalfeiok/jobcore/runner"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JournalPath == "" {
				cfg.JournalPath = filepath.Join(os.TempDir(), "jobcore", "events.jsonl")
			}
			if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
				return fmt.Errorf("create journal dir: %w", err)
			}
			return serve(cfg, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8420", "HTTP listen address")
	return cmd
}

func serve(cfg jobcore.Config, addr string) error {
	logger := newLogger()

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := registerDemoKinds(eng); err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.New(eng, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	return eng.Shutdown(shutdownCtx)
}

// demoInput is the payload both demo kinds accept.
type demoInput struct {
	DurationMS int  `json:"duration_ms"`
	Steps      int  `json:"steps"`
	Fail       bool `json:"fail"`
}

func parseDemoInput(raw json.RawMessage) (demoInput, error) {
	in := demoInput{DurationMS: 1000, Steps: 10}
	if len(raw) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, jobcore.WrapError(jobcore.CodeValidation, "invalid demo input", err)
	}
	if in.Steps <= 0 {
		in.Steps = 1
	}
	return in, nil
}

// registerDemoKinds installs one kind per isolation so both execution
// paths are reachable out of the box: "sleep" runs in-process, "churn"
// spawns this binary as a worker child.
func registerDemoKinds(eng *engine.Engine) error {
	sleep := engine.Definition{
		Kind:      "sleep",
		Isolation: jobcore.IsolationThread,
		Run: func(ctx context.Context, rc *runner.RunContext, input json.RawMessage) (json.RawMessage, error) {
			in, err := parseDemoInput(input)
			if err != nil {
				return nil, err
			}
			step := time.Duration(in.DurationMS) * time.Millisecond / time.Duration(in.Steps)
			for i := 1; i <= in.Steps; i++ {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(step):
				}
				fmt.Fprintf(rc.Log, "step %d of %d\n", i, in.Steps)
				if err := rc.Progress(float64(i)/float64(in.Steps), fmt.Sprintf("step %d", i)); err != nil {
					return nil, err
				}
			}
			if in.Fail {
				return nil, jobcore.NewError(jobcore.CodeIntegration, "instructed to fail")
			}
			return json.Marshal(map[string]int{"steps": in.Steps})
		},
	}
	if err := eng.Register(sleep); err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own binary: %w", err)
	}
	churn := engine.Definition{
		Kind:      "churn",
		Isolation: jobcore.IsolationProcess,
		Command: func(input json.RawMessage) (procrunner.Command, error) {
			if _, err := parseDemoInput(input); err != nil {
				return procrunner.Command{}, err
			}
			args := []string{"worker"}
			if len(input) > 0 {
				args = append(args, "--input", string(input))
			}
			return procrunner.Command{Path: self, Args: args}, nil
		},
	}
	return eng.Register(churn)
}
