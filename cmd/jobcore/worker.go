package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shalfeiok/jobcore/procrunner/protocol"
)

func workerCmd() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Demo worker child entrypoint",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(protocol.RunWorker(func(ctx context.Context, w *protocol.Writer) (any, error) {
				in, err := parseDemoInput(json.RawMessage(input))
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
					_ = w.Logf("step %d of %d", i, in.Steps)
					_ = w.Progress(float64(i)/float64(in.Steps), fmt.Sprintf("step %d", i))
				}
				if in.Fail {
					return nil, fmt.Errorf("instructed to fail")
				}
				return map[string]int{"steps": in.Steps}, nil
			}))
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "JSON job input")
	return cmd
}
