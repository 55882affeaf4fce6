package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sells-group/eb-copilot/internal/model"
	"github.com/sells-group/eb-copilot/internal/pipeline"
	"github.com/sells-group/eb-copilot/internal/queue"
)

var runCmd = &cobra.Command{
	Use:   "run <verification-id>",
	Short: "Run the connector and extraction for one verification synchronously",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		return runVerification(ctx, env.Pipeline, args[0], cmd.OutOrStdout())
	},
}

// runVerification executes Run and, when it queued extraction, Extract in
// the foreground. The queued extract task is still delivered to workers
// later; extraction is idempotent.
func runVerification(ctx context.Context, p *pipeline.Pipeline, id string, out io.Writer) error {
	task, err := queue.NewTask(model.TaskRun, id)
	if err != nil {
		return err
	}
	outcome, err := p.Execute(ctx, task)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s\n", model.TaskRun, outcome)
	if outcome != model.OutcomeQueuedExtraction {
		return nil
	}

	task, err = queue.NewTask(model.TaskExtract, id)
	if err != nil {
		return err
	}
	outcome, err = p.Execute(ctx, task)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s\n", model.TaskExtract, outcome)
	return nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
