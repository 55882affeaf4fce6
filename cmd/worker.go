package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/eb-copilot/internal/pipeline"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume pipeline tasks without serving the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		return pipeline.NewWorker(env.Queue, env.Pipeline).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
