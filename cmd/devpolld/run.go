package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"devpoll/internal/app"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the job schedulers",
	Long: `Run one job scheduler per configured job until interrupted.

Use --job (repeatable) to run only some of the configured jobs, e.g. to
split job types across processes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		jobs, _ := cmd.Flags().GetStringSlice("job")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.New(app.Options{ConfigPath: cfgPath, Jobs: jobs})
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			return err
		}

		reason := app.StopSignal
		select {
		case <-ctx.Done():
		case <-a.Done():
			reason = app.StopFatalError
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, reason)
		return a.Err()
	},
}

func init() {
	runCmd.Flags().StringSlice("job", nil, "Only run the named job (repeatable)")
}
