package cmd

import (
	"agentq/internal/app"
	"agentq/internal/config"
	"agentq/internal/domain"
	"agentq/internal/usecase"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var (
		prompt  string
		timeout time.Duration
		poll    time.Duration
	)

	var command = &cobra.Command{
		Use:          "run",
		Short:        "Run a single task in-process and print its result",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			app.SetupLogging(cfg.App)
			// One task needs one worker; a shared broker would let another
			// process claim it.
			cfg.Pool.Driver = "memory"
			cfg.Pool.Concurrency = 1

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			a.Start(ctx)
			defer a.Wait()
			defer stop()

			id, err := a.Submit(ctx, prompt, timeout)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			t, err := usecase.Wait(ctx, a.Registry, id, poll, func(line string) {
				fmt.Fprintln(out, line)
			})
			if err != nil {
				return err
			}

			if t.Status != domain.StatusCompleted {
				msg := "task failed"
				if t.Error != nil {
					msg = *t.Error
				}
				return errors.New(msg)
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(t.Result)
		},
	}

	command.Flags().StringVar(&prompt, "prompt", "", "Task prompt")
	command.Flags().DurationVar(&timeout, "timeout", 0, "Worker timeout (0 uses WORKER_TIMEOUT)")
	command.Flags().DurationVar(&poll, "poll", 200*time.Millisecond, "Log polling interval")
	_ = command.MarkFlagRequired("prompt")

	return command
}
