package cmd

import (
	"agentq/internal/api"
	"agentq/internal/app"
	"agentq/internal/config"
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start API server and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			app.SetupLogging(cfg.App)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().Msgf("API server using queue driver: %s, concurrency: %d", cfg.Pool.Driver, cfg.Pool.Concurrency)
			a.Start(ctx)

			server := api.NewServer(a, api.Info{
				Name:             cfg.App.Name,
				Version:          cfg.App.Version,
				AllowedOrigins:   cfg.App.CORSOrigins,
				AllowCredentials: cfg.App.CORSAllowCredentials,
			})
			err = server.Run(ctx, port)
			stop()
			a.Wait()
			return err
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8000, "Port to run the server on")
	return command
}
