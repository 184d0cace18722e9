// -- cmd/serve.go --
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/archetype-hq/archetype/internal/observability"
)

// newServeCmd creates the `serve` command: the long-running backend with the
// run engine and the REST API the dashboard polls.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agent backend (run engine + REST API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			components, err := componentFactory.Build(ctx, cfg, logger, nil)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			components.Engine.Start(ctx)

			serverErr := make(chan error, 1)
			go func() {
				serverErr <- components.API.Start()
			}()

			logger.Info("Backend ready",
				zap.String("listen_addr", cfg.API.ListenAddr),
				zap.String("storage_driver", cfg.Storage.Driver),
			)

			select {
			case <-ctx.Done():
				logger.Info("Shutdown signal received.")
				return nil
			case err := <-serverErr:
				if err != nil {
					return fmt.Errorf("API server failed: %w", err)
				}
				return nil
			}
		},
	}
}
