// File: cmd/serve.go
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nullmap-sec/riskgraph/internal/config"
	"github.com/nullmap-sec/riskgraph/internal/observability"
	"github.com/nullmap-sec/riskgraph/internal/web"
)

// newServeCmd creates and configures the `serve` command.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP API and the websocket live feed",
		Long: `Starts the riskgraph server: the JSON API for sessions, imports, targets,
findings, graphs, and timelines, plus the websocket feed that streams
import and finding activity to connected dashboards.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their Viper keys so command-line values override
			// the config file and environment variables.
			if err := viper.BindPFlag("server.host", cmd.Flags().Lookup("host")); err != nil {
				return err
			}
			return viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-resolve the config. The flag bindings happen after the root
			// PersistentPreRunE built appCfg, so this pass picks up the
			// overrides with the right precedence.
			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			hub := web.NewHub(cfg.Server.AllowedOrigins, logger)
			comps, err := initializeComponents(ctx, cfg, hub, logger)
			if err != nil {
				return err
			}
			defer comps.Shutdown()

			srv := web.NewServer(cfg.Server, comps.Repo, comps.Importer, hub, logger)
			logger.Info("Starting server.",
				zap.String("host", cfg.Server.Host),
				zap.Int("port", cfg.Server.Port))
			return srv.Start(ctx)
		},
	}

	serveCmd.Flags().String("host", "", "interface to listen on (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "port to listen on (overrides server.port)")

	return serveCmd
}
