package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/tandem/internal/printer"
	"github.com/dyluth/tandem/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration engine in the foreground",
	Long: `Run the socket gateway, project sequencer and health endpoint in this
process until interrupted.

On SIGINT or SIGTERM sockets are closed, queued work is handed back to the
broker for another instance, and the process exits.

Examples:
  # Run with defaults against a local Redis
  tandem serve

  # Run with a config file
  tandem serve --config tandem.yml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return printer.ErrorWithContext(
			"failed to start",
			err.Error(),
			map[string]string{"instance": cfg.InstanceName, "redis": cfg.RedisURL},
			[]string{"Check that Redis is running and reachable"},
		)
	}

	printer.Success("Serving instance %s (gateway %s, health %s)\n", cfg.InstanceName, cfg.Gateway.Listen, cfg.Health.Listen)
	if err := srv.Run(ctx); err != nil {
		return printer.Error("server stopped", err.Error(), nil)
	}
	printer.Info("Stopped\n")
	return nil
}
