package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dyluth/tandem/internal/broker"
	"github.com/dyluth/tandem/internal/config"
	"github.com/dyluth/tandem/internal/printer"
	"github.com/dyluth/tandem/pkg/collab"
)

var (
	version string
	commit  string
	date    string
)

// Global flags
var (
	configPath   string
	redisURL     string
	instanceName string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tandem",
	Short: "Tandem - real-time collaboration engine",
	Long: `Tandem keeps every participant of a shared document in step.

Client sessions connect over WebSocket, their operations are ordered per
project through a Redis-backed broker, persisted to the project's operation
log and fanned out to every other session of the project.

This CLI runs the engine and inspects or steers a running deployment.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	if err != nil && !printer.IsReported(err) {
		printer.Error(err.Error(), "", nil)
	}
	return err
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to tandem.yml (defaults apply when omitted)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL, overrides the config file and REDIS_URL")
	rootCmd.PersistentFlags().StringVarP(&instanceName, "name", "n", "", "Instance name, overrides the config file")
}

// loadConfig reads the configuration and applies the global flags on top.
func loadConfig() (*config.TandemConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.Error(
			"invalid configuration",
			err.Error(),
			[]string{"Check the file passed with --config, or omit it to use defaults"},
		)
	}
	if redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if instanceName != "" {
		cfg.InstanceName = instanceName
	}
	if err := cfg.Validate(); err != nil {
		return nil, printer.Error("invalid configuration", err.Error(), nil)
	}
	return cfg, nil
}

// connectStore opens and checks the shared store.
func connectStore(ctx context.Context, cfg *config.TandemConfig) (*collab.Client, error) {
	opts, err := cfg.RedisOptions()
	if err != nil {
		return nil, err
	}
	client, err := collab.NewClient(opts, cfg.InstanceName, cfg.Store.TTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create store client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, redisUnavailable(cfg)
	}
	return client, nil
}

// connectPublisher opens a publish-only broker transport.
func connectPublisher(ctx context.Context, cfg *config.TandemConfig) (*broker.Transport, error) {
	opts, err := cfg.RedisOptions()
	if err != nil {
		return nil, err
	}
	transport, err := broker.NewTransport(opts, cfg.BrokerOptions())
	if err != nil {
		return nil, err
	}
	if err := transport.ConnectPublisher(ctx); err != nil {
		transport.Close()
		return nil, redisUnavailable(cfg)
	}
	return transport, nil
}

func redisUnavailable(cfg *config.TandemConfig) error {
	return printer.ErrorWithContext(
		"Redis connection failed",
		fmt.Sprintf("Could not connect to Redis at %s", cfg.RedisURL),
		map[string]string{"instance": cfg.InstanceName},
		[]string{
			"Check that Redis is running and reachable",
			"Point the CLI at it:\n  tandem --redis-url redis://host:6379 <command>",
		},
	)
}

func parseProjectID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, printer.Error(
			"invalid project id",
			fmt.Sprintf("'%s' is not a positive integer", arg),
			[]string{"List projects:\n  tandem projects"},
		)
	}
	return id, nil
}
