package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/tandem/internal/printer"
	"github.com/dyluth/tandem/internal/watch"
)

var watchOutputFormat string

var watchCmd = &cobra.Command{
	Use:   "watch PROJECT_ID",
	Short: "Monitor a project's live traffic",
	Long: `Monitor everything the engine sends to a project's sessions.

Streams session admissions and closes, confirmed operations, mode changes,
holds and errors as they are broadcast.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON frames for programmatic processing

Examples:
  # Watch project 42
  tandem watch 42

  # Export frames as JSON
  tandem watch 42 --output=json > frames.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var outputFormat watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		outputFormat = watch.OutputFormatDefault
	case "json":
		outputFormat = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	projectID, err := parseProjectID(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := connectPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer transport.Close()

	sub, err := transport.SubscribeProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to project %d: %w", projectID, err)
	}
	defer sub.Close()

	if outputFormat == watch.OutputFormatDefault {
		printer.Info("Watching project %d on instance '%s'...\n\n", projectID, cfg.InstanceName)
	}

	if err := watch.StreamFrames(ctx, sub, outputFormat, printer.Out); err != nil {
		return fmt.Errorf("watch failed: %w", err)
	}
	return nil
}
