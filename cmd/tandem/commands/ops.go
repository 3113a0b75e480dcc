package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dyluth/tandem/internal/oplog"
	"github.com/dyluth/tandem/internal/printer"
	"github.com/dyluth/tandem/internal/timespec"
)

var (
	opsOutputFormat string
	opsSince        string
	opsUntil        string
	opsKind         string
	opsClient       int64
)

var opsCmd = &cobra.Command{
	Use:   "ops PROJECT_ID [INDEX]",
	Short: "Inspect a project's operation log with filtering",
	Long: `Inspect the confirmed operation log of a project in list or get mode.

List Mode (no INDEX):
  Displays operations matching filters as a table or JSONL stream.

Get Mode (with INDEX):
  Displays the operation at that log index as pretty-printed JSON.

Output Formats (list mode only):
  default - Human-readable table with index, id, kind, age and payload
  jsonl   - Line-delimited JSON, one operation per line

Time Filters (list mode only, on the client's action time):
  --since  - Show operations after this time
  --until  - Show operations before this time

Content Filters (list mode only):
  --kind   - Filter by group/type (glob pattern: "tools/*", "editor/mode")
  --client - Filter by originating client id

Examples:
  # List the whole log of project 42
  tandem ops 42

  # Mode changes in the last hour
  tandem ops 42 --kind="editor/mode" --since=1h

  # Stream as JSONL for jq
  tandem ops 42 --output=jsonl | jq '.properties.type'

  # Show operation 17
  tandem ops 42 17`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runOps,
}

func init() {
	opsCmd.Flags().StringVarP(&opsOutputFormat, "output", "o", "default", "Output format: default or jsonl (ignored in get mode)")

	opsCmd.Flags().StringVar(&opsSince, "since", "", "Show operations after time (duration, RFC3339 or action time in ms)")
	opsCmd.Flags().StringVar(&opsUntil, "until", "", "Show operations before time (duration, RFC3339 or action time in ms)")

	opsCmd.Flags().StringVar(&opsKind, "kind", "", "Filter by group/type (glob pattern)")
	opsCmd.Flags().Int64Var(&opsClient, "client", 0, "Filter by originating client id")

	rootCmd.AddCommand(opsCmd)
}

func runOps(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	projectID, err := parseProjectID(args[0])
	if err != nil {
		return err
	}
	isGetMode := len(args) > 1

	var outputFormat oplog.OutputFormat
	if !isGetMode {
		switch opsOutputFormat {
		case "default":
			outputFormat = oplog.OutputFormatDefault
		case "jsonl":
			outputFormat = oplog.OutputFormatJSONL
		default:
			return printer.Error(
				"invalid output format",
				fmt.Sprintf("Unknown format: %s", opsOutputFormat),
				[]string{"Valid formats: default, jsonl"},
			)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if isGetMode {
		index, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || index < 0 {
			return printer.Error(
				"invalid operation index",
				fmt.Sprintf("'%s' is not a log index", args[1]),
				[]string{fmt.Sprintf("List the log:\n  tandem ops %d", projectID)},
			)
		}

		if err := oplog.GetOperation(ctx, store, projectID, index, printer.Out); err != nil {
			if oplog.IsNotFound(err) {
				return printer.Error(
					fmt.Sprintf("operation %d not found", index),
					err.Error(),
					[]string{fmt.Sprintf("List the log:\n  tandem ops %d", projectID)},
				)
			}
			return fmt.Errorf("failed to get operation: %w", err)
		}
		return nil
	}

	sinceMS, untilMS, err := timespec.ParseRange(opsSince, opsUntil)
	if err != nil {
		return printer.Error(
			"invalid time filter",
			err.Error(),
			[]string{"Use duration format like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z'"},
		)
	}

	filters := &oplog.FilterCriteria{
		SinceTimestampMs: sinceMS,
		UntilTimestampMs: untilMS,
		KindGlob:         opsKind,
		ClientID:         opsClient,
	}
	if err := oplog.ListOperations(ctx, store, projectID, outputFormat, filters, printer.Out); err != nil {
		return fmt.Errorf("failed to list operations: %w", err)
	}
	return nil
}
