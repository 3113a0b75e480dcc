package oplog

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/tandem/pkg/collab"
)

// FormatTable writes operations as a formatted table to the provided writer.
// Returns the number of operations formatted.
func FormatTable(w io.Writer, ops []collab.Operation, projectID int64) int {
	if len(ops) == 0 {
		fmt.Fprintf(w, "No operations found for project %d\n", projectID)
		return 0
	}

	fmt.Fprintf(w, "Operations for project %d:\n\n", projectID)

	fmt.Fprintf(w, "%-6s %-10s %-22s %-8s %s\n", "INDEX", "ID", "KIND", "AGE", "PAYLOAD")
	fmt.Fprintf(w, "%-6s %-10s %-22s %-8s %s\n",
		"------", "----------", "----------------------", "--------", "----------------------------------------")

	for i := range ops {
		op := &ops[i]
		fmt.Fprintf(w, "%-6s %-10s %-22s %-8s %s\n",
			formatIndex(op.Confirmed),
			formatID(op.ID),
			formatKind(op.Kind()),
			formatTimestamp(op.ActionTime),
			formatPayload(op.Properties.Payload),
		)
	}

	countMsg := "operation"
	if len(ops) != 1 {
		countMsg = "operations"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(ops), countMsg)

	return len(ops)
}

// FormatJSONL writes operations as line-delimited JSON, one per line.
func FormatJSONL(w io.Writer, ops []collab.Operation) error {
	for i := range ops {
		data, err := json.Marshal(&ops[i])
		if err != nil {
			return fmt.Errorf("failed to marshal operation to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes one operation as pretty-printed JSON.
func FormatSingleJSON(w io.Writer, op *collab.Operation) error {
	data, err := json.MarshalIndent(op, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal operation to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

func formatIndex(confirmed *int64) string {
	if confirmed == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *confirmed)
}

func formatID(id *collab.OperationID) string {
	if id == nil {
		return "-"
	}
	return id.String()
}

// formatKind truncates long kind names for compact display.
func formatKind(k collab.Kind) string {
	s := k.String()
	if len(s) > 22 {
		return s[:19] + "..."
	}
	return s
}

// formatPayload renders the payload as compact JSON truncated to 40 characters.
func formatPayload(payload collab.Payload) string {
	if payload == nil {
		return "-"
	}
	data, err := json.Marshal(payload)
	if err != nil || string(data) == "{}" {
		return "-"
	}
	if len(data) > 40 {
		return string(data[:37]) + "..."
	}
	return string(data)
}

// formatTimestamp formats Unix milliseconds as relative time like "2m ago".
func formatTimestamp(timestampMs int64) string {
	if timestampMs == 0 {
		return "-"
	}

	diff := time.Since(time.UnixMilli(timestampMs))

	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
