package oplog

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/dyluth/tandem/pkg/collab"
)

// OutputFormat specifies how to format the operation list output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table format with truncated payloads
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete operations as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// Store reads a project's operation log.
type Store interface {
	OperationsSince(ctx context.Context, projectID, from int64) ([]collab.Operation, error)
}

// FilterCriteria defines filtering options for the ops list command.
// All filters are ANDed together.
type FilterCriteria struct {
	SinceTimestampMs int64  // Action time in Unix milliseconds, 0 = no filter
	UntilTimestampMs int64  // Action time in Unix milliseconds, 0 = no filter
	KindGlob         string // Glob over "group/type", empty = no filter
	ClientID         int64  // Originating client, 0 = no filter
}

// matchesFilter returns true if the operation matches all filter criteria.
func (fc *FilterCriteria) matchesFilter(op *collab.Operation) bool {
	if fc.SinceTimestampMs > 0 && op.ActionTime < fc.SinceTimestampMs {
		return false
	}
	if fc.UntilTimestampMs > 0 && op.ActionTime > fc.UntilTimestampMs {
		return false
	}

	if fc.KindGlob != "" {
		matched, err := filepath.Match(fc.KindGlob, op.Kind().String())
		if err != nil || !matched {
			return false
		}
	}

	if fc.ClientID != 0 && (op.ID == nil || op.ID.ClientID != fc.ClientID) {
		return false
	}

	return true
}

// ListOperations reads a project's whole operation log and writes the
// operations matching filters to w, in log order. Client ids are restored from
// each operation's own id so the output reads as the clients sent it.
func ListOperations(ctx context.Context, store Store, projectID int64, format OutputFormat, filters *FilterCriteria, w io.Writer) error {
	ops, err := store.OperationsSince(ctx, projectID, 0)
	if err != nil {
		return fmt.Errorf("failed to read operation log: %w", err)
	}
	collab.UnzeroByOrigin(ops)

	matched := make([]collab.Operation, 0, len(ops))
	for i := range ops {
		if filters != nil && !filters.matchesFilter(&ops[i]) {
			continue
		}
		matched = append(matched, ops[i])
	}

	switch format {
	case OutputFormatDefault:
		FormatTable(w, matched, projectID)
	case OutputFormatJSONL:
		if err := FormatJSONL(w, matched); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	return nil
}
