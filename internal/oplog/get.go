package oplog

import (
	"context"
	"fmt"
	"io"

	"github.com/dyluth/tandem/pkg/collab"
)

// GetOperation writes the operation at a log index as pretty-printed JSON.
func GetOperation(ctx context.Context, store Store, projectID, index int64, w io.Writer) error {
	if index < 0 {
		return fmt.Errorf("invalid log index %d: must be >= 0", index)
	}

	ops, err := store.OperationsSince(ctx, projectID, index)
	if err != nil {
		return fmt.Errorf("failed to read operation log: %w", err)
	}
	if len(ops) == 0 {
		return &OperationNotFoundError{ProjectID: projectID, Index: index}
	}

	op := ops[0]
	collab.UnzeroByOrigin([]collab.Operation{op})
	if err := FormatSingleJSON(w, &op); err != nil {
		return fmt.Errorf("failed to format operation: %w", err)
	}
	return nil
}

// OperationNotFoundError reports a log index past the end of the log.
type OperationNotFoundError struct {
	ProjectID int64
	Index     int64
}

func (e *OperationNotFoundError) Error() string {
	return fmt.Sprintf("no operation at index %d of project %d", e.Index, e.ProjectID)
}

// IsNotFound returns true if the error is an OperationNotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*OperationNotFoundError)
	return ok
}
