// Package holds tracks which page elements each user is currently editing.
//
// Holds are advisory. They let clients see that someone else is mid-edit on
// the same elements; nothing at the storage layer refuses a write to a held
// element.
package holds

import (
	"context"
	"fmt"

	"github.com/dyluth/tandem/internal/eventlog"
	"github.com/dyluth/tandem/pkg/collab"
)

// Store is the shared state the registry reads and writes.
type Store interface {
	SetHold(ctx context.Context, projectID, userID int64, elements []collab.OperationID) error
	DeleteHold(ctx context.Context, projectID, userID int64) (bool, error)
	Holds(ctx context.Context, projectID int64) (map[int64][]collab.OperationID, error)
	ClearHolds(ctx context.Context, projectID int64) error
}

// Registry is the hold table of every project, backed by the shared store.
type Registry struct {
	store  Store
	events *eventlog.Logger
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store, instanceName string) *Registry {
	return &Registry{
		store:  store,
		events: eventlog.New("holds", instanceName, "[Holds]"),
	}
}

// Add records the elements a user holds, replacing whatever the user held
// before. Holding nothing is the same as Delete.
func (r *Registry) Add(ctx context.Context, projectID, userID int64, elements []collab.OperationID) error {
	if len(elements) == 0 {
		_, err := r.Delete(ctx, projectID, userID)
		return err
	}
	if err := r.store.SetHold(ctx, projectID, userID, elements); err != nil {
		return fmt.Errorf("failed to add hold: %w", err)
	}
	return nil
}

// Delete removes a user's hold. It reports whether the project no longer has
// any holds, in which case its hold table was removed.
func (r *Registry) Delete(ctx context.Context, projectID, userID int64) (bool, error) {
	empty, err := r.store.DeleteHold(ctx, projectID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete hold: %w", err)
	}
	return empty, nil
}

// FindHolder returns the user whose hold is exactly the given element set,
// ignoring order and duplicates.
func (r *Registry) FindHolder(ctx context.Context, projectID int64, elements []collab.OperationID) (int64, bool, error) {
	table, err := r.store.Holds(ctx, projectID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to find holder: %w", err)
	}

	want := toSet(elements)
	for userID, held := range table {
		if sameSet(want, toSet(held)) {
			return userID, true, nil
		}
	}
	return 0, false, nil
}

// Held returns the elements a user holds in a project.
func (r *Registry) Held(ctx context.Context, projectID, userID int64) ([]collab.OperationID, error) {
	table, err := r.store.Holds(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to read holds: %w", err)
	}
	return table[userID], nil
}

// ReleaseUser drops a user's hold and returns what they held, so the release
// can be announced to the rest of the project.
func (r *Registry) ReleaseUser(ctx context.Context, projectID, userID int64) ([]collab.OperationID, error) {
	held, err := r.Held(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if len(held) == 0 {
		return nil, nil
	}
	if _, err := r.Delete(ctx, projectID, userID); err != nil {
		return nil, err
	}
	r.events.Info("hold_released", map[string]interface{}{
		"project":  projectID,
		"user":     userID,
		"elements": len(held),
	})
	return held, nil
}

// Clear drops every hold in the project.
func (r *Registry) Clear(ctx context.Context, projectID int64) error {
	if err := r.store.ClearHolds(ctx, projectID); err != nil {
		return fmt.Errorf("failed to clear holds: %w", err)
	}
	r.events.Info("holds_cleared", map[string]interface{}{"project": projectID})
	return nil
}

// Apply executes a collaboration/hold or collaboration/release operation for
// userID. A hold on an element set someone else already holds exactly is
// still recorded; the returned copy carries that user in HeldBy so clients
// can warn about the overlap.
func (r *Registry) Apply(ctx context.Context, projectID, userID int64, op collab.Operation) (collab.Operation, error) {
	payload, ok := op.Properties.Payload.(*collab.HoldPayload)
	if !ok {
		return op, fmt.Errorf("%w: %s is not a hold operation", collab.ErrUnknownOperation, op.Kind())
	}

	switch op.Kind() {
	case collab.KindRelease:
		if _, err := r.Delete(ctx, projectID, userID); err != nil {
			return op, err
		}
		return op, nil

	case collab.KindHold:
		out := *payload
		out.Elements = append([]collab.OperationID(nil), payload.Elements...)
		out.HeldBy = 0

		holder, found, err := r.FindHolder(ctx, projectID, out.Elements)
		if err != nil {
			return op, err
		}
		if found && holder != userID {
			out.HeldBy = holder
			r.events.Warn("hold_conflict", map[string]interface{}{
				"project": projectID,
				"user":    userID,
				"holder":  holder,
			})
		}

		if err := r.Add(ctx, projectID, userID, out.Elements); err != nil {
			return op, err
		}
		op.Properties.Payload = &out
		return op, nil

	default:
		return op, fmt.Errorf("%w: %s is not a hold operation", collab.ErrUnknownOperation, op.Kind())
	}
}

func toSet(ids []collab.OperationID) map[collab.OperationID]struct{} {
	set := make(map[collab.OperationID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sameSet(a, b map[collab.OperationID]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
