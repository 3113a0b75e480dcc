// Package editormode holds the authoritative editor mode of each project and
// decides which operations are legal in it.
package editormode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/tandem/internal/eventlog"
	"github.com/dyluth/tandem/pkg/collab"
)

// ErrIllegalTransition is returned for a mode change the transition table forbids.
var ErrIllegalTransition = errors.New("illegal editor mode transition")

// Store is the shared state the machine reads and writes.
type Store interface {
	GetMode(ctx context.Context, projectID int64) (*collab.EditorModeState, error)
	SetMode(ctx context.Context, projectID int64, state *collab.EditorModeState) error
	OperationCount(ctx context.Context, projectID int64) (int64, error)
}

// transitions lists the modes reachable from each mode.
var transitions = map[collab.EditorMode][]collab.EditorMode{
	collab.ModeInit:        {collab.ModeMain},
	collab.ModeMain:        {collab.ModeMain, collab.ModeConstructor, collab.ModePages, collab.ModeVersions, collab.ModeTrueEdit},
	collab.ModeConstructor: {collab.ModeMain},
	collab.ModePages:       {collab.ModeMain},
	collab.ModeVersions:    {collab.ModeMain},
	collab.ModeTrueEdit:    {collab.ModeMain},
}

// CanTransition reports whether the table allows moving from one mode to another.
func CanTransition(from, to collab.EditorMode) bool {
	for _, m := range transitions[from] {
		if m == to {
			return true
		}
	}
	return false
}

// Allows reports whether an operation of the given kind may be applied while
// the project is in mode.
func Allows(mode collab.EditorMode, kind collab.Kind) bool {
	switch kind.Group {
	case collab.GroupEditor, collab.GroupDocument:
		return true
	case collab.GroupCollaboration:
		return mode != collab.ModePages && mode != collab.ModeVersions
	case collab.GroupTools:
		return mode == collab.ModeInit || mode == collab.ModeMain || mode == collab.ModeConstructor
	case collab.GroupPages:
		return mode == collab.ModePages
	case collab.GroupVersions:
		return mode == collab.ModeVersions
	case collab.GroupTrueEdit:
		return mode == collab.ModeTrueEdit
	default:
		return false
	}
}

// Result is the outcome of a mode change request.
type Result struct {
	// Operation is the request echoed back with Allowed (and Error or
	// Edited) filled in.
	Operation collab.Operation
	// State is the project's mode after the request.
	State *collab.EditorModeState
	// Changed is false when the request was rejected, and Err says why.
	Changed bool
	Err     error
	// Notice, when set, goes to the requester only: the project just
	// returned to main and the client may safely reload.
	Notice *collab.Operation
}

// Machine applies mode change requests against the shared store.
type Machine struct {
	store  Store
	events *eventlog.Logger
	now    func() time.Time
}

// New creates a mode machine over store.
func New(store Store, instanceName string) *Machine {
	return &Machine{
		store:  store,
		events: eventlog.New("editormode", instanceName, "[EditorMode]"),
		now:    time.Now,
	}
}

// Current returns the project's mode state.
func (m *Machine) Current(ctx context.Context, projectID int64) (*collab.EditorModeState, error) {
	state, err := m.store.GetMode(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to read editor mode: %w", err)
	}
	return state, nil
}

// Request handles an editor/mode operation sent by uid.
//
// An illegal request is answered in place: the operation comes back with
// allowed=false and a mode_transition error, and the stored state is left
// alone. A legal one stores the new state. Entering constructor snapshots
// the project's operation count; leaving it tags the answer with whether
// anything was edited meanwhile.
func (m *Machine) Request(ctx context.Context, uid collab.UID, op collab.Operation) (*Result, error) {
	payload, ok := op.Properties.Payload.(*collab.ModePayload)
	if !ok || op.Kind() != collab.KindMode {
		return nil, fmt.Errorf("%w: %s is not a mode operation", collab.ErrUnknownOperation, op.Kind())
	}

	current, err := m.Current(ctx, uid.ProjectID)
	if err != nil {
		return nil, err
	}

	out := *payload
	out.Allowed = nil
	out.Error = ""
	out.Edited = nil
	op.Properties.Payload = &out

	target := payload.Mode
	if target.Validate() != nil || !CanTransition(current.Mode, target) {
		denied := false
		out.Allowed = &denied
		out.Error = collab.CodeModeTransition
		m.events.Warn("mode_rejected", map[string]interface{}{
			"uid":     uid.String(),
			"project": uid.ProjectID,
			"from":    string(current.Mode),
			"to":      string(target),
		})
		return &Result{
			Operation: op,
			State:     current,
			Err:       fmt.Errorf("%w: %s to %s", ErrIllegalTransition, current.Mode, target),
		}, nil
	}

	next := &collab.EditorModeState{
		Mode:    target,
		SetBy:   uid.String(),
		SetAtMs: m.now().UnixMilli(),
	}

	if target == collab.ModeConstructor {
		count, err := m.store.OperationCount(ctx, uid.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot operation count: %w", err)
		}
		next.Snapshot = count
	}

	if current.Mode == collab.ModeConstructor {
		count, err := m.store.OperationCount(ctx, uid.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to compare operation count: %w", err)
		}
		edited := count != current.Snapshot
		out.Edited = &edited
	}

	if err := m.store.SetMode(ctx, uid.ProjectID, next); err != nil {
		return nil, fmt.Errorf("failed to store editor mode: %w", err)
	}

	allowed := true
	out.Allowed = &allowed

	data := map[string]interface{}{
		"uid":     uid.String(),
		"project": uid.ProjectID,
		"from":    string(current.Mode),
		"to":      string(target),
	}
	if out.Edited != nil {
		data["edited"] = *out.Edited
	}
	m.events.Info("mode_changed", data)

	result := &Result{Operation: op, State: next, Changed: true}
	if target == collab.ModeMain && current.Mode != collab.ModeMain {
		result.Notice = reloadNotice(op.ActionTime, current.Mode)
	}
	return result, nil
}

// RecordActivity adds n applied content operations to the activity count of
// the project's current mode. The count restarts at every transition.
func (m *Machine) RecordActivity(ctx context.Context, projectID int64, n int) error {
	if n <= 0 {
		return nil
	}
	state, err := m.Current(ctx, projectID)
	if err != nil {
		return err
	}
	state.OperationsCount += int64(n)
	if err := m.store.SetMode(ctx, projectID, state); err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// Check returns the operations of a batch that the current mode forbids.
func (m *Machine) Check(ctx context.Context, projectID int64, ops []collab.Operation) (collab.EditorMode, []int, error) {
	state, err := m.Current(ctx, projectID)
	if err != nil {
		return "", nil, err
	}
	var rejected []int
	for i := range ops {
		if !Allows(state.Mode, ops[i].Kind()) {
			rejected = append(rejected, i)
		}
	}
	return state.Mode, rejected, nil
}

func reloadNotice(actionTime int64, from collab.EditorMode) *collab.Operation {
	return &collab.Operation{
		Properties: collab.Properties{
			Group:   collab.KindReload.Group,
			Type:    collab.KindReload.Type,
			Payload: &collab.ReloadPayload{Reason: "left " + string(from)},
		},
		ActionTime: actionTime,
	}
}
