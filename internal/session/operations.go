package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/tandem/internal/editormode"
	"github.com/dyluth/tandem/pkg/collab"
)

// OnOperations applies a batch of operations from an authorized session.
//
// Operations are applied in order. Mode changes go to the mode machine, holds
// to the hold registry and content operations to the operation log. The
// sender gets every outcome back unredacted; the other members get what was
// actually applied.
func (m *Manager) OnOperations(ctx context.Context, env *collab.Envelope) error {
	uid := env.UID
	if uid.IsZero() {
		m.events.Printf("Dropping operations without uid (request %s)", env.RequestID)
		return nil
	}

	access, err := m.store.MemberAccess(ctx, uid)
	if err != nil {
		if collab.IsNotFound(err) {
			return m.reject(ctx, env, collab.CodeNotAuthorized, ErrNotAuthorized.Error())
		}
		return m.fail(ctx, env, "operations_access", err)
	}
	if access != collab.AccessEdit {
		return m.reject(ctx, env, collab.CodeNotAuthorized, "view access cannot change the document")
	}
	if len(env.Operations) == 0 {
		return nil
	}

	if m.cfg.StrictValidation {
		mode, rejected, err := m.modes.Check(ctx, uid.ProjectID, env.Operations)
		if err != nil {
			return m.fail(ctx, env, "operations_validate", err)
		}
		if len(rejected) > 0 {
			return m.reject(ctx, env, collab.CodeValidation, describeRejected(env.Operations, rejected, mode))
		}
	}

	ops, err := m.assignIDs(ctx, env)
	if err != nil {
		return m.fail(ctx, env, "operations_ids", err)
	}

	state, err := m.modes.Current(ctx, uid.ProjectID)
	if err != nil {
		return m.fail(ctx, env, "operations_mode", err)
	}
	mode := state.Mode

	var (
		echo     []collab.Operation // back to the sender
		forward  []collab.Operation // to everyone else
		notices  []collab.Operation // to the sender only
		rejected []string
		stored   int
	)

	for _, op := range ops {
		kind := op.Kind()

		switch {
		case kind == collab.KindMode:
			result, err := m.modes.Request(ctx, uid, op)
			if err != nil {
				return m.fail(ctx, env, "operations_mode", err)
			}
			echo = append(echo, result.Operation)
			if result.Changed {
				mode = result.State.Mode
				forward = append(forward, result.Operation)
			}
			if result.Notice != nil {
				notices = append(notices, *result.Notice)
			}

		case !editormode.Allows(mode, kind):
			rejected = append(rejected, fmt.Sprintf("%s in %s", kind, mode))

		case kind == collab.KindHold || kind == collab.KindRelease:
			// The registry compares element sets across users, so it only
			// ever sees real client ids.
			held, err := collab.CloneOperations([]collab.Operation{op})
			if err != nil {
				return m.fail(ctx, env, "operations_hold", err)
			}
			collab.UnzeroClientIDs(held, uid.ClientID())
			applied, err := m.holds.Apply(ctx, uid.ProjectID, uid.UserID, held[0])
			if err != nil {
				return m.fail(ctx, env, "operations_hold", err)
			}
			echo = append(echo, applied)
			forward = append(forward, applied)

		case kind.IsContent():
			logged, err := m.store.AppendOperations(ctx, uid.ProjectID, uid.ClientID(), []collab.Operation{op})
			if err != nil {
				return m.fail(ctx, env, "operations_persist", err)
			}
			// An empty result is a resubmission already in the log.
			echo = append(echo, logged...)
			forward = append(forward, logged...)
			stored += len(logged)

		default:
			// Access changes and reload notices are server-issued only.
			rejected = append(rejected, fmt.Sprintf("%s is not accepted from clients", kind))
		}
	}

	if err := m.modes.RecordActivity(ctx, uid.ProjectID, stored); err != nil {
		m.events.Error("activity_failed", map[string]interface{}{
			"uid":     uid.String(),
			"project": uid.ProjectID,
			"stage":   "operations_activity",
			"error":   err.Error(),
		})
	}

	resp := collab.Response{RequestID: env.RequestID, AccessLevel: access}
	resp.Operations, err = collab.CloneOperations(append(echo, notices...))
	if err != nil {
		return m.fail(ctx, env, "operations_respond", err)
	}
	collab.UnzeroClientIDs(resp.Operations, uid.ClientID())
	if len(rejected) > 0 {
		resp.Error = &collab.ErrorPayload{Code: collab.CodeValidation, Message: strings.Join(rejected, "; ")}
		m.events.Warn("operations_rejected", map[string]interface{}{
			"uid":      uid.String(),
			"project":  uid.ProjectID,
			"rejected": rejected,
		})
	}
	if err := m.out.Respond(ctx, uid, resp); err != nil {
		m.events.Printf("Failed to respond to %s: %v", uid, err)
	}

	// State is committed at this point; a failed delivery is not retried.
	if err := m.out.Broadcast(ctx, uid.ProjectID, forward, uid); err != nil {
		m.events.Error("broadcast_failed", map[string]interface{}{
			"uid":     uid.String(),
			"project": uid.ProjectID,
			"stage":   "operations_broadcast",
			"error":   err.Error(),
		})
	}
	return nil
}

// assignIDs gives every id-less content operation an id reserved for this
// request before anything is written. A redelivered batch gets the same ids,
// so operations already logged by an earlier attempt are skipped instead of
// stored again. env.Operations is not modified.
func (m *Manager) assignIDs(ctx context.Context, env *collab.Envelope) ([]collab.Operation, error) {
	ops := append([]collab.Operation(nil), env.Operations...)
	if env.RequestID == "" {
		return ops, nil
	}

	n := 0
	for _, op := range ops {
		if op.ID == nil && op.Kind().IsContent() {
			n++
		}
	}
	if n == 0 {
		return ops, nil
	}

	clientID := env.UID.ClientID()
	next, err := m.store.ReserveOperationIDs(ctx, env.UID.ProjectID, clientID, env.RequestID, n)
	if err != nil {
		return nil, err
	}
	for i := range ops {
		if ops[i].ID == nil && ops[i].Kind().IsContent() {
			ops[i].ID = &collab.OperationID{ClientID: clientID, LocalID: next}
			next++
		}
	}
	return ops, nil
}

func describeRejected(ops []collab.Operation, indexes []int, mode collab.EditorMode) string {
	parts := make([]string, 0, len(indexes))
	for _, i := range indexes {
		parts = append(parts, fmt.Sprintf("operation %d (%s) is not allowed in %s mode", i, ops[i].Kind(), mode))
	}
	return strings.Join(parts, "; ")
}
