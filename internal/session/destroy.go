package session

import (
	"context"

	"github.com/dyluth/tandem/pkg/collab"
)

// OnDestroy finalizes a session that ended, explicitly or because its socket
// did not come back within the grace period.
func (m *Manager) OnDestroy(ctx context.Context, env *collab.Envelope) error {
	uid := env.UID
	if uid.IsZero() {
		m.events.Printf("Dropping destroy without uid (request %s)", env.RequestID)
		return nil
	}

	if err := m.finalize(ctx, uid, env.Destroy.Reason); err != nil {
		return m.fail(ctx, env, "destroy", err)
	}

	resp := collab.Response{
		RequestID: env.RequestID,
		Destroy: &collab.DestroyResponse{
			OnTimeout: env.Destroy.OnTimeout,
			Reason:    env.Destroy.Reason,
		},
	}
	if err := m.out.Respond(ctx, uid, resp); err != nil {
		m.events.Printf("Failed to acknowledge destroy of %s: %v", uid, err)
	}
	return nil
}

// finalize removes uid from its project. The user's holds go when this was
// their last session, all holds go when no editor is left, and the project's
// queue is released when nobody is left at all.
func (m *Manager) finalize(ctx context.Context, uid collab.UID, reason string) error {
	remaining, err := m.store.RemoveMember(ctx, uid)
	if err != nil {
		return err
	}
	if err := m.store.DeleteUserSession(ctx, uid); err != nil {
		return err
	}

	userStillHere := false
	editorsLeft := false
	for _, member := range remaining {
		if member.UID.UserID == uid.UserID {
			userStillHere = true
		}
		if member.Access == collab.AccessEdit {
			editorsLeft = true
		}
	}

	if !userStillHere {
		released, err := m.holds.ReleaseUser(ctx, uid.ProjectID, uid.UserID)
		if err != nil {
			return err
		}
		if len(released) > 0 && len(remaining) > 0 {
			release := collab.Operation{
				Properties: collab.Properties{
					Group:   collab.KindRelease.Group,
					Type:    collab.KindRelease.Type,
					Payload: &collab.HoldPayload{Elements: released},
				},
			}
			if err := m.out.Broadcast(ctx, uid.ProjectID, []collab.Operation{release}, uid); err != nil {
				m.events.Printf("Failed to announce released holds of %s: %v", uid, err)
			}
		}
	}

	if !editorsLeft {
		if err := m.holds.Clear(ctx, uid.ProjectID); err != nil {
			return err
		}
	}

	m.events.Info("session_destroyed", map[string]interface{}{
		"uid":       uid.String(),
		"project":   uid.ProjectID,
		"reason":    reason,
		"remaining": len(remaining),
	})

	if len(remaining) == 0 {
		if err := m.releaser.Release(ctx, uid.ProjectID); err != nil {
			return err
		}
	}
	return nil
}
