package session

import (
	"context"
	"fmt"

	"github.com/dyluth/tandem/pkg/collab"
)

// OnAuth admits a session to its project.
//
// A request naming a previous uid of the same user and project, with a
// confirmed count the log can satisfy, is a reconnect: the previous socket is
// told to close, its membership is dropped and the new uid takes its place
// with the missed operations replayed. Otherwise, if the user already has a
// live session, the takeover policy decides between busy and joining.
func (m *Manager) OnAuth(ctx context.Context, env *collab.Envelope) error {
	uid := env.UID
	auth := env.Auth

	if uid.IsZero() {
		m.events.Printf("Dropping auth without uid (request %s)", env.RequestID)
		return nil
	}
	if auth.ProjectID != uid.ProjectID || auth.ViewerID != uid.UserID {
		return m.reject(ctx, env, collab.CodeValidation, "credentials do not match session")
	}

	access := auth.Access
	if access.Validate() != nil {
		access = collab.AccessView
	}

	if auth.ResumeUID != "" {
		resumed, err := m.tryResume(ctx, env, access)
		if err != nil {
			return m.fail(ctx, env, "auth_resume", err)
		}
		if resumed {
			return nil
		}
	}

	existing, err := m.store.GetUserSession(ctx, uid.UserID, uid.ProjectID)
	if err != nil && !collab.IsNotFound(err) {
		return m.fail(ctx, env, "auth_lookup", err)
	}
	if err == nil && existing != uid {
		live, err := m.isMember(ctx, existing)
		if err != nil {
			return m.fail(ctx, env, "auth_lookup", err)
		}
		if live && !m.cfg.Takeover.AllowConcurrent(existing, uid) {
			return m.busy(ctx, env, existing)
		}
	}

	if err := m.admit(ctx, env, access, auth.ConfirmedOps, false); err != nil {
		return m.fail(ctx, env, "auth", err)
	}
	return nil
}

// tryResume performs a reconnect when the request qualifies for one.
func (m *Manager) tryResume(ctx context.Context, env *collab.Envelope, access collab.AccessLevel) (bool, error) {
	uid := env.UID
	previous, err := collab.ParseUID(env.Auth.ResumeUID)
	if err != nil || !previous.SameSession(uid) || previous == uid {
		m.events.Warn("resume_rejected", map[string]interface{}{
			"uid":    uid.String(),
			"resume": env.Auth.ResumeUID,
			"reason": "not the same session",
		})
		return false, nil
	}

	count, err := m.store.OperationCount(ctx, uid.ProjectID)
	if err != nil {
		return false, err
	}
	confirmed := env.Auth.ConfirmedOps
	if confirmed < 0 || confirmed > count {
		m.events.Warn("resume_rejected", map[string]interface{}{
			"uid":       uid.String(),
			"resume":    previous.String(),
			"confirmed": confirmed,
			"logged":    count,
			"reason":    "confirmed count out of range",
		})
		return false, nil
	}

	// The superseded socket must be gone before the new one is authorized.
	if err := m.out.ForceClose(ctx, previous, "reconnected"); err != nil {
		return false, fmt.Errorf("failed to close superseded session: %w", err)
	}
	if _, err := m.store.RemoveMember(ctx, previous); err != nil {
		return false, err
	}

	if err := m.admit(ctx, env, access, confirmed, true); err != nil {
		return false, err
	}

	m.events.Info("session_resumed", map[string]interface{}{
		"uid":       uid.String(),
		"previous":  previous.String(),
		"project":   uid.ProjectID,
		"confirmed": confirmed,
		"replayed":  count - confirmed,
	})
	return true, nil
}

// admit makes uid a member and answers its auth with the project's mode and
// every operation after confirmed.
func (m *Manager) admit(ctx context.Context, env *collab.Envelope, access collab.AccessLevel, confirmed int64, reconnect bool) error {
	uid := env.UID

	if err := m.store.AddMember(ctx, uid, access); err != nil {
		return err
	}
	if err := m.store.SetUserSession(ctx, uid); err != nil {
		return err
	}

	mode, err := m.modes.Current(ctx, uid.ProjectID)
	if err != nil {
		return err
	}
	if confirmed < 0 {
		confirmed = 0
	}
	ops, err := m.replay(ctx, uid.ProjectID, confirmed, access)
	if err != nil {
		return err
	}

	resp := collab.Response{
		RequestID:   env.RequestID,
		Operations:  ops,
		AccessLevel: access,
		Auth: &collab.AuthResponse{
			UID:          uid.String(),
			Reconnect:    reconnect,
			Mode:         mode.Mode,
			ConfirmedOps: confirmed + int64(len(ops)),
		},
	}
	if err := m.out.Respond(ctx, uid, resp); err != nil {
		return err
	}

	if !reconnect {
		m.events.Info("session_authorized", map[string]interface{}{
			"uid":      uid.String(),
			"project":  uid.ProjectID,
			"access":   string(access),
			"replayed": len(ops),
		})
	}
	return nil
}

// busy turns uid away because the user is already connected elsewhere.
func (m *Manager) busy(ctx context.Context, env *collab.Envelope, existing collab.UID) error {
	resp := collab.Response{
		RequestID: env.RequestID,
		Auth: &collab.AuthResponse{
			UID:          env.UID.String(),
			Busy:         true,
			Location:     m.cfg.RedirectURL,
			RetryAfterMs: m.cfg.BusyRetryAfter.Milliseconds(),
		},
	}
	if err := m.out.Respond(ctx, env.UID, resp); err != nil {
		return m.fail(ctx, env, "auth_busy", err)
	}

	m.events.Info("session_busy", map[string]interface{}{
		"uid":      env.UID.String(),
		"existing": existing.String(),
		"project":  env.UID.ProjectID,
	})
	return nil
}

func (m *Manager) isMember(ctx context.Context, uid collab.UID) (bool, error) {
	if _, err := m.store.MemberAccess(ctx, uid); err != nil {
		if collab.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
