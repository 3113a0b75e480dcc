package session

import (
	"context"
	"fmt"

	"github.com/dyluth/tandem/pkg/collab"
)

// OnSystem applies an operator-issued instruction to a project.
func (m *Manager) OnSystem(ctx context.Context, env *collab.Envelope) error {
	sys := env.System

	var err error
	switch sys.Type {
	case collab.SystemAccess:
		err = m.changeAccess(ctx, sys)
	case collab.SystemClose:
		err = m.closeProject(ctx, sys)
	case collab.SystemNotice:
		err = m.notice(ctx, sys)
	default:
		err = fmt.Errorf("unknown system message type %q", sys.Type)
	}
	if err != nil {
		return m.fail(ctx, env, "system_"+string(sys.Type), err)
	}
	return nil
}

// changeAccess moves every live session of a user to a new access level and
// tells those sessions.
func (m *Manager) changeAccess(ctx context.Context, sys *collab.SystemMessage) error {
	members, err := m.store.Members(ctx, sys.ProjectID)
	if err != nil {
		return err
	}

	changed := 0
	for _, member := range members {
		if member.UID.UserID != sys.UserID {
			continue
		}
		if err := m.store.AddMember(ctx, member.UID, sys.Access); err != nil {
			return err
		}

		op := collab.Operation{
			Properties: collab.Properties{
				Group:   collab.KindAccess.Group,
				Type:    collab.KindAccess.Type,
				Payload: &collab.AccessPayload{Access: sys.Access},
			},
		}
		resp := collab.Response{Operations: []collab.Operation{op}, AccessLevel: sys.Access}
		if err := m.out.Respond(ctx, member.UID, resp); err != nil {
			m.events.Printf("Failed to tell %s about its access change: %v", member.UID, err)
		}
		changed++
	}

	m.events.Info("access_changed", map[string]interface{}{
		"project":  sys.ProjectID,
		"user":     sys.UserID,
		"access":   string(sys.Access),
		"sessions": changed,
	})
	return nil
}

// closeProject ends every session of the project.
func (m *Manager) closeProject(ctx context.Context, sys *collab.SystemMessage) error {
	members, err := m.store.Members(ctx, sys.ProjectID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return m.releaser.Release(ctx, sys.ProjectID)
	}

	resp := collab.Response{Destroy: &collab.DestroyResponse{Location: m.cfg.RedirectURL, Reason: sys.Reason}}
	if err := m.out.Notify(ctx, sys.ProjectID, resp); err != nil {
		m.events.Printf("Failed to notify project %d of its closing: %v", sys.ProjectID, err)
	}

	for _, member := range members {
		if err := m.finalize(ctx, member.UID, "project closed"); err != nil {
			return err
		}
	}

	m.events.Info("project_closed", map[string]interface{}{
		"project":  sys.ProjectID,
		"sessions": len(members),
		"reason":   sys.Reason,
	})
	return nil
}

// notice tells every session of the project it may safely reload.
func (m *Manager) notice(ctx context.Context, sys *collab.SystemMessage) error {
	op := collab.Operation{
		Properties: collab.Properties{
			Group:   collab.KindReload.Group,
			Type:    collab.KindReload.Type,
			Payload: &collab.ReloadPayload{Reason: sys.Reason},
		},
	}
	return m.out.Notify(ctx, sys.ProjectID, collab.Response{Operations: []collab.Operation{op}})
}
