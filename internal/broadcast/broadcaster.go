// Package broadcast fans processed operations out to the members of a project.
package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/tandem/internal/eventlog"
	"github.com/dyluth/tandem/pkg/collab"
)

// Publisher puts addressed frames on the broadcast exchange.
type Publisher interface {
	PublishFrame(ctx context.Context, frame *collab.BroadcastFrame) error
}

// Directory lists the live members of a project.
type Directory interface {
	Members(ctx context.Context, projectID int64) ([]collab.Member, error)
}

// Broadcaster addresses responses to project members.
type Broadcaster struct {
	publisher Publisher
	members   Directory
	events    *eventlog.Logger
}

// New creates a broadcaster.
func New(publisher Publisher, members Directory, instanceName string) *Broadcaster {
	return &Broadcaster{
		publisher: publisher,
		members:   members,
		events:    eventlog.New("broadcast", instanceName, "[Broadcast]"),
	}
}

// Broadcast sends ops to every member of the project except the originator.
//
// Editors receive the batch as is. Viewers receive a redacted copy with
// templates stripped and elements disabled; access and mode changes reach
// everyone unredacted. Zeroed client ids are restored to the originator's id
// for every recipient. Each recipient is attempted independently and the
// failures are returned together once all have been tried. ops is not modified.
func (b *Broadcaster) Broadcast(ctx context.Context, projectID int64, ops []collab.Operation, originator collab.UID) error {
	if len(ops) == 0 {
		return nil
	}

	members, err := b.members.Members(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to read members of project %d: %w", projectID, err)
	}

	var editors, viewers []collab.UID
	for _, m := range members {
		if m.UID == originator {
			continue
		}
		if m.Access == collab.AccessEdit {
			editors = append(editors, m.UID)
		} else {
			viewers = append(viewers, m.UID)
		}
	}
	if len(editors) == 0 && len(viewers) == 0 {
		return nil
	}

	full, err := collab.CloneOperations(ops)
	if err != nil {
		return err
	}
	collab.UnzeroClientIDs(full, originator.ClientID())

	var errs []error
	for _, uid := range editors {
		resp := collab.Response{Operations: full, AccessLevel: collab.AccessEdit}
		if err := b.deliver(ctx, projectID, uid, resp); err != nil {
			errs = append(errs, err)
		}
	}

	if len(viewers) > 0 {
		redacted, err := collab.CloneOperations(full)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		collab.RedactForViewer(redacted)

		for _, uid := range viewers {
			resp := collab.Response{Operations: redacted, AccessLevel: collab.AccessView}
			if err := b.deliver(ctx, projectID, uid, resp); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// Respond sends a response to a single session. Responses are never redacted.
func (b *Broadcaster) Respond(ctx context.Context, uid collab.UID, resp collab.Response) error {
	return b.deliver(ctx, uid.ProjectID, uid, resp)
}

// Notify sends the same response to every member of the project.
func (b *Broadcaster) Notify(ctx context.Context, projectID int64, resp collab.Response) error {
	members, err := b.members.Members(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to read members of project %d: %w", projectID, err)
	}
	if len(members) == 0 {
		return nil
	}

	targets := make([]string, 0, len(members))
	for _, m := range members {
		targets = append(targets, m.UID.String())
	}

	frame := &collab.BroadcastFrame{ProjectID: projectID, Targets: targets, Response: resp}
	if err := b.publisher.PublishFrame(ctx, frame); err != nil {
		b.events.Error("notify_failed", map[string]interface{}{
			"project": projectID,
			"members": len(targets),
			"error":   err.Error(),
		})
		return fmt.Errorf("failed to notify project %d: %w", projectID, err)
	}
	return nil
}

// ForceClose tells the socket holding uid to close because another
// connection superseded it. The socket closes without a grace period.
func (b *Broadcaster) ForceClose(ctx context.Context, uid collab.UID, reason string) error {
	resp := collab.Response{Destroy: &collab.DestroyResponse{ForceClose: true, Reason: reason}}
	if err := b.Respond(ctx, uid, resp); err != nil {
		return err
	}
	b.events.Info("force_close", map[string]interface{}{
		"uid":     uid.String(),
		"project": uid.ProjectID,
		"reason":  reason,
	})
	return nil
}

func (b *Broadcaster) deliver(ctx context.Context, projectID int64, uid collab.UID, resp collab.Response) error {
	frame := &collab.BroadcastFrame{ProjectID: projectID, Targets: []string{uid.String()}, Response: resp}
	if err := b.publisher.PublishFrame(ctx, frame); err != nil {
		b.events.Error("delivery_failed", map[string]interface{}{
			"uid":     uid.String(),
			"project": projectID,
			"error":   err.Error(),
		})
		return fmt.Errorf("failed to deliver to %s: %w", uid, err)
	}
	return nil
}
