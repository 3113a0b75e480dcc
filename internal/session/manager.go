// Package session is the sequencer-side half of the client session manager.
// It authenticates sessions, applies their operations and finalizes them,
// one project message at a time.
//
// The socket-side half (heartbeats, grace timers, response timeouts) lives in
// internal/gateway.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/tandem/internal/editormode"
	"github.com/dyluth/tandem/internal/eventlog"
	"github.com/dyluth/tandem/pkg/collab"
)

// ErrNotAuthorized is returned when a uid is not a member of its project.
var ErrNotAuthorized = errors.New("session is not authorized")

// Store is the shared state the manager reads and writes.
type Store interface {
	AddMember(ctx context.Context, uid collab.UID, access collab.AccessLevel) error
	RemoveMember(ctx context.Context, uid collab.UID) ([]collab.Member, error)
	Members(ctx context.Context, projectID int64) ([]collab.Member, error)
	MemberAccess(ctx context.Context, uid collab.UID) (collab.AccessLevel, error)

	SetUserSession(ctx context.Context, uid collab.UID) error
	GetUserSession(ctx context.Context, userID, projectID int64) (collab.UID, error)
	DeleteUserSession(ctx context.Context, uid collab.UID) error

	AppendOperations(ctx context.Context, projectID, originator int64, ops []collab.Operation) ([]collab.Operation, error)
	ReserveOperationIDs(ctx context.Context, projectID, originator int64, requestID string, n int) (int64, error)
	OperationsSince(ctx context.Context, projectID, from int64) ([]collab.Operation, error)
	OperationCount(ctx context.Context, projectID int64) (int64, error)
}

// Modes is the editor mode state machine.
type Modes interface {
	Current(ctx context.Context, projectID int64) (*collab.EditorModeState, error)
	Request(ctx context.Context, uid collab.UID, op collab.Operation) (*editormode.Result, error)
	Check(ctx context.Context, projectID int64, ops []collab.Operation) (collab.EditorMode, []int, error)
	RecordActivity(ctx context.Context, projectID int64, n int) error
}

// Holds is the hold registry.
type Holds interface {
	Apply(ctx context.Context, projectID, userID int64, op collab.Operation) (collab.Operation, error)
	ReleaseUser(ctx context.Context, projectID, userID int64) ([]collab.OperationID, error)
	Clear(ctx context.Context, projectID int64) error
}

// Outbox delivers responses to sessions.
type Outbox interface {
	Broadcast(ctx context.Context, projectID int64, ops []collab.Operation, originator collab.UID) error
	Respond(ctx context.Context, uid collab.UID, resp collab.Response) error
	Notify(ctx context.Context, projectID int64, resp collab.Response) error
	ForceClose(ctx context.Context, uid collab.UID, reason string) error
}

// Releaser gives up a project's queue once nobody is left in it.
type Releaser interface {
	Release(ctx context.Context, projectID int64) error
}

// Config tunes the manager.
type Config struct {
	InstanceName string

	// Takeover decides whether a second live session of the same user may
	// join a project. Defaults to SingleSessionPolicy.
	Takeover TakeoverPolicy

	// StrictValidation fails a whole operation batch when any operation is
	// illegal in the current editor mode. Otherwise only the illegal
	// operations are dropped.
	StrictValidation bool

	// RedirectURL is sent to sessions that are turned away or closed.
	RedirectURL string

	// BusyRetryAfter is the retry hint given with a busy answer.
	BusyRetryAfter time.Duration
}

// Manager implements sequencer.Handler.
type Manager struct {
	cfg      Config
	store    Store
	modes    Modes
	holds    Holds
	out      Outbox
	releaser Releaser
	events   *eventlog.Logger
}

// NewManager wires a session manager from its collaborators.
func NewManager(cfg Config, store Store, modes Modes, holds Holds, out Outbox, releaser Releaser) (*Manager, error) {
	if store == nil || modes == nil || holds == nil || out == nil || releaser == nil {
		return nil, fmt.Errorf("session manager requires store, modes, holds, outbox and releaser")
	}
	if cfg.Takeover == nil {
		cfg.Takeover = SingleSessionPolicy{}
	}
	if cfg.BusyRetryAfter <= 0 {
		cfg.BusyRetryAfter = 5 * time.Second
	}

	return &Manager{
		cfg:      cfg,
		store:    store,
		modes:    modes,
		holds:    holds,
		out:      out,
		releaser: releaser,
		events:   eventlog.New("session", cfg.InstanceName, "[Session]"),
	}, nil
}

// OnStale tells the sender its message was too old to process.
// Implements sequencer.StaleReporter.
func (m *Manager) OnStale(ctx context.Context, env *collab.Envelope) {
	if env.UID.IsZero() {
		return
	}
	resp := collab.NewErrorResponse(env.RequestID, collab.CodeOldMessage, "message is too old")
	if err := m.out.Respond(ctx, env.UID, resp); err != nil {
		m.events.Printf("Failed to report stale message to %s: %v", env.UID, err)
	}
}

// fail logs a handler failure with its context, reports a generic error to
// the originating session and returns err so the message is redelivered.
func (m *Manager) fail(ctx context.Context, env *collab.Envelope, stage string, err error) error {
	m.events.Error("handler_failed", map[string]interface{}{
		"uid":     env.UID.String(),
		"project": env.ProjectID(),
		"stage":   stage,
		"error":   err.Error(),
	})
	if !env.UID.IsZero() {
		resp := collab.NewErrorResponse(env.RequestID, collab.CodeInternal, "request failed")
		if rerr := m.out.Respond(ctx, env.UID, resp); rerr != nil {
			m.events.Printf("Failed to report error to %s: %v", env.UID, rerr)
		}
	}
	return fmt.Errorf("%s failed: %w", stage, err)
}

// reject answers a request with a client error. The message counts as handled.
func (m *Manager) reject(ctx context.Context, env *collab.Envelope, code collab.ErrorCode, message string) error {
	m.events.Warn("request_rejected", map[string]interface{}{
		"uid":     env.UID.String(),
		"project": env.ProjectID(),
		"code":    string(code),
		"reason":  message,
	})
	if err := m.out.Respond(ctx, env.UID, collab.NewErrorResponse(env.RequestID, code, message)); err != nil {
		m.events.Printf("Failed to send rejection to %s: %v", env.UID, err)
	}
	return nil
}

// replay returns the logged operations from index from onwards, prepared for
// a recipient with the given access.
func (m *Manager) replay(ctx context.Context, projectID, from int64, access collab.AccessLevel) ([]collab.Operation, error) {
	ops, err := m.store.OperationsSince(ctx, projectID, from)
	if err != nil {
		return nil, err
	}
	collab.UnzeroByOrigin(ops)
	if access != collab.AccessEdit {
		collab.RedactForViewer(ops)
	}
	return ops, nil
}
