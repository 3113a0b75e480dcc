package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/tandem/internal/broadcast"
	"github.com/dyluth/tandem/internal/editormode"
	"github.com/dyluth/tandem/internal/holds"
	"github.com/dyluth/tandem/pkg/collab"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// framePublisher records every broadcast frame.
type framePublisher struct {
	mu     sync.Mutex
	frames []*collab.BroadcastFrame
}

func (p *framePublisher) PublishFrame(ctx context.Context, frame *collab.BroadcastFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return nil
}

// responsesFor returns every response addressed to uid, oldest first.
func (p *framePublisher) responsesFor(uid collab.UID) []collab.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []collab.Response
	for _, f := range p.frames {
		for _, target := range f.Targets {
			if target == uid.String() {
				out = append(out, f.Response)
			}
		}
	}
	return out
}

func (p *framePublisher) last(t *testing.T, uid collab.UID) collab.Response {
	t.Helper()
	responses := p.responsesFor(uid)
	require.NotEmpty(t, responses, "no response for %s", uid)
	return responses[len(responses)-1]
}

func (p *framePublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = nil
}

type fakeReleaser struct {
	mu       sync.Mutex
	released []int64
}

func (r *fakeReleaser) Release(ctx context.Context, projectID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, projectID)
	return nil
}

type harness struct {
	mgr      *Manager
	store    *collab.Client
	pub      *framePublisher
	releaser *fakeReleaser
}

func setup(t *testing.T, cfg Config) *harness {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	store, err := collab.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pub := &framePublisher{}
	releaser := &fakeReleaser{}
	cfg.InstanceName = "test-instance"
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = "https://example.test/projects"
	}

	mgr, err := NewManager(cfg,
		store,
		editormode.New(store, "test-instance"),
		holds.NewRegistry(store, "test-instance"),
		broadcast.New(pub, store, "test-instance"),
		releaser,
	)
	require.NoError(t, err)

	return &harness{mgr: mgr, store: store, pub: pub, releaser: releaser}
}

var (
	alice  = collab.UID{UserID: 7, ProjectID: 42, SocketID: "s1", Epoch: 1000}
	alice2 = collab.UID{UserID: 7, ProjectID: 42, SocketID: "s4", Epoch: 2000}
	bob    = collab.UID{UserID: 8, ProjectID: 42, SocketID: "s2", Epoch: 1000}
	carol  = collab.UID{UserID: 9, ProjectID: 42, SocketID: "s3", Epoch: 1000}
)

func authEnv(uid collab.UID, access collab.AccessLevel) *collab.Envelope {
	return &collab.Envelope{
		UID:       uid,
		RequestID: "auth-" + uid.SocketID,
		Auth:      &collab.AuthRequest{ProjectID: uid.ProjectID, ViewerID: uid.UserID, Access: access},
		Timestamp: time.Now().UnixMilli(),
	}
}

var requestSeq atomic.Int64

// opsEnv wraps ops in an envelope with a fresh request id, as the gateway does.
func opsEnv(uid collab.UID, ops ...collab.Operation) *collab.Envelope {
	return &collab.Envelope{
		UID:        uid,
		RequestID:  fmt.Sprintf("ops-%d", requestSeq.Add(1)),
		Operations: ops,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// flakyStore fails the failOn-th AppendOperations call once.
type flakyStore struct {
	*collab.Client
	mu     sync.Mutex
	calls  int
	failOn int
}

func (s *flakyStore) AppendOperations(ctx context.Context, projectID, originator int64, ops []collab.Operation) ([]collab.Operation, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls == s.failOn
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return s.Client.AppendOperations(ctx, projectID, originator, ops)
}

func (h *harness) auth(t *testing.T, uid collab.UID, access collab.AccessLevel) {
	t.Helper()
	require.NoError(t, h.mgr.OnAuth(context.Background(), authEnv(uid, access)))
}

func (h *harness) setMode(t *testing.T, mode collab.EditorMode) {
	t.Helper()
	require.NoError(t, h.store.SetMode(context.Background(), 42, &collab.EditorModeState{Mode: mode}))
}

func textOp(template bool) collab.Operation {
	payload := &collab.ElementPayload{PageID: 1, Content: map[string]any{"text": "hi"}}
	if template {
		payload.Template = map[string]any{"font": "serif"}
	}
	return collab.Operation{
		Properties: collab.Properties{Group: collab.GroupTools, Type: "text", Payload: payload},
		ActionTime: 1000,
	}
}

func modeOp(mode collab.EditorMode) collab.Operation {
	return collab.Operation{
		Properties: collab.Properties{Group: collab.KindMode.Group, Type: collab.KindMode.Type, Payload: &collab.ModePayload{Mode: mode}},
		ActionTime: 1000,
	}
}

func pagesOp() collab.Operation {
	return collab.Operation{
		Properties: collab.Properties{Group: collab.GroupPages, Type: "rearrange", Payload: &collab.PagesPayload{Order: []int{2, 1}}},
		ActionTime: 1000,
	}
}

func holdOp(elements ...collab.OperationID) collab.Operation {
	return collab.Operation{
		Properties: collab.Properties{Group: collab.KindHold.Group, Type: collab.KindHold.Type, Payload: &collab.HoldPayload{Elements: elements}},
		ActionTime: 1000,
	}
}

func TestNewManager(t *testing.T) {
	_, err := NewManager(Config{}, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestOnAuth(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh session joins", func(t *testing.T) {
		h := setup(t, Config{})
		h.auth(t, alice, collab.AccessEdit)

		resp := h.pub.last(t, alice)
		require.NotNil(t, resp.Auth)
		assert.Equal(t, alice.String(), resp.Auth.UID)
		assert.False(t, resp.Auth.Reconnect)
		assert.False(t, resp.Auth.Busy)
		assert.Equal(t, collab.ModeInit, resp.Auth.Mode)
		assert.Equal(t, int64(0), resp.Auth.ConfirmedOps)
		assert.Equal(t, collab.AccessEdit, resp.AccessLevel)
		assert.Equal(t, "auth-s1", resp.RequestID)

		access, err := h.store.MemberAccess(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, collab.AccessEdit, access)

		current, err := h.store.GetUserSession(ctx, 7, 42)
		require.NoError(t, err)
		assert.Equal(t, alice, current)
	})

	t.Run("invalid access defaults to view", func(t *testing.T) {
		h := setup(t, Config{})
		h.auth(t, carol, collab.AccessLevel("owner"))

		access, err := h.store.MemberAccess(ctx, carol)
		require.NoError(t, err)
		assert.Equal(t, collab.AccessView, access)
	})

	t.Run("credentials must match the uid", func(t *testing.T) {
		h := setup(t, Config{})
		env := authEnv(alice, collab.AccessEdit)
		env.Auth.ViewerID = 99
		require.NoError(t, h.mgr.OnAuth(ctx, env))

		resp := h.pub.last(t, alice)
		require.NotNil(t, resp.Error)
		assert.Equal(t, collab.CodeValidation, resp.Error.Code)

		_, err := h.store.MemberAccess(ctx, alice)
		assert.True(t, collab.IsNotFound(err))
	})

	t.Run("joining replays the log", func(t *testing.T) {
		h := setup(t, Config{})
		_, err := h.store.AppendOperations(ctx, 42, 8, []collab.Operation{textOp(true), textOp(true)})
		require.NoError(t, err)

		h.auth(t, carol, collab.AccessView)
		resp := h.pub.last(t, carol)
		require.Len(t, resp.Operations, 2)
		assert.Equal(t, int64(2), resp.Auth.ConfirmedOps)
		assert.Equal(t, int64(8), resp.Operations[0].ID.ClientID)

		p := resp.Operations[0].Properties.Payload.(*collab.ElementPayload)
		assert.Nil(t, p.Template, "viewers get a redacted replay")
		assert.False(t, *p.Enabled)
	})
}

func TestOnAuthTakeover(t *testing.T) {
	ctx := context.Background()

	t.Run("second socket of the same user is busy", func(t *testing.T) {
		h := setup(t, Config{BusyRetryAfter: 3 * time.Second})
		h.auth(t, alice, collab.AccessEdit)
		h.auth(t, alice2, collab.AccessEdit)

		resp := h.pub.last(t, alice2)
		require.NotNil(t, resp.Auth)
		assert.True(t, resp.Auth.Busy)
		assert.Equal(t, "https://example.test/projects", resp.Auth.Location)
		assert.Equal(t, int64(3000), resp.Auth.RetryAfterMs)

		_, err := h.store.MemberAccess(ctx, alice2)
		assert.True(t, collab.IsNotFound(err))
		assert.Len(t, h.pub.responsesFor(alice), 1, "the live session is left alone")
	})

	t.Run("concurrent policy admits both", func(t *testing.T) {
		h := setup(t, Config{Takeover: ConcurrentSessionPolicy{}})
		h.auth(t, alice, collab.AccessEdit)
		h.auth(t, alice2, collab.AccessEdit)

		assert.False(t, h.pub.last(t, alice2).Auth.Busy)
		members, err := h.store.Members(ctx, 42)
		require.NoError(t, err)
		assert.Len(t, members, 2)
	})

	t.Run("a session that already ended does not block", func(t *testing.T) {
		h := setup(t, Config{})
		h.auth(t, alice, collab.AccessEdit)
		_, err := h.store.RemoveMember(ctx, alice)
		require.NoError(t, err)

		h.auth(t, alice2, collab.AccessEdit)
		assert.False(t, h.pub.last(t, alice2).Auth.Busy)
	})
}

func TestOnAuthReconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("resume supersedes the previous socket", func(t *testing.T) {
		h := setup(t, Config{})
		h.auth(t, alice, collab.AccessEdit)
		ops := []collab.Operation{textOp(false), textOp(false), textOp(false), textOp(false), textOp(false)}
		_, err := h.store.AppendOperations(ctx, 42, 7, ops)
		require.NoError(t, err)

		env := authEnv(alice2, collab.AccessEdit)
		env.Auth.ResumeUID = alice.String()
		env.Auth.ConfirmedOps = 3
		require.NoError(t, h.mgr.OnAuth(ctx, env))

		closing := h.pub.last(t, alice)
		require.NotNil(t, closing.Destroy)
		assert.True(t, closing.Destroy.ForceClose)

		resp := h.pub.last(t, alice2)
		require.NotNil(t, resp.Auth)
		assert.True(t, resp.Auth.Reconnect)
		assert.Equal(t, int64(5), resp.Auth.ConfirmedOps)
		require.Len(t, resp.Operations, 2)
		assert.Equal(t, int64(3), *resp.Operations[0].Confirmed)

		_, err = h.store.MemberAccess(ctx, alice)
		assert.True(t, collab.IsNotFound(err))
		access, err := h.store.MemberAccess(ctx, alice2)
		require.NoError(t, err)
		assert.Equal(t, collab.AccessEdit, access)
	})

	t.Run("confirmed count beyond the log is not a resume", func(t *testing.T) {
		h := setup(t, Config{})
		h.auth(t, alice, collab.AccessEdit)

		env := authEnv(alice2, collab.AccessEdit)
		env.Auth.ResumeUID = alice.String()
		env.Auth.ConfirmedOps = 10
		require.NoError(t, h.mgr.OnAuth(ctx, env))

		assert.True(t, h.pub.last(t, alice2).Auth.Busy)
	})

	t.Run("resume of another user is not a resume", func(t *testing.T) {
		h := setup(t, Config{})
		h.auth(t, bob, collab.AccessEdit)

		env := authEnv(alice, collab.AccessEdit)
		env.Auth.ResumeUID = bob.String()
		require.NoError(t, h.mgr.OnAuth(ctx, env))

		resp := h.pub.last(t, alice)
		assert.False(t, resp.Auth.Reconnect)
		assert.Len(t, h.pub.responsesFor(bob), 1, "bob is not closed")
	})
}

func TestOnOperations(t *testing.T) {
	ctx := context.Background()

	setupProject := func(t *testing.T, cfg Config) *harness {
		h := setup(t, cfg)
		h.setMode(t, collab.ModeMain)
		h.auth(t, alice, collab.AccessEdit)
		h.auth(t, bob, collab.AccessEdit)
		h.auth(t, carol, collab.AccessView)
		h.pub.reset()
		return h
	}

	t.Run("content is stored and fanned out by access", func(t *testing.T) {
		h := setupProject(t, Config{})
		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(alice, textOp(true))))

		logged, err := h.store.OperationsSince(ctx, 42, 0)
		require.NoError(t, err)
		require.Len(t, logged, 1)
		assert.Equal(t, collab.OperationID{ClientID: 7, LocalID: 1}, *logged[0].ID)

		self := h.pub.last(t, alice)
		assert.Nil(t, self.Error)
		require.Len(t, self.Operations, 1)
		assert.Equal(t, int64(0), *self.Operations[0].Confirmed)
		assert.NotNil(t, self.Operations[0].Properties.Payload.(*collab.ElementPayload).Template)

		editor := h.pub.last(t, bob)
		require.Len(t, editor.Operations, 1)
		assert.Equal(t, collab.OperationID{ClientID: 7, LocalID: 1}, *editor.Operations[0].ID)
		assert.NotNil(t, editor.Operations[0].Properties.Payload.(*collab.ElementPayload).Template)

		viewer := h.pub.last(t, carol)
		require.Len(t, viewer.Operations, 1)
		p := viewer.Operations[0].Properties.Payload.(*collab.ElementPayload)
		assert.Nil(t, p.Template)
		assert.False(t, *p.Enabled)

		state, err := h.store.GetMode(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, int64(1), state.OperationsCount)
	})

	t.Run("resubmission is not stored twice", func(t *testing.T) {
		h := setupProject(t, Config{})
		op := textOp(false)
		op.ID = &collab.OperationID{ClientID: 0, LocalID: 9}

		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(alice, op)))
		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(alice, op)))

		count, err := h.store.OperationCount(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.Len(t, h.pub.responsesFor(bob), 1)
	})

	t.Run("redelivery after a partial failure stores each operation once", func(t *testing.T) {
		h := setupProject(t, Config{})
		flaky := &flakyStore{Client: h.store, failOn: 2}
		mgr, err := NewManager(Config{InstanceName: "test-instance"},
			flaky,
			editormode.New(h.store, "test-instance"),
			holds.NewRegistry(h.store, "test-instance"),
			broadcast.New(h.pub, h.store, "test-instance"),
			h.releaser,
		)
		require.NoError(t, err)

		env := opsEnv(alice, textOp(false), textOp(false))
		require.Error(t, mgr.OnOperations(ctx, env))
		assert.Equal(t, collab.CodeInternal, h.pub.last(t, alice).Error.Code)

		// The sequencer nacks and the broker delivers the same envelope again.
		require.NoError(t, mgr.OnOperations(ctx, env))

		logged, err := h.store.OperationsSince(ctx, 42, 0)
		require.NoError(t, err)
		require.Len(t, logged, 2)
		assert.Equal(t, collab.OperationID{ClientID: 7, LocalID: 1}, *logged[0].ID)
		assert.Equal(t, collab.OperationID{ClientID: 7, LocalID: 2}, *logged[1].ID)
	})

	t.Run("separate requests get separate ids", func(t *testing.T) {
		h := setupProject(t, Config{})
		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(alice, textOp(false))))
		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(alice, textOp(false))))

		count, err := h.store.OperationCount(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("non-members are not authorized", func(t *testing.T) {
		h := setupProject(t, Config{})
		stranger := collab.UID{UserID: 99, ProjectID: 42, SocketID: "x", Epoch: 1}
		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(stranger, textOp(false))))

		resp := h.pub.last(t, stranger)
		require.NotNil(t, resp.Error)
		assert.Equal(t, collab.CodeNotAuthorized, resp.Error.Code)
		assert.Empty(t, h.pub.responsesFor(bob))
	})

	t.Run("viewers cannot change the document", func(t *testing.T) {
		h := setupProject(t, Config{})
		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(carol, textOp(false))))

		assert.Equal(t, collab.CodeNotAuthorized, h.pub.last(t, carol).Error.Code)
		count, err := h.store.OperationCount(ctx, 42)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("operations illegal in the mode are dropped", func(t *testing.T) {
		h := setupProject(t, Config{})
		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(alice, pagesOp(), textOp(false))))

		self := h.pub.last(t, alice)
		require.NotNil(t, self.Error)
		assert.Equal(t, collab.CodeValidation, self.Error.Code)
		require.Len(t, self.Operations, 1)
		assert.Equal(t, "text", self.Operations[0].Properties.Type)

		count, err := h.store.OperationCount(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("strict validation fails the whole batch", func(t *testing.T) {
		h := setupProject(t, Config{StrictValidation: true})
		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(alice, pagesOp(), textOp(false))))

		self := h.pub.last(t, alice)
		require.NotNil(t, self.Error)
		assert.Equal(t, collab.CodeValidation, self.Error.Code)
		assert.Empty(t, self.Operations)
		assert.Empty(t, h.pub.responsesFor(bob))

		count, err := h.store.OperationCount(ctx, 42)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("a mode change applies to the rest of the batch", func(t *testing.T) {
		h := setupProject(t, Config{})
		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(alice, modeOp(collab.ModePages), pagesOp())))

		self := h.pub.last(t, alice)
		assert.Nil(t, self.Error)
		require.Len(t, self.Operations, 2)
		assert.True(t, *self.Operations[0].Properties.Payload.(*collab.ModePayload).Allowed)

		// Mode changes are document-level and reach viewers unredacted.
		viewer := h.pub.last(t, carol)
		require.Len(t, viewer.Operations, 2)
		assert.Equal(t, collab.KindMode, viewer.Operations[0].Kind())
	})

	t.Run("illegal mode change is answered in place", func(t *testing.T) {
		h := setupProject(t, Config{})
		h.setMode(t, collab.ModeConstructor)
		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(alice, modeOp(collab.ModePages))))

		self := h.pub.last(t, alice)
		require.Len(t, self.Operations, 1)
		payload := self.Operations[0].Properties.Payload.(*collab.ModePayload)
		assert.False(t, *payload.Allowed)
		assert.Equal(t, collab.CodeModeTransition, payload.Error)
		assert.Empty(t, h.pub.responsesFor(bob), "rejected changes are not forwarded")
	})

	t.Run("returning to main notifies the sender it may reload", func(t *testing.T) {
		h := setupProject(t, Config{})
		h.setMode(t, collab.ModeConstructor)
		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(alice, modeOp(collab.ModeMain))))

		self := h.pub.last(t, alice)
		require.Len(t, self.Operations, 2)
		assert.Equal(t, collab.KindReload, self.Operations[1].Kind())

		other := h.pub.last(t, bob)
		require.Len(t, other.Operations, 1, "the reload notice is for the sender only")
	})

	t.Run("holds report the current holder", func(t *testing.T) {
		h := setupProject(t, Config{})
		element := collab.OperationID{ClientID: 7, LocalID: 1}

		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(alice, holdOp(element))))
		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(bob, holdOp(element))))

		self := h.pub.last(t, bob)
		require.Len(t, self.Operations, 1)
		assert.Equal(t, int64(7), self.Operations[0].Properties.Payload.(*collab.HoldPayload).HeldBy)
	})

	t.Run("holds on own elements arrive zeroed and still conflict", func(t *testing.T) {
		h := setupProject(t, Config{})
		element := collab.OperationID{ClientID: 7, LocalID: 1}

		// The gateway zeroes alice's own id before the hold is sequenced.
		sent := []collab.Operation{holdOp(element)}
		collab.ZeroClientIDs(sent, alice.ClientID())
		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(alice, sent...)))

		table, err := h.store.Holds(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, []collab.OperationID{element}, table[7])

		echo := h.pub.last(t, alice)
		require.Len(t, echo.Operations, 1)
		assert.Equal(t, []collab.OperationID{element}, echo.Operations[0].Properties.Payload.(*collab.HoldPayload).Elements)

		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(bob, holdOp(element))))
		self := h.pub.last(t, bob)
		require.Len(t, self.Operations, 1)
		assert.Equal(t, int64(7), self.Operations[0].Properties.Payload.(*collab.HoldPayload).HeldBy)
	})

	t.Run("clients cannot issue access changes", func(t *testing.T) {
		h := setupProject(t, Config{})
		access := collab.Operation{Properties: collab.Properties{
			Group: collab.KindAccess.Group, Type: collab.KindAccess.Type, Payload: &collab.AccessPayload{Access: collab.AccessEdit},
		}}
		require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(alice, access)))

		assert.Equal(t, collab.CodeValidation, h.pub.last(t, alice).Error.Code)
		assert.Empty(t, h.pub.responsesFor(bob))
	})
}

func TestZeroedOperationsRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := setup(t, Config{})
	h.setMode(t, collab.ModeMain)
	h.auth(t, alice, collab.AccessEdit)
	h.auth(t, bob, collab.AccessEdit)

	original := textOp(false)
	original.ID = &collab.OperationID{ClientID: 7, LocalID: 3}
	original.Properties.Payload.(*collab.ElementPayload).Element = &collab.OperationID{ClientID: 7, LocalID: 2}

	sent, err := collab.CloneOperations([]collab.Operation{original})
	require.NoError(t, err)
	collab.ZeroClientIDs(sent, alice.ClientID())
	require.NoError(t, h.mgr.OnOperations(ctx, opsEnv(alice, sent...)))

	for _, uid := range []collab.UID{alice, bob} {
		resp := h.pub.last(t, uid)
		require.Len(t, resp.Operations, 1)
		op := resp.Operations[0]
		assert.Equal(t, *original.ID, *op.ID, uid.String())
		assert.Equal(t, collab.OperationID{ClientID: 7, LocalID: 2}, *op.Properties.Payload.(*collab.ElementPayload).Element, uid.String())
	}
}

func TestOnDestroy(t *testing.T) {
	ctx := context.Background()

	t.Run("last member releases the project", func(t *testing.T) {
		h := setup(t, Config{})
		h.auth(t, alice, collab.AccessEdit)
		require.NoError(t, h.store.SetHold(ctx, 42, 7, []collab.OperationID{{ClientID: 7, LocalID: 1}}))

		env := &collab.Envelope{UID: alice, RequestID: "bye", Destroy: &collab.DestroyRequest{OnTimeout: true}, Timestamp: 1}
		require.NoError(t, h.mgr.OnDestroy(ctx, env))

		resp := h.pub.last(t, alice)
		require.NotNil(t, resp.Destroy)
		assert.True(t, resp.Destroy.OnTimeout)

		members, err := h.store.Members(ctx, 42)
		require.NoError(t, err)
		assert.Empty(t, members)

		table, err := h.store.Holds(ctx, 42)
		require.NoError(t, err)
		assert.Empty(t, table)

		_, err = h.store.GetUserSession(ctx, 7, 42)
		assert.True(t, collab.IsNotFound(err))

		assert.Equal(t, []int64{42}, h.releaser.released)
	})

	t.Run("holds are released to the remaining members", func(t *testing.T) {
		h := setup(t, Config{})
		h.auth(t, alice, collab.AccessEdit)
		h.auth(t, bob, collab.AccessEdit)
		require.NoError(t, h.store.SetHold(ctx, 42, 7, []collab.OperationID{{ClientID: 7, LocalID: 1}}))
		require.NoError(t, h.store.SetHold(ctx, 42, 8, []collab.OperationID{{ClientID: 8, LocalID: 1}}))

		env := &collab.Envelope{UID: alice, Destroy: &collab.DestroyRequest{}, Timestamp: 1}
		require.NoError(t, h.mgr.OnDestroy(ctx, env))

		release := h.pub.last(t, bob)
		require.Len(t, release.Operations, 1)
		assert.Equal(t, collab.KindRelease, release.Operations[0].Kind())

		table, err := h.store.Holds(ctx, 42)
		require.NoError(t, err)
		assert.Len(t, table, 1)
		assert.Contains(t, table, int64(8))
		assert.Empty(t, h.releaser.released)
	})

	t.Run("only viewers left clears every hold", func(t *testing.T) {
		h := setup(t, Config{})
		h.auth(t, alice, collab.AccessEdit)
		h.auth(t, carol, collab.AccessView)
		require.NoError(t, h.store.SetHold(ctx, 42, 9, []collab.OperationID{{ClientID: 9, LocalID: 1}}))

		env := &collab.Envelope{UID: alice, Destroy: &collab.DestroyRequest{}, Timestamp: 1}
		require.NoError(t, h.mgr.OnDestroy(ctx, env))

		table, err := h.store.Holds(ctx, 42)
		require.NoError(t, err)
		assert.Empty(t, table)
	})
}

func TestOnSystem(t *testing.T) {
	ctx := context.Background()

	sysEnv := func(sys *collab.SystemMessage) *collab.Envelope {
		return &collab.Envelope{System: sys, Timestamp: 1}
	}

	t.Run("access change", func(t *testing.T) {
		h := setup(t, Config{})
		h.auth(t, alice, collab.AccessEdit)
		h.auth(t, bob, collab.AccessEdit)
		h.pub.reset()

		require.NoError(t, h.mgr.OnSystem(ctx, sysEnv(&collab.SystemMessage{
			Type: collab.SystemAccess, ProjectID: 42, UserID: 8, Access: collab.AccessView,
		})))

		access, err := h.store.MemberAccess(ctx, bob)
		require.NoError(t, err)
		assert.Equal(t, collab.AccessView, access)

		resp := h.pub.last(t, bob)
		assert.Equal(t, collab.AccessView, resp.AccessLevel)
		require.Len(t, resp.Operations, 1)
		assert.Equal(t, collab.KindAccess, resp.Operations[0].Kind())
		assert.Empty(t, h.pub.responsesFor(alice))
	})

	t.Run("close ends every session", func(t *testing.T) {
		h := setup(t, Config{})
		h.auth(t, alice, collab.AccessEdit)
		h.auth(t, carol, collab.AccessView)

		require.NoError(t, h.mgr.OnSystem(ctx, sysEnv(&collab.SystemMessage{
			Type: collab.SystemClose, ProjectID: 42, Reason: "maintenance",
		})))

		for _, uid := range []collab.UID{alice, carol} {
			resp := h.pub.last(t, uid)
			require.NotNil(t, resp.Destroy, uid.String())
			assert.Equal(t, "maintenance", resp.Destroy.Reason)
			assert.Equal(t, "https://example.test/projects", resp.Destroy.Location)
		}

		members, err := h.store.Members(ctx, 42)
		require.NoError(t, err)
		assert.Empty(t, members)
		assert.Equal(t, []int64{42}, h.releaser.released)
	})

	t.Run("notice reaches everyone", func(t *testing.T) {
		h := setup(t, Config{})
		h.auth(t, alice, collab.AccessEdit)
		h.auth(t, carol, collab.AccessView)

		require.NoError(t, h.mgr.OnSystem(ctx, sysEnv(&collab.SystemMessage{
			Type: collab.SystemNotice, ProjectID: 42, Reason: "new version",
		})))

		for _, uid := range []collab.UID{alice, carol} {
			resp := h.pub.last(t, uid)
			require.Len(t, resp.Operations, 1)
			assert.Equal(t, collab.KindReload, resp.Operations[0].Kind())
		}
	})
}

func TestOnStale(t *testing.T) {
	h := setup(t, Config{})
	env := opsEnv(alice, textOp(false))
	h.mgr.OnStale(context.Background(), env)

	resp := h.pub.last(t, alice)
	require.NotNil(t, resp.Error)
	assert.Equal(t, collab.CodeOldMessage, resp.Error.Code)
	assert.Equal(t, env.RequestID, resp.RequestID)
}

func TestPolicyByName(t *testing.T) {
	p, ok := PolicyByName("single")
	require.True(t, ok)
	assert.False(t, p.AllowConcurrent(alice, alice2))

	p, ok = PolicyByName("concurrent")
	require.True(t, ok)
	assert.True(t, p.AllowConcurrent(alice, alice2))

	_, ok = PolicyByName("sometimes")
	assert.False(t, ok)
}
