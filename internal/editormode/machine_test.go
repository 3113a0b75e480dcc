package editormode

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/tandem/pkg/collab"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUID = collab.UID{UserID: 7, ProjectID: 42, SocketID: "s1", Epoch: 1000}

func setupMachine(t *testing.T) (*Machine, *collab.Client) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := collab.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	m := New(client, "test-instance")
	m.now = func() time.Time { return time.UnixMilli(5000) }
	return m, client
}

func modeOp(mode collab.EditorMode) collab.Operation {
	return collab.Operation{
		Properties: collab.Properties{
			Group:   collab.KindMode.Group,
			Type:    collab.KindMode.Type,
			Payload: &collab.ModePayload{Mode: mode},
		},
		ActionTime: 1000,
	}
}

func textOp() collab.Operation {
	return collab.Operation{
		Properties: collab.Properties{
			Group:   collab.GroupTools,
			Type:    "text",
			Payload: &collab.ElementPayload{PageID: 1},
		},
		ActionTime: 1000,
	}
}

func payloadOf(r *Result) *collab.ModePayload {
	return r.Operation.Properties.Payload.(*collab.ModePayload)
}

func request(t *testing.T, m *Machine, mode collab.EditorMode) *Result {
	t.Helper()
	r, err := m.Request(context.Background(), testUID, modeOp(mode))
	require.NoError(t, err)
	return r
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to collab.EditorMode
		allowed  bool
	}{
		{collab.ModeInit, collab.ModeMain, true},
		{collab.ModeInit, collab.ModeConstructor, false},
		{collab.ModeMain, collab.ModeMain, true},
		{collab.ModeMain, collab.ModeConstructor, true},
		{collab.ModeMain, collab.ModePages, true},
		{collab.ModeMain, collab.ModeVersions, true},
		{collab.ModeMain, collab.ModeTrueEdit, true},
		{collab.ModeMain, collab.ModeInit, false},
		{collab.ModeConstructor, collab.ModeMain, true},
		{collab.ModeConstructor, collab.ModePages, false},
		{collab.ModePages, collab.ModeVersions, false},
		{collab.ModeVersions, collab.ModeMain, true},
		{collab.ModeTrueEdit, collab.ModeConstructor, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestAllows(t *testing.T) {
	text := collab.Kind{Group: collab.GroupTools, Type: "text"}
	pages := collab.Kind{Group: collab.GroupPages, Type: "rearrange"}
	versions := collab.Kind{Group: collab.GroupVersions, Type: "restore"}
	trueedit := collab.Kind{Group: collab.GroupTrueEdit, Type: "edit"}

	assert.True(t, Allows(collab.ModeMain, text))
	assert.True(t, Allows(collab.ModeConstructor, text))
	assert.False(t, Allows(collab.ModePages, text))

	assert.True(t, Allows(collab.ModePages, pages))
	assert.False(t, Allows(collab.ModeMain, pages))
	assert.True(t, Allows(collab.ModeVersions, versions))
	assert.False(t, Allows(collab.ModeTrueEdit, versions))
	assert.True(t, Allows(collab.ModeTrueEdit, trueedit))
	assert.False(t, Allows(collab.ModeMain, trueedit))

	assert.True(t, Allows(collab.ModeMain, collab.KindHold))
	assert.False(t, Allows(collab.ModePages, collab.KindHold))
	assert.False(t, Allows(collab.ModeVersions, collab.KindRelease))

	for _, mode := range []collab.EditorMode{collab.ModeInit, collab.ModeMain, collab.ModeConstructor, collab.ModePages, collab.ModeVersions, collab.ModeTrueEdit} {
		assert.True(t, Allows(mode, collab.KindMode), mode)
		assert.True(t, Allows(mode, collab.KindAccess), mode)
	}

	assert.False(t, Allows(collab.ModeMain, collab.Kind{Group: "bogus", Type: "x"}))
}

func TestRequest(t *testing.T) {
	m, client := setupMachine(t)
	ctx := context.Background()

	t.Run("init to main is accepted with a reload notice", func(t *testing.T) {
		r := request(t, m, collab.ModeMain)
		require.True(t, r.Changed)
		assert.NoError(t, r.Err)
		require.NotNil(t, payloadOf(r).Allowed)
		assert.True(t, *payloadOf(r).Allowed)
		assert.Empty(t, payloadOf(r).Error)
		require.NotNil(t, r.Notice)
		assert.Equal(t, collab.KindReload, r.Notice.Kind())

		state, err := client.GetMode(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, collab.ModeMain, state.Mode)
		assert.Equal(t, testUID.String(), state.SetBy)
		assert.Equal(t, int64(5000), state.SetAtMs)
	})

	t.Run("main to main is accepted without a notice", func(t *testing.T) {
		r := request(t, m, collab.ModeMain)
		assert.True(t, r.Changed)
		assert.Nil(t, r.Notice)
	})

	t.Run("main to constructor snapshots the operation count", func(t *testing.T) {
		_, err := client.AppendOperations(ctx, 42, 7, []collab.Operation{textOp(), textOp()})
		require.NoError(t, err)

		r := request(t, m, collab.ModeConstructor)
		require.True(t, r.Changed)
		assert.Equal(t, int64(2), r.State.Snapshot)
		assert.Nil(t, payloadOf(r).Edited)
	})

	t.Run("constructor to pages is rejected in place", func(t *testing.T) {
		r := request(t, m, collab.ModePages)
		assert.False(t, r.Changed)
		assert.ErrorIs(t, r.Err, ErrIllegalTransition)
		require.NotNil(t, payloadOf(r).Allowed)
		assert.False(t, *payloadOf(r).Allowed)
		assert.Equal(t, collab.CodeModeTransition, payloadOf(r).Error)
		assert.Equal(t, collab.ModePages, payloadOf(r).Mode, "requested mode is echoed unchanged")

		state, err := client.GetMode(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, collab.ModeConstructor, state.Mode)
	})

	t.Run("leaving constructor unedited", func(t *testing.T) {
		r := request(t, m, collab.ModeMain)
		require.True(t, r.Changed)
		require.NotNil(t, payloadOf(r).Edited)
		assert.False(t, *payloadOf(r).Edited)
		assert.NotNil(t, r.Notice)
	})

	t.Run("leaving constructor after edits", func(t *testing.T) {
		request(t, m, collab.ModeConstructor)
		_, err := client.AppendOperations(ctx, 42, 7, []collab.Operation{textOp()})
		require.NoError(t, err)

		r := request(t, m, collab.ModeMain)
		require.NotNil(t, payloadOf(r).Edited)
		assert.True(t, *payloadOf(r).Edited)
	})

	t.Run("unknown mode is rejected", func(t *testing.T) {
		r := request(t, m, collab.EditorMode("fullscreen"))
		assert.False(t, r.Changed)
		assert.Equal(t, collab.CodeModeTransition, payloadOf(r).Error)
	})

	t.Run("non-mode operation is an error", func(t *testing.T) {
		_, err := m.Request(ctx, testUID, textOp())
		assert.ErrorIs(t, err, collab.ErrUnknownOperation)
	})
}

func TestRequestDoesNotModifyInput(t *testing.T) {
	m, _ := setupMachine(t)

	in := modeOp(collab.ModeConstructor)
	r, err := m.Request(context.Background(), testUID, in)
	require.NoError(t, err)

	assert.False(t, r.Changed)
	assert.Nil(t, in.Properties.Payload.(*collab.ModePayload).Allowed)
}

func TestRecordActivity(t *testing.T) {
	m, client := setupMachine(t)
	ctx := context.Background()

	request(t, m, collab.ModeMain)
	require.NoError(t, m.RecordActivity(ctx, 42, 3))
	require.NoError(t, m.RecordActivity(ctx, 42, 0))
	require.NoError(t, m.RecordActivity(ctx, 42, 2))

	state, err := client.GetMode(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(5), state.OperationsCount)
	assert.Equal(t, collab.ModeMain, state.Mode)

	t.Run("count restarts on transition", func(t *testing.T) {
		r := request(t, m, collab.ModePages)
		require.True(t, r.Changed)
		assert.Zero(t, r.State.OperationsCount)
	})
}

func TestCheck(t *testing.T) {
	m, _ := setupMachine(t)
	ctx := context.Background()

	pages := collab.Operation{Properties: collab.Properties{
		Group: collab.GroupPages, Type: "rearrange", Payload: &collab.PagesPayload{Order: []int{2, 1}},
	}}

	mode, rejected, err := m.Check(ctx, 42, []collab.Operation{textOp(), pages, modeOp(collab.ModeMain)})
	require.NoError(t, err)
	assert.Equal(t, collab.ModeInit, mode)
	assert.Equal(t, []int{1}, rejected)
}
