package sequencer

import (
	"context"
	"testing"
	"time"

	"github.com/dyluth/tandem/pkg/collab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleDeadLetter(t *testing.T) {
	ctx := context.Background()

	t.Run("expired message is dropped", func(t *testing.T) {
		s, h, _ := setupSequencer(t, Config{DeadLetterMaxAge: time.Minute})
		o := newOutcome()

		old := time.Now().Add(-2 * time.Minute).UnixMilli()
		action := s.HandleDeadLetter(ctx, o.delivery(t, 42, old, "old"))

		assert.Equal(t, DeadLetterExpired, action)
		assert.True(t, o.isAcked("old"))
		assert.Empty(t, h.handled())
	})

	t.Run("unbound project is adopted", func(t *testing.T) {
		s, h, r := setupSequencer(t, Config{})
		o := newOutcome()

		action := s.HandleDeadLetter(ctx, o.delivery(t, 42, time.Now().UnixMilli(), "orphan"))

		assert.Equal(t, DeadLetterAdopted, action)
		require.Eventually(t, func() bool { return o.isAcked("orphan") }, time.Second, time.Millisecond)
		assert.Equal(t, []string{"orphan"}, h.handled())
		binds, _, _ := r.snapshot()
		assert.Equal(t, []int64{42}, binds)
	})

	t.Run("project with a dead owner is adopted", func(t *testing.T) {
		s, h, r := setupSequencer(t, Config{})
		o := newOutcome()
		r.bound[42] = "gone"

		action := s.HandleDeadLetter(ctx, o.delivery(t, 42, time.Now().UnixMilli(), "a"))

		assert.Equal(t, DeadLetterAdopted, action)
		require.Eventually(t, func() bool { return len(h.handled()) == 1 }, time.Second, time.Millisecond)
	})

	t.Run("project already served here is adopted", func(t *testing.T) {
		s, h, r := setupSequencer(t, Config{})
		o := newOutcome()
		now := time.Now().UnixMilli()

		s.Enqueue(ctx, o.delivery(t, 42, now, "first"))
		require.Eventually(t, func() bool { return o.isAcked("first") }, time.Second, time.Millisecond)

		// Even a competing binding does not move work away from a live local queue.
		r.mu.Lock()
		r.bound[42] = "remote"
		r.alive["remote"] = true
		r.mu.Unlock()

		action := s.HandleDeadLetter(ctx, o.delivery(t, 42, now+1, "second"))
		assert.Equal(t, DeadLetterAdopted, action)
		require.Eventually(t, func() bool { return o.isAcked("second") }, time.Second, time.Millisecond)
		assert.Equal(t, []string{"first", "second"}, h.handled())
	})

	t.Run("project that moved away is not taken back", func(t *testing.T) {
		s, h, r := setupSequencer(t, Config{DeadLetterRetryDelay: 5 * time.Millisecond})
		o := newOutcome()
		now := time.Now().UnixMilli()

		// Keep the local queue busy so it outlives the move.
		gate := h.gate("first")
		s.Enqueue(ctx, o.delivery(t, 42, now, "first"))
		require.Eventually(t, func() bool { return len(h.handled()) == 1 }, time.Second, time.Millisecond)

		r.mu.Lock()
		r.bound[42] = "remote"
		r.alive["remote"] = true
		r.mu.Unlock()
		s.HandleControl(&collab.ControlMessage{Type: collab.ControlProjectBound, ProjectID: 42, Queue: "remote"})

		action := s.HandleDeadLetter(ctx, o.delivery(t, 42, now+1, "second"))
		assert.Equal(t, DeadLetterDeferred, action)
		close(gate)

		require.Eventually(t, func() bool { return o.isAcked("second") }, time.Second, time.Millisecond)
		binds, _, published := r.snapshot()
		assert.Equal(t, []int64{42}, binds, "the project is not bound here again")
		require.Len(t, published, 1)
		assert.Equal(t, "second", published[0].ID)
		assert.Equal(t, []string{"first"}, h.handled())

		r.mu.Lock()
		assert.Equal(t, "remote", r.bound[42])
		r.mu.Unlock()
	})

	t.Run("project owned by a live queue is republished", func(t *testing.T) {
		s, h, r := setupSequencer(t, Config{DeadLetterRetryDelay: 5 * time.Millisecond})
		o := newOutcome()
		r.bound[42] = "remote"
		r.alive["remote"] = true

		d := o.delivery(t, 42, time.Now().UnixMilli(), "elsewhere")
		action := s.HandleDeadLetter(ctx, d)
		assert.Equal(t, DeadLetterDeferred, action)

		require.Eventually(t, func() bool { return o.isAcked("elsewhere") }, time.Second, time.Millisecond)
		_, _, published := r.snapshot()
		require.Len(t, published, 1)
		assert.Equal(t, "elsewhere", published[0].ID)
		assert.Equal(t, 1, published[0].Attempts)
		assert.Equal(t, d.Message.Timestamp, published[0].Timestamp)
		assert.Empty(t, h.handled())
	})

	t.Run("republish is skipped once the message timed out", func(t *testing.T) {
		s, _, r := setupSequencer(t, Config{MessageTimeout: 10 * time.Millisecond, DeadLetterRetryDelay: 5 * time.Millisecond})
		o := newOutcome()
		r.bound[42] = "remote"
		r.alive["remote"] = true

		action := s.HandleDeadLetter(ctx, o.delivery(t, 42, time.Now().Add(-time.Second).UnixMilli(), "late"))
		assert.Equal(t, DeadLetterDeferred, action)

		require.Eventually(t, func() bool { return o.isAcked("late") }, time.Second, time.Millisecond)
		_, _, published := r.snapshot()
		assert.Empty(t, published)
	})

	t.Run("message seen too often is dropped", func(t *testing.T) {
		s, h, r := setupSequencer(t, Config{DeadLetterMaxAttempts: 2})
		o := newOutcome()
		r.bound[42] = "gone"
		now := time.Now().UnixMilli()

		assert.Equal(t, DeadLetterAdopted, s.HandleDeadLetter(ctx, o.delivery(t, 42, now, "loop")))
		assert.Equal(t, DeadLetterAdopted, s.HandleDeadLetter(ctx, o.delivery(t, 42, now, "loop")))
		assert.Equal(t, DeadLetterExhausted, s.HandleDeadLetter(ctx, o.delivery(t, 42, now, "loop")))

		require.Eventually(t, func() bool { return len(h.handled()) == 2 }, time.Second, time.Millisecond)
	})
}
