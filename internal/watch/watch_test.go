package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/tandem/internal/broker"
	"github.com/dyluth/tandem/pkg/collab"
)

type fakeSource struct {
	messages chan *broker.Message
	errors   chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{messages: make(chan *broker.Message, 8), errors: make(chan error, 8)}
}

func (s *fakeSource) Messages() <-chan *broker.Message { return s.messages }
func (s *fakeSource) Errors() <-chan error             { return s.errors }

func frameMessage(t *testing.T, frame *collab.BroadcastFrame) *broker.Message {
	t.Helper()
	msg, err := broker.NewMessage(frame.ProjectID, 1000, frame)
	require.NoError(t, err)
	return msg
}

func boolPtr(b bool) *bool { return &b }

func TestDefaultFormatter(t *testing.T) {
	fixed := func() time.Time { return time.Date(2026, 1, 2, 13, 4, 5, 0, time.UTC) }

	tests := []struct {
		name     string
		frame    collab.BroadcastFrame
		expected []string
	}{
		{
			name: "auth admitted",
			frame: collab.BroadcastFrame{Targets: []string{"7_42_s1_1000"}, Response: collab.Response{
				Auth:        &collab.AuthResponse{UID: "7_42_s1_1000", Mode: collab.ModeMain, ConfirmedOps: 3},
				AccessLevel: collab.AccessEdit,
			}},
			expected: []string{"[13:04:05] 🔑 Session admitted: uid=7_42_s1_1000, mode=main, access=edit, reconnect=false, confirmed=3"},
		},
		{
			name: "auth busy",
			frame: collab.BroadcastFrame{Targets: []string{"7_42_s1_1000"}, Response: collab.Response{
				Auth: &collab.AuthResponse{Busy: true, RetryAfterMs: 5000},
			}},
			expected: []string{"⛔ Session busy: to=7_42_s1_1000, retry in 5000ms"},
		},
		{
			name: "superseded",
			frame: collab.BroadcastFrame{Targets: []string{"7_42_s1_1000"}, Response: collab.Response{
				Destroy: &collab.DestroyResponse{ForceClose: true},
			}},
			expected: []string{"🔁 Session superseded: to=7_42_s1_1000"},
		},
		{
			name: "closed with many targets",
			frame: collab.BroadcastFrame{Targets: []string{"a", "b", "c", "d"}, Response: collab.Response{
				Destroy: &collab.DestroyResponse{Reason: "project closed"},
			}},
			expected: []string{"👋 Session closed: to=a,b +2 more, reason=project closed"},
		},
		{
			name: "error",
			frame: collab.BroadcastFrame{Targets: []string{"a"}, Response: collab.NewErrorResponse("r1", collab.CodeOldMessage, "message too old")},
			expected: []string{"❌ Error: code=old_message, to=a, message=message too old"},
		},
		{
			name: "operations",
			frame: collab.BroadcastFrame{Targets: []string{"a", "b"}, Response: collab.Response{Operations: []collab.Operation{
				{
					ID:         &collab.OperationID{ClientID: 7, LocalID: 2},
					Properties: collab.Properties{Group: collab.GroupTools, Type: "text", Payload: &collab.ElementPayload{}},
				},
				{Properties: collab.Properties{Group: collab.GroupEditor, Type: "mode", Payload: &collab.ModePayload{Mode: collab.ModeConstructor, Allowed: boolPtr(true)}}},
				{Properties: collab.Properties{Group: collab.GroupCollaboration, Type: "hold", Payload: &collab.HoldPayload{Elements: make([]collab.OperationID, 2), HeldBy: 8}}},
				{Properties: collab.Properties{Group: collab.GroupCollaboration, Type: "release", Payload: &collab.HoldPayload{Elements: make([]collab.OperationID, 1)}}},
				{Properties: collab.Properties{Group: collab.GroupEditor, Type: "reload", Payload: &collab.ReloadPayload{Reason: "left constructor"}}},
			}}},
			expected: []string{
				"✏️  Operation: kind=tools/text, id=7:2, to=a,b",
				"🎛  Mode: mode=constructor, allowed=true, to=a,b",
				"🔒 Hold: 2 elements, held by 8, to=a,b",
				"🔒 Release: 1 elements, to=a,b",
				"🔄 Reload: reason=left constructor, to=a,b",
			},
		},
		{
			name:     "access level only",
			frame:    collab.BroadcastFrame{Targets: []string{"a"}, Response: collab.Response{AccessLevel: collab.AccessView}},
			expected: []string{"🛂 Access level: view, to=a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			f := &defaultFormatter{writer: buf, now: fixed}

			frame := tt.frame
			require.NoError(t, f.FormatFrame(&frame))

			output := buf.String()
			for _, want := range tt.expected {
				assert.True(t, strings.Contains(output, want), "Expected output to contain '%s', got: %s", want, output)
			}
			assert.Equal(t, len(tt.expected), strings.Count(output, "\n"))
		})
	}
}

func TestStreamFrames(t *testing.T) {
	t.Run("json output until the source closes", func(t *testing.T) {
		src := newFakeSource()
		src.messages <- frameMessage(t, &collab.BroadcastFrame{ProjectID: 42, Targets: []string{"a"}, Response: collab.Response{AccessLevel: collab.AccessEdit}})
		src.messages <- &broker.Message{Body: []byte("not json")}
		src.messages <- frameMessage(t, &collab.BroadcastFrame{ProjectID: 42, Targets: []string{"b"}})
		close(src.messages)

		buf := &bytes.Buffer{}
		require.NoError(t, StreamFrames(context.Background(), src, OutputFormatJSON, buf))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 3)

		var first collab.BroadcastFrame
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
		assert.Equal(t, []string{"a"}, first.Targets)
		assert.Contains(t, lines[1], "Skipping malformed frame")
	})

	t.Run("reports subscription errors and stops on cancel", func(t *testing.T) {
		src := newFakeSource()
		src.errors <- errors.New("decode failed")

		ctx, cancel := context.WithCancel(context.Background())
		buf := &bytes.Buffer{}
		done := make(chan error, 1)
		go func() { done <- StreamFrames(ctx, src, OutputFormatDefault, buf) }()

		time.Sleep(20 * time.Millisecond)
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("StreamFrames did not stop")
		}
		assert.Contains(t, buf.String(), "Subscription error: decode failed")
	})

	t.Run("unknown format", func(t *testing.T) {
		err := StreamFrames(context.Background(), newFakeSource(), OutputFormat("xml"), &bytes.Buffer{})
		assert.Error(t, err)
	})
}
