// Package watch streams a project's broadcast traffic for operators.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/tandem/internal/broker"
	"github.com/dyluth/tandem/pkg/collab"
)

// OutputFormat specifies how frames are printed.
type OutputFormat string

const (
	// OutputFormatDefault prints one human-readable line per event
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON prints each frame as one JSON line
	OutputFormatJSON OutputFormat = "json"
)

// Source delivers broadcast messages.
type Source interface {
	Messages() <-chan *broker.Message
	Errors() <-chan error
}

type formatter interface {
	FormatFrame(frame *collab.BroadcastFrame) error
}

// StreamFrames prints every broadcast frame from src until ctx is cancelled
// or the source closes.
func StreamFrames(ctx context.Context, src Source, format OutputFormat, w io.Writer) error {
	var f formatter
	switch format {
	case OutputFormatDefault:
		f = &defaultFormatter{writer: w, now: time.Now}
	case OutputFormatJSON:
		f = &jsonFormatter{writer: w}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-src.Messages():
			if !ok {
				return nil
			}
			frame, err := msg.Frame()
			if err != nil {
				fmt.Fprintf(w, "⚠️  Skipping malformed frame: %v\n", err)
				continue
			}
			if err := f.FormatFrame(frame); err != nil {
				return err
			}

		case err, ok := <-src.Errors():
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "⚠️  Subscription error: %v\n", err)
		}
	}
}

type jsonFormatter struct {
	writer io.Writer
}

func (f *jsonFormatter) FormatFrame(frame *collab.BroadcastFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	_, err = fmt.Fprintf(f.writer, "%s\n", data)
	return err
}

type defaultFormatter struct {
	writer io.Writer
	now    func() time.Time
}

func (f *defaultFormatter) FormatFrame(frame *collab.BroadcastFrame) error {
	resp := &frame.Response
	to := formatTargets(frame.Targets)

	switch {
	case resp.Auth != nil && resp.Auth.Busy:
		f.line("⛔ Session busy: to=%s, retry in %dms", to, resp.Auth.RetryAfterMs)
	case resp.Auth != nil:
		f.line("🔑 Session admitted: uid=%s, mode=%s, access=%s, reconnect=%t, confirmed=%d",
			resp.Auth.UID, resp.Auth.Mode, resp.AccessLevel, resp.Auth.Reconnect, resp.Auth.ConfirmedOps)
	case resp.Destroy != nil && resp.Destroy.ForceClose:
		f.line("🔁 Session superseded: to=%s", to)
	case resp.Destroy != nil:
		f.line("👋 Session closed: to=%s, reason=%s", to, orDash(resp.Destroy.Reason))
	}

	if resp.Error != nil {
		f.line("❌ Error: code=%s, to=%s, message=%s", resp.Error.Code, to, resp.Error.Message)
	}

	for i := range resp.Operations {
		f.formatOperation(&resp.Operations[i], to)
	}

	if resp.Auth == nil && resp.AccessLevel != "" && len(resp.Operations) == 0 {
		f.line("🛂 Access level: %s, to=%s", resp.AccessLevel, to)
	}
	return nil
}

func (f *defaultFormatter) formatOperation(op *collab.Operation, to string) {
	switch p := op.Properties.Payload.(type) {
	case *collab.ModePayload:
		allowed := "-"
		if p.Allowed != nil {
			allowed = fmt.Sprintf("%t", *p.Allowed)
		}
		f.line("🎛  Mode: mode=%s, allowed=%s, to=%s", p.Mode, allowed, to)
	case *collab.HoldPayload:
		verb := "Hold"
		if op.Kind() == collab.KindRelease {
			verb = "Release"
		}
		held := ""
		if p.HeldBy != 0 {
			held = fmt.Sprintf(", held by %d", p.HeldBy)
		}
		f.line("🔒 %s: %d elements%s, to=%s", verb, len(p.Elements), held, to)
	case *collab.ReloadPayload:
		f.line("🔄 Reload: reason=%s, to=%s", orDash(p.Reason), to)
	case *collab.AccessPayload:
		f.line("🛂 Access changed: %s, to=%s", p.Access, to)
	default:
		id := "-"
		if op.ID != nil {
			id = op.ID.String()
		}
		f.line("✏️  Operation: kind=%s, id=%s, to=%s", op.Kind(), id, to)
	}
}

func (f *defaultFormatter) line(format string, args ...interface{}) {
	fmt.Fprintf(f.writer, "[%s] %s\n", f.now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

// formatTargets shows up to two uids, then a count.
func formatTargets(targets []string) string {
	switch {
	case len(targets) == 0:
		return "-"
	case len(targets) <= 2:
		return strings.Join(targets, ",")
	default:
		return fmt.Sprintf("%s,%s +%d more", targets[0], targets[1], len(targets)-2)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
