package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/tandem/pkg/collab"
)

// Drainer hands over the work a consumer accepted but never started. Freeze
// stops the consumer's workers and returns, per project, the deliveries still
// queued. Every project the consumer served appears as a key, even with no
// pending deliveries.
type Drainer interface {
	Freeze() map[int64][]*Delivery
}

// Drain prepares the process for shutdown without losing accepted work:
// consumption stops, every served project is unbound, and every still-queued
// message is republished to the dead-letter exchange with its original
// timestamp before the original delivery is acked.
//
// Freeze may wait for in-flight handlers. timeout bounds the republishing
// that follows and starts once Freeze returns; ctx can still cancel it. A
// failing project does not stop the others. Returns the number of messages
// republished and every failure joined.
func (t *Transport) Drain(ctx context.Context, d Drainer, timeout time.Duration) (int, error) {
	t.StopConsuming()

	pending := d.Freeze()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	republished := 0
	var errs []error

	for projectID, deliveries := range pending {
		// A binding left behind still routes to the dead letter once this
		// queue's liveness key expires, so republishing goes ahead.
		if err := t.UnbindProject(ctx, projectID); err != nil {
			errs = append(errs, err)
		}

		for _, delivery := range deliveries {
			if err := t.Publish(ctx, ExchangeDeadLetter, collab.FormatProjectID(projectID), delivery.Message); err != nil {
				// Left unacked; the entry stays pending in this queue's stream.
				errs = append(errs, fmt.Errorf("failed to drain message %s: %w", delivery.Message.ID, err))
				continue
			}
			republished++
			if err := delivery.Ack(ctx); err != nil {
				t.events.Printf("Failed to ack drained message %s: %v", delivery.Message.ID, err)
			}
		}
	}

	t.events.Info("drained", map[string]interface{}{
		"projects":    len(pending),
		"republished": republished,
		"failures":    len(errs),
	})
	return republished, errors.Join(errs...)
}
