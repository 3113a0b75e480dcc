package sequencer

import (
	"context"
	"fmt"

	"github.com/dyluth/tandem/internal/broker"
)

// Source is the consuming side of the broker transport.
type Source interface {
	Consume(ctx context.Context, fn func(*broker.Delivery))
	ConsumeDeadLetter(ctx context.Context, fn func(*broker.Delivery))
	SubscribeControl(ctx context.Context) (*broker.Subscription, error)
	OnReconnect(fn func(ctx context.Context))
}

// Run wires the sequencer to the broker: the process queue feeds project
// queues, the dead-letter stream is triaged, control messages are applied and
// bindings are restored after every reconnect. Blocks until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context, src Source) error {
	src.OnReconnect(s.Rebind)

	control, err := src.SubscribeControl(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to control exchange: %w", err)
	}
	defer control.Close()

	src.Consume(ctx, func(d *broker.Delivery) { s.Enqueue(ctx, d) })
	src.ConsumeDeadLetter(ctx, func(d *broker.Delivery) { s.HandleDeadLetter(ctx, d) })

	s.events.Printf("Sequencer started on queue %s", s.router.QueueName())

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-control.Messages():
			if !ok {
				return nil
			}
			ctl, err := msg.Control()
			if err != nil {
				s.events.Printf("Skipping control message: %v", err)
				continue
			}
			s.HandleControl(ctl)

		case err, ok := <-control.Errors():
			if !ok {
				return nil
			}
			s.events.Printf("Control subscription error: %v", err)
		}
	}
}
