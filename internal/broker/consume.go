package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/tandem/pkg/collab"
	"github.com/redis/go-redis/v9"
)

// ErrAlreadyResolved is returned when a delivery is acked or nacked twice.
var ErrAlreadyResolved = errors.New("delivery already resolved")

// Delivery is one message handed to a consumer. It must be resolved exactly
// once with Ack or Nack.
type Delivery struct {
	Message *Message

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error

	mu       sync.Mutex
	resolved bool
}

// NewDelivery builds a delivery resolved by the given callbacks. The
// transport uses it for stream entries; in-process producers can use it too.
func NewDelivery(msg *Message, ack, nack func(ctx context.Context) error) *Delivery {
	return &Delivery{Message: msg, ack: ack, nack: nack}
}

// Ack confirms the message was handled. The broker forgets it.
func (d *Delivery) Ack(ctx context.Context) error {
	if !d.resolve() {
		return ErrAlreadyResolved
	}
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack reports that handling failed. The broker delivers the message again.
func (d *Delivery) Nack(ctx context.Context) error {
	if !d.resolve() {
		return ErrAlreadyResolved
	}
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// Resolved reports whether Ack or Nack has been called.
func (d *Delivery) Resolved() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolved
}

func (d *Delivery) resolve() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolved {
		return false
	}
	d.resolved = true
	return true
}

// Consume reads this process's sequencer queue and hands every message to fn
// until ctx is cancelled or StopConsuming is called. fn must resolve each
// delivery; it may do so asynchronously.
func (t *Transport) Consume(ctx context.Context, fn func(*Delivery)) {
	stream := collab.QueueStreamKey(t.cfg.InstanceName, t.cfg.QueueName)
	t.consume(ctx, stream, queueGroup, ExchangeClient, fn)
}

// ConsumeDeadLetter reads the shared dead-letter stream. Each entry goes to
// exactly one instance. A nack puts the message back on the dead-letter stream.
func (t *Transport) ConsumeDeadLetter(ctx context.Context, fn func(*Delivery)) {
	t.consume(ctx, collab.DeadLetterStreamKey(t.cfg.InstanceName), deadLetterGroup, ExchangeDeadLetter, fn)
}

func (t *Transport) consume(ctx context.Context, stream, group string, requeue Exchange, fn func(*Delivery)) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancels = append(t.cancels, cancel)
	t.consumers.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.consumers.Done()
		defer cancel()

		for {
			if ctx.Err() != nil {
				return
			}

			streams, err := t.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: t.cfg.QueueName,
				Streams:  []string{stream, ">"},
				Count:    t.cfg.BatchSize,
				Block:    t.cfg.ReadBlock,
			}).Result()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				wait := t.cfg.PollInterval
				if !collab.IsNotFound(err) {
					t.events.Printf("Failed to read %s: %v", stream, err)
					wait = t.cfg.ReconnectInitialInterval
				}
				if !sleepCtx(ctx, wait) {
					return
				}
				continue
			}

			received := 0
			for _, s := range streams {
				for _, entry := range s.Messages {
					received++
					t.dispatch(ctx, stream, group, requeue, entry, fn)
				}
			}
			if received == 0 && t.cfg.ReadBlock < 0 {
				if !sleepCtx(ctx, t.cfg.PollInterval) {
					return
				}
			}
		}
	}()
}

func (t *Transport) dispatch(ctx context.Context, stream, group string, requeue Exchange, entry redis.XMessage, fn func(*Delivery)) {
	ack := func(ctx context.Context) error {
		_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAck(ctx, stream, group, entry.ID)
			pipe.XDel(ctx, stream, entry.ID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to ack entry %s: %w", entry.ID, err)
		}
		return nil
	}

	raw, ok := entry.Values[streamField].(string)
	if !ok {
		t.events.Printf("Dropping malformed entry %s on %s", entry.ID, stream)
		ack(ctx)
		return
	}
	msg, err := DecodeMessage([]byte(raw))
	if err != nil {
		t.events.Printf("Dropping undecodable entry %s on %s: %v", entry.ID, stream, err)
		ack(ctx)
		return
	}

	nack := func(ctx context.Context) error {
		retry := *msg
		retry.Attempts++
		if err := t.Publish(ctx, requeue, collab.FormatProjectID(msg.ProjectID), &retry); err != nil {
			return fmt.Errorf("failed to requeue message %s: %w", msg.ID, err)
		}
		return ack(ctx)
	}

	fn(NewDelivery(msg, ack, nack))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
