package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/dyluth/tandem/pkg/collab"
	"github.com/redis/go-redis/v9"
)

// Subscription represents an active pub/sub subscription on the broadcast or
// control exchange. Caller must call Close() when done.
type Subscription struct {
	messages <-chan *Message
	errors   <-chan error
	cancel   func()
	once     sync.Once
}

// Messages returns the channel of received messages.
// The channel is closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Messages() <-chan *Message {
	return s.messages
}

// Errors returns the channel of non-fatal decode errors. The subscription
// continues after errors; the offending payload is skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeBroadcast receives every project's broadcast traffic. Gateways
// filter frames down to the uids of their own sockets.
func (t *Transport) SubscribeBroadcast(ctx context.Context) (*Subscription, error) {
	pubsub := t.rdb.PSubscribe(ctx, collab.BroadcastChannelPattern(t.cfg.InstanceName))
	return t.subscribe(ctx, pubsub)
}

// SubscribeProject receives one project's broadcast traffic.
func (t *Transport) SubscribeProject(ctx context.Context, projectID int64) (*Subscription, error) {
	pubsub := t.rdb.Subscribe(ctx, collab.BroadcastChannel(t.cfg.InstanceName, projectID))
	return t.subscribe(ctx, pubsub)
}

// SubscribeControl receives the fanout control exchange.
func (t *Transport) SubscribeControl(ctx context.Context) (*Subscription, error) {
	pubsub := t.rdb.Subscribe(ctx, collab.ControlChannel(t.cfg.InstanceName))
	return t.subscribe(ctx, pubsub)
}

func (t *Transport) subscribe(ctx context.Context, pubsub *redis.PubSub) (*Subscription, error) {
	// Wait for the subscription to be confirmed so nothing published after
	// this call returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	messagesChan := make(chan *Message, 64)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(messagesChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}

				msg, err := DecodeMessage([]byte(raw.Payload))
				if err != nil {
					select {
					case errorsChan <- err:
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case messagesChan <- msg:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		messages: messagesChan,
		errors:   errorsChan,
		cancel:   cancelFunc,
	}, nil
}
