// Package broker implements tandem's message broker transport on Redis.
//
// The topology has four exchanges:
//
//   - client: direct exchange keyed by project id. Each project is bound to at
//     most one sequencer queue (a Redis stream consumed by one process). A
//     message for an unbound project, or one bound to a queue whose owner is
//     gone, is routed to the dead-letter exchange instead.
//   - broadcast: per-project pub/sub channels towards socket gateways.
//   - control: a fanout pub/sub channel seen by every instance.
//   - deadletter: a stream shared by every sequencer through one consumer group.
//
// Stream deliveries are at-least-once: an entry stays pending until it is
// acked, and a nack republishes it through the client exchange.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/tandem/internal/eventlog"
	"github.com/dyluth/tandem/pkg/collab"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Exchange names a routing domain of the broker.
type Exchange string

const (
	ExchangeClient     Exchange = "client"
	ExchangeBroadcast  Exchange = "broadcast"
	ExchangeControl    Exchange = "control"
	ExchangeDeadLetter Exchange = "deadletter"
)

const (
	queueGroup      = "sequencer"
	deadLetterGroup = "deadletter"
	streamField     = "m"
)

// ErrNotConnected is returned when the transport is used before Connect.
var ErrNotConnected = errors.New("broker transport is not connected")

// Config tunes the transport.
type Config struct {
	InstanceName string

	// QueueName identifies this process's sequencer queue. Defaults to a random id.
	QueueName string

	// ReadBlock is how long a stream read waits for new entries. A negative
	// value makes reads non-blocking; the consumer then polls every PollInterval.
	ReadBlock    time.Duration
	PollInterval time.Duration
	BatchSize    int64

	// HeartbeatInterval is how often connectivity is checked and the queue's
	// liveness key refreshed. The liveness key expires after three intervals.
	HeartbeatInterval time.Duration

	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueName == "" {
		c.QueueName = uuid.New().String()
	}
	if c.ReadBlock == 0 {
		c.ReadBlock = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.ReconnectInitialInterval <= 0 {
		c.ReconnectInitialInterval = 200 * time.Millisecond
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = 10 * time.Second
	}
}

// Transport owns a dedicated Redis connection and implements the exchanges.
type Transport struct {
	rdb    *redis.Client
	cfg    Config
	events *eventlog.Logger

	connected atomic.Bool

	mu          sync.Mutex
	onReconnect []func(ctx context.Context)
	consumers   sync.WaitGroup
	cancels     []context.CancelFunc
	stopSuper   context.CancelFunc
	superDone   chan struct{}
}

// NewTransport creates a transport over its own Redis connection.
func NewTransport(redisOpts *redis.Options, cfg Config) (*Transport, error) {
	if cfg.InstanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	cfg.applyDefaults()

	return &Transport{
		rdb:    redis.NewClient(redisOpts),
		cfg:    cfg,
		events: eventlog.New("broker", cfg.InstanceName, "[Broker]"),
	}, nil
}

// QueueName returns the name of this process's sequencer queue.
func (t *Transport) QueueName() string {
	return t.cfg.QueueName
}

// Connected reports whether the last connectivity check succeeded.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// OnReconnect registers fn to run after the connection is re-established.
// Bindings are not restored by the transport; listeners must redo them.
func (t *Transport) OnReconnect(fn func(ctx context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReconnect = append(t.onReconnect, fn)
}

// Connect establishes the connection, retrying with exponential backoff until
// it succeeds or ctx is cancelled, declares the topology and starts the
// connection supervisor.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.establish(ctx); err != nil {
		return err
	}

	superCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.stopSuper = cancel
	t.superDone = make(chan struct{})
	done := t.superDone
	t.mu.Unlock()

	go func() {
		defer close(done)
		t.supervise(superCtx)
	}()

	t.events.Info("connected", map[string]interface{}{"queue": t.cfg.QueueName})
	return nil
}

// establish retries until Redis answers and the topology is declared.
func (t *Transport) establish(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.ReconnectInitialInterval
	b.MaxInterval = t.cfg.ReconnectMaxInterval
	b.MaxElapsedTime = 0

	operation := func() error {
		if err := t.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping Redis: %w", err)
		}
		return t.declareTopology(ctx)
	}

	notify := func(err error, wait time.Duration) {
		t.events.Warn("connect_retry", map[string]interface{}{
			"error":   err.Error(),
			"wait_ms": wait.Milliseconds(),
		})
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}

	t.connected.Store(true)
	return nil
}

// declareTopology creates the consumer groups, registers the queue and marks
// it alive. Safe to repeat.
func (t *Transport) declareTopology(ctx context.Context) error {
	inst := t.cfg.InstanceName

	if err := t.createGroup(ctx, collab.QueueStreamKey(inst, t.cfg.QueueName), queueGroup); err != nil {
		return err
	}
	if err := t.createGroup(ctx, collab.DeadLetterStreamKey(inst), deadLetterGroup); err != nil {
		return err
	}
	if err := t.rdb.SAdd(ctx, collab.QueuesKey(inst), t.cfg.QueueName).Err(); err != nil {
		return fmt.Errorf("failed to register queue: %w", err)
	}
	return t.markAlive(ctx)
}

func (t *Transport) createGroup(ctx context.Context, stream, group string) error {
	err := t.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to declare consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (t *Transport) markAlive(ctx context.Context) error {
	key := collab.QueueAliveKey(t.cfg.InstanceName, t.cfg.QueueName)
	if err := t.rdb.Set(ctx, key, time.Now().UnixMilli(), 3*t.cfg.HeartbeatInterval).Err(); err != nil {
		return fmt.Errorf("failed to refresh queue liveness: %w", err)
	}
	return nil
}

// supervise checks connectivity every heartbeat. A failed check switches the
// transport to reconnecting: it retries with backoff forever, re-declares the
// topology and then notifies reconnect listeners.
func (t *Transport) supervise(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := t.markAlive(ctx)
		if err == nil {
			if _, err := t.ReapDeadQueues(ctx); err != nil {
				t.events.Printf("Failed to reap dead queues: %v", err)
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		t.events.Warn("connection_lost", map[string]interface{}{"error": err.Error()})

		t.connected.Store(false)
		if err := t.establish(ctx); err != nil {
			return
		}
		t.events.Info("reconnected", map[string]interface{}{"queue": t.cfg.QueueName})
		t.fireReconnect(ctx)
	}
}

func (t *Transport) fireReconnect(ctx context.Context) {
	t.mu.Lock()
	listeners := append([]func(context.Context){}, t.onReconnect...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(ctx)
	}
}

// ReapDeadQueues moves every entry of queues whose owner stopped refreshing
// its liveness key to the dead-letter stream and removes their bindings.
// Returns the number of entries moved.
func (t *Transport) ReapDeadQueues(ctx context.Context) (int, error) {
	inst := t.cfg.InstanceName

	queues, err := t.rdb.SMembers(ctx, collab.QueuesKey(inst)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list queues: %w", err)
	}

	moved := 0
	for _, queue := range queues {
		if queue == t.cfg.QueueName {
			continue
		}
		alive, err := t.rdb.Exists(ctx, collab.QueueAliveKey(inst, queue)).Result()
		if err != nil {
			return moved, fmt.Errorf("failed to check queue %s: %w", queue, err)
		}
		if alive > 0 {
			continue
		}

		locked, err := t.rdb.SetNX(ctx, collab.QueueReapLockKey(inst, queue), t.cfg.QueueName, 30*time.Second).Result()
		if err != nil {
			return moved, fmt.Errorf("failed to lock queue %s: %w", queue, err)
		}
		if !locked {
			continue
		}

		n, err := t.reapQueue(ctx, queue)
		moved += n
		if err != nil {
			return moved, err
		}
		t.events.Info("queue_reaped", map[string]interface{}{"queue": queue, "moved": n})
	}
	return moved, nil
}

func (t *Transport) reapQueue(ctx context.Context, queue string) (int, error) {
	inst := t.cfg.InstanceName
	stream := collab.QueueStreamKey(inst, queue)

	entries, err := t.rdb.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read dead queue %s: %w", queue, err)
	}

	for _, entry := range entries {
		payload, ok := entry.Values[streamField].(string)
		if !ok {
			continue
		}
		if err := t.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: collab.DeadLetterStreamKey(inst),
			Values: map[string]interface{}{streamField: payload},
		}).Err(); err != nil {
			return 0, fmt.Errorf("failed to dead-letter entry of queue %s: %w", queue, err)
		}
	}

	bindings, err := t.rdb.HGetAll(ctx, collab.BindingsKey(inst)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read bindings: %w", err)
	}
	for project, owner := range bindings {
		if owner == queue {
			if err := unbindScript.Run(ctx, t.rdb, []string{collab.BindingsKey(inst)}, project, queue).Err(); err != nil {
				return 0, fmt.Errorf("failed to remove binding of project %s: %w", project, err)
			}
		}
	}

	if err := t.rdb.Del(ctx, stream).Err(); err != nil {
		return 0, fmt.Errorf("failed to delete dead queue %s: %w", queue, err)
	}
	if err := t.rdb.SRem(ctx, collab.QueuesKey(inst), queue).Err(); err != nil {
		return 0, fmt.Errorf("failed to unregister dead queue %s: %w", queue, err)
	}
	return len(entries), nil
}

// StopConsuming cancels every consume loop and waits for them to return.
func (t *Transport) StopConsuming() {
	t.mu.Lock()
	cancels := t.cancels
	t.cancels = nil
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	t.consumers.Wait()
}

// Close stops consumption and the supervisor, marks the queue dead and closes
// the connection.
func (t *Transport) Close() error {
	t.StopConsuming()

	t.mu.Lock()
	stop, done := t.stopSuper, t.superDone
	t.stopSuper = nil
	t.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}

	// Entries still in the queue are left for another instance to reap.
	if t.connected.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		t.rdb.Del(ctx, collab.QueueAliveKey(t.cfg.InstanceName, t.cfg.QueueName))
	}
	t.connected.Store(false)

	return t.rdb.Close()
}

// ConnectPublisher connects a publish-only client such as the CLI. No queue
// is declared and no supervisor runs.
func (t *Transport) ConnectPublisher(ctx context.Context) error {
	if err := t.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	t.connected.Store(true)
	return nil
}
