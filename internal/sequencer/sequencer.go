// Package sequencer serializes the work of each project. Messages for one
// project are processed strictly one at a time in timestamp order; different
// projects run concurrently.
package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/tandem/internal/broker"
	"github.com/dyluth/tandem/internal/eventlog"
	"github.com/dyluth/tandem/pkg/collab"
	"github.com/jellydator/ttlcache/v3"
)

// Handler processes sequenced messages, one method per message kind.
// Returning an error nacks the message so the broker redelivers it.
type Handler interface {
	OnAuth(ctx context.Context, env *collab.Envelope) error
	OnOperations(ctx context.Context, env *collab.Envelope) error
	OnDestroy(ctx context.Context, env *collab.Envelope) error
	OnSystem(ctx context.Context, env *collab.Envelope) error
}

// StaleReporter is optionally implemented by a Handler that wants to tell
// senders their message was rejected as too old.
type StaleReporter interface {
	OnStale(ctx context.Context, env *collab.Envelope)
}

// Router is the part of the broker transport the sequencer drives.
type Router interface {
	QueueName() string
	BindProject(ctx context.Context, projectID int64) error
	UnbindProject(ctx context.Context, projectID int64) error
	Binding(ctx context.Context, projectID int64) (string, error)
	QueueAlive(ctx context.Context, queue string) (bool, error)
	Publish(ctx context.Context, exchange broker.Exchange, routingKey string, msg *broker.Message) error
}

// Config tunes the sequencer.
type Config struct {
	InstanceName string

	// MessageTimeout is the expected handler duration. A handler gets
	// AckTimeoutMultiplier times this long before its message is acked anyway.
	MessageTimeout       time.Duration
	AckTimeoutMultiplier int

	// MessageMaxAge rejects queued messages older than this as "old message".
	MessageMaxAge time.Duration

	// Dead-letter handling.
	DeadLetterMaxAge      time.Duration
	DeadLetterRetryDelay  time.Duration
	DeadLetterMaxAttempts int

	// Now is the clock; tests replace it.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 10 * time.Second
	}
	if c.AckTimeoutMultiplier <= 0 {
		c.AckTimeoutMultiplier = 2
	}
	if c.MessageMaxAge <= 0 {
		c.MessageMaxAge = time.Minute
	}
	if c.DeadLetterMaxAge <= 0 {
		c.DeadLetterMaxAge = 5 * time.Minute
	}
	if c.DeadLetterRetryDelay <= 0 {
		c.DeadLetterRetryDelay = 500 * time.Millisecond
	}
	if c.DeadLetterMaxAttempts <= 0 {
		c.DeadLetterMaxAttempts = 5
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// AckTimeout is how long a handler may run before its message is acked anyway.
func (c Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMultiplier) * c.MessageTimeout
}

// Sequencer owns one queue per active project.
type Sequencer struct {
	cfg     Config
	handler Handler
	router  Router
	events  *eventlog.Logger

	baseCtx context.Context

	mu     sync.Mutex
	queues map[int64]*projectQueue
	seq    uint64
	frozen bool

	workers      sync.WaitGroup
	attempts     *ttlcache.Cache[string, int]
	stopAttempts sync.Once
}

// New creates a sequencer. Workers run under ctx; cancelling it aborts
// in-flight handlers.
func New(ctx context.Context, cfg Config, handler Handler, router Router) (*Sequencer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	cfg.applyDefaults()

	attempts := ttlcache.New[string, int](
		ttlcache.WithTTL[string, int](cfg.DeadLetterMaxAge),
		ttlcache.WithCapacity[string, int](10000),
	)
	go attempts.Start()

	return &Sequencer{
		cfg:      cfg,
		handler:  handler,
		router:   router,
		events:   eventlog.New("sequencer", cfg.InstanceName, "[Sequencer]"),
		baseCtx:  ctx,
		queues:   make(map[int64]*projectQueue),
		attempts: attempts,
	}, nil
}

// Enqueue accepts a delivery for its project's queue, creating the queue and
// binding the project's routing to this process on first use.
func (s *Sequencer) Enqueue(ctx context.Context, d *broker.Delivery) {
	projectID := d.Message.ProjectID

	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		if err := d.Nack(ctx); err != nil {
			s.events.Printf("Failed to nack message %s during shutdown: %v", d.Message.ID, err)
		}
		return
	}

	q, exists := s.queues[projectID]
	needBind := !exists
	if !exists {
		q = newProjectQueue(projectID)
		s.queues[projectID] = q
		s.workers.Add(1)
		go s.work(q)
	} else if q.released {
		q.released = false
		needBind = true
	}

	s.seq++
	q.push(&item{delivery: d, timestamp: d.Message.Timestamp, seq: s.seq})
	s.mu.Unlock()

	if needBind {
		if err := s.router.BindProject(ctx, projectID); err != nil {
			s.events.Error("bind_failed", map[string]interface{}{
				"project": projectID,
				"error":   err.Error(),
			})
		}
	}
}

// Release unbinds the project's routing and discards its queue once the
// queue has no pending work. Safe to call from inside a handler.
func (s *Sequencer) Release(ctx context.Context, projectID int64) error {
	s.mu.Lock()
	if q, ok := s.queues[projectID]; ok {
		q.released = true
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()

	if err := s.router.UnbindProject(ctx, projectID); err != nil {
		return err
	}
	s.events.Info("project_released", map[string]interface{}{"project": projectID})
	return nil
}

// Rebind re-establishes the routing of every active project. The transport
// does not restore bindings after a reconnect; this does.
func (s *Sequencer) Rebind(ctx context.Context) {
	s.mu.Lock()
	projects := make([]int64, 0, len(s.queues))
	for id, q := range s.queues {
		if !q.released {
			projects = append(projects, id)
		}
	}
	s.mu.Unlock()

	for _, id := range projects {
		if err := s.router.BindProject(ctx, id); err != nil {
			s.events.Error("rebind_failed", map[string]interface{}{"project": id, "error": err.Error()})
		}
	}
	s.events.Info("rebound", map[string]interface{}{"projects": len(projects)})
}

// HandleControl reacts to cross-instance control messages. When another
// queue announces it now owns a project, the local queue for that project is
// discarded once idle, without touching the new binding.
func (s *Sequencer) HandleControl(ctl *collab.ControlMessage) {
	if ctl.Type != collab.ControlProjectBound || ctl.Queue == s.router.QueueName() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[ctl.ProjectID]; ok {
		q.released = true
		select {
		case q.wake <- struct{}{}:
		default:
		}
		s.events.Info("project_moved", map[string]interface{}{"project": ctl.ProjectID, "owner": ctl.Queue})
	}
}

// Freeze stops every worker and returns the deliveries that were still queued,
// keyed by project. In-flight handlers are allowed to finish first.
// Implements broker.Drainer.
func (s *Sequencer) Freeze() map[int64][]*broker.Delivery {
	s.mu.Lock()
	s.frozen = true
	for _, q := range s.queues {
		if !q.stopped {
			q.stopped = true
			close(q.stop)
		}
	}
	s.mu.Unlock()

	s.workers.Wait()
	s.stopAttempts.Do(s.attempts.Stop)

	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make(map[int64][]*broker.Delivery, len(s.queues))
	for id, q := range s.queues {
		items := q.drainItems()
		deliveries := make([]*broker.Delivery, 0, len(items))
		for _, it := range items {
			deliveries = append(deliveries, it.delivery)
		}
		pending[id] = deliveries
	}
	s.queues = make(map[int64]*projectQueue)
	return pending
}

// ProjectStats describes one active project queue.
type ProjectStats struct {
	ProjectID int64 `json:"project_id"`
	Pending   int   `json:"pending"`
	Busy      bool  `json:"busy"`
	Released  bool  `json:"released"`
}

// Stats returns the state of every active project queue.
func (s *Sequencer) Stats() []ProjectStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]ProjectStats, 0, len(s.queues))
	for id, q := range s.queues {
		stats = append(stats, ProjectStats{ProjectID: id, Pending: q.items.Len(), Busy: q.busy, Released: q.released})
	}
	return stats
}

// work drains one project queue until it is stopped, or released and empty.
func (s *Sequencer) work(q *projectQueue) {
	defer s.workers.Done()

	for {
		s.mu.Lock()
		if q.stopped {
			s.mu.Unlock()
			return
		}
		if q.items.Len() == 0 {
			if q.released {
				if s.queues[q.projectID] == q {
					delete(s.queues, q.projectID)
				}
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()

			select {
			case <-q.wake:
			case <-q.stop:
				return
			}
			continue
		}

		it := q.pop()
		q.busy = true
		s.mu.Unlock()

		s.process(it)

		s.mu.Lock()
		q.busy = false
		s.mu.Unlock()
	}
}

// process runs the handler for one item and resolves its delivery: ack on
// success, nack on error, ack (and log) when the handler overruns its deadline.
func (s *Sequencer) process(it *item) {
	d := it.delivery
	ctx := s.baseCtx

	env, err := d.Message.Envelope()
	if err == nil {
		err = env.Validate()
	}
	if err != nil {
		s.events.Error("invalid_message", map[string]interface{}{
			"message_id": d.Message.ID,
			"project":    d.Message.ProjectID,
			"error":      err.Error(),
		})
		s.ack(ctx, d)
		return
	}

	if age := env.Age(s.cfg.Now()); age > s.cfg.MessageMaxAge {
		s.events.Warn("stale_message", map[string]interface{}{
			"message_id": d.Message.ID,
			"project":    d.Message.ProjectID,
			"uid":        env.UID.String(),
			"age_ms":     age.Milliseconds(),
		})
		s.ack(ctx, d)
		if reporter, ok := s.handler.(StaleReporter); ok {
			reporter.OnStale(ctx, env)
		}
		return
	}

	timeout := s.cfg.AckTimeout()
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- s.dispatch(handlerCtx, env)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			s.events.Error("handler_failed", map[string]interface{}{
				"message_id": d.Message.ID,
				"project":    d.Message.ProjectID,
				"uid":        env.UID.String(),
				"kind":       string(env.Kind()),
				"error":      err.Error(),
			})
			if err := d.Nack(ctx); err != nil {
				s.events.Printf("Failed to nack message %s: %v", d.Message.ID, err)
			}
			return
		}
		s.ack(ctx, d)

	case <-timer.C:
		s.events.Warn("ack_timeout", map[string]interface{}{
			"message_id": d.Message.ID,
			"project":    d.Message.ProjectID,
			"uid":        env.UID.String(),
			"kind":       string(env.Kind()),
			"timeout_ms": timeout.Milliseconds(),
		})
		s.ack(ctx, d)
	}
}

func (s *Sequencer) dispatch(ctx context.Context, env *collab.Envelope) error {
	switch env.Kind() {
	case collab.KindAuthMessage:
		return s.handler.OnAuth(ctx, env)
	case collab.KindOperationsMessage:
		return s.handler.OnOperations(ctx, env)
	case collab.KindDestroyMessage:
		return s.handler.OnDestroy(ctx, env)
	case collab.KindSystemMessage:
		return s.handler.OnSystem(ctx, env)
	default:
		return fmt.Errorf("%w: no body", collab.ErrInvalidEnvelope)
	}
}

func (s *Sequencer) ack(ctx context.Context, d *broker.Delivery) {
	if err := d.Ack(ctx); err != nil {
		s.events.Printf("Failed to ack message %s: %v", d.Message.ID, err)
	}
}
