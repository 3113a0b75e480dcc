package sequencer

import (
	"context"
	"math/rand"
	"time"

	"github.com/dyluth/tandem/internal/broker"
	"github.com/dyluth/tandem/pkg/collab"
	"github.com/jellydator/ttlcache/v3"
)

// DeadLetterAction is the decision taken for a dead-lettered message.
type DeadLetterAction string

const (
	DeadLetterExpired   DeadLetterAction = "expired"   // too old, dropped
	DeadLetterExhausted DeadLetterAction = "exhausted" // retried too often, dropped
	DeadLetterAdopted   DeadLetterAction = "adopted"   // project bound here, processed locally
	DeadLetterDeferred  DeadLetterAction = "deferred"  // owned elsewhere, republished after a delay
)

// HandleDeadLetter decides what happens to a message that reached the
// dead-letter exchange: because its project was unbound, its owner died, or
// its owner drained on shutdown.
//
// A message bound for a project this process already serves, or for a
// project nobody owns, is adopted into the local queue. A message for a
// project owned by another live queue is republished through the client
// exchange after a short random delay, unless it has grown older than the
// message timeout by then.
func (s *Sequencer) HandleDeadLetter(ctx context.Context, d *broker.Delivery) DeadLetterAction {
	msg := d.Message
	now := s.cfg.Now()
	age := now.Sub(time.UnixMilli(msg.Timestamp))

	if age > s.cfg.DeadLetterMaxAge {
		s.drop(ctx, d, DeadLetterExpired, age)
		return DeadLetterExpired
	}

	if s.bumpAttempts(msg.ID) > s.cfg.DeadLetterMaxAttempts {
		s.drop(ctx, d, DeadLetterExhausted, age)
		return DeadLetterExhausted
	}

	// A queue released after another queue announced the project is no
	// longer local; the binding decides.
	s.mu.Lock()
	q, exists := s.queues[msg.ProjectID]
	local := exists && !q.released
	s.mu.Unlock()

	if !local {
		owner, err := s.router.Binding(ctx, msg.ProjectID)
		if err != nil {
			s.events.Printf("Failed to read binding of project %d: %v", msg.ProjectID, err)
			s.nack(ctx, d)
			return DeadLetterDeferred
		}

		if owner != "" && owner != s.router.QueueName() {
			alive, err := s.router.QueueAlive(ctx, owner)
			if err != nil {
				s.events.Printf("Failed to check queue %s: %v", owner, err)
				s.nack(ctx, d)
				return DeadLetterDeferred
			}
			if alive {
				go s.republishLater(ctx, d)
				return DeadLetterDeferred
			}
		}
	}

	s.events.Info("dead_letter_adopted", map[string]interface{}{
		"message_id": msg.ID,
		"project":    msg.ProjectID,
		"age_ms":     age.Milliseconds(),
	})
	s.Enqueue(ctx, d)
	return DeadLetterAdopted
}

// republishLater waits a random delay below DeadLetterRetryDelay, then routes
// the message again through the client exchange.
func (s *Sequencer) republishLater(ctx context.Context, d *broker.Delivery) {
	delay := time.Duration(rand.Int63n(int64(s.cfg.DeadLetterRetryDelay)))
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		s.nack(ctx, d)
		return
	case <-timer.C:
	}

	msg := d.Message
	age := s.cfg.Now().Sub(time.UnixMilli(msg.Timestamp))
	if age > s.cfg.MessageTimeout {
		s.drop(ctx, d, DeadLetterExpired, age)
		return
	}

	retry := *msg
	retry.Attempts++
	if err := s.router.Publish(ctx, broker.ExchangeClient, collab.FormatProjectID(msg.ProjectID), &retry); err != nil {
		s.events.Printf("Failed to republish message %s: %v", msg.ID, err)
		s.nack(ctx, d)
		return
	}
	s.ack(ctx, d)

	s.events.Info("dead_letter_republished", map[string]interface{}{
		"message_id": msg.ID,
		"project":    msg.ProjectID,
		"delay_ms":   delay.Milliseconds(),
	})
}

func (s *Sequencer) bumpAttempts(messageID string) int {
	n := 1
	if existing := s.attempts.Get(messageID); existing != nil {
		n = existing.Value() + 1
	}
	s.attempts.Set(messageID, n, ttlcache.DefaultTTL)
	return n
}

func (s *Sequencer) drop(ctx context.Context, d *broker.Delivery, reason DeadLetterAction, age time.Duration) {
	s.events.Warn("dead_letter_dropped", map[string]interface{}{
		"message_id": d.Message.ID,
		"project":    d.Message.ProjectID,
		"reason":     string(reason),
		"age_ms":     age.Milliseconds(),
	})
	s.ack(ctx, d)
}

func (s *Sequencer) nack(ctx context.Context, d *broker.Delivery) {
	if err := d.Nack(ctx); err != nil {
		s.events.Printf("Failed to nack message %s: %v", d.Message.ID, err)
	}
}
