package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyluth/tandem/pkg/collab"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// routeScript implements the client exchange: deliver to the bound queue if
// its owner is alive, otherwise to the dead-letter stream.
//
// KEYS[1] bindings hash, KEYS[2] dead-letter stream
// ARGV[1] project id, ARGV[2] encoded message, ARGV[3] queue key prefix
var routeScript = redis.NewScript(`
local queue = redis.call('HGET', KEYS[1], ARGV[1])
if queue then
	if redis.call('EXISTS', ARGV[3] .. queue .. ':alive') == 1 then
		redis.call('XADD', ARGV[3] .. queue, '*', 'm', ARGV[2])
		return queue
	end
end
redis.call('XADD', KEYS[2], '*', 'm', ARGV[2])
return ''
`)

// unbindScript removes a binding only while it still points at the caller's queue.
//
// KEYS[1] bindings hash; ARGV[1] project id, ARGV[2] queue
var unbindScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

// Publish sends msg on an exchange. For the client and broadcast exchanges the
// routing key is the project id. Client, dead-letter and control publishes
// are durable once Publish returns; broadcast publishes reach only current
// subscribers.
func (t *Transport) Publish(ctx context.Context, exchange Exchange, routingKey string, msg *Message) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}

	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	inst := t.cfg.InstanceName

	switch exchange {
	case ExchangeClient:
		_, err := routeScript.Run(ctx, t.rdb,
			[]string{collab.BindingsKey(inst), collab.DeadLetterStreamKey(inst)},
			routingKey, payload, collab.QueueStreamKey(inst, ""),
		).Result()
		if err != nil {
			return fmt.Errorf("failed to route message %s for project %s: %w", msg.ID, routingKey, err)
		}
		return nil

	case ExchangeDeadLetter:
		if err := t.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: collab.DeadLetterStreamKey(inst),
			Values: map[string]interface{}{streamField: payload},
		}).Err(); err != nil {
			return fmt.Errorf("failed to dead-letter message %s: %w", msg.ID, err)
		}
		return nil

	case ExchangeBroadcast:
		projectID, err := collab.ParseProjectID(routingKey)
		if err != nil {
			return err
		}
		if err := t.rdb.Publish(ctx, collab.BroadcastChannel(inst, projectID), payload).Err(); err != nil {
			return fmt.Errorf("failed to broadcast message %s: %w", msg.ID, err)
		}
		return nil

	case ExchangeControl:
		if err := t.rdb.Publish(ctx, collab.ControlChannel(inst), payload).Err(); err != nil {
			return fmt.Errorf("failed to publish control message %s: %w", msg.ID, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown exchange: %s", exchange)
	}
}

// NewMessage wraps a JSON-encodable body in a fresh message.
func NewMessage(projectID, timestamp int64, body interface{}) (*Message, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message body: %w", err)
	}
	return &Message{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Timestamp: timestamp,
		Body:      data,
	}, nil
}

// PublishEnvelope routes a client envelope through the client exchange.
func (t *Transport) PublishEnvelope(ctx context.Context, env *collab.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	msg, err := NewMessage(env.ProjectID(), env.Timestamp, env)
	if err != nil {
		return err
	}
	return t.Publish(ctx, ExchangeClient, collab.FormatProjectID(env.ProjectID()), msg)
}

// PublishFrame sends an addressed frame on the project's broadcast channel.
func (t *Transport) PublishFrame(ctx context.Context, frame *collab.BroadcastFrame) error {
	msg, err := NewMessage(frame.ProjectID, time.Now().UnixMilli(), frame)
	if err != nil {
		return err
	}
	return t.Publish(ctx, ExchangeBroadcast, collab.FormatProjectID(frame.ProjectID), msg)
}

// PublishControl fans a control message out to every instance.
func (t *Transport) PublishControl(ctx context.Context, ctl *collab.ControlMessage) error {
	msg, err := NewMessage(ctl.ProjectID, ctl.AtMs, ctl)
	if err != nil {
		return err
	}
	return t.Publish(ctx, ExchangeControl, "", msg)
}

// BindProject routes the project's client messages to this process's queue
// and announces the new owner on the control exchange.
func (t *Transport) BindProject(ctx context.Context, projectID int64) error {
	inst := t.cfg.InstanceName
	if err := t.rdb.HSet(ctx, collab.BindingsKey(inst), collab.FormatProjectID(projectID), t.cfg.QueueName).Err(); err != nil {
		return fmt.Errorf("failed to bind project %d: %w", projectID, err)
	}

	ctl := &collab.ControlMessage{
		Type:      collab.ControlProjectBound,
		ProjectID: projectID,
		Queue:     t.cfg.QueueName,
		AtMs:      time.Now().UnixMilli(),
	}
	if err := t.PublishControl(ctx, ctl); err != nil {
		t.events.Printf("Failed to announce binding of project %d: %v", projectID, err)
	}
	return nil
}

// UnbindProject removes the project's routing if it still points at this
// process's queue. A binding already moved elsewhere is left alone.
func (t *Transport) UnbindProject(ctx context.Context, projectID int64) error {
	err := unbindScript.Run(ctx, t.rdb,
		[]string{collab.BindingsKey(t.cfg.InstanceName)},
		collab.FormatProjectID(projectID), t.cfg.QueueName,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to unbind project %d: %w", projectID, err)
	}
	return nil
}

// Binding returns the queue a project is bound to, or "" when unbound.
func (t *Transport) Binding(ctx context.Context, projectID int64) (string, error) {
	queue, err := t.rdb.HGet(ctx, collab.BindingsKey(t.cfg.InstanceName), collab.FormatProjectID(projectID)).Result()
	if err != nil {
		if collab.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read binding of project %d: %w", projectID, err)
	}
	return queue, nil
}

// Bindings returns every project binding.
func (t *Transport) Bindings(ctx context.Context) (map[int64]string, error) {
	hash, err := t.rdb.HGetAll(ctx, collab.BindingsKey(t.cfg.InstanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read bindings: %w", err)
	}

	bindings := make(map[int64]string, len(hash))
	for project, queue := range hash {
		id, err := collab.ParseProjectID(project)
		if err != nil {
			continue
		}
		bindings[id] = queue
	}
	return bindings, nil
}

// QueueAlive reports whether a queue's owner is still refreshing its liveness key.
func (t *Transport) QueueAlive(ctx context.Context, queue string) (bool, error) {
	n, err := t.rdb.Exists(ctx, collab.QueueAliveKey(t.cfg.InstanceName, queue)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check queue %s: %w", queue, err)
	}
	return n > 0, nil
}
