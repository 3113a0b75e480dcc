package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStateTTL is how long project and user state survives without writes.
const DefaultStateTTL = 24 * time.Hour

// Client provides instance-scoped access to the shared state store.
// Every write to project state refreshes the project's rolling TTL.
// The client is safe for concurrent use.
type Client struct {
	rdb          *redis.Client
	instanceName string
	ttl          time.Duration
}

// NewClient creates a new shared state client for the specified instance.
// A non-positive ttl selects DefaultStateTTL.
func NewClient(redisOpts *redis.Options, instanceName string, ttl time.Duration) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
		ttl:          ttl,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// InstanceName returns the namespace this client writes under.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// RedisClient exposes the underlying connection for components that share it.
func (c *Client) RedisClient() *redis.Client {
	return c.rdb
}

// touch refreshes the rolling TTL of every key belonging to a project.
func (c *Client) touch(ctx context.Context, pipe redis.Pipeliner, projectID int64) {
	pipe.Expire(ctx, ProjectKey(c.instanceName, projectID), c.ttl)
	pipe.Expire(ctx, ProjectHoldsKey(c.instanceName, projectID), c.ttl)
	pipe.Expire(ctx, ProjectOpsKey(c.instanceName, projectID), c.ttl)
	pipe.Expire(ctx, ProjectOpIDsKey(c.instanceName, projectID), c.ttl)
}

// AddMember records uid as a live member of its project with the given access.
// Adding an existing member overwrites its access level.
func (c *Client) AddMember(ctx context.Context, uid UID, access AccessLevel) error {
	if err := access.Validate(); err != nil {
		return fmt.Errorf("invalid member: %w", err)
	}

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, ProjectKey(c.instanceName, uid.ProjectID), MemberField(uid), string(access))
		c.touch(ctx, pipe, uid.ProjectID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add member %s: %w", uid, err)
	}
	return nil
}

// RemoveMember removes uid from its project and returns the members left.
func (c *Client) RemoveMember(ctx context.Context, uid UID) ([]Member, error) {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, ProjectKey(c.instanceName, uid.ProjectID), MemberField(uid))
		c.touch(ctx, pipe, uid.ProjectID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to remove member %s: %w", uid, err)
	}
	return c.Members(ctx, uid.ProjectID)
}

// Members returns every live member of a project, sorted by uid.
func (c *Client) Members(ctx context.Context, projectID int64) ([]Member, error) {
	hash, err := c.rdb.HGetAll(ctx, ProjectKey(c.instanceName, projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read project %d: %w", projectID, err)
	}
	return HashToMembers(hash)
}

// MemberAccess returns the access level of uid.
// Returns redis.Nil if uid is not a member.
func (c *Client) MemberAccess(ctx context.Context, uid UID) (AccessLevel, error) {
	value, err := c.rdb.HGet(ctx, ProjectKey(c.instanceName, uid.ProjectID), MemberField(uid)).Result()
	if err != nil {
		if IsNotFound(err) {
			return "", redis.Nil
		}
		return "", fmt.Errorf("failed to read member %s: %w", uid, err)
	}
	return AccessLevel(value), nil
}

// GetMode returns the project's editor mode state. A project that never
// changed mode is in ModeInit.
func (c *Client) GetMode(ctx context.Context, projectID int64) (*EditorModeState, error) {
	value, err := c.rdb.HGet(ctx, ProjectKey(c.instanceName, projectID), modeField).Result()
	if err != nil {
		if IsNotFound(err) {
			return &EditorModeState{Mode: ModeInit}, nil
		}
		return nil, fmt.Errorf("failed to read mode of project %d: %w", projectID, err)
	}
	return FieldToModeState(value)
}

// SetMode stores the project's editor mode state, replacing any previous one.
func (c *Client) SetMode(ctx context.Context, projectID int64, state *EditorModeState) error {
	value, err := ModeStateToField(state)
	if err != nil {
		return fmt.Errorf("invalid mode state: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, ProjectKey(c.instanceName, projectID), modeField, value)
		c.touch(ctx, pipe, projectID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write mode of project %d: %w", projectID, err)
	}
	return nil
}

// SetHold replaces the elements held by a user in a project.
func (c *Client) SetHold(ctx context.Context, projectID, userID int64, elements []OperationID) error {
	value, err := HoldToField(elements)
	if err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, ProjectHoldsKey(c.instanceName, projectID), strconv.FormatInt(userID, 10), value)
		c.touch(ctx, pipe, projectID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write hold of user %d: %w", userID, err)
	}
	return nil
}

// DeleteHold removes a user's hold. It reports whether the project's hold
// table is now empty; an empty table is removed entirely.
func (c *Client) DeleteHold(ctx context.Context, projectID, userID int64) (bool, error) {
	key := ProjectHoldsKey(c.instanceName, projectID)

	var remaining *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, key, strconv.FormatInt(userID, 10))
		remaining = pipe.HLen(ctx, key)
		c.touch(ctx, pipe, projectID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete hold of user %d: %w", userID, err)
	}

	if remaining.Val() > 0 {
		return false, nil
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return false, fmt.Errorf("failed to clear hold table of project %d: %w", projectID, err)
	}
	return true, nil
}

// Holds returns the project's hold table.
func (c *Client) Holds(ctx context.Context, projectID int64) (map[int64][]OperationID, error) {
	hash, err := c.rdb.HGetAll(ctx, ProjectHoldsKey(c.instanceName, projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read holds of project %d: %w", projectID, err)
	}
	return HashToHolds(hash)
}

// ClearHolds drops the project's whole hold table.
func (c *Client) ClearHolds(ctx context.Context, projectID int64) error {
	if err := c.rdb.Del(ctx, ProjectHoldsKey(c.instanceName, projectID)).Err(); err != nil {
		return fmt.Errorf("failed to clear holds of project %d: %w", projectID, err)
	}
	return nil
}

// AppendOperations persists content operations to the project log.
//
// Operations without an id get one from the originator's local id counter.
// Operations whose id is already in the log are resubmissions and are skipped.
// Every stored operation gets its log index in Confirmed. The stored copies
// are returned in order; the input slice is not modified.
func (c *Client) AppendOperations(ctx context.Context, projectID, originator int64, ops []Operation) ([]Operation, error) {
	projectKey := ProjectKey(c.instanceName, projectID)
	opsKey := ProjectOpsKey(c.instanceName, projectID)
	idsKey := ProjectOpIDsKey(c.instanceName, projectID)

	next, err := c.rdb.LLen(ctx, opsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read operation log length: %w", err)
	}

	stored := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if op.ID == nil {
			localID, err := c.rdb.HIncrBy(ctx, projectKey, CounterField(originator), 1).Result()
			if err != nil {
				return stored, fmt.Errorf("failed to allocate local id: %w", err)
			}
			op.ID = &OperationID{ClientID: originator, LocalID: localID}
		} else {
			id := *op.ID
			if id.ClientID == 0 {
				id.ClientID = originator
			}
			op.ID = &id
			if err := c.raiseCounter(ctx, projectKey, id); err != nil {
				return stored, err
			}
		}

		added, err := c.rdb.SAdd(ctx, idsKey, op.ID.String()).Result()
		if err != nil {
			return stored, fmt.Errorf("failed to record operation id %s: %w", op.ID, err)
		}
		if added == 0 {
			continue
		}

		index := next
		op.Confirmed = &index
		data, err := json.Marshal(op)
		if err != nil {
			return stored, fmt.Errorf("failed to marshal operation %s: %w", op.ID, err)
		}
		if err := c.rdb.RPush(ctx, opsKey, data).Err(); err != nil {
			return stored, fmt.Errorf("failed to append operation %s: %w", op.ID, err)
		}
		next++
		stored = append(stored, op)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		c.touch(ctx, pipe, projectID)
		return nil
	})
	if err != nil {
		return stored, fmt.Errorf("failed to refresh project ttl: %w", err)
	}
	return stored, nil
}

// reserveScript hands out n consecutive local ids once per reservation key.
// KEYS[1] project hash, KEYS[2] reservation key.
// ARGV[1] counter field, ARGV[2] n, ARGV[3] reservation ttl in ms.
var reserveScript = redis.NewScript(`
local reserved = redis.call('GET', KEYS[2])
if reserved then
	return tonumber(reserved)
end
local n = tonumber(ARGV[2])
local last = redis.call('HINCRBY', KEYS[1], ARGV[1], n)
local first = last - n + 1
redis.call('SET', KEYS[2], first, 'PX', ARGV[3])
return first
`)

// ReserveOperationIDs reserves n consecutive local ids of originator for the
// request requestID and returns the first. Reserving again for the same
// request returns the same range, so a redelivered batch gets the ids it was
// first given.
func (c *Client) ReserveOperationIDs(ctx context.Context, projectID, originator int64, requestID string, n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("invalid reservation size %d", n)
	}
	if requestID == "" {
		return 0, fmt.Errorf("reservation requires a request id")
	}

	first, err := reserveScript.Run(ctx, c.rdb,
		[]string{ProjectKey(c.instanceName, projectID), ProjectReservationKey(c.instanceName, projectID, originator, requestID)},
		CounterField(originator), n, c.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve operation ids: %w", err)
	}
	return first, nil
}

// raiseCounter keeps a client's counter at or above a client-supplied local id
// so server-assigned ids never collide with it.
func (c *Client) raiseCounter(ctx context.Context, projectKey string, id OperationID) error {
	field := CounterField(id.ClientID)
	current, err := c.rdb.HGet(ctx, projectKey, field).Int64()
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to read local id counter: %w", err)
	}
	if id.LocalID <= current {
		return nil
	}
	if err := c.rdb.HSet(ctx, projectKey, field, id.LocalID).Err(); err != nil {
		return fmt.Errorf("failed to raise local id counter: %w", err)
	}
	return nil
}

// OperationsSince returns the logged operations from index from onwards.
func (c *Client) OperationsSince(ctx context.Context, projectID, from int64) ([]Operation, error) {
	if from < 0 {
		from = 0
	}
	values, err := c.rdb.LRange(ctx, ProjectOpsKey(c.instanceName, projectID), from, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read operation log: %w", err)
	}

	ops := make([]Operation, 0, len(values))
	for i, value := range values {
		var op Operation
		if err := json.Unmarshal([]byte(value), &op); err != nil {
			return nil, fmt.Errorf("failed to decode logged operation %d: %w", from+int64(i), err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// OperationCount returns the length of the project's operation log.
func (c *Client) OperationCount(ctx context.Context, projectID int64) (int64, error) {
	n, err := c.rdb.LLen(ctx, ProjectOpsKey(c.instanceName, projectID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read operation count: %w", err)
	}
	return n, nil
}

// SetUserSession records uid as the user's current session on its project.
func (c *Client) SetUserSession(ctx context.Context, uid UID) error {
	key := UserKey(c.instanceName, uid.UserID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, uid.ProjectKey(), uid.String())
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write session of user %d: %w", uid.UserID, err)
	}
	return nil
}

// GetUserSession returns the user's current session on a project.
// Returns redis.Nil if there is none.
func (c *Client) GetUserSession(ctx context.Context, userID, projectID int64) (UID, error) {
	value, err := c.rdb.HGet(ctx, UserKey(c.instanceName, userID), FormatProjectID(projectID)).Result()
	if err != nil {
		if IsNotFound(err) {
			return UID{}, redis.Nil
		}
		return UID{}, fmt.Errorf("failed to read session of user %d: %w", userID, err)
	}
	return ParseUID(value)
}

// DeleteUserSession removes the user's session mapping for uid's project,
// but only while it still points at uid.
func (c *Client) DeleteUserSession(ctx context.Context, uid UID) error {
	current, err := c.GetUserSession(ctx, uid.UserID, uid.ProjectID)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if current != uid {
		return nil
	}
	if err := c.rdb.HDel(ctx, UserKey(c.instanceName, uid.UserID), uid.ProjectKey()).Err(); err != nil {
		return fmt.Errorf("failed to delete session of user %d: %w", uid.UserID, err)
	}
	return nil
}

// ListProjects returns the ids of every project with state in the store.
func (c *Client) ListProjects(ctx context.Context) ([]int64, error) {
	prefix := strings.TrimSuffix(ProjectKeyPattern(c.instanceName), "*")

	var projects []int64
	iter := c.rdb.Scan(ctx, 0, ProjectKeyPattern(c.instanceName), 100).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), prefix)
		if strings.Contains(rest, ":") {
			continue
		}
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			continue
		}
		projects = append(projects, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan projects: %w", err)
	}
	return projects, nil
}

// IsNotFound returns true if the error indicates a key was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
