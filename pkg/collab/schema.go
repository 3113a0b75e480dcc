package collab

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so that
// several tandem deployments can share one Redis server.
//
// Key pattern: tandem:{instance_name}:{entity}:{id}

// ProjectKey returns the key of a project's state hash (membership, mode, counters).
// Pattern: tandem:{instance_name}:project:{project_id}
func ProjectKey(instanceName string, projectID int64) string {
	return fmt.Sprintf("tandem:%s:project:%d", instanceName, projectID)
}

// ProjectKeyPattern returns the SCAN pattern matching every project key.
func ProjectKeyPattern(instanceName string) string {
	return fmt.Sprintf("tandem:%s:project:*", instanceName)
}

// ProjectHoldsKey returns the key of a project's hold table (userId -> elements).
// Pattern: tandem:{instance_name}:project:{project_id}:holds
func ProjectHoldsKey(instanceName string, projectID int64) string {
	return fmt.Sprintf("tandem:%s:project:%d:holds", instanceName, projectID)
}

// ProjectOpsKey returns the key of a project's confirmed operation log (LIST).
// Pattern: tandem:{instance_name}:project:{project_id}:ops
func ProjectOpsKey(instanceName string, projectID int64) string {
	return fmt.Sprintf("tandem:%s:project:%d:ops", instanceName, projectID)
}

// ProjectOpIDsKey returns the key of the set of operation ids already in the log.
// Pattern: tandem:{instance_name}:project:{project_id}:opids
func ProjectOpIDsKey(instanceName string, projectID int64) string {
	return fmt.Sprintf("tandem:%s:project:%d:opids", instanceName, projectID)
}

// ProjectReservationKey returns the key remembering the first local id
// reserved for one request of one client.
// Pattern: tandem:{instance_name}:project:{project_id}:reserved:{client_id}:{request_id}
func ProjectReservationKey(instanceName string, projectID, clientID int64, requestID string) string {
	return fmt.Sprintf("tandem:%s:project:%d:reserved:%d:%s", instanceName, projectID, clientID, requestID)
}

// UserKey returns the key of a user's cross-project session mapping (projectId -> uid).
// Pattern: tandem:{instance_name}:user:{user_id}
func UserKey(instanceName string, userID int64) string {
	return fmt.Sprintf("tandem:%s:user:%d", instanceName, userID)
}

// BindingsKey returns the key of the client exchange binding table (projectId -> queue).
// Pattern: tandem:{instance_name}:bindings
func BindingsKey(instanceName string) string {
	return fmt.Sprintf("tandem:%s:bindings", instanceName)
}

// QueueStreamKey returns the stream backing a sequencer process's queue.
// Pattern: tandem:{instance_name}:queue:{queue_name}
func QueueStreamKey(instanceName, queue string) string {
	return fmt.Sprintf("tandem:%s:queue:%s", instanceName, queue)
}

// QueueAliveKey returns the liveness key a queue owner keeps refreshing.
// Pattern: tandem:{instance_name}:queue:{queue_name}:alive
func QueueAliveKey(instanceName, queue string) string {
	return fmt.Sprintf("tandem:%s:queue:%s:alive", instanceName, queue)
}

// DeadLetterStreamKey returns the stream backing the dead-letter exchange.
// Pattern: tandem:{instance_name}:deadletter
func DeadLetterStreamKey(instanceName string) string {
	return fmt.Sprintf("tandem:%s:deadletter", instanceName)
}

// BroadcastChannel returns the Pub/Sub channel of the broadcast exchange for a project.
// Pattern: tandem:{instance_name}:broadcast:{project_id}
func BroadcastChannel(instanceName string, projectID int64) string {
	return fmt.Sprintf("tandem:%s:broadcast:%d", instanceName, projectID)
}

// ControlChannel returns the Pub/Sub channel of the fanout control exchange.
// Pattern: tandem:{instance_name}:control
func ControlChannel(instanceName string) string {
	return fmt.Sprintf("tandem:%s:control", instanceName)
}

// QueuesKey returns the key of the set of sequencer queues ever declared.
// Pattern: tandem:{instance_name}:queues
func QueuesKey(instanceName string) string {
	return fmt.Sprintf("tandem:%s:queues", instanceName)
}

// QueueReapLockKey returns the lock taken while a dead queue is being reaped.
// Pattern: tandem:{instance_name}:queue:{queue_name}:reaping
func QueueReapLockKey(instanceName, queue string) string {
	return fmt.Sprintf("tandem:%s:queue:%s:reaping", instanceName, queue)
}

// BroadcastChannelPattern returns the PSUBSCRIBE pattern matching every
// project's broadcast channel.
func BroadcastChannelPattern(instanceName string) string {
	return fmt.Sprintf("tandem:%s:broadcast:*", instanceName)
}
