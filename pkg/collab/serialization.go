package collab

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Serialization helpers for the project state hash.
//
// A project hash mixes several entities, each under its own field prefix, so
// every entity can be written with a single HSET/HDEL without a read-modify-write:
//
//	member:{uid}        -> access level
//	mode                -> JSON EditorModeState
//	counter:{client_id} -> last local id issued for that client

const (
	memberFieldPrefix  = "member:"
	counterFieldPrefix = "counter:"
	modeField          = "mode"
)

// MemberField returns the project hash field of a member.
func MemberField(uid UID) string {
	return memberFieldPrefix + uid.String()
}

// CounterField returns the project hash field of a client's local id counter.
func CounterField(clientID int64) string {
	return counterFieldPrefix + strconv.FormatInt(clientID, 10)
}

// HashToMembers extracts the members from a project hash, sorted by uid.
func HashToMembers(hash map[string]string) ([]Member, error) {
	members := make([]Member, 0)
	for field, value := range hash {
		if !strings.HasPrefix(field, memberFieldPrefix) {
			continue
		}
		uid, err := ParseUID(strings.TrimPrefix(field, memberFieldPrefix))
		if err != nil {
			return nil, fmt.Errorf("invalid member field %q: %w", field, err)
		}
		access := AccessLevel(value)
		if err := access.Validate(); err != nil {
			return nil, fmt.Errorf("invalid member %s: %w", uid, err)
		}
		members = append(members, Member{UID: uid, Access: access})
	}

	sort.Slice(members, func(i, j int) bool {
		return members[i].UID.String() < members[j].UID.String()
	})
	return members, nil
}

// ModeStateToField encodes an editor mode state for the project hash.
func ModeStateToField(s *EditorModeState) (string, error) {
	if err := s.Mode.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal mode state: %w", err)
	}
	return string(data), nil
}

// FieldToModeState decodes an editor mode state from the project hash.
func FieldToModeState(value string) (*EditorModeState, error) {
	var s EditorModeState
	if err := json.Unmarshal([]byte(value), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mode state: %w", err)
	}
	if err := s.Mode.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// HoldToField encodes one user's held elements for the hold hash.
// Element lists are JSON-encoded.
func HoldToField(elements []OperationID) (string, error) {
	data, err := json.Marshal(elements)
	if err != nil {
		return "", fmt.Errorf("failed to marshal hold: %w", err)
	}
	return string(data), nil
}

// HashToHolds converts the hold hash back into userId -> elements.
func HashToHolds(hash map[string]string) (map[int64][]OperationID, error) {
	holds := make(map[int64][]OperationID, len(hash))
	for field, value := range hash {
		userID, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid hold field %q: %w", field, err)
		}
		var elements []OperationID
		if err := json.Unmarshal([]byte(value), &elements); err != nil {
			return nil, fmt.Errorf("failed to unmarshal hold of user %d: %w", userID, err)
		}
		holds[userID] = elements
	}
	return holds, nil
}
