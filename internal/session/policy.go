package session

import "github.com/dyluth/tandem/pkg/collab"

// TakeoverPolicy decides what happens when a user who already has a live
// session on a project opens another one from a different socket.
type TakeoverPolicy interface {
	// AllowConcurrent reports whether incoming may join next to existing.
	// When it returns false the incoming session is answered busy.
	AllowConcurrent(existing, incoming collab.UID) bool
}

// SingleSessionPolicy allows one live session per user and project.
type SingleSessionPolicy struct{}

func (SingleSessionPolicy) AllowConcurrent(existing, incoming collab.UID) bool { return false }

// ConcurrentSessionPolicy lets a user edit from any number of sockets.
type ConcurrentSessionPolicy struct{}

func (ConcurrentSessionPolicy) AllowConcurrent(existing, incoming collab.UID) bool { return true }

// PolicyByName maps a configured policy name to its policy.
func PolicyByName(name string) (TakeoverPolicy, bool) {
	switch name {
	case "", "single":
		return SingleSessionPolicy{}, true
	case "concurrent":
		return ConcurrentSessionPolicy{}, true
	default:
		return nil, false
	}
}
