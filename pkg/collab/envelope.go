package collab

import (
	"fmt"
	"time"
)

// MessageKind names the body carried by an Envelope.
type MessageKind string

const (
	KindAuthMessage       MessageKind = "auth"
	KindOperationsMessage MessageKind = "operations"
	KindDestroyMessage    MessageKind = "destroy"
	KindSystemMessage     MessageKind = "system"
)

// Envelope is a message travelling from a client (or an operator) to the
// project sequencer. Exactly one of Auth, Operations, Destroy or System is set.
// Timestamp is mandatory: it orders the project queue and decides staleness.
type Envelope struct {
	UID        UID             `json:"uid"`
	RequestID  string          `json:"requestId,omitempty"`
	Auth       *AuthRequest    `json:"auth,omitempty"`
	Operations []Operation     `json:"operations"`
	Destroy    *DestroyRequest `json:"destroy,omitempty"`
	System     *SystemMessage  `json:"system,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// AuthRequest carries the credentials of a joining session. Token is consumed
// by the gateway and never forwarded.
type AuthRequest struct {
	ProjectID    int64       `json:"projectId"`
	ViewerID     int64       `json:"viewerId"`
	Access       AccessLevel `json:"access,omitempty"`
	Token        string      `json:"token,omitempty"`
	ResumeUID    string      `json:"resumeUid,omitempty"`
	ConfirmedOps int64       `json:"confirmedOps,omitempty"`
}

// DestroyRequest ends a session. OnTimeout is set when the gateway gave up
// waiting for the client to come back.
type DestroyRequest struct {
	OnTimeout bool   `json:"onTimeout,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SystemType names an operator-issued system message.
type SystemType string

const (
	SystemAccess SystemType = "access" // change a user's access level
	SystemClose  SystemType = "close"  // end every session of the project
	SystemNotice SystemType = "notice" // tell every session it may reload
)

// SystemMessage is a server-side instruction for a project.
type SystemMessage struct {
	Type      SystemType  `json:"type"`
	ProjectID int64       `json:"projectId"`
	UserID    int64       `json:"userId,omitempty"`
	Access    AccessLevel `json:"access,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// Validate checks the system message fields required by its type.
func (s *SystemMessage) Validate() error {
	if s.ProjectID == 0 {
		return fmt.Errorf("system message requires a project id")
	}
	switch s.Type {
	case SystemAccess:
		if s.UserID == 0 {
			return fmt.Errorf("access system message requires a user id")
		}
		return s.Access.Validate()
	case SystemClose, SystemNotice:
		return nil
	default:
		return fmt.Errorf("invalid system message type: %s", s.Type)
	}
}

// Kind returns which body the envelope carries.
func (e *Envelope) Kind() MessageKind {
	switch {
	case e.Auth != nil:
		return KindAuthMessage
	case e.Operations != nil:
		return KindOperationsMessage
	case e.Destroy != nil:
		return KindDestroyMessage
	case e.System != nil:
		return KindSystemMessage
	default:
		return ""
	}
}

// ProjectID returns the project the envelope is routed to.
func (e *Envelope) ProjectID() int64 {
	if e.System != nil {
		return e.System.ProjectID
	}
	return e.UID.ProjectID
}

// Validate enforces the envelope shape: a timestamp, exactly one body, and a
// uid for everything except system messages.
func (e *Envelope) Validate() error {
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEnvelope)
	}

	bodies := 0
	if e.Auth != nil {
		bodies++
	}
	if e.Operations != nil {
		bodies++
	}
	if e.Destroy != nil {
		bodies++
	}
	if e.System != nil {
		bodies++
	}
	if bodies != 1 {
		return fmt.Errorf("%w: expected exactly one body, got %d", ErrInvalidEnvelope, bodies)
	}

	if e.System != nil {
		if err := e.System.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		return nil
	}

	if e.UID.IsZero() {
		return fmt.Errorf("%w: uid is required", ErrInvalidEnvelope)
	}
	return nil
}

// Age returns how old the envelope is relative to now.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.Timestamp))
}

// Response is a message from the engine to one client.
type Response struct {
	RequestID   string           `json:"requestId,omitempty"`
	Operations  []Operation      `json:"operations,omitempty"`
	Auth        *AuthResponse    `json:"auth,omitempty"`
	Destroy     *DestroyResponse `json:"destroy,omitempty"`
	Error       *ErrorPayload    `json:"error,omitempty"`
	AccessLevel AccessLevel      `json:"accessLevel,omitempty"`
}

// AuthResponse reports the outcome of an auth request.
type AuthResponse struct {
	UID          string     `json:"uid,omitempty"`
	Reconnect    bool       `json:"reconnect,omitempty"`
	Busy         bool       `json:"busy,omitempty"`
	Location     string     `json:"location,omitempty"`
	RetryAfterMs int64      `json:"retryAfterMs,omitempty"`
	Mode         EditorMode `json:"mode,omitempty"`
	ConfirmedOps int64      `json:"confirmedOps"`
}

// DestroyResponse tells a client its session is over.
// ForceClose marks a session superseded by a reconnect elsewhere.
type DestroyResponse struct {
	Location   string `json:"location,omitempty"`
	OnTimeout  bool   `json:"onTimeout,omitempty"`
	ForceClose bool   `json:"forceClose,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// NewErrorResponse builds an error response for a request.
func NewErrorResponse(requestID string, code ErrorCode, message string) Response {
	return Response{
		RequestID: requestID,
		Error:     &ErrorPayload{Code: code, Message: message},
	}
}

// BroadcastFrame is a response addressed to specific uids of one project.
// Gateways deliver it to those of their sockets whose uid is listed.
type BroadcastFrame struct {
	ProjectID int64    `json:"projectId"`
	Targets   []string `json:"targets"`
	Response  Response `json:"response"`
}

// ControlType names a cross-instance control message.
type ControlType string

const (
	// ControlProjectBound announces that a queue now owns a project's routing.
	ControlProjectBound ControlType = "project_bound"
)

// ControlMessage travels on the fanout control exchange to every instance.
type ControlMessage struct {
	Type      ControlType `json:"type"`
	ProjectID int64       `json:"projectId"`
	Queue     string      `json:"queue"`
	AtMs      int64       `json:"atMs"`
}
