// Package collab provides the shared data model and the Redis-backed shared
// state store for tandem's collaboration engine. Every process that takes part
// in a collaboration session (socket gateways, project sequencers, the CLI)
// speaks in the types defined here.
//
// All Redis keys and channels are namespaced by instance name so several
// tandem deployments can share one Redis server.
package collab

import (
	"errors"
	"fmt"
)

// AccessLevel is the permission a participant holds on a project.
type AccessLevel string

const (
	// AccessEdit participants may mutate the document and receive unredacted batches.
	AccessEdit AccessLevel = "edit"

	// AccessView participants are read-only and receive redacted batches.
	AccessView AccessLevel = "view"
)

// Validate checks if the access level is one of the defined values.
func (a AccessLevel) Validate() error {
	switch a {
	case AccessEdit, AccessView:
		return nil
	default:
		return fmt.Errorf("invalid access level: %s", a)
	}
}

// SessionStatus is the coarse lifecycle phase a connection reports.
type SessionStatus string

const (
	StatusAuthorize SessionStatus = "authorize"
	StatusOperation SessionStatus = "operation"
	StatusDestroy   SessionStatus = "destroy"
)

// Validate checks if the session status is one of the defined values.
func (s SessionStatus) Validate() error {
	switch s {
	case StatusAuthorize, StatusOperation, StatusDestroy:
		return nil
	default:
		return fmt.Errorf("invalid session status: %s", s)
	}
}

// EditorMode is the editing context a user is in. It gates which operation
// kinds may be applied.
type EditorMode string

const (
	ModeInit        EditorMode = "init"
	ModeMain        EditorMode = "main"
	ModeConstructor EditorMode = "constructor"
	ModePages       EditorMode = "pages"
	ModeVersions    EditorMode = "versions"
	ModeTrueEdit    EditorMode = "trueedit"
)

// Validate checks if the editor mode is one of the defined values.
func (m EditorMode) Validate() error {
	switch m {
	case ModeInit, ModeMain, ModeConstructor, ModePages, ModeVersions, ModeTrueEdit:
		return nil
	default:
		return fmt.Errorf("invalid editor mode: %s", m)
	}
}

// EditorModeState is the authoritative mode of a project. Last writer wins.
type EditorModeState struct {
	Mode            EditorMode `json:"mode"`
	SetBy           string     `json:"set_by"`           // uid of the session that set the mode
	SetAtMs         int64      `json:"set_at_ms"`        // Unix ms of the transition
	OperationsCount int64      `json:"operations_count"` // content operations applied since the transition
	Snapshot        int64      `json:"snapshot"`         // project operation count when constructor was entered
}

// Member is one live session bound to a project.
type Member struct {
	UID    UID         `json:"uid"`
	Access AccessLevel `json:"access"`
}

// ErrorCode is a stable, client-visible error classification.
type ErrorCode string

const (
	CodeOldMessage     ErrorCode = "old_message"
	CodeValidation     ErrorCode = "validation"
	CodeModeTransition ErrorCode = "mode_transition"
	CodeNotAuthorized  ErrorCode = "not_authorized"
	CodeTimeout        ErrorCode = "timeout"
	CodeInternal       ErrorCode = "internal"
)

// ErrorPayload is the error body carried to clients.
type ErrorPayload struct {
	Code    ErrorCode `json:"code" cbor:"code"`
	Message string    `json:"message" cbor:"message"`
}

func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Sentinel errors shared across the engine.
var (
	ErrUnknownOperation = errors.New("unknown operation kind")
	ErrInvalidEnvelope  = errors.New("invalid envelope")
	ErrInvalidUID       = errors.New("invalid uid")
)
