package collab

import (
	"encoding/json"
	"fmt"
	"sort"
)

// OperationID identifies an operation by the client that originated it and a
// monotonic per-client counter. Elements on the page are identified by the id
// of the operation that created them, so the same type is used for element
// references inside payloads.
type OperationID struct {
	ClientID int64 `json:"clientId"`
	LocalID  int64 `json:"localId"`
}

func (id OperationID) String() string {
	return fmt.Sprintf("%d:%d", id.ClientID, id.LocalID)
}

// Operation is the atomic, replayable unit of document change.
// ID is nil until the operation first reaches persistence.
type Operation struct {
	ID         *OperationID `json:"id"`
	Properties Properties   `json:"properties"`
	ActionTime int64        `json:"actionTime"`
	Confirmed  *int64       `json:"confirmed,omitempty"` // index in the project operation log
	Channel    string       `json:"channel,omitempty"`
}

// Kind returns the (group, type) tag of the operation.
func (o *Operation) Kind() Kind {
	return Kind{Group: o.Properties.Group, Type: o.Properties.Type}
}

// Kind is the (group, type) discriminator of an operation.
type Kind struct {
	Group string
	Type  string
}

func (k Kind) String() string {
	return k.Group + "/" + k.Type
}

// Operation groups.
const (
	GroupTools         = "tools"
	GroupDocument      = "document"
	GroupEditor        = "editor"
	GroupPages         = "pages"
	GroupVersions      = "versions"
	GroupTrueEdit      = "trueedit"
	GroupCollaboration = "collaboration"
)

// Well-known kinds referenced by the engine.
var (
	KindAccess  = Kind{GroupDocument, "access"}
	KindMode    = Kind{GroupEditor, "mode"}
	KindReload  = Kind{GroupEditor, "reload"}
	KindHold    = Kind{GroupCollaboration, "hold"}
	KindRelease = Kind{GroupCollaboration, "release"}
)

// Payload is the kind-specific body of an operation's properties.
type Payload interface {
	rewriteClientIDs(from, to int64)
	redactForViewer()
}

var toolTypes = []string{
	"text", "checkmark", "cross", "circle", "signature", "initials", "date",
	"image", "sticky", "erase", "line", "arrow", "highlight",
}

// kinds is the closed registry of operation kinds. Decoding anything outside
// it fails with ErrUnknownOperation.
var kinds = func() map[Kind]func() Payload {
	m := map[Kind]func() Payload{
		KindAccess:                    func() Payload { return &AccessPayload{} },
		KindMode:                      func() Payload { return &ModePayload{} },
		KindReload:                    func() Payload { return &ReloadPayload{} },
		{GroupPages, "rearrange"}:     func() Payload { return &PagesPayload{} },
		{GroupVersions, "restore"}:    func() Payload { return &VersionPayload{} },
		{GroupTrueEdit, "edit"}:       func() Payload { return &TrueEditPayload{} },
		KindHold:                      func() Payload { return &HoldPayload{} },
		KindRelease:                   func() Payload { return &HoldPayload{} },
	}
	for _, t := range toolTypes {
		m[Kind{GroupTools, t}] = func() Payload { return &ElementPayload{} }
	}
	return m
}()

// KnownKind reports whether (group, type) is a registered operation kind.
func KnownKind(k Kind) bool {
	_, ok := kinds[k]
	return ok
}

// KnownKinds returns every registered kind in a stable order.
func KnownKinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// IsDocumentLevel reports whether the kind is an access or mode change.
// These are delivered to every recipient unredacted.
func (k Kind) IsDocumentLevel() bool {
	return k == KindAccess || k == KindMode
}

// IsContent reports whether the kind mutates document content and therefore
// belongs in the persisted operation log.
func (k Kind) IsContent() bool {
	switch k.Group {
	case GroupTools, GroupPages, GroupVersions, GroupTrueEdit:
		return true
	default:
		return false
	}
}

// Properties is a tagged union over (group, type). On the wire it is a flat
// object: {"group":..., "type":..., "subType":..., ...payload fields}.
type Properties struct {
	Group   string
	Type    string
	SubType string
	Payload Payload
}

// MarshalJSON flattens the payload fields next to the discriminator.
func (p Properties) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if p.Payload != nil {
		raw, err := json.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s/%s payload: %w", p.Group, p.Type, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("failed to flatten %s/%s payload: %w", p.Group, p.Type, err)
		}
	}

	group, _ := json.Marshal(p.Group)
	typ, _ := json.Marshal(p.Type)
	fields["group"] = group
	fields["type"] = typ
	if p.SubType != "" {
		sub, _ := json.Marshal(p.SubType)
		fields["subType"] = sub
	}

	return json.Marshal(fields)
}

// UnmarshalJSON decodes the discriminator and then the matching payload.
func (p *Properties) UnmarshalJSON(b []byte) error {
	var head struct {
		Group   string `json:"group"`
		Type    string `json:"type"`
		SubType string `json:"subType"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return fmt.Errorf("failed to decode operation properties: %w", err)
	}

	newPayload, ok := kinds[Kind{head.Group, head.Type}]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownOperation, head.Group, head.Type)
	}

	payload := newPayload()
	if err := json.Unmarshal(b, payload); err != nil {
		return fmt.Errorf("failed to decode %s/%s payload: %w", head.Group, head.Type, err)
	}

	*p = Properties{Group: head.Group, Type: head.Type, SubType: head.SubType, Payload: payload}
	return nil
}

// ElementPayload creates or edits a page element with a drawing tool.
type ElementPayload struct {
	Element  *OperationID   `json:"element,omitempty"`
	PageID   int            `json:"pageId"`
	Content  map[string]any `json:"content,omitempty"`
	Template map[string]any `json:"template,omitempty"`
	Enabled  *bool          `json:"enabled,omitempty"`
}

func (e *ElementPayload) rewriteClientIDs(from, to int64) {
	rewriteRef(e.Element, from, to)
}

func (e *ElementPayload) redactForViewer() {
	disabled := false
	e.Template = nil
	e.Enabled = &disabled
}

// AccessPayload announces a change of access level for the document.
type AccessPayload struct {
	Access   AccessLevel `json:"access"`
	Location string      `json:"location,omitempty"`
}

func (a *AccessPayload) rewriteClientIDs(int64, int64) {}
func (a *AccessPayload) redactForViewer()              {}

// ModePayload requests (and reports the outcome of) an editor mode change.
type ModePayload struct {
	Mode    EditorMode `json:"mode"`
	Allowed *bool      `json:"allowed,omitempty"`
	Error   ErrorCode  `json:"error,omitempty"`
	Edited  *bool      `json:"edited,omitempty"`
}

func (m *ModePayload) rewriteClientIDs(int64, int64) {}
func (m *ModePayload) redactForViewer()              {}

// ReloadPayload tells a client that it may safely reload its document.
type ReloadPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (r *ReloadPayload) rewriteClientIDs(int64, int64) {}
func (r *ReloadPayload) redactForViewer()              {}

// PagesPayload reorders or removes pages.
type PagesPayload struct {
	Order   []int `json:"order"`
	Deleted []int `json:"deleted,omitempty"`
}

func (p *PagesPayload) rewriteClientIDs(int64, int64) {}
func (p *PagesPayload) redactForViewer()              {}

// VersionPayload restores a saved document version.
type VersionPayload struct {
	VersionID string `json:"versionId"`
}

func (v *VersionPayload) rewriteClientIDs(int64, int64) {}
func (v *VersionPayload) redactForViewer()              {}

// TrueEditPayload edits original document text in place.
type TrueEditPayload struct {
	Element *OperationID   `json:"element,omitempty"`
	Content map[string]any `json:"content,omitempty"`
	Enabled *bool          `json:"enabled,omitempty"`
}

func (t *TrueEditPayload) rewriteClientIDs(from, to int64) {
	rewriteRef(t.Element, from, to)
}

func (t *TrueEditPayload) redactForViewer() {
	disabled := false
	t.Enabled = &disabled
}

// HoldPayload claims (hold) or gives up (release) a set of elements.
// HeldBy is filled by the server when another user already holds exactly the
// same set.
type HoldPayload struct {
	Elements []OperationID `json:"elements"`
	HeldBy   int64         `json:"heldBy,omitempty"`
}

func (h *HoldPayload) rewriteClientIDs(from, to int64) {
	for i := range h.Elements {
		rewriteRef(&h.Elements[i], from, to)
	}
}

func (h *HoldPayload) redactForViewer() {}

func rewriteRef(ref *OperationID, from, to int64) {
	if ref != nil && ref.ClientID == from {
		ref.ClientID = to
	}
}

// CloneOperations returns a deep copy of ops.
func CloneOperations(ops []Operation) ([]Operation, error) {
	if ops == nil {
		return nil, nil
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("failed to clone operations: %w", err)
	}
	var out []Operation
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to clone operations: %w", err)
	}
	return out, nil
}

// RedactForViewer strips template payloads and disables elements on every
// operation except document-level access and mode changes. ops is modified in place.
func RedactForViewer(ops []Operation) {
	for i := range ops {
		if ops[i].Kind().IsDocumentLevel() || ops[i].Properties.Payload == nil {
			continue
		}
		ops[i].Properties.Payload.redactForViewer()
	}
}
