package broker

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/dyluth/tandem/pkg/collab"
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same message always
// produces identical bytes on the wire.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("broker: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("broker: CBOR decoder initialization failed: " + err.Error())
	}
}

// Message is the frame carried by every exchange. The routing header is
// CBOR; Body is the JSON document the sender produced and is opaque to the
// broker.
type Message struct {
	ID        string `cbor:"1,keyasint"`
	ProjectID int64  `cbor:"2,keyasint"`
	Timestamp int64  `cbor:"3,keyasint"` // original send time, Unix ms; survives republishing
	Attempts  int    `cbor:"4,keyasint,omitempty"`
	Body      []byte `cbor:"5,keyasint"`
}

// Encode serializes the message for a stream entry or pub/sub payload.
func (m *Message) Encode() ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", m.ID, err)
	}
	return data, nil
}

// DecodeMessage parses a frame produced by Encode.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &m, nil
}

// Envelope decodes the body as a client envelope.
func (m *Message) Envelope() (*collab.Envelope, error) {
	var env collab.Envelope
	if err := json.Unmarshal(m.Body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope of message %s: %w", m.ID, err)
	}
	return &env, nil
}

// Frame decodes the body as an addressed broadcast frame.
func (m *Message) Frame() (*collab.BroadcastFrame, error) {
	var frame collab.BroadcastFrame
	if err := json.Unmarshal(m.Body, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode broadcast frame of message %s: %w", m.ID, err)
	}
	return &frame, nil
}

// Control decodes the body as a control message.
func (m *Message) Control() (*collab.ControlMessage, error) {
	var ctl collab.ControlMessage
	if err := json.Unmarshal(m.Body, &ctl); err != nil {
		return nil, fmt.Errorf("failed to decode control message %s: %w", m.ID, err)
	}
	return &ctl, nil
}
