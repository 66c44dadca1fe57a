// Package v1 defines the Beacon signaling wire contract.
//
// The protocol is a flat JSON envelope: a required "type" field drives
// routing, "from" names the sender, and the remaining fields are optional
// or type-specific. Frames are relayed verbatim, so Message keeps the raw
// bytes it was decoded from.
//
// This package is intentionally stable and dependency-light. It is shared
// between server and clients to keep the wire protocol authoritative.
package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Type constants (wire-stable, case-sensitive).
const (
	// TypeRegister declares the connection's identity (client -> server, first frame).
	TypeRegister = "register"

	// TypeJoin adds the sender to a room (client -> server, control, not relayed).
	TypeJoin = "join"

	// Relay types: forwarded verbatim to the resolved audience.
	TypeText  = "text"
	TypeAudio = "audio"
	TypeMedia = "media"
	TypeFile  = "file"
	TypeVoice = "voice"
	TypeImage = "image"

	// WebRTC negotiation types.
	TypeWebRTCOffer  = "webrtc_offer"
	TypeWebRTCAnswer = "webrtc_answer"
	TypeWebRTCICE    = "webrtc_ice"
	TypeWebRTCEnd    = "webrtc_end"

	// Call lifecycle types.
	TypeCallRequest = "call_request"
	TypeCallAnswer  = "call_answer"
	TypeCallReject  = "call_reject"
	TypeCallEnd     = "call_end"
)

// Application close codes (websocket 4xxx range).
const (
	// CloseSuperseded means a newer connection claimed this connection's identity.
	CloseSuperseded = 4400
	// CloseRegistrationTimeout means no registration frame arrived in time.
	CloseRegistrationTimeout = 4401
	// CloseRegistrationInvalid means the first frame was not a valid registration.
	CloseRegistrationInvalid = 4402
	// CloseServerError means a server-side failure (e.g. call persistence) ended the session.
	CloseServerError = 4500
)

var (
	// ErrUnknownType is returned for a type outside the routing vocabulary.
	ErrUnknownType = errors.New("unknown message type")

	// ErrMissingFrom is returned when a relayed type omits the sender tag.
	ErrMissingFrom = errors.New("missing from")

	// ErrMissingTo is returned when a direct type omits the recipient.
	ErrMissingTo = errors.New("missing to")

	// ErrMissingRoom is returned when a room-scoped type omits room_id.
	ErrMissingRoom = errors.New("missing room_id")

	// ErrMissingCallID is returned when a call-lifecycle type omits call_id.
	ErrMissingCallID = errors.New("missing call_id")

	// ErrBadRegistration is returned when a frame is not a valid identity declaration.
	ErrBadRegistration = errors.New("invalid registration frame")
)

// relayTypes are forwarded as-is with no side effects.
var relayTypes = map[string]struct{}{
	TypeText:  {},
	TypeAudio: {},
	TypeMedia: {},
	TypeFile:  {},
	TypeVoice: {},
	TypeImage: {},
}

// IsRelayType reports whether t is a plain relay type (chat text or media blob).
func IsRelayType(t string) bool {
	_, ok := relayTypes[t]
	return ok
}

// Token is an opaque identifier that clients may send as a JSON string or
// number (room ids and call ids occur in both forms). It canonicalizes to
// the string form.
type Token string

func (t Token) String() string { return string(t) }

// IsZero reports whether the token is absent.
func (t Token) IsZero() bool { return t == "" }

// UnmarshalJSON accepts a string, a number, or null.
func (t *Token) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Token(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("token: want string or number: %w", err)
	}
	*t = Token(n.String())
	return nil
}

// MarshalJSON emits the canonical string form.
func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(t))
}

// Message is one decoded signaling frame. Type-specific fields the server
// does not interpret stay inside the retained raw frame and survive relay
// untouched.
type Message struct {
	Type     string `json:"type"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	RoomID   Token  `json:"room_id,omitempty"`
	CallID   Token  `json:"call_id,omitempty"`
	Duration int64  `json:"duration,omitempty"`

	raw []byte
}

// Decode parses a frame into a Message, retaining the original bytes.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	m.raw = append([]byte(nil), data...)
	return m, nil
}

// Encode returns the frame to relay: the original bytes when the message
// came off the wire, or a fresh marshaling for server-constructed messages.
func (m Message) Encode() []byte {
	if m.raw != nil {
		return m.raw
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

// WithCallID returns a copy of the message with call_id set, preserving
// every other field of the original frame (known to the server or not).
func (m Message) WithCallID(callID string) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Encode(), &fields); err != nil {
		return Message{}, err
	}
	fields["call_id"] = json.RawMessage(strconv.Quote(callID))

	b, err := json.Marshal(fields)
	if err != nil {
		return Message{}, err
	}
	return Decode(b)
}

// Validate enforces the per-type required fields. A message that fails
// validation is dropped by the router, never relayed.
func (m Message) Validate() error {
	switch {
	case IsRelayType(m.Type):
		if m.From == "" {
			return ErrMissingFrom
		}
		return nil

	case m.Type == TypeJoin:
		if m.RoomID.IsZero() {
			return ErrMissingRoom
		}
		return nil

	case m.Type == TypeWebRTCOffer:
		if m.From == "" {
			return ErrMissingFrom
		}
		if m.RoomID.IsZero() {
			return ErrMissingRoom
		}
		return nil

	case m.Type == TypeWebRTCAnswer, m.Type == TypeWebRTCICE:
		if m.From == "" {
			return ErrMissingFrom
		}
		return nil

	case m.Type == TypeWebRTCEnd:
		if m.From == "" {
			return ErrMissingFrom
		}
		if m.CallID.IsZero() {
			return ErrMissingCallID
		}
		return nil

	case m.Type == TypeCallRequest:
		if m.From == "" {
			return ErrMissingFrom
		}
		if m.To == "" {
			return ErrMissingTo
		}
		return nil

	case m.Type == TypeCallAnswer, m.Type == TypeCallReject, m.Type == TypeCallEnd:
		if m.From == "" {
			return ErrMissingFrom
		}
		if m.CallID.IsZero() {
			return ErrMissingCallID
		}
		return nil
	}

	return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
}

// registration mirrors the two accepted identity-declaration forms:
// {"type":"register","from":"<identity>"} and {"client_id":"<identity>"}.
type registration struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	ClientID string `json:"client_id"`
}

// DecodeRegistration extracts the declared identity from a handshake frame.
func DecodeRegistration(data []byte) (string, error) {
	var r registration
	if err := json.Unmarshal(data, &r); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadRegistration, err)
	}
	if r.Type == TypeRegister && r.From != "" {
		return r.From, nil
	}
	if r.ClientID != "" {
		return r.ClientID, nil
	}
	return "", ErrBadRegistration
}
