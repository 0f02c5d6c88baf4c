package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the envelope schema version written by this package. Readers
// ignore fields they do not recognize, so newer writers interoperate with
// older readers as long as the Kind set is unchanged.
const Version = 1

// Envelope kinds. An unknown kind is a hard decode error.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindEvent    = "event"
)

// ErrDecode wraps all envelope decode failures. It is fatal to the session.
var ErrDecode = errors.New("malformed envelope")

// Envelope is the typed message carried inside a frame. Exactly one of
// Command, Outcome, or Event is set, according to Kind. ID correlates a
// request with its response; events carry no ID because they are not awaited.
type Envelope struct {
	V    int    `json:"v"`
	Kind string `json:"kind"`
	ID   uint64 `json:"id,omitempty"`

	Command *Command `json:"command,omitempty"`
	Outcome *Outcome `json:"outcome,omitempty"`
	Event   *Event   `json:"event,omitempty"`
}

// Command names the operation to execute. The protocol core recognizes the
// lifecycle commands below; any other name is an opaque command interpreted
// only by the runtime's handler.
type Command struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Lifecycle command names recognized by the protocol core.
const (
	CommandHello  = "hello"
	CommandRun    = "run"
	CommandStop   = "stop"
	CommandStatus = "status"
)

// Outcome is the result of a command. Failures travel as ordinary data, never
// as transport errors.
type Outcome struct {
	OK     bool            `json:"ok"`
	Data   json.RawMessage `json:"data,omitempty"`
	Code   string          `json:"code,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

// Event is an unsolicited notification. Data is opaque to the protocol core.
type Event struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Request builds a request envelope.
func Request(id uint64, cmd Command) Envelope {
	return Envelope{V: Version, Kind: KindRequest, ID: id, Command: &cmd}
}

// Response builds a response envelope echoing the request's id.
func Response(id uint64, out Outcome) Envelope {
	return Envelope{V: Version, Kind: KindResponse, ID: id, Outcome: &out}
}

// Notification builds an event envelope.
func Notification(topic string, data json.RawMessage) Envelope {
	return Envelope{V: Version, Kind: KindEvent, Event: &Event{Topic: topic, Data: data}}
}

// Success builds an OK outcome carrying data.
func Success(data json.RawMessage) Outcome {
	return Outcome{OK: true, Data: data}
}

// Failure builds a failed outcome with a machine code and human detail.
func Failure(code, detail string) Outcome {
	return Outcome{Code: code, Detail: detail}
}

// EncodeEnvelope serializes an envelope for framing.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses a frame payload. Unknown fields are ignored for
// forward compatibility; an unknown kind, a missing body for the declared
// kind, or malformed JSON all return an error wrapping ErrDecode.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s", ErrDecode, err)
	}
	switch env.Kind {
	case KindRequest:
		if env.Command == nil {
			return Envelope{}, fmt.Errorf("%w: request without command", ErrDecode)
		}
	case KindResponse:
		if env.Outcome == nil {
			return Envelope{}, fmt.Errorf("%w: response without outcome", ErrDecode)
		}
	case KindEvent:
		if env.Event == nil {
			return Envelope{}, fmt.Errorf("%w: event without body", ErrDecode)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: unknown kind %q", ErrDecode, env.Kind)
	}
	return env, nil
}
