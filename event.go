package eventis

import (
	"errors"
	"fmt"
	"time"

	"eventis/codec"
)

// Wire field names of the envelope. Payload fields are flattened alongside
// these in the serialized object, so payloads may not reuse them.
const (
	wireEventID       = "event_id"
	wireEventType     = "event_type"
	wireVersion       = "version"
	wireTimestamp     = "timestamp"
	wireSource        = "source_service"
	wireCorrelationID = "correlation_id"
	wireActorID       = "actor_id"
	wireMetadata      = "metadata"
)

const envelopeTimeFormat = time.RFC3339Nano

var reservedWireKeys = map[string]bool{
	wireEventID:       true,
	wireEventType:     true,
	wireVersion:       true,
	wireTimestamp:     true,
	wireSource:        true,
	wireCorrelationID: true,
	wireActorID:       true,
	wireMetadata:      true,
}

var (
	ErrReservedField    = errors.New("eventis: payload field shadows an envelope field")
	ErrEnvelopeNotValid = errors.New("eventis: envelope not valid")
)

// Envelope is the unit of communication: identity, causality, and routing
// metadata wrapped around an event-type-specific payload. Envelopes are
// immutable once appended to the log.
type Envelope struct {
	// ID is globally unique, generated at publish time.
	ID string

	// Type identifies the semantic kind of the event, e.g. "user.created".
	// It determines which schema versions apply and which topic the
	// envelope is appended to.
	Type string

	// Version is the schema version tag the payload was validated
	// against, e.g. "v1".
	Version string

	// Time is when the event occurred, set at publish.
	Time time.Time

	// Source names the producing service.
	Source string

	// CorrelationID links the event to the request chain that caused it.
	CorrelationID string

	// ActorID identifies the principal that triggered the event. It is a
	// string or an integer on the wire, nil for system-generated events.
	ActorID any

	// Meta is open context that is not schema-validated.
	Meta map[string]any

	// Payload holds the event-type-specific fields, validated against the
	// registered schema for (Type, Version).
	Payload map[string]any
}

// wireMap flattens the envelope into the single JSON-compatible object that
// goes on the wire.
func (e *Envelope) wireMap() (map[string]any, error) {
	for k := range e.Payload {
		if reservedWireKeys[k] {
			return nil, fmt.Errorf("%w: %s", ErrReservedField, k)
		}
	}

	m := make(map[string]any, len(e.Payload)+8)
	for k, v := range e.Payload {
		m[k] = v
	}

	m[wireEventID] = e.ID
	m[wireEventType] = e.Type
	m[wireVersion] = e.Version
	m[wireTimestamp] = e.Time.Format(envelopeTimeFormat)
	m[wireSource] = e.Source
	m[wireCorrelationID] = e.CorrelationID

	meta := e.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	m[wireMetadata] = meta

	if e.ActorID != nil {
		m[wireActorID] = e.ActorID
	}

	return m, nil
}

func envelopeFromWire(m map[string]any) (*Envelope, error) {
	env := &Envelope{
		Meta:    map[string]any{},
		Payload: map[string]any{},
	}

	for k, v := range m {
		switch k {
		case wireEventID:
			env.ID, _ = v.(string)
		case wireEventType:
			env.Type, _ = v.(string)
		case wireVersion:
			env.Version, _ = v.(string)
		case wireSource:
			env.Source, _ = v.(string)
		case wireCorrelationID:
			env.CorrelationID, _ = v.(string)
		case wireActorID:
			env.ActorID = v
		case wireMetadata:
			if meta, ok := v.(map[string]any); ok {
				env.Meta = meta
			}
		case wireTimestamp:
			raw, _ := v.(string)
			t, err := time.Parse(envelopeTimeFormat, raw)
			if err != nil {
				return nil, fmt.Errorf("%w: bad timestamp %q", ErrEnvelopeNotValid, raw)
			}
			env.Time = t
		default:
			env.Payload[k] = v
		}
	}

	if env.ID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrEnvelopeNotValid, wireEventID)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrEnvelopeNotValid, wireEventType)
	}

	return env, nil
}

func (e *Envelope) encode(c codec.Codec) ([]byte, error) {
	m, err := e.wireMap()
	if err != nil {
		return nil, err
	}
	return c.Marshal(m)
}

func decodeEnvelope(c codec.Codec, b []byte) (*Envelope, error) {
	m := map[string]any{}
	if err := c.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return envelopeFromWire(m)
}
