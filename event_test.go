package eventis

import (
	"errors"
	"testing"
	"time"

	"eventis/codec"
	"eventis/testutil"
)

func TestEnvelopeWireRoundTrip(t *testing.T) {
	is := testutil.NewIs(t)

	env := &Envelope{
		ID:            "evt-1",
		Type:          "user.created",
		Version:       "v1",
		Time:          time.Date(2024, 3, 11, 9, 0, 0, 123456789, time.UTC),
		Source:        "user-service",
		CorrelationID: "corr-1",
		ActorID:       42,
		Meta:          map[string]any{"origin": "bot"},
		Payload:       johnPayload(),
	}

	b, err := env.encode(codec.JSON)
	is.NoErr(err)

	out, err := decodeEnvelope(codec.JSON, b)
	is.NoErr(err)

	is.Equal(out.ID, env.ID)
	is.Equal(out.Type, env.Type)
	is.Equal(out.Version, env.Version)
	is.Equal(out.Source, env.Source)
	is.Equal(out.CorrelationID, env.CorrelationID)
	is.True(out.Time.Equal(env.Time))
	is.Equal(out.Meta["origin"], "bot")

	// JSON numerics decode as float64.
	is.Equal(out.ActorID, float64(42))
	is.Equal(out.Payload["user_id"], float64(123))
	is.Equal(out.Payload["first_name"], "John")
	is.Equal(out.Payload["role"], "executor")

	// Envelope fields are flattened, not nested under a payload key.
	var m map[string]any
	is.NoErr(codec.JSON.Unmarshal(b, &m))
	is.Equal(m["event_id"], "evt-1")
	is.Equal(m["role"], "executor")
	_, nested := m["payload"]
	is.True(!nested)
}

func TestEnvelopeWireAllCodecs(t *testing.T) {
	env := &Envelope{
		ID:            "evt-2",
		Type:          "request.assigned",
		Version:       "v1",
		Time:          time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC),
		Source:        "request-service",
		CorrelationID: "corr-2",
		Payload:       map[string]any{"request_ref": "r-77", "executor": "jane"},
	}

	for _, name := range codec.Names {
		t.Run(name, func(t *testing.T) {
			is := testutil.NewIs(t)

			c, err := codec.Registry.Get(name)
			is.NoErr(err)

			b, err := env.encode(c)
			is.NoErr(err)

			out, err := decodeEnvelope(c, b)
			is.NoErr(err)

			is.Equal(out.ID, env.ID)
			is.Equal(out.Type, env.Type)
			is.True(out.Time.Equal(env.Time))
			is.Equal(out.Payload["request_ref"], "r-77")
			is.Equal(out.Payload["executor"], "jane")
			is.Equal(out.ActorID, nil)
		})
	}
}

func TestEnvelopeReservedPayloadField(t *testing.T) {
	is := testutil.NewIs(t)

	env := &Envelope{
		ID:      "evt-3",
		Type:    "user.created",
		Version: "v1",
		Time:    time.Now(),
		Payload: map[string]any{"event_id": "spoofed"},
	}

	_, err := env.encode(codec.JSON)
	is.Err(err, ErrReservedField)
}

func TestEnvelopeDecodeMissingIdentity(t *testing.T) {
	is := testutil.NewIs(t)

	b, err := codec.JSON.Marshal(map[string]any{
		"event_type": "user.created",
		"timestamp":  time.Now().Format(time.RFC3339Nano),
	})
	is.NoErr(err)

	_, err = decodeEnvelope(codec.JSON, b)
	is.True(errors.Is(err, ErrEnvelopeNotValid))
}
