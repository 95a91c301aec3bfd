/*
Package eventis is a schema-validated, reliable publish/subscribe layer over
a durable log with consumer groups.

Setup

Build a schema registry and register a schema per event type and version.

	reg := schema.New()
	err := reg.Register("user.created", "v1", map[string]any{
		"type":     "object",
		"required": []any{"user_id", "first_name", "role"},
		"properties": map[string]any{
			"user_id":    map[string]any{"type": "integer"},
			"first_name": map[string]any{"type": "string"},
			"role":       map[string]any{"type": "string"},
		},
	})

Pick a log backend and initialize a client. The NATS JetStream backend is
the default choice; a Redis Streams backend is also provided.

	backend, err := stream.NewNATS(nc, stream.NATSConfig{})
	c, err := eventis.New(backend, reg, eventis.SourceService("user-service"))

Publishing

Publish validates the payload, durably appends the envelope to the event
type's log, and broadcasts it best-effort for real-time listeners.

	env, err := c.Publisher().Publish(ctx, "user.created", map[string]any{
		"user_id":    123,
		"first_name": "John",
		"role":       "executor",
	})

Subscribing

A subscriber joins a named consumer group and polls each subscribed event
type. Delivery is at-least-once: an entry is acknowledged only after every
handler returns nil, otherwise the backend redelivers it until the
redelivery budget is exhausted and the entry is dead-lettered.

	sub, err := c.Subscriber(eventis.SubscriberConfig{Group: "notifications"})
	err = sub.Subscribe("user.created", func(ctx context.Context, env *eventis.Envelope) error {
		// must be idempotent
		return nil
	})
	err = sub.Start(ctx)
	defer sub.Stop()

Replay re-reads a historical time range through the registered handlers
without moving the live group cursor.

	n, err := sub.Replay(ctx, "user.created", from, to, 0)
*/
package eventis
