package eventis

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"eventis/stream"
)

var (
	ErrDelivery = errors.New("eventis: delivery failed")
)

type publishOpts struct {
	version       string
	correlationID string
	actorID       any
	meta          map[string]any
}

type publishOptFn func(o *publishOpts) error

func (f publishOptFn) publishOpt(o *publishOpts) error {
	return f(o)
}

// PublishOption is an option for a single publish call.
type PublishOption interface {
	publishOpt(o *publishOpts) error
}

// WithVersion validates the payload against a specific schema version
// instead of the registry default for the event type.
func WithVersion(version string) PublishOption {
	return publishOptFn(func(o *publishOpts) error {
		o.version = version
		return nil
	})
}

// WithCorrelationID propagates an existing correlation ID instead of
// generating a fresh one.
func WithCorrelationID(cid string) PublishOption {
	return publishOptFn(func(o *publishOpts) error {
		o.correlationID = cid
		return nil
	})
}

// WithActorID records the principal that triggered the event.
func WithActorID(actor any) PublishOption {
	return publishOptFn(func(o *publishOpts) error {
		o.actorID = actor
		return nil
	})
}

// WithMeta attaches open metadata to the envelope.
func WithMeta(meta map[string]any) PublishOption {
	return publishOptFn(func(o *publishOpts) error {
		o.meta = meta
		return nil
	})
}

// BatchError reports which draft in a batch failed and why.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("eventis: batch entry %d: %s", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Draft is one event in a batch publish.
type Draft struct {
	Payload       map[string]any
	Version       string
	CorrelationID string
	ActorID       any
	Meta          map[string]any
}

// PublisherHealth is the operator-facing health of the publish path.
type PublisherHealth struct {
	Status           string
	BackendConnected bool
}

// Publisher is the only sanctioned way to emit an event. Every emitted
// event is schema-valid and durably appended before Publish returns; the
// broadcast side channel is fire-and-forget on top.
type Publisher struct {
	c *Client
}

// Publish validates the payload, appends the envelope to the durable log
// for the event type, and broadcasts it best-effort. A validation failure
// aborts the call before anything is recorded. An append failure is
// returned wrapped in ErrDelivery; the write may or may not have landed, so
// a retry can produce a duplicate entry with a distinct event ID.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload map[string]any, opts ...PublishOption) (*Envelope, error) {
	var o publishOpts
	for _, opt := range opts {
		if err := opt.publishOpt(&o); err != nil {
			return nil, err
		}
	}

	env, err := p.seal(eventType, payload, &o)
	if err != nil {
		return nil, err
	}

	if err := p.append(ctx, env); err != nil {
		return nil, err
	}

	return env, nil
}

// PublishBatch validates every draft before any append: a validation
// failure rejects the whole batch with a BatchError and nothing is
// recorded. Appends then proceed per entry, so a backend failure mid-batch
// yields partial durability; the returned slice holds exactly the envelopes
// that were durably appended, alongside the BatchError for the entry that
// failed.
func (p *Publisher) PublishBatch(ctx context.Context, eventType string, drafts []Draft) ([]*Envelope, error) {
	envs := make([]*Envelope, 0, len(drafts))
	for i, d := range drafts {
		env, err := p.seal(eventType, d.Payload, &publishOpts{
			version:       d.Version,
			correlationID: d.CorrelationID,
			actorID:       d.ActorID,
			meta:          d.Meta,
		})
		if err != nil {
			return nil, &BatchError{Index: i, Err: err}
		}
		envs = append(envs, env)
	}

	for i, env := range envs {
		if err := p.append(ctx, env); err != nil {
			return envs[:i], &BatchError{Index: i, Err: err}
		}
	}

	return envs, nil
}

// seal constructs and validates the envelope. Nothing is recorded yet.
func (p *Publisher) seal(eventType string, payload map[string]any, o *publishOpts) (*Envelope, error) {
	version := o.version
	if version == "" {
		var err error
		version, err = p.c.schemas.DefaultVersion(eventType)
		if err != nil {
			return nil, err
		}
	}

	if err := p.c.schemas.Validate(eventType, payload, version); err != nil {
		return nil, err
	}

	correlationID := o.correlationID
	if correlationID == "" {
		correlationID = p.c.cid.New()
	}

	env := &Envelope{
		ID:            p.c.id.New(),
		Type:          eventType,
		Version:       version,
		Time:          p.c.clock.Now(),
		Source:        p.c.source,
		CorrelationID: correlationID,
		ActorID:       o.actorID,
		Meta:          o.meta,
		Payload:       payload,
	}

	// Surface reserved-key collisions before the append path.
	if _, err := env.wireMap(); err != nil {
		return nil, err
	}

	return env, nil
}

func (p *Publisher) append(ctx context.Context, env *Envelope) error {
	b, err := env.encode(p.c.codec)
	if err != nil {
		return err
	}

	entry := &stream.Entry{
		ID:    env.ID,
		Topic: env.Type,
		Codec: p.c.codec.Name(),
		Data:  b,
		Time:  env.Time,
	}

	if _, err := p.c.backend.Append(ctx, env.Type, entry); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrDelivery, env.Type, err)
	}

	// Broadcast is an optimization for low-latency listeners; the append
	// above is the durability source of truth, so a failure here is
	// logged and swallowed.
	if err := p.c.backend.Broadcast(ctx, env.Type, entry); err != nil {
		p.c.logger.Warn("eventis: broadcast failed",
			zap.String("event_type", env.Type),
			zap.String("event_id", env.ID),
			zap.Error(err))
	}

	return nil
}

// Health reports whether the backend is reachable from the publish path.
func (p *Publisher) Health(ctx context.Context) PublisherHealth {
	if err := p.c.backend.Ping(ctx); err != nil {
		return PublisherHealth{Status: "unavailable"}
	}
	return PublisherHealth{Status: "ok", BackendConnected: true}
}
