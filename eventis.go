package eventis

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"eventis/clock"
	"eventis/codec"
	"eventis/id"
	"eventis/schema"
	"eventis/stream"
)

var (
	ErrBackendRequired  = errors.New("eventis: backend required")
	ErrRegistryRequired = errors.New("eventis: schema registry required")
)

type clientOption func(c *Client) error

func (f clientOption) configure(c *Client) error {
	return f(c)
}

// Option models an option when creating a client.
type Option interface {
	configure(c *Client) error
}

// SourceService sets the service name stamped on published envelopes.
func SourceService(name string) Option {
	return clientOption(func(c *Client) error {
		c.source = name
		return nil
	})
}

// Logger sets a logger. Default is a no-op logger.
func Logger(l *zap.Logger) Option {
	return clientOption(func(c *Client) error {
		c.logger = l
		return nil
	})
}

// Clock sets a clock implementation. Default is clock.Time.
func Clock(clock clock.Clock) Option {
	return clientOption(func(c *Client) error {
		c.clock = clock
		return nil
	})
}

// EventID sets the generator for event IDs. Default is id.NUID.
func EventID(gen id.ID) Option {
	return clientOption(func(c *Client) error {
		c.id = gen
		return nil
	})
}

// CorrelationID sets the generator used when the caller supplies no
// correlation ID. Default is id.UUID.
func CorrelationID(gen id.ID) Option {
	return clientOption(func(c *Client) error {
		c.cid = gen
		return nil
	})
}

// Codec selects the envelope body codec by name. Default is json.
func Codec(name string) Option {
	return clientOption(func(c *Client) error {
		x, err := codec.Registry.Get(name)
		if err != nil {
			return err
		}
		c.codec = x
		return nil
	})
}

// Client binds a schema registry to a log backend and hands out publishers
// and subscribers. The registry is expected to be fully populated before the
// first publish or subscribe call.
type Client struct {
	backend stream.Log
	schemas *schema.Registry

	codec  codec.Codec
	id     id.ID
	cid    id.ID
	clock  clock.Clock
	logger *zap.Logger
	source string
}

// New initializes a client with a log backend and a schema registry.
func New(backend stream.Log, schemas *schema.Registry, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, ErrBackendRequired
	}
	if schemas == nil {
		return nil, ErrRegistryRequired
	}

	c := &Client{
		backend: backend,
		schemas: schemas,
		codec:   codec.Default,
		id:      id.NUID,
		cid:     id.UUID,
		clock:   clock.Time,
		logger:  zap.NewNop(),
		source:  "unknown",
	}

	for _, o := range opts {
		if err := o.configure(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Registry returns the schema registry the client was built with.
func (c *Client) Registry() *schema.Registry {
	return c.schemas
}

// Publisher returns a publisher bound to this client.
func (c *Client) Publisher() *Publisher {
	return &Publisher{c: c}
}

// Subscriber returns a subscriber for the given consumer group config.
func (c *Client) Subscriber(cfg SubscriberConfig) (*Subscriber, error) {
	return newSubscriber(c, cfg)
}

// Listen attaches a callback to the broadcast side channel for an event
// type. Delivery is fire-and-forget: entries published while no listener is
// attached, or lost in transit, are not replayed. Use a Subscriber for
// reliable consumption.
func (c *Client) Listen(eventType string, fn func(*Envelope)) (stream.Subscription, error) {
	return c.backend.Listen(eventType, func(e *stream.Entry) {
		env, err := c.decodeEntry(e)
		if err != nil {
			c.logger.Warn("eventis: dropping broadcast entry",
				zap.String("event_type", eventType),
				zap.Error(err))
			return
		}
		fn(env)
	})
}

// decodeEntry decodes a log entry into an envelope using the codec recorded
// on the entry, falling back to the client codec.
func (c *Client) decodeEntry(e *stream.Entry) (*Envelope, error) {
	x := c.codec
	if e.Codec != "" {
		var err error
		x, err = codec.Registry.Get(e.Codec)
		if err != nil {
			return nil, err
		}
	}

	env, err := decodeEnvelope(x, e.Data)
	if err != nil {
		return nil, fmt.Errorf("eventis: entry %s: %w", e.ID, err)
	}
	return env, nil
}
