// Package stream defines the durable log and broadcast backend contract used
// by the publisher and subscriber, with implementations for NATS JetStream
// and Redis Streams.
//
// A topic is one append-only log per event type. Consumer groups are named,
// independent cursors over a topic: members of one group compete for
// entries, while different groups each observe the full stream.
package stream

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownGroup = errors.New("eventis: consumer group not initialized")
)

// Entry is one record in a topic log.
type Entry struct {
	// ID is the backend-assigned entry id for entries handed out by
	// ReadGroup or ReadRange, and the producer-supplied deduplication key
	// on Append.
	ID string

	// Topic the entry belongs to.
	Topic string

	// Codec names the codec the body was encoded with.
	Codec string

	// Data is the encoded envelope body.
	Data []byte

	// Time the event occurred.
	Time time.Time

	// Deliveries is how many times this entry has been delivered to the
	// consumer group, including the current delivery. Zero for entries
	// read outside a group.
	Deliveries int
}

// GroupConfig controls redelivery behavior for a consumer group.
type GroupConfig struct {
	// AckWait is how long a claimed entry may remain unacknowledged
	// before the backend makes it claimable again.
	AckWait time.Duration

	// MaxDeliver caps how many times the backend delivers one entry to
	// the group. Entries that exhaust the cap stay pending but are no
	// longer redelivered. Zero means no cap.
	MaxDeliver int
}

// Subscription is a handle on a broadcast listener.
type Subscription interface {
	Unsubscribe() error
}

// Log is the durable log plus best-effort fan-out backend.
type Log interface {
	// EnsureTopic provisions the topic if the backend requires it.
	EnsureTopic(ctx context.Context, topic string) error

	// EnsureGroup provisions a consumer group cursor on the topic.
	EnsureGroup(ctx context.Context, topic, group string, cfg GroupConfig) error

	// Append durably appends an entry and returns its backend id. The
	// append must be durable before a nil error is returned.
	Append(ctx context.Context, topic string, e *Entry) (string, error)

	// ReadGroup claims up to count entries not yet acknowledged by the
	// group, blocking up to block when none are immediately available.
	ReadGroup(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]*Entry, error)

	// Ack marks an entry as processed for the group.
	Ack(ctx context.Context, topic, group, id string) error

	// Pending returns the number of claimed-but-unacknowledged entries
	// for the group.
	Pending(ctx context.Context, topic, group string) (int64, error)

	// ReadRange reads historical entries in the closed time range,
	// independent of any group cursor. max <= 0 means no limit.
	ReadRange(ctx context.Context, topic string, from, to time.Time, max int) ([]*Entry, error)

	// Broadcast publishes the entry on the fire-and-forget side channel.
	Broadcast(ctx context.Context, topic string, e *Entry) error

	// Listen subscribes to the broadcast side channel for a topic.
	Listen(topic string, fn func(*Entry)) (Subscription, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
