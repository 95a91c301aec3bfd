package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldData  = "data"
	fieldCodec = "codec"
	fieldTime  = "time"
	fieldKey   = "key"
)

// RedisConfig configures the Redis Streams-backed log.
type RedisConfig struct {
	// Prefix namespaces stream keys and pub/sub channels. Default "ev:".
	Prefix string
}

// Redis implements Log on Redis Streams. Each topic maps to one stream key,
// consumer groups use the native XGROUP primitives, and the broadcast
// channel is plain pub/sub.
//
// Redelivery of stale claims is handled inside ReadGroup: every call first
// sweeps entries pending longer than the group's AckWait and claims them for
// this consumer, then reads fresh entries.
type Redis struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	groups map[string]GroupConfig
}

func NewRedis(client *redis.Client, cfg RedisConfig) *Redis {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "ev:"
	}
	return &Redis{
		client: client,
		prefix: prefix,
		groups: make(map[string]GroupConfig),
	}
}

func (s *Redis) streamKey(topic string) string {
	return s.prefix + "log:" + topic
}

func (s *Redis) channel(topic string) string {
	return s.prefix + "bcast:" + topic
}

// EnsureTopic is a no-op: XADD creates the stream on first append.
func (s *Redis) EnsureTopic(ctx context.Context, topic string) error {
	return nil
}

func (s *Redis) EnsureGroup(ctx context.Context, topic, group string, cfg GroupConfig) error {
	// Start the group at "0" so entries appended before the group existed
	// are still observed after restarts.
	err := s.client.XGroupCreateMkStream(ctx, s.streamKey(topic), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}

	s.mu.Lock()
	s.groups[groupKey(topic, group)] = cfg
	s.mu.Unlock()
	return nil
}

func (s *Redis) Append(ctx context.Context, topic string, e *Entry) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(topic),
		Values: map[string]interface{}{
			fieldKey:   e.ID,
			fieldCodec: e.Codec,
			fieldTime:  e.Time.Format(entryTimeFormat),
			fieldData:  e.Data,
		},
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Redis) ReadGroup(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]*Entry, error) {
	s.mu.Lock()
	cfg, ok := s.groups[groupKey(topic, group)]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownGroup, group, topic)
	}

	entries, err := s.claimStale(ctx, topic, group, consumer, count, cfg)
	if err != nil {
		return nil, err
	}
	if len(entries) >= count {
		return entries, nil
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.streamKey(topic), ">"},
		Count:    int64(count - len(entries)),
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return entries, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	for _, str := range streams {
		for _, msg := range str.Messages {
			entry, perr := s.parse(topic, msg)
			if perr != nil {
				// Unparseable entries would otherwise pend forever;
				// acknowledge and drop them.
				_ = s.client.XAck(ctx, s.streamKey(topic), group, msg.ID).Err()
				continue
			}
			entry.Deliveries = 1
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

// claimStale sweeps entries whose claim has been idle past AckWait and
// claims them for this consumer. Entries that already exhausted MaxDeliver
// stay pending and are not claimed again.
func (s *Redis) claimStale(ctx context.Context, topic, group, consumer string, count int, cfg GroupConfig) ([]*Entry, error) {
	if cfg.AckWait <= 0 {
		return nil, nil
	}

	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.streamKey(topic),
		Group:  group,
		Idle:   cfg.AckWait,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending: %w", err)
	}

	var entries []*Entry
	for _, p := range pending {
		if cfg.MaxDeliver > 0 && int(p.RetryCount) >= cfg.MaxDeliver {
			continue
		}

		claimed, err := s.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   s.streamKey(topic),
			Group:    group,
			Consumer: consumer,
			MinIdle:  cfg.AckWait,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("xclaim: %w", err)
		}

		for _, msg := range claimed {
			entry, perr := s.parse(topic, msg)
			if perr != nil {
				_ = s.client.XAck(ctx, s.streamKey(topic), group, msg.ID).Err()
				continue
			}
			// The claim itself counts as a delivery.
			entry.Deliveries = int(p.RetryCount) + 1
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

func (s *Redis) parse(topic string, msg redis.XMessage) (*Entry, error) {
	data, ok := msg.Values[fieldData].(string)
	if !ok {
		return nil, fmt.Errorf("eventis: entry %s has no data field", msg.ID)
	}

	codecName, _ := msg.Values[fieldCodec].(string)

	var entryTime time.Time
	if raw, ok := msg.Values[fieldTime].(string); ok {
		if t, err := time.Parse(entryTimeFormat, raw); err == nil {
			entryTime = t
		}
	}

	return &Entry{
		ID:    msg.ID,
		Topic: topic,
		Codec: codecName,
		Data:  []byte(data),
		Time:  entryTime,
	}, nil
}

func (s *Redis) Ack(ctx context.Context, topic, group, id string) error {
	return s.client.XAck(ctx, s.streamKey(topic), group, id).Err()
}

func (s *Redis) Pending(ctx context.Context, topic, group string) (int64, error) {
	p, err := s.client.XPending(ctx, s.streamKey(topic), group).Result()
	if err != nil {
		if err == redis.Nil || strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, err
	}
	return p.Count, nil
}

// ReadRange filters by the stored event time. The stream id encodes the
// append time in milliseconds, and an entry is never appended before its
// event occurred, so the id lower bound is a safe pre-filter; the upper
// bound has to come from the time field itself.
func (s *Redis) ReadRange(ctx context.Context, topic string, from, to time.Time, max int) ([]*Entry, error) {
	start := "-"
	if !from.IsZero() {
		start = strconv.FormatInt(from.UnixMilli(), 10)
	}

	msgs, err := s.client.XRange(ctx, s.streamKey(topic), start, "+").Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var entries []*Entry
	for _, msg := range msgs {
		entry, perr := s.parse(topic, msg)
		if perr != nil {
			continue
		}
		if entry.Time.IsZero() {
			entry.Time = timeFromStreamID(msg.ID)
		}
		if !from.IsZero() && entry.Time.Before(from) {
			continue
		}
		if !to.IsZero() && entry.Time.After(to) {
			continue
		}
		entries = append(entries, entry)
		if max > 0 && len(entries) >= max {
			break
		}
	}
	return entries, nil
}

func timeFromStreamID(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

func (s *Redis) Broadcast(ctx context.Context, topic string, e *Entry) error {
	// Pub/sub carries no headers, so the codec name is framed in front of
	// the body: "<codec> <body>".
	payload := make([]byte, 0, len(e.Codec)+1+len(e.Data))
	payload = append(payload, e.Codec...)
	payload = append(payload, ' ')
	payload = append(payload, e.Data...)
	return s.client.Publish(ctx, s.channel(topic), payload).Err()
}

func (s *Redis) Listen(topic string, fn func(*Entry)) (Subscription, error) {
	pubsub := s.client.Subscribe(context.Background(), s.channel(topic))

	// Force the subscription to be established before returning so
	// broadcasts right after Listen are not lost.
	if _, err := pubsub.Receive(context.Background()); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	go func() {
		for msg := range pubsub.Channel() {
			codecName, body, found := strings.Cut(msg.Payload, " ")
			if !found {
				continue
			}
			fn(&Entry{
				Topic: topic,
				Codec: codecName,
				Data:  []byte(body),
			})
		}
	}()

	return redisSubscription{pubsub}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s redisSubscription) Unsubscribe() error {
	return s.pubsub.Close()
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
