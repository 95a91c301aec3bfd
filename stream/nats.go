package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	entryCodecHdr   = "Eventis-Codec"
	entryTimeHdr    = "Eventis-Entry-Time"
	entryTimeFormat = time.RFC3339Nano
)

// NATSConfig configures the JetStream-backed log.
type NATSConfig struct {
	// Prefix namespaces stream names and subjects. Default "ev".
	Prefix string

	// Storage for created streams.
	Storage nats.StorageType

	// Replicas of created streams.
	Replicas int
}

// NATS implements Log on NATS JetStream. Each topic maps to one stream with
// a single subject, consumer groups map to durable pull consumers, and the
// broadcast channel is a core NATS subject outside the stream.
type NATS struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg NATSConfig

	mu       sync.Mutex
	topics   map[string]bool
	groups   map[string]*nats.Subscription
	cfgs     map[string]GroupConfig
	inflight map[string]claim
}

// claim is a fetched-but-unacknowledged message. The claim time bounds how
// long it is retained: past the group's AckWait the server has either
// redelivered the message, in which case the next fetch records a fresh
// claim, or exhausted MaxDeliver, in which case no ack will ever arrive.
type claim struct {
	msg *nats.Msg
	at  time.Time
}

func NewNATS(nc *nats.Conn, cfg NATSConfig) (*NATS, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "ev"
	}

	return &NATS{
		nc:       nc,
		js:       js,
		cfg:      cfg,
		topics:   make(map[string]bool),
		groups:   make(map[string]*nats.Subscription),
		cfgs:     make(map[string]GroupConfig),
		inflight: make(map[string]claim),
	}, nil
}

var subjectSafe = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func (s *NATS) streamName(topic string) string {
	return strings.ToUpper(s.cfg.Prefix + "_" + subjectSafe.Replace(topic))
}

func (s *NATS) logSubject(topic string) string {
	return s.cfg.Prefix + ".log." + topic
}

func (s *NATS) bcastSubject(topic string) string {
	return s.cfg.Prefix + ".bcast." + topic
}

func durableName(group string) string {
	return subjectSafe.Replace(group)
}

func groupKey(topic, group string) string {
	return topic + "|" + group
}

func (s *NATS) EnsureTopic(ctx context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureTopicLocked(ctx, topic)
}

func (s *NATS) ensureTopicLocked(ctx context.Context, topic string) error {
	if s.topics[topic] {
		return nil
	}

	name := s.streamName(topic)

	_, err := s.js.StreamInfo(name, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = s.js.AddStream(&nats.StreamConfig{
			Name:       name,
			Subjects:   []string{s.logSubject(topic)},
			Storage:    s.cfg.Storage,
			Replicas:   s.cfg.Replicas,
			DenyDelete: true,
			DenyPurge:  true,
		}, nats.Context(ctx))
	}
	if err != nil {
		return err
	}

	s.topics[topic] = true
	return nil
}

func (s *NATS) EnsureGroup(ctx context.Context, topic, group string, cfg GroupConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureTopicLocked(ctx, topic); err != nil {
		return err
	}

	key := groupKey(topic, group)
	if _, ok := s.groups[key]; ok {
		return nil
	}

	opts := []nats.SubOpt{
		nats.BindStream(s.streamName(topic)),
		nats.AckExplicit(),
	}
	if cfg.AckWait > 0 {
		opts = append(opts, nats.AckWait(cfg.AckWait))
	}
	if cfg.MaxDeliver > 0 {
		opts = append(opts, nats.MaxDeliver(cfg.MaxDeliver))
	}

	sub, err := s.js.PullSubscribe(s.logSubject(topic), durableName(group), opts...)
	if err != nil {
		return err
	}

	s.groups[key] = sub
	s.cfgs[key] = cfg
	return nil
}

func (s *NATS) Append(ctx context.Context, topic string, e *Entry) (string, error) {
	if err := s.EnsureTopic(ctx, topic); err != nil {
		return "", err
	}

	msg := nats.NewMsg(s.logSubject(topic))
	msg.Data = e.Data
	msg.Header.Set(nats.MsgIdHdr, e.ID)
	msg.Header.Set(entryCodecHdr, e.Codec)
	msg.Header.Set(entryTimeHdr, e.Time.Format(entryTimeFormat))

	ack, err := s.js.PublishMsg(msg, nats.Context(ctx), nats.ExpectStream(s.streamName(topic)))
	if err != nil {
		return "", err
	}

	return strconv.FormatUint(ack.Sequence, 10), nil
}

func (s *NATS) ReadGroup(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]*Entry, error) {
	s.mu.Lock()
	sub, ok := s.groups[groupKey(topic, group)]
	if ok {
		s.sweepClaimsLocked(topic, group, s.cfgs[groupKey(topic, group)])
	}
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownGroup, group, topic)
	}

	msgs, err := sub.Fetch(count, nats.MaxWait(block))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]*Entry, 0, len(msgs))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		entry, err := s.unpack(topic, msg)
		if err != nil {
			// Unreadable metadata means the message cannot be acked
			// individually either; skip it.
			continue
		}
		entries = append(entries, entry)
		s.inflight[groupKey(topic, group)+"|"+entry.ID] = claim{msg: msg, at: time.Now()}
	}

	return entries, nil
}

// sweepClaimsLocked drops claims for the group whose ack window has lapsed,
// so entries that ran out their redelivery budget without an ack do not
// accumulate for the life of the consumer.
func (s *NATS) sweepClaimsLocked(topic, group string, cfg GroupConfig) {
	if cfg.AckWait <= 0 {
		return
	}
	prefix := groupKey(topic, group) + "|"
	for k, c := range s.inflight {
		if strings.HasPrefix(k, prefix) && time.Since(c.at) > cfg.AckWait {
			delete(s.inflight, k)
		}
	}
}

func (s *NATS) unpack(topic string, msg *nats.Msg) (*Entry, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, fmt.Errorf("unpack: failed to get metadata: %s", err)
	}

	entryTime, err := time.Parse(entryTimeFormat, msg.Header.Get(entryTimeHdr))
	if err != nil {
		entryTime = md.Timestamp
	}

	return &Entry{
		ID:         strconv.FormatUint(md.Sequence.Stream, 10),
		Topic:      topic,
		Codec:      msg.Header.Get(entryCodecHdr),
		Data:       msg.Data,
		Time:       entryTime,
		Deliveries: int(md.NumDelivered),
	}, nil
}

func (s *NATS) Ack(ctx context.Context, topic, group, id string) error {
	key := groupKey(topic, group) + "|" + id

	s.mu.Lock()
	c, ok := s.inflight[key]
	if ok {
		delete(s.inflight, key)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("eventis: entry %s not claimed by this consumer", id)
	}

	return c.msg.AckSync(nats.Context(ctx))
}

func (s *NATS) Pending(ctx context.Context, topic, group string) (int64, error) {
	info, err := s.js.ConsumerInfo(s.streamName(topic), durableName(group), nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) || errors.Is(err, nats.ErrConsumerNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return int64(info.NumAckPending), nil
}

func (s *NATS) ReadRange(ctx context.Context, topic string, from, to time.Time, max int) ([]*Entry, error) {
	info, err := s.js.StreamInfo(s.streamName(topic), nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if info.State.Msgs == 0 {
		return nil, nil
	}
	lastSeq := info.State.LastSeq

	// Ephemeral ordered consumer, same technique the store uses for
	// sequence loads: read to the known end, filter by entry time.
	sub, err := s.js.SubscribeSync(s.logSubject(topic), nats.OrderedConsumer(), nats.DeliverAll())
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	var entries []*Entry
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return nil, err
		}

		md, err := msg.Metadata()
		if err != nil {
			return nil, fmt.Errorf("unpack: failed to get metadata: %s", err)
		}

		entry, err := s.unpack(topic, msg)
		if err == nil {
			entry.Deliveries = 0
			inRange := !entry.Time.Before(from) && (to.IsZero() || !entry.Time.After(to))
			if inRange {
				entries = append(entries, entry)
				if max > 0 && len(entries) >= max {
					break
				}
			}
		}

		if md.Sequence.Stream >= lastSeq {
			break
		}
	}

	return entries, nil
}

func (s *NATS) Broadcast(ctx context.Context, topic string, e *Entry) error {
	msg := nats.NewMsg(s.bcastSubject(topic))
	msg.Data = e.Data
	msg.Header.Set(entryCodecHdr, e.Codec)
	msg.Header.Set(entryTimeHdr, e.Time.Format(entryTimeFormat))
	return s.nc.PublishMsg(msg)
}

func (s *NATS) Listen(topic string, fn func(*Entry)) (Subscription, error) {
	sub, err := s.nc.Subscribe(s.bcastSubject(topic), func(msg *nats.Msg) {
		entryTime, err := time.Parse(entryTimeFormat, msg.Header.Get(entryTimeHdr))
		if err != nil {
			entryTime = time.Time{}
		}
		fn(&Entry{
			Topic: topic,
			Codec: msg.Header.Get(entryCodecHdr),
			Data:  msg.Data,
			Time:  entryTime,
		})
	})
	if err != nil {
		return nil, err
	}

	// Make sure the server has registered interest before broadcasts are
	// published, otherwise the first entries can be lost.
	if err := s.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	return natsSubscription{sub}, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *NATS) Ping(ctx context.Context) error {
	if !s.nc.IsConnected() {
		return nats.ErrConnectionClosed
	}
	_, err := s.js.AccountInfo(nats.Context(ctx))
	return err
}
