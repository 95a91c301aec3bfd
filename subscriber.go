package eventis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"eventis/stream"
)

var (
	ErrGroupRequired     = errors.New("eventis: consumer group required")
	ErrAlreadySubscribed = errors.New("eventis: handler already subscribed")
	ErrAlreadyStarted    = errors.New("eventis: subscriber already started")
	ErrNoSubscriptions   = errors.New("eventis: no subscriptions registered")
	ErrNotSubscribed     = errors.New("eventis: event type not subscribed")
)

// Handler processes one envelope. Delivery is at-least-once: handlers must
// be idempotent or tolerate duplicate invocations.
type Handler func(ctx context.Context, env *Envelope) error

// DeadLetter describes an entry that exhausted its redelivery budget. The
// entry stays unacknowledged in the backend; resolving it is up to an
// operator or an out-of-band process.
type DeadLetter struct {
	EntryID    string
	EventType  string
	Group      string
	Deliveries int
	Err        error
	Time       time.Time
}

// SubscriberConfig configures one subscriber instance.
type SubscriberConfig struct {
	// Group is the consumer group name. Required. Instances sharing a
	// group compete for entries; distinct groups each see the full
	// stream.
	Group string

	// Consumer names this instance within the group. Defaults to
	// hostname-pid.
	Consumer string

	// BatchSize is the number of entries claimed per poll. Default 10.
	BatchSize int

	// Block is how long one poll waits for new entries. Default 1s.
	Block time.Duration

	// AckWait is how long a claimed entry may stay unacknowledged before
	// the backend redelivers it. Default 30s.
	AckWait time.Duration

	// MaxDeliver is the redelivery budget per entry before it is
	// dead-lettered. Default 3.
	MaxDeliver int

	// OnDeadLetter is invoked when an entry exhausts MaxDeliver. The
	// entry is neither acknowledged nor deleted.
	OnDeadLetter func(DeadLetter)
}

// SubscriberHealth is the operator-facing health of the consume path.
type SubscriberHealth struct {
	Status     string
	Group      string
	EventTypes []string
	Pending    map[string]int64
	States     map[string]string
}

// Polling loop states, one loop per subscribed event type.
const (
	stateIdle        = "idle"
	statePolling     = "polling"
	stateDispatching = "dispatching"
	stateAcking      = "acking"
)

type registration struct {
	fn      Handler
	ptr     uintptr
	version string
}

type subscribeOpts struct {
	version string
}

type subscribeOptFn func(o *subscribeOpts) error

func (f subscribeOptFn) subscribeOpt(o *subscribeOpts) error {
	return f(o)
}

// SubscribeOption is an option for a single subscription.
type SubscribeOption interface {
	subscribeOpt(o *subscribeOpts) error
}

// AtVersion migrates incoming payloads to the given schema version before
// the handler runs, so a handler written against one version keeps working
// as producers move on.
func AtVersion(version string) SubscribeOption {
	return subscribeOptFn(func(o *subscribeOpts) error {
		o.version = version
		return nil
	})
}

// Subscriber consumes one or more event types under a single consumer
// group, with explicit acknowledgment and historical replay.
type Subscriber struct {
	c   *Client
	cfg SubscriberConfig

	mu       sync.Mutex
	handlers map[string][]registration
	states   map[string]string
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func newSubscriber(c *Client, cfg SubscriberConfig) (*Subscriber, error) {
	if cfg.Group == "" {
		return nil, ErrGroupRequired
	}

	if cfg.Consumer == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "consumer"
		}
		cfg.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 3
	}

	return &Subscriber{
		c:        c,
		cfg:      cfg,
		handlers: make(map[string][]registration),
		states:   make(map[string]string),
	}, nil
}

// Subscribe registers a handler for an event type. Handlers for the same
// type run in registration order. Registering the same handler for the same
// type twice fails with ErrAlreadySubscribed.
func (s *Subscriber) Subscribe(eventType string, h Handler, opts ...SubscribeOption) error {
	if h == nil {
		return errors.New("eventis: nil handler")
	}

	var o subscribeOpts
	for _, opt := range opts {
		if err := opt.subscribeOpt(&o); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	ptr := reflect.ValueOf(h).Pointer()
	for _, reg := range s.handlers[eventType] {
		if reg.ptr == ptr {
			return fmt.Errorf("%w: %s", ErrAlreadySubscribed, eventType)
		}
	}

	s.handlers[eventType] = append(s.handlers[eventType], registration{
		fn:      h,
		ptr:     ptr,
		version: o.version,
	})
	s.states[eventType] = stateIdle

	return nil
}

// Start provisions the consumer group for every subscribed event type and
// begins one polling loop per type. It returns once the loops are running;
// they poll until Stop is called or ctx is canceled.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if len(s.handlers) == 0 {
		return ErrNoSubscriptions
	}

	gcfg := stream.GroupConfig{
		AckWait:    s.cfg.AckWait,
		MaxDeliver: s.cfg.MaxDeliver,
	}
	for eventType := range s.handlers {
		if err := s.c.backend.EnsureGroup(ctx, eventType, s.cfg.Group, gcfg); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	for eventType := range s.handlers {
		s.wg.Add(1)
		go s.consume(ctx, eventType)
	}

	s.c.logger.Info("eventis: subscriber started",
		zap.String("group", s.cfg.Group),
		zap.String("consumer", s.cfg.Consumer),
		zap.Int("event_types", len(s.handlers)))

	return nil
}

// Stop signals every polling loop to exit after its current claim/dispatch
// cycle and waits for them. In-flight handlers run to completion.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.started = false
	for eventType := range s.states {
		s.states[eventType] = stateIdle
	}
	s.mu.Unlock()

	s.c.logger.Info("eventis: subscriber stopped", zap.String("group", s.cfg.Group))
}

func (s *Subscriber) setState(eventType, state string) {
	s.mu.Lock()
	s.states[eventType] = state
	s.mu.Unlock()
}

// consume is the polling loop for one (event type, group) pair. Loops for
// different event types never block one another.
func (s *Subscriber) consume(ctx context.Context, eventType string) {
	defer s.wg.Done()
	defer s.setState(eventType, stateIdle)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.setState(eventType, statePolling)

		entries, err := s.c.backend.ReadGroup(ctx, eventType, s.cfg.Group, s.cfg.Consumer, s.cfg.BatchSize, s.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.c.logger.Error("eventis: poll failed",
				zap.String("event_type", eventType),
				zap.String("group", s.cfg.Group),
				zap.Error(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.Block):
			}
			continue
		}

		if len(entries) == 0 {
			continue
		}

		s.setState(eventType, stateDispatching)
		for _, entry := range entries {
			s.dispatch(ctx, eventType, entry)
		}
	}
}

// dispatch runs every registered handler for one claimed entry, then
// acknowledges it. A failing handler withholds the acknowledgment so the
// backend redelivers the entry after AckWait.
func (s *Subscriber) dispatch(ctx context.Context, eventType string, entry *stream.Entry) {
	err := s.deliver(ctx, eventType, entry)
	if err != nil {
		s.c.logger.Error("eventis: handler failed",
			zap.String("event_type", eventType),
			zap.String("entry_id", entry.ID),
			zap.String("group", s.cfg.Group),
			zap.Int("deliveries", entry.Deliveries),
			zap.Error(err))

		if entry.Deliveries >= s.cfg.MaxDeliver {
			s.deadLetter(eventType, entry, err)
		}
		return
	}

	s.setState(eventType, stateAcking)
	if err := s.c.backend.Ack(ctx, eventType, s.cfg.Group, entry.ID); err != nil {
		s.c.logger.Error("eventis: ack failed",
			zap.String("event_type", eventType),
			zap.String("entry_id", entry.ID),
			zap.Error(err))
	}
	s.setState(eventType, stateDispatching)
}

func (s *Subscriber) deliver(ctx context.Context, eventType string, entry *stream.Entry) error {
	env, err := s.c.decodeEntry(entry)
	if err != nil {
		return err
	}

	if err := s.c.schemas.Validate(env.Type, env.Payload, env.Version); err != nil {
		return err
	}

	s.mu.Lock()
	regs := s.handlers[eventType]
	s.mu.Unlock()

	for _, reg := range regs {
		henv := env
		if reg.version != "" && reg.version != env.Version {
			payload, err := s.c.schemas.Migrate(env.Type, env.Version, reg.version, env.Payload)
			if err != nil {
				return err
			}
			migrated := *env
			migrated.Version = reg.version
			migrated.Payload = payload
			henv = &migrated
		}

		if err := invoke(ctx, reg.fn, henv); err != nil {
			return err
		}
	}

	return nil
}

// invoke isolates handler panics so one poisoned entry cannot take down the
// polling loop.
func invoke(ctx context.Context, h Handler, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventis: handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}

func (s *Subscriber) deadLetter(eventType string, entry *stream.Entry, cause error) {
	s.c.logger.Error("eventis: entry dead-lettered",
		zap.String("event_type", eventType),
		zap.String("entry_id", entry.ID),
		zap.String("group", s.cfg.Group),
		zap.Int("deliveries", entry.Deliveries),
		zap.Error(cause))

	if s.cfg.OnDeadLetter == nil {
		return
	}
	s.cfg.OnDeadLetter(DeadLetter{
		EntryID:    entry.ID,
		EventType:  eventType,
		Group:      s.cfg.Group,
		Deliveries: entry.Deliveries,
		Err:        cause,
		Time:       s.c.clock.Now(),
	})
}

// Replay reads historical entries for the event type in the closed time
// range and re-dispatches them through the currently registered handlers,
// without touching the live consumer group cursor. Handler errors are
// logged but do not stop the replay. Returns the number of entries
// replayed.
func (s *Subscriber) Replay(ctx context.Context, eventType string, from, to time.Time, max int) (int, error) {
	s.mu.Lock()
	regs := s.handlers[eventType]
	s.mu.Unlock()

	if len(regs) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotSubscribed, eventType)
	}

	entries, err := s.c.backend.ReadRange(ctx, eventType, from, to, max)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, entry := range entries {
		env, err := s.c.decodeEntry(entry)
		if err != nil {
			s.c.logger.Warn("eventis: skipping undecodable entry in replay",
				zap.String("event_type", eventType),
				zap.String("entry_id", entry.ID),
				zap.Error(err))
			continue
		}

		if err := s.c.schemas.Validate(env.Type, env.Payload, env.Version); err != nil {
			s.c.logger.Warn("eventis: skipping invalid entry in replay",
				zap.String("event_type", eventType),
				zap.String("entry_id", entry.ID),
				zap.Error(err))
			continue
		}

		for _, reg := range regs {
			henv := env
			if reg.version != "" && reg.version != env.Version {
				payload, err := s.c.schemas.Migrate(env.Type, env.Version, reg.version, env.Payload)
				if err != nil {
					s.c.logger.Warn("eventis: skipping unmigratable entry in replay",
						zap.String("event_type", eventType),
						zap.String("entry_id", entry.ID),
						zap.Error(err))
					continue
				}
				migrated := *env
				migrated.Version = reg.version
				migrated.Payload = payload
				henv = &migrated
			}

			if err := invoke(ctx, reg.fn, henv); err != nil {
				s.c.logger.Error("eventis: replay handler failed",
					zap.String("event_type", eventType),
					zap.String("entry_id", entry.ID),
					zap.Error(err))
			}
		}

		replayed++
	}

	return replayed, nil
}

// Health reports the subscribed event types, per-type loop states, and
// per-type pending entry counts for this subscriber's group.
func (s *Subscriber) Health(ctx context.Context) SubscriberHealth {
	s.mu.Lock()
	types := make([]string, 0, len(s.handlers))
	states := make(map[string]string, len(s.states))
	for eventType := range s.handlers {
		types = append(types, eventType)
		states[eventType] = s.states[eventType]
	}
	s.mu.Unlock()
	sort.Strings(types)

	health := SubscriberHealth{
		Status:     "ok",
		Group:      s.cfg.Group,
		EventTypes: types,
		Pending:    make(map[string]int64, len(types)),
		States:     states,
	}

	for _, eventType := range types {
		n, err := s.c.backend.Pending(ctx, eventType, s.cfg.Group)
		if err != nil {
			health.Status = "degraded"
			continue
		}
		health.Pending[eventType] = n
	}

	return health
}
