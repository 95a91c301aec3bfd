package eventis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"eventis/testutil"
)

func TestSubscribeIndependentGroups(t *testing.T) {
	is := testutil.NewIs(t)
	c, _ := newTestClient(t)
	ctx := context.Background()

	var analytics, notifications int64

	newGroupSub := func(group string, n *int64) *Subscriber {
		sub, err := c.Subscriber(SubscriberConfig{
			Group: group,
			Block: 100 * time.Millisecond,
		})
		is.NoErr(err)
		is.NoErr(sub.Subscribe("user.created", func(ctx context.Context, env *Envelope) error {
			atomic.AddInt64(n, 1)
			return nil
		}))
		is.NoErr(sub.Start(ctx))
		t.Cleanup(sub.Stop)
		return sub
	}

	s1 := newGroupSub("analytics", &analytics)
	s2 := newGroupSub("notifications", &notifications)

	_, err := c.Publisher().Publish(ctx, "user.created", johnPayload())
	is.NoErr(err)

	// Every group sees every entry.
	waitFor(t, 5*time.Second, "both groups to consume", func() bool {
		return atomic.LoadInt64(&analytics) == 1 && atomic.LoadInt64(&notifications) == 1
	})

	waitFor(t, 5*time.Second, "both groups to ack", func() bool {
		h1 := s1.Health(ctx)
		h2 := s2.Health(ctx)
		return h1.Pending["user.created"] == 0 && h2.Pending["user.created"] == 0
	})
}

func TestRedeliveryAfterHandlerFailure(t *testing.T) {
	is := testutil.NewIs(t)
	c, _ := newTestClient(t)
	ctx := context.Background()

	var calls int64

	sub, err := c.Subscriber(SubscriberConfig{
		Group:      "analytics",
		Block:      100 * time.Millisecond,
		AckWait:    250 * time.Millisecond,
		MaxDeliver: 5,
	})
	is.NoErr(err)

	// Fail once, then succeed. At-least-once delivery means the entry comes
	// back after AckWait and is acknowledged on the second attempt.
	is.NoErr(sub.Subscribe("user.created", func(ctx context.Context, env *Envelope) error {
		if atomic.AddInt64(&calls, 1) == 1 {
			return errors.New("transient failure")
		}
		return nil
	}))
	is.NoErr(sub.Start(ctx))
	t.Cleanup(sub.Stop)

	_, err = c.Publisher().Publish(ctx, "user.created", johnPayload())
	is.NoErr(err)

	waitFor(t, 10*time.Second, "redelivery and ack", func() bool {
		return atomic.LoadInt64(&calls) >= 2 && sub.Health(ctx).Pending["user.created"] == 0
	})
}

func TestSucceedsOnFinalDelivery(t *testing.T) {
	is := testutil.NewIs(t)
	c, _ := newTestClient(t)
	ctx := context.Background()

	var calls int64
	dead := make(chan DeadLetter, 1)

	sub, err := c.Subscriber(SubscriberConfig{
		Group:      "analytics",
		Block:      100 * time.Millisecond,
		AckWait:    250 * time.Millisecond,
		MaxDeliver: 3,
		OnDeadLetter: func(d DeadLetter) {
			dead <- d
		},
	})
	is.NoErr(err)

	// Fails twice, succeeds on the third and final delivery: the entry is
	// acknowledged exactly once and never dead-lettered.
	is.NoErr(sub.Subscribe("user.created", func(ctx context.Context, env *Envelope) error {
		if atomic.AddInt64(&calls, 1) <= 2 {
			return errors.New("transient failure")
		}
		return nil
	}))
	is.NoErr(sub.Start(ctx))
	t.Cleanup(sub.Stop)

	_, err = c.Publisher().Publish(ctx, "user.created", johnPayload())
	is.NoErr(err)

	waitFor(t, 10*time.Second, "third delivery and ack", func() bool {
		return atomic.LoadInt64(&calls) == 3 && sub.Health(ctx).Pending["user.created"] == 0
	})

	time.Sleep(500 * time.Millisecond)
	is.Equal(atomic.LoadInt64(&calls), int64(3))
	is.Equal(len(dead), 0)
}

func TestDeadLetterAfterMaxDeliver(t *testing.T) {
	is := testutil.NewIs(t)
	c, _ := newTestClient(t)
	ctx := context.Background()

	var calls int64
	dead := make(chan DeadLetter, 4)

	sub, err := c.Subscriber(SubscriberConfig{
		Group:      "analytics",
		Block:      100 * time.Millisecond,
		AckWait:    150 * time.Millisecond,
		MaxDeliver: 3,
		OnDeadLetter: func(d DeadLetter) {
			dead <- d
		},
	})
	is.NoErr(err)

	is.NoErr(sub.Subscribe("user.created", func(ctx context.Context, env *Envelope) error {
		atomic.AddInt64(&calls, 1)
		return errors.New("handler broken")
	}))
	is.NoErr(sub.Start(ctx))
	t.Cleanup(sub.Stop)

	_, err = c.Publisher().Publish(ctx, "user.created", johnPayload())
	is.NoErr(err)

	var report DeadLetter
	select {
	case report = <-dead:
	case <-time.After(10 * time.Second):
		t.Fatal("dead-letter report not received")
	}

	is.Equal(report.EventType, "user.created")
	is.Equal(report.Group, "analytics")
	is.Equal(report.Deliveries, 3)
	is.True(report.Err != nil)

	// The redelivery budget is spent: no further attempts, no further
	// reports, and the entry stays unacknowledged.
	time.Sleep(time.Second)
	is.Equal(atomic.LoadInt64(&calls), int64(3))
	is.Equal(len(dead), 0)
	is.Equal(sub.Health(ctx).Pending["user.created"], int64(1))
}

func TestReplay(t *testing.T) {
	is := testutil.NewIs(t)
	c, _ := newTestClient(t)
	ctx := context.Background()

	pub := c.Publisher()
	for i := 1; i <= 3; i++ {
		_, err := pub.Publish(ctx, "user.created", map[string]any{
			"user_id":    i,
			"first_name": fmt.Sprintf("user-%d", i),
			"role":       "executor",
		})
		is.NoErr(err)
	}

	var live, replayed int64

	sub, err := c.Subscriber(SubscriberConfig{
		Group: "analytics",
		Block: 100 * time.Millisecond,
	})
	is.NoErr(err)
	is.NoErr(sub.Subscribe("user.created", func(ctx context.Context, env *Envelope) error {
		if atomic.AddInt64(&live, 1) > 3 {
			atomic.AddInt64(&replayed, 1)
		}
		return nil
	}))
	is.NoErr(sub.Start(ctx))
	t.Cleanup(sub.Stop)

	waitFor(t, 5*time.Second, "live consumption", func() bool {
		return atomic.LoadInt64(&live) == 3 && sub.Health(ctx).Pending["user.created"] == 0
	})

	from := time.Now().Add(-time.Hour)
	to := time.Now().Add(time.Hour)

	// Replay is idempotent with respect to the group cursor: it re-reads
	// history without re-claiming anything for the group.
	n, err := sub.Replay(ctx, "user.created", from, to, 0)
	is.NoErr(err)
	is.Equal(n, 3)

	n, err = sub.Replay(ctx, "user.created", from, to, 0)
	is.NoErr(err)
	is.Equal(n, 3)

	is.Equal(atomic.LoadInt64(&replayed), int64(6))
	is.Equal(sub.Health(ctx).Pending["user.created"], int64(0))

	// Bounded replay.
	n, err = sub.Replay(ctx, "user.created", from, to, 2)
	is.NoErr(err)
	is.Equal(n, 2)

	_, err = sub.Replay(ctx, "request.assigned", from, to, 0)
	is.Err(err, ErrNotSubscribed)
}

func TestSubscribeAtVersion(t *testing.T) {
	is := testutil.NewIs(t)
	c, reg := newTestClient(t)
	ctx := context.Background()

	is.NoErr(reg.Register("user.created", "v2", userCreatedSchemaV2()))
	is.NoErr(reg.SetDefaultVersion("user.created", "v1"))
	is.NoErr(reg.RegisterMigration("user.created", "v1", "v2", func(p map[string]any) map[string]any {
		p["locale"] = "ru"
		return p
	}))

	got := make(chan *Envelope, 1)

	sub, err := c.Subscriber(SubscriberConfig{
		Group: "analytics",
		Block: 100 * time.Millisecond,
	})
	is.NoErr(err)
	is.NoErr(sub.Subscribe("user.created", func(ctx context.Context, env *Envelope) error {
		got <- env
		return nil
	}, AtVersion("v2")))
	is.NoErr(sub.Start(ctx))
	t.Cleanup(sub.Stop)

	_, err = c.Publisher().Publish(ctx, "user.created", johnPayload())
	is.NoErr(err)

	select {
	case env := <-got:
		is.Equal(env.Version, "v2")
		is.Equal(env.Payload["locale"], "ru")
		is.Equal(env.Payload["first_name"], "John")
	case <-time.After(5 * time.Second):
		t.Fatal("migrated envelope not received")
	}
}

func TestSubscribeDuplicateHandler(t *testing.T) {
	is := testutil.NewIs(t)
	c, _ := newTestClient(t)

	sub, err := c.Subscriber(SubscriberConfig{Group: "analytics"})
	is.NoErr(err)

	h := func(ctx context.Context, env *Envelope) error { return nil }

	is.NoErr(sub.Subscribe("user.created", h))
	is.Err(sub.Subscribe("user.created", h), ErrAlreadySubscribed)
}

func TestSubscriberLifecycle(t *testing.T) {
	is := testutil.NewIs(t)
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Subscriber(SubscriberConfig{})
	is.Err(err, ErrGroupRequired)

	sub, err := c.Subscriber(SubscriberConfig{Group: "analytics", Block: 100 * time.Millisecond})
	is.NoErr(err)

	is.Err(sub.Start(ctx), ErrNoSubscriptions)

	is.NoErr(sub.Subscribe("user.created", func(ctx context.Context, env *Envelope) error { return nil }))
	is.NoErr(sub.Start(ctx))

	is.Err(sub.Start(ctx), ErrAlreadyStarted)
	is.Err(sub.Subscribe("user.created", func(ctx context.Context, env *Envelope) error { return nil }), ErrAlreadyStarted)

	sub.Stop()

	h := sub.Health(ctx)
	is.Equal(h.Status, "ok")
	is.Equal(h.EventTypes, []string{"user.created"})
	is.Equal(h.States["user.created"], "idle")
}
