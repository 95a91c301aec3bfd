package eventis

import (
	"context"
	"errors"
	"testing"
	"time"

	"eventis/id"
	"eventis/schema"
	"eventis/testutil"
)

func TestPublish(t *testing.T) {
	is := testutil.NewIs(t)
	c, _ := newTestClient(t)
	ctx := context.Background()

	pub := c.Publisher()

	env, err := pub.Publish(ctx, "user.created", johnPayload())
	is.NoErr(err)
	is.True(env.ID != "")
	is.True(env.CorrelationID != "")
	is.Equal(env.Type, "user.created")
	is.Equal(env.Version, "v1")
	is.Equal(env.Source, "user-service")

	// The entry is durably recorded by the time Publish returns.
	entries, err := c.backend.ReadRange(ctx, "user.created", time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 100)
	is.NoErr(err)
	is.Equal(len(entries), 1)

	got, err := c.decodeEntry(entries[0])
	is.NoErr(err)
	is.Equal(got.ID, env.ID)
	is.Equal(got.Payload["first_name"], "John")
}

func TestPublishDeterministic(t *testing.T) {
	is := testutil.NewIs(t)

	clk := testutil.NewClock(time.Minute)
	eventIDs := testutil.NewIDGen(id.NUID)
	corrIDs := testutil.NewIDGen(id.UUID)

	c, _ := newTestClient(t, Clock(clk), EventID(eventIDs), CorrelationID(corrIDs))
	ctx := context.Background()
	pub := c.Publisher()

	wantID := eventIDs.Last()
	wantCorr := corrIDs.Last()

	env, err := pub.Publish(ctx, "user.created", johnPayload())
	is.NoErr(err)
	is.Equal(env.ID, wantID)
	is.Equal(env.CorrelationID, wantCorr)
	is.True(env.Time.Equal(clk.Start))

	// The clock steps one unit per publish and the ID generators roll
	// forward, so the second envelope is fully predictable too.
	wantID = eventIDs.Last()
	env, err = pub.Publish(ctx, "user.created", johnPayload())
	is.NoErr(err)
	is.Equal(env.ID, wantID)
	is.True(env.Time.Equal(clk.Start.Add(time.Minute)))
}

func TestPublishValidationFailure(t *testing.T) {
	is := testutil.NewIs(t)
	c, _ := newTestClient(t)
	ctx := context.Background()

	pub := c.Publisher()

	// Missing required "role".
	_, err := pub.Publish(ctx, "user.created", map[string]any{
		"user_id":    123,
		"first_name": "John",
	})

	var verr *schema.ValidationError
	is.True(errors.As(err, &verr))
	is.Equal(verr.Fields(), []string{"role"})

	// Nothing was recorded.
	entries, err := c.backend.ReadRange(ctx, "user.created", time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 100)
	is.NoErr(err)
	is.Equal(len(entries), 0)
}

func TestPublishUnknownType(t *testing.T) {
	is := testutil.NewIs(t)
	c, _ := newTestClient(t)

	_, err := c.Publisher().Publish(context.Background(), "order.created", map[string]any{"x": 1})
	is.Err(err, schema.ErrUnknownSchema)
}

func TestPublishOptions(t *testing.T) {
	is := testutil.NewIs(t)
	c, reg := newTestClient(t)
	ctx := context.Background()

	is.NoErr(reg.Register("user.created", "v2", userCreatedSchemaV2()))
	is.NoErr(reg.SetDefaultVersion("user.created", "v1"))

	payload := johnPayload()
	payload["locale"] = "ru"

	env, err := c.Publisher().Publish(ctx, "user.created", payload,
		WithVersion("v2"),
		WithCorrelationID("corr-abc"),
		WithActorID("admin-7"),
		WithMeta(map[string]any{"origin": "backfill"}),
	)
	is.NoErr(err)
	is.Equal(env.Version, "v2")
	is.Equal(env.CorrelationID, "corr-abc")
	is.Equal(env.ActorID, "admin-7")
	is.Equal(env.Meta["origin"], "backfill")
}

func TestPublishBatch(t *testing.T) {
	is := testutil.NewIs(t)
	c, _ := newTestClient(t)
	ctx := context.Background()

	pub := c.Publisher()

	drafts := []Draft{
		{Payload: map[string]any{"user_id": 1, "first_name": "John", "role": "executor"}},
		{Payload: map[string]any{"user_id": 2, "first_name": "Jane", "role": "applicant"}},
		{Payload: map[string]any{"user_id": 3, "first_name": "Jill", "role": "executor"}},
	}

	envs, err := pub.PublishBatch(ctx, "user.created", drafts)
	is.NoErr(err)
	is.Equal(len(envs), 3)

	entries, err := c.backend.ReadRange(ctx, "user.created", time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 100)
	is.NoErr(err)
	is.Equal(len(entries), 3)
}

func TestPublishBatchRejectsWholeBatch(t *testing.T) {
	is := testutil.NewIs(t)
	c, _ := newTestClient(t)
	ctx := context.Background()

	drafts := []Draft{
		{Payload: map[string]any{"user_id": 1, "first_name": "John", "role": "executor"}},
		{Payload: map[string]any{"user_id": 2, "first_name": "Jane"}}, // missing role
		{Payload: map[string]any{"user_id": 3, "first_name": "Jill", "role": "executor"}},
	}

	envs, err := c.Publisher().PublishBatch(ctx, "user.created", drafts)
	is.Equal(len(envs), 0)

	var berr *BatchError
	is.True(errors.As(err, &berr))
	is.Equal(berr.Index, 1)

	var verr *schema.ValidationError
	is.True(errors.As(err, &verr))
	is.Equal(verr.Fields(), []string{"role"})

	// A validation failure anywhere in the batch records nothing.
	entries, err := c.backend.ReadRange(ctx, "user.created", time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 100)
	is.NoErr(err)
	is.Equal(len(entries), 0)
}

func TestListenBroadcast(t *testing.T) {
	is := testutil.NewIs(t)
	c, _ := newTestClient(t)
	ctx := context.Background()

	got := make(chan *Envelope, 1)
	sub, err := c.Listen("user.created", func(env *Envelope) {
		got <- env
	})
	is.NoErr(err)
	defer sub.Unsubscribe()

	env, err := c.Publisher().Publish(ctx, "user.created", johnPayload())
	is.NoErr(err)

	select {
	case out := <-got:
		is.Equal(out.ID, env.ID)
		is.Equal(out.Payload["role"], "executor")
	case <-time.After(3 * time.Second):
		t.Fatal("broadcast not received")
	}
}

func TestPublisherHealth(t *testing.T) {
	is := testutil.NewIs(t)
	c, _ := newTestClient(t)

	h := c.Publisher().Health(context.Background())
	is.Equal(h.Status, "ok")
	is.True(h.BackendConnected)
}
