package eventis

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"eventis/schema"
	"eventis/stream"
	"eventis/testutil"
)

func userCreatedSchemaV1() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"user_id", "first_name", "role"},
		"properties": map[string]any{
			"user_id":    map[string]any{"type": "integer"},
			"first_name": map[string]any{"type": "string"},
			"role":       map[string]any{"type": "string", "enum": []any{"executor", "applicant"}},
		},
	}
}

func userCreatedSchemaV2() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"user_id", "first_name", "role", "locale"},
		"properties": map[string]any{
			"user_id":    map[string]any{"type": "integer"},
			"first_name": map[string]any{"type": "string"},
			"role":       map[string]any{"type": "string", "enum": []any{"executor", "applicant"}},
			"locale":     map[string]any{"type": "string"},
		},
	}
}

func johnPayload() map[string]any {
	return map[string]any{
		"user_id":    123,
		"first_name": "John",
		"role":       "executor",
	}
}

// newTestClient spins up an embedded JetStream server and returns a client
// whose registry already knows user.created@v1.
func newTestClient(t *testing.T, opts ...Option) (*Client, *schema.Registry) {
	t.Helper()

	srv := testutil.NewNatsServer(-1)
	t.Cleanup(func() { testutil.ShutdownNatsServer(srv) })

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)

	backend, err := stream.NewNATS(nc, stream.NATSConfig{Storage: nats.MemoryStorage})
	if err != nil {
		t.Fatal(err)
	}

	reg := schema.New()
	if err := reg.Register("user.created", "v1", userCreatedSchemaV1()); err != nil {
		t.Fatal(err)
	}

	c, err := New(backend, reg, append([]Option{SourceService("user-service")}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}

	return c, reg
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
