package schema

import (
	"fmt"
	"maps"
)

// MigrateFunc transforms a payload that is valid under the source version
// into one valid under the target version. Migrations must be pure and must
// not fail for payloads that satisfied the source schema; only additive or
// renaming transforms belong here.
type MigrateFunc func(payload map[string]any) map[string]any

type migration struct {
	to string
	fn MigrateFunc
}

// RegisterMigration adds a migration edge for the event type. Both versions
// must already have schemas registered.
func (r *Registry) RegisterMigration(eventType, from, to string, fn MigrateFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: %s: nil migration func", ErrSchemaNotValid, eventType)
	}
	if from == to {
		return fmt.Errorf("%w: %s: migration from %s to itself", ErrSchemaNotValid, eventType, from)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.schemas[eventType][from]; !ok {
		return fmt.Errorf("%w: %s@%s", ErrUnknownSchema, eventType, from)
	}
	if _, ok := r.schemas[eventType][to]; !ok {
		return fmt.Errorf("%w: %s@%s", ErrUnknownSchema, eventType, to)
	}

	for _, m := range r.migrations[eventType][from] {
		if m.to == to {
			return fmt.Errorf("%w: %s %s -> %s", ErrDuplicateMigration, eventType, from, to)
		}
	}

	if r.migrations[eventType] == nil {
		r.migrations[eventType] = make(map[string][]migration)
	}
	r.migrations[eventType][from] = append(r.migrations[eventType][from], migration{to: to, fn: fn})

	return nil
}

// Migrate produces an equivalent payload at the target version, chaining
// registered migrations when no direct edge exists. The input payload is
// never mutated.
func (r *Registry) Migrate(eventType, from, to string, payload map[string]any) (map[string]any, error) {
	if from == to {
		return maps.Clone(payload), nil
	}

	r.mu.RLock()
	steps, ok := r.path(eventType, from, to)
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s %s -> %s", ErrNoMigrationPath, eventType, from, to)
	}

	out := maps.Clone(payload)
	for _, fn := range steps {
		out = fn(out)
	}
	return out, nil
}

// path finds the shortest chain of migration funcs from one version to
// another. Callers hold at least a read lock.
func (r *Registry) path(eventType, from, to string) ([]MigrateFunc, bool) {
	type hop struct {
		prev string
		via  MigrateFunc
	}

	visited := map[string]hop{from: {}}
	queue := []string{from}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur == to {
			var fns []MigrateFunc
			for v := to; v != from; v = visited[v].prev {
				fns = append([]MigrateFunc{visited[v].via}, fns...)
			}
			return fns, true
		}

		for _, m := range r.migrations[eventType][cur] {
			if _, seen := visited[m.to]; seen {
				continue
			}
			visited[m.to] = hop{prev: cur, via: m.fn}
			queue = append(queue, m.to)
		}
	}

	return nil, false
}
