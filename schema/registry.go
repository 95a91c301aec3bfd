// Package schema implements the event schema registry: versioned structural
// schemas per event type, payload validation, and payload migration between
// versions.
//
// Schemas are JSON Schema documents and validation is structural only:
// required fields, primitive types, and enumerated value sets. Registration
// is expected to happen once during process startup; the registry is
// read-mostly afterwards and safe for concurrent use.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrDuplicateSchema    = errors.New("eventis: schema already registered")
	ErrUnknownSchema      = errors.New("eventis: schema not registered")
	ErrSchemaNotValid     = errors.New("eventis: schema not valid")
	ErrDuplicateMigration = errors.New("eventis: migration already registered")
	ErrNoMigrationPath    = errors.New("eventis: no migration path")

	nameRegex = regexp.MustCompile(`^[\w-]+(\.[\w-]+)*$`)
)

func validateName(n string) error {
	if !nameRegex.MatchString(n) {
		return fmt.Errorf("%w: name %q has invalid characters", ErrSchemaNotValid, n)
	}
	return nil
}

// Violation describes a single structural problem in a payload.
type Violation struct {
	// Field is the offending field, empty when the violation applies to
	// the payload as a whole.
	Field string

	// Reason is a human-readable description of the problem.
	Reason string
}

// ValidationError reports every violation found while validating a payload
// against a registered schema.
type ValidationError struct {
	EventType  string
	Version    string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Field == "" {
			parts = append(parts, v.Reason)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Reason))
	}
	return fmt.Sprintf("eventis: payload not valid for %s@%s: %s",
		e.EventType, e.Version, strings.Join(parts, "; "))
}

// Fields returns the distinct field names involved in the violations.
func (e *ValidationError) Fields() []string {
	seen := make(map[string]bool)
	var fields []string
	for _, v := range e.Violations {
		if v.Field == "" || seen[v.Field] {
			continue
		}
		seen[v.Field] = true
		fields = append(fields, v.Field)
	}
	sort.Strings(fields)
	return fields
}

// Registry is the single source of truth for payload shapes. Every
// (event type, version) pair resolves to exactly one compiled schema.
type Registry struct {
	mu         sync.RWMutex
	schemas    map[string]map[string]*jsonschema.Schema
	defaults   map[string]string
	migrations map[string]map[string][]migration
}

func New() *Registry {
	return &Registry{
		schemas:    make(map[string]map[string]*jsonschema.Schema),
		defaults:   make(map[string]string),
		migrations: make(map[string]map[string][]migration),
	}
}

// Register adds a schema document for the (eventType, version) pair. The
// document is compiled eagerly so a malformed schema fails registration
// rather than the first validation. Schemas are immutable once registered
// so already-published events remain interpretable.
func (r *Registry) Register(eventType, version string, doc map[string]any) error {
	if err := validateName(eventType); err != nil {
		return err
	}
	if err := validateName(version); err != nil {
		return err
	}

	compiled, err := compile(eventType, version, doc)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.schemas[eventType][version]; ok {
		return fmt.Errorf("%w: %s@%s", ErrDuplicateSchema, eventType, version)
	}

	if r.schemas[eventType] == nil {
		r.schemas[eventType] = make(map[string]*jsonschema.Schema)
	}
	r.schemas[eventType][version] = compiled

	// The most recently registered version becomes the publish default
	// unless SetDefaultVersion pins one explicitly.
	r.defaults[eventType] = version

	return nil
}

// SetDefaultVersion pins the version the publisher uses when the caller does
// not specify one.
func (r *Registry) SetDefaultVersion(eventType, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.schemas[eventType][version]; !ok {
		return fmt.Errorf("%w: %s@%s", ErrUnknownSchema, eventType, version)
	}
	r.defaults[eventType] = version
	return nil
}

// DefaultVersion returns the publish default for the event type.
func (r *Registry) DefaultVersion(eventType string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.defaults[eventType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSchema, eventType)
	}
	return v, nil
}

// Versions returns the registered versions for the event type, sorted.
func (r *Registry) Versions(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var versions []string
	for v := range r.schemas[eventType] {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// Validate checks the payload against the schema registered for
// (eventType, version). A payload that does not conform yields a
// *ValidationError carrying per-field violations.
func (r *Registry) Validate(eventType string, payload map[string]any, version string) error {
	r.mu.RLock()
	compiled, ok := r.schemas[eventType][version]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s@%s", ErrUnknownSchema, eventType, version)
	}

	inst, err := normalize(payload)
	if err != nil {
		return &ValidationError{
			EventType:  eventType,
			Version:    version,
			Violations: []Violation{{Reason: fmt.Sprintf("payload is not JSON-compatible: %s", err)}},
		}
	}

	if err := compiled.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &ValidationError{
				EventType:  eventType,
				Version:    version,
				Violations: violations(verr),
			}
		}
		return err
	}

	return nil
}

func compile(eventType, version string, doc map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s@%s: %s", ErrSchemaNotValid, eventType, version, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7

	url := fmt.Sprintf("schema:///%s/%s.json", eventType, version)
	if err := c.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("%w: %s@%s: %s", ErrSchemaNotValid, eventType, version, err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s@%s: %s", ErrSchemaNotValid, eventType, version, err)
	}
	return compiled, nil
}

// normalize round-trips the payload through JSON so the validator sees the
// exact wire representation (json.Number for numerics, no Go-native types).
func normalize(payload map[string]any) (any, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var inst any
	if err := dec.Decode(&inst); err != nil {
		return nil, err
	}
	return inst, nil
}

var quotedNameRegex = regexp.MustCompile(`'([^']+)'`)

// violations flattens the validator's output into per-field entries.
// Missing required properties are reported at the object root by the
// validator, so the field names are recovered from the message.
func violations(verr *jsonschema.ValidationError) []Violation {
	basic := verr.BasicOutput()

	var vs []Violation
	for _, e := range basic.Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}

		if strings.HasSuffix(e.KeywordLocation, "/required") {
			for _, m := range quotedNameRegex.FindAllStringSubmatch(e.Error, -1) {
				vs = append(vs, Violation{Field: m[1], Reason: "required field missing"})
			}
			continue
		}

		vs = append(vs, Violation{
			Field:  strings.TrimPrefix(e.InstanceLocation, "/"),
			Reason: e.Error,
		})
	}

	if len(vs) == 0 {
		vs = append(vs, Violation{Reason: verr.Message})
	}
	return vs
}
