package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownSchema is returned when strict validation is requested for a
// topic with no registered schema.
var ErrUnknownSchema = errors.New("envelope: no schema registered for topic")

// ValidationError wraps a schema violation so callers can distinguish a
// malformed payload from a transport failure.
type ValidationError struct {
	Topic string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("envelope: payload for topic %q rejected: %v", e.Topic, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Registry holds compiled JSON Schemas keyed by topic. Topics without a
// registered schema pass validation untouched; registration is how a
// deployment opts a topic into shape checking.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON and associates it with topic, replacing
// any previous schema for the topic.
func (r *Registry) Register(topic string, schemaJSON string) error {
	compiler := jsonschema.NewCompiler()
	url := topic + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader([]byte(schemaJSON))); err != nil {
		return fmt.Errorf("add schema for %q: %w", topic, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", topic, err)
	}
	r.mu.Lock()
	r.schemas[topic] = schema
	r.mu.Unlock()
	return nil
}

// Has reports whether a schema is registered for topic.
func (r *Registry) Has(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[topic]
	return ok
}

// Validate checks payload against the topic's schema. Unregistered topics
// validate as-is; invalid JSON or a schema violation comes back as a
// *ValidationError.
func (r *Registry) Validate(topic string, payload json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[topic]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return &ValidationError{Topic: topic, Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &ValidationError{Topic: topic, Err: err}
	}
	return nil
}
