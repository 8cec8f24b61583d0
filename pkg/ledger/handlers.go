package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler is a pure state transition: it folds one event payload into the
// current state and returns the new state. It must not retain or mutate its
// arguments beyond the returned map.
type Handler func(state, payload map[string]any) (map[string]any, error)

// Action registers a handler for one event action. Schema, when set, is a
// JSON Schema (draft 2020-12) that proposals for the action must satisfy.
type Action struct {
	Name   string
	Apply  Handler
	Schema string
}

// Handlers is a closed mapping from action name to state transition. It is
// immutable after construction and safe for concurrent use.
type Handlers struct {
	actions map[string]Handler
	schemas map[string]*jsonschema.Schema
}

// NewHandlers builds the action mapping, compiling any payload schemas.
func NewHandlers(actions ...Action) (*Handlers, error) {
	h := &Handlers{
		actions: make(map[string]Handler, len(actions)),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, a := range actions {
		if a.Name == "" {
			return nil, fmt.Errorf("ledger: action name is required")
		}
		if a.Apply == nil {
			return nil, fmt.Errorf("ledger: action %q has no handler", a.Name)
		}
		if _, dup := h.actions[a.Name]; dup {
			return nil, fmt.Errorf("ledger: action %q registered twice", a.Name)
		}
		h.actions[a.Name] = a.Apply

		if a.Schema == "" {
			continue
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		schemaURL := fmt.Sprintf("https://ledger.schemas.local/actions/%s.schema.json", a.Name)
		if err := c.AddResource(schemaURL, strings.NewReader(a.Schema)); err != nil {
			return nil, fmt.Errorf("ledger: action %q schema load failed: %w", a.Name, err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("ledger: action %q schema compile failed: %w", a.Name, err)
		}
		h.schemas[a.Name] = compiled
	}
	return h, nil
}

// MustHandlers is NewHandlers for static registrations.
func MustHandlers(actions ...Action) *Handlers {
	h, err := NewHandlers(actions...)
	if err != nil {
		panic(err)
	}
	return h
}

// Lookup returns the handler for action.
func (h *Handlers) Lookup(action string) (Handler, bool) {
	fn, ok := h.actions[action]
	return fn, ok
}

// Names returns the registered actions in sorted order.
func (h *Handlers) Names() []string {
	names := make([]string, 0, len(h.actions))
	for n := range h.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Require fails unless every listed action has a handler. Services call it
// at startup with the full set of actions their event store may contain.
func (h *Handlers) Require(actions ...string) error {
	var missing []string
	for _, a := range actions {
		if _, ok := h.actions[a]; !ok {
			missing = append(missing, a)
		}
	}
	if len(missing) > 0 {
		return &UnrecognizedActionError{Action: strings.Join(missing, ",")}
	}
	return nil
}

// Validate checks a payload against the action's schema, if one was given.
func (h *Handlers) Validate(action string, payload map[string]any) error {
	schema, ok := h.schemas[action]
	if !ok {
		return nil
	}
	// Round-trip so the validator only sees JSON-decoded types.
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

// apply runs the handler for e against a private copy of state.
func (h *Handlers) apply(state map[string]any, e Event) (map[string]any, error) {
	fn, ok := h.actions[e.Action]
	if !ok {
		return nil, &UnrecognizedActionError{Action: e.Action, Root: e.Root, Number: e.Number}
	}
	next, err := fn(cloneMap(state), cloneMap(e.Payload))
	if err != nil {
		return nil, fmt.Errorf("ledger: apply %s to %s#%d: %w", e.Action, e.Root, e.Number, err)
	}
	if next == nil {
		next = map[string]any{}
	}
	return next, nil
}
