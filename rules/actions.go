package rules

import (
	"context"
	"errors"
	"fmt"
)

// Provided holds the outputs an action adds to the context store
type Provided map[string]Value

// ExecuteFunc performs an action's side effects and returns its provided outputs
type ExecuteFunc func(ctx context.Context, args Args) (Provided, error)

// ActionDefinition declares a named, parameterized action and the outputs it may provide
type ActionDefinition struct {
	ID       string
	Label    string
	Params   []Param
	Provides []Param
	Execute  ExecuteFunc
}

func (d ActionDefinition) validate() error {
	if err := validateIdentifier(d.ID); err != nil {
		return authoringErr("register action", d.ID, ErrInvalidDefinition, "%v", err)
	}
	if d.Execute == nil {
		return authoringErr("register action", d.ID, ErrInvalidDefinition, "no execute function")
	}
	if err := validateParams(d.Params); err != nil {
		return authoringErr("register action", d.ID, ErrInvalidDefinition, "%v", err)
	}
	if err := validateParams(d.Provides); err != nil {
		return authoringErr("register action", d.ID, ErrInvalidDefinition, "provides: %v", err)
	}
	return nil
}

// ActionRegistry maps action identifiers to their definitions.
// Not safe for concurrent registration; the Engine guards it.
type ActionRegistry struct {
	defs  map[string]ActionDefinition
	order []string
}

// NewActionRegistry creates an empty registry
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{defs: make(map[string]ActionDefinition)}
}

// Register adds a definition. Fails with ErrDuplicateActionID if the id is taken.
func (r *ActionRegistry) Register(def ActionDefinition) error {
	if err := def.validate(); err != nil {
		return err
	}
	if _, exists := r.defs[def.ID]; exists {
		return &AuthoringError{Op: "register action", Subject: def.ID, Err: ErrDuplicateActionID}
	}
	r.defs[def.ID] = def
	r.order = append(r.order, def.ID)
	return nil
}

// Get returns the definition for id
func (r *ActionRegistry) Get(id string) (ActionDefinition, bool) {
	def, ok := r.defs[id]
	return def, ok
}

// List returns all definitions in registration order
func (r *ActionRegistry) List() []ActionDefinition {
	out := make([]ActionDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// Execute resolves bindings, runs the executor and merges its provided outputs into
// the store, renaming them through as (provided name -> context key) when given.
//
// Executor errors are returned as *ActionFailure and leave the store untouched.
// A provided key that already exists in the store fails with ErrDuplicateKey
// before anything is written.
func (r *ActionRegistry) Execute(ctx context.Context, id string, bindings Bindings, as map[string]string, store *ContextStore) error {
	def, ok := r.defs[id]
	if !ok {
		return &AuthoringError{Op: "execute action", Subject: id, Err: ErrUnknownActionID}
	}

	args, err := resolveArgs(id, def.Params, bindings, store)
	if err != nil {
		return err
	}

	out, err := def.Execute(ctx, args)
	if err != nil {
		var failure *ActionFailure
		if errors.As(err, &failure) {
			return failure
		}
		return &ActionFailure{ActionID: id, Reason: err.Error(), Err: err}
	}

	for name, v := range out {
		p, ok := findParam(def.Provides, name)
		if !ok {
			return &ActionFailure{ActionID: id, Reason: fmt.Sprintf("provided undeclared output %q", name)}
		}
		if v.Type() != p.Type {
			return &ActionFailure{ActionID: id, Reason: fmt.Sprintf("output %q is %s, declared %s", name, v.Type(), p.Type)}
		}
	}

	// check every target key first so a collision never leaves partial output
	for _, p := range def.Provides {
		if _, ok := out[p.Name]; !ok {
			continue
		}
		if key := outputKey(p.Name, as); store.Has(key) {
			return fmt.Errorf("action %s provides %q: %w", id, key, ErrDuplicateKey)
		}
	}
	for _, p := range def.Provides {
		v, ok := out[p.Name]
		if !ok {
			continue
		}
		if err := store.Set(outputKey(p.Name, as), v); err != nil {
			return fmt.Errorf("action %s: %w", id, err)
		}
	}
	return nil
}

func outputKey(name string, as map[string]string) string {
	if key, ok := as[name]; ok && key != "" {
		return key
	}
	return name
}
