package rules

import (
	"context"
	"fmt"
)

// EvaluateFunc is a pure predicate over resolved parameters.
// It must not mutate external state; reads go through injected read-only capabilities.
type EvaluateFunc func(ctx context.Context, args Args) (bool, error)

// ConditionDefinition declares a named, parameterized condition
type ConditionDefinition struct {
	ID       string
	Label    string
	Params   []Param
	Evaluate EvaluateFunc
}

func (d ConditionDefinition) validate() error {
	if err := validateIdentifier(d.ID); err != nil {
		return authoringErr("register condition", d.ID, ErrInvalidDefinition, "%v", err)
	}
	if d.Evaluate == nil {
		return authoringErr("register condition", d.ID, ErrInvalidDefinition, "no evaluate function")
	}
	if err := validateParams(d.Params); err != nil {
		return authoringErr("register condition", d.ID, ErrInvalidDefinition, "%v", err)
	}
	return nil
}

// ConditionRegistry maps condition identifiers to their definitions.
// Not safe for concurrent registration; the Engine guards it.
type ConditionRegistry struct {
	defs  map[string]ConditionDefinition
	order []string
}

// NewConditionRegistry creates an empty registry
func NewConditionRegistry() *ConditionRegistry {
	return &ConditionRegistry{defs: make(map[string]ConditionDefinition)}
}

// Register adds a definition. Fails with ErrDuplicateConditionID if the id is taken.
func (r *ConditionRegistry) Register(def ConditionDefinition) error {
	if err := def.validate(); err != nil {
		return err
	}
	if _, exists := r.defs[def.ID]; exists {
		return &AuthoringError{Op: "register condition", Subject: def.ID, Err: ErrDuplicateConditionID}
	}
	r.defs[def.ID] = def
	r.order = append(r.order, def.ID)
	return nil
}

// Get returns the definition for id
func (r *ConditionRegistry) Get(id string) (ConditionDefinition, bool) {
	def, ok := r.defs[id]
	return def, ok
}

// List returns all definitions in registration order
func (r *ConditionRegistry) List() []ConditionDefinition {
	out := make([]ConditionDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// Evaluate resolves bindings against the store and invokes the condition's evaluator
func (r *ConditionRegistry) Evaluate(ctx context.Context, id string, bindings Bindings, store *ContextStore) (bool, error) {
	def, ok := r.defs[id]
	if !ok {
		return false, &AuthoringError{Op: "evaluate condition", Subject: id, Err: ErrUnknownConditionID}
	}

	args, err := resolveArgs(id, def.Params, bindings, store)
	if err != nil {
		return false, err
	}

	result, err := def.Evaluate(ctx, args)
	if err != nil {
		return false, fmt.Errorf("condition %s: %w", id, err)
	}
	return result, nil
}
