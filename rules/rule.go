package rules

import (
	"fmt"
)

// Step is one action invocation in a rule's pipeline
type Step struct {
	Action string
	Params Bindings

	// As renames provided outputs: provided name -> context key
	As map[string]string
}

// Rule binds an event to a condition tree and an ordered action pipeline
type Rule struct {
	ID         string
	Name       string
	Event      string
	Conditions *Node
	Actions    []Step
}

// Unconditional reports whether the rule has no condition tree
func (r Rule) Unconditional() bool { return r.Conditions == nil }

// validate checks a rule against the registries.
// Static data-flow: a step may only reference keys provided by earlier steps (or the
// initial context, which is unknown here), and no two steps may provide the same key.
func (r Rule) validate(conditions *ConditionRegistry, actions *ActionRegistry) error {
	if err := validateIdentifier(r.ID); err != nil {
		return authoringErr("register rule", r.ID, ErrInvalidDefinition, "%v", err)
	}
	if r.Event == "" {
		return authoringErr("register rule", r.ID, ErrInvalidDefinition, "event is required")
	}
	if r.Conditions != nil {
		if err := r.Conditions.validate(r.ID, conditions); err != nil {
			return err
		}
	}

	// provider index of every key some step provides
	providedBy := make(map[string]int)
	for i, step := range r.Actions {
		def, ok := actions.Get(step.Action)
		if !ok {
			return authoringErr("register rule", r.ID, ErrUnknownActionID, "step %d: %q", i, step.Action)
		}
		for name := range step.As {
			if !declares(def.Provides, name) {
				return authoringErr("register rule", r.ID, ErrInvalidDefinition,
					"step %d: %s does not provide %q", i, step.Action, name)
			}
		}
		for _, p := range def.Provides {
			key := outputKey(p.Name, step.As)
			if prev, dup := providedBy[key]; dup {
				return authoringErr("register rule", r.ID, ErrDuplicateKey,
					"%q provided by step %d and step %d", key, prev, i)
			}
			providedBy[key] = i
		}
	}

	// conditions run before any step, so they may only reference the initial context
	if r.Conditions != nil {
		var err error
		r.Conditions.walk(func(leaf Node) {
			for name, b := range leaf.Params {
				if err != nil || !b.IsRef() {
					continue
				}
				if j, ok := providedBy[b.Key()]; ok {
					err = authoringErr("register rule", r.ID, ErrForwardReference,
						"condition %s parameter %q references %q provided by step %d", leaf.Condition, name, b.Key(), j)
				}
			}
		})
		if err != nil {
			return err
		}
	}

	for i, step := range r.Actions {
		def, _ := actions.Get(step.Action)
		if err := checkBindings(step.Action, def.Params, step.Params); err != nil {
			return &AuthoringError{Op: "register rule", Subject: r.ID, Detail: fmt.Sprintf("step %d", i), Err: err}
		}
		for name, b := range step.Params {
			if !b.IsRef() {
				continue
			}
			if j, ok := providedBy[b.Key()]; ok && j >= i {
				return authoringErr("register rule", r.ID, ErrForwardReference,
					"step %d parameter %q references %q provided by step %d", i, name, b.Key(), j)
			}
		}
	}
	return nil
}
