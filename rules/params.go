package rules

import "fmt"

// Param declares a typed parameter of a condition or action, or a typed output an
// action provides.
type Param struct {
	Name     string
	Label    string
	Type     Type
	Required bool

	// Default is used when the rule leaves the parameter unbound
	Default *Value

	// DefaultRef names a context key used when the rule leaves the parameter unbound.
	// It takes precedence over Default when the key is present in the store.
	DefaultRef string
}

// Binding supplies a parameter value: either a literal or a reference to a context key
type Binding struct {
	literal *Value
	ref     string
}

// Lit binds a literal value
func Lit(v Value) Binding {
	return Binding{literal: &v}
}

// Ref binds the value stored under a context key
func Ref(key string) Binding {
	return Binding{ref: key}
}

// IsRef reports whether the binding references a context key
func (b Binding) IsRef() bool { return b.literal == nil && b.ref != "" }

// Key returns the referenced context key
func (b Binding) Key() string { return b.ref }

// Literal returns the bound literal, if any
func (b Binding) Literal() (Value, bool) {
	if b.literal == nil {
		return Value{}, false
	}
	return *b.literal, true
}

func (b Binding) String() string {
	if b.IsRef() {
		return "ref(" + b.ref + ")"
	}
	if b.literal != nil {
		return b.literal.String()
	}
	return "unbound"
}

// Bindings maps parameter names to their bindings
type Bindings map[string]Binding

// Args are the resolved parameter values passed to an evaluator or executor
type Args struct {
	values map[string]Value
}

// NewArgs builds Args directly, mainly for testing evaluators in isolation
func NewArgs(values map[string]Value) Args {
	out := make(map[string]Value, len(values))
	for k, v := range values {
		out[k] = v
	}
	return Args{values: out}
}

// Has reports whether the parameter resolved to a value
func (a Args) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

// Value returns the raw resolved value
func (a Args) Value(name string) (Value, bool) {
	v, ok := a.values[name]
	return v, ok
}

// Int returns an integer parameter, or zero if absent
func (a Args) Int(name string) int64 { return a.values[name].Int() }

// String returns a string parameter, or "" if absent
func (a Args) String(name string) string { return a.values[name].Text() }

// Bool returns a boolean parameter, or false if absent
func (a Args) Bool(name string) bool { return a.values[name].Bool() }

// Entity returns an entity parameter, or the zero Entity if absent
func (a Args) Entity(name string) Entity { return a.values[name].Entity() }

// Blob returns a blob parameter, or nil if absent
func (a Args) Blob(name string) []byte { return a.values[name].Blob() }

// Len returns the number of resolved parameters
func (a Args) Len() int { return len(a.values) }

// resolveArgs resolves bindings against a store following the declaration order.
// Explicit binding first, then DefaultRef when its key is present, then Default.
func resolveArgs(subject string, params []Param, bindings Bindings, store *ContextStore) (Args, error) {
	for name := range bindings {
		if !declares(params, name) {
			return Args{}, authoringErr("bind", subject, ErrUnknownParameter, "%q", name)
		}
	}

	values := make(map[string]Value, len(params))
	for _, p := range params {
		v, ok, err := resolveParam(p, bindings, store)
		if err != nil {
			return Args{}, &AuthoringError{Op: "bind", Subject: subject, Detail: "parameter " + p.Name, Err: err}
		}
		if !ok {
			if p.Required {
				return Args{}, authoringErr("bind", subject, ErrMissingRequiredParameter, "%q", p.Name)
			}
			continue
		}
		if v.Type() != p.Type {
			return Args{}, authoringErr("bind", subject, ErrParameterTypeMismatch,
				"%q is %s, declared %s", p.Name, v.Type(), p.Type)
		}
		values[p.Name] = v
	}
	return Args{values: values}, nil
}

func resolveParam(p Param, bindings Bindings, store *ContextStore) (Value, bool, error) {
	if b, ok := bindings[p.Name]; ok {
		if lit, ok := b.Literal(); ok {
			return lit, true, nil
		}
		v, ok := store.Lookup(b.Key())
		if !ok {
			// an optional parameter bound to an output that was never provided stays unset
			if !p.Required {
				return Value{}, false, nil
			}
			return Value{}, false, fmt.Errorf("%w: %w: %q", ErrMissingRequiredParameter, ErrMissingKey, b.Key())
		}
		return v, true, nil
	}
	if p.DefaultRef != "" {
		if v, ok := store.Lookup(p.DefaultRef); ok {
			return v, true, nil
		}
	}
	if p.Default != nil {
		return *p.Default, true, nil
	}
	return Value{}, false, nil
}

// checkBindings validates bindings statically: every bound name is declared, literal
// types match, and every required parameter can be satisfied.
func checkBindings(subject string, params []Param, bindings Bindings) error {
	for name, b := range bindings {
		p, ok := findParam(params, name)
		if !ok {
			return authoringErr("bind", subject, ErrUnknownParameter, "%q", name)
		}
		if lit, ok := b.Literal(); ok && lit.Type() != p.Type {
			return authoringErr("bind", subject, ErrParameterTypeMismatch,
				"%q literal is %s, declared %s", name, lit.Type(), p.Type)
		}
		if !b.IsRef() && b.literal == nil {
			return authoringErr("bind", subject, ErrInvalidDefinition, "%q has an empty binding", name)
		}
	}
	for _, p := range params {
		if _, bound := bindings[p.Name]; bound || !p.Required {
			continue
		}
		if p.Default == nil && p.DefaultRef == "" {
			return authoringErr("bind", subject, ErrMissingRequiredParameter, "%q", p.Name)
		}
	}
	return nil
}

// validateParams checks a parameter declaration list
func validateParams(params []Param) error {
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if err := validateVariable(p.Name); err != nil {
			return fmt.Errorf("invalid parameter name %q: %w", p.Name, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("parameter %q declared twice", p.Name)
		}
		seen[p.Name] = true
		if p.Type.Kind == KindInvalid {
			return fmt.Errorf("parameter %q has no type", p.Name)
		}
		if p.Default != nil && p.Default.Type() != p.Type {
			return fmt.Errorf("parameter %q default is %s, declared %s", p.Name, p.Default.Type(), p.Type)
		}
	}
	return nil
}

func findParam(params []Param, name string) (Param, bool) {
	for _, p := range params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

func declares(params []Param, name string) bool {
	_, ok := findParam(params, name)
	return ok
}

// Defaulted returns a pointer to v, for use as Param.Default
func Defaulted(v Value) *Value {
	return &v
}
