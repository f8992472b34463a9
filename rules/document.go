package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Document is the serialized form of expression conditions and rules.
// YAML and JSON use the same field names.
type Document struct {
	Conditions []ConditionSpec `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Rules      []RuleSpec      `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// ConditionSpec declares a CEL expression condition
type ConditionSpec struct {
	ID         string      `yaml:"id" json:"id"`
	Params     []ParamSpec `yaml:"params,omitempty" json:"params,omitempty"`
	Expression string      `yaml:"expression" json:"expression"`
}

// ParamSpec declares one parameter of an expression condition
type ParamSpec struct {
	Name       string `yaml:"name" json:"name"`
	Type       string `yaml:"type" json:"type"`
	Required   bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default    any    `yaml:"default,omitempty" json:"default,omitempty"`
	DefaultRef string `yaml:"default_ref,omitempty" json:"default_ref,omitempty"`
}

// RuleSpec is the serialized form of a Rule
type RuleSpec struct {
	ID         string     `yaml:"id" json:"id"`
	Name       string     `yaml:"name,omitempty" json:"name,omitempty"`
	Event      string     `yaml:"event" json:"event"`
	Conditions *NodeSpec  `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Actions    []StepSpec `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// NodeSpec is a condition tree node. Exactly one of All, Any, Not or Condition is set.
type NodeSpec struct {
	All       *[]NodeSpec            `yaml:"all,omitempty" json:"all,omitempty"`
	Any       *[]NodeSpec            `yaml:"any,omitempty" json:"any,omitempty"`
	Not       *NodeSpec              `yaml:"not,omitempty" json:"not,omitempty"`
	Condition string                 `yaml:"condition,omitempty" json:"condition,omitempty"`
	Params    map[string]BindingSpec `yaml:"params,omitempty" json:"params,omitempty"`
}

// StepSpec is the serialized form of a Step
type StepSpec struct {
	Action string                 `yaml:"action" json:"action"`
	Params map[string]BindingSpec `yaml:"params,omitempty" json:"params,omitempty"`
	As     map[string]string      `yaml:"as,omitempty" json:"as,omitempty"`
}

// BindingSpec is {value: literal} or {ref: key}
type BindingSpec struct {
	Value any    `yaml:"value,omitempty" json:"value,omitempty"`
	Ref   string `yaml:"ref,omitempty" json:"ref,omitempty"`
}

// ParseDocument decodes a YAML or JSON rule document. Unknown fields are rejected.
func ParseDocument(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &doc, nil
		}
		return nil, fmt.Errorf("parse rule document: %w", err)
	}
	return &doc, nil
}

// LoadDocumentFile reads and parses a rule document from disk
func LoadDocumentFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule document: %w", err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Merge appends the conditions and rules of other
func (d *Document) Merge(other *Document) {
	if other == nil {
		return
	}
	d.Conditions = append(d.Conditions, other.Conditions...)
	d.Rules = append(d.Rules, other.Rules...)
}

// Register compiles and registers every condition, then every rule, with e.
// It does not stop at the first failure: all errors are returned together.
func (d *Document) Register(e *Engine) error {
	var result *multierror.Error

	for _, cs := range d.Conditions {
		def, err := cs.Build()
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := e.RegisterCondition(def); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for _, rs := range d.Rules {
		rule, err := rs.Build()
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := e.RegisterRule(rule); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// Build compiles the expression condition
func (cs ConditionSpec) Build() (ConditionDefinition, error) {
	params := make([]Param, 0, len(cs.Params))
	for _, ps := range cs.Params {
		p, err := ps.build()
		if err != nil {
			return ConditionDefinition{}, authoringErr("parse condition", cs.ID, ErrInvalidDefinition, "%v", err)
		}
		params = append(params, p)
	}
	return NewExpressionCondition(cs.ID, params, cs.Expression)
}

func (ps ParamSpec) build() (Param, error) {
	typ, err := ParseType(ps.Type)
	if err != nil {
		return Param{}, fmt.Errorf("parameter %q: %w", ps.Name, err)
	}
	p := Param{Name: ps.Name, Type: typ, Required: ps.Required, DefaultRef: ps.DefaultRef}
	if ps.Default != nil {
		v, err := literalFromAny(ps.Default)
		if err != nil {
			return Param{}, fmt.Errorf("parameter %q default: %w", ps.Name, err)
		}
		p.Default = &v
	}
	return p, nil
}

// Build converts the spec into a Rule. Registry checks happen at registration.
func (rs RuleSpec) Build() (Rule, error) {
	rule := Rule{ID: rs.ID, Name: rs.Name, Event: rs.Event}

	if rs.Conditions != nil {
		tree, err := rs.Conditions.build()
		if err != nil {
			return Rule{}, &AuthoringError{Op: "parse rule", Subject: rs.ID, Err: err}
		}
		rule.Conditions = &tree
	}

	for i, ss := range rs.Actions {
		bindings, err := buildBindings(ss.Params)
		if err != nil {
			return Rule{}, authoringErr("parse rule", rs.ID, ErrInvalidDefinition, "step %d: %v", i, err)
		}
		rule.Actions = append(rule.Actions, Step{Action: ss.Action, Params: bindings, As: ss.As})
	}
	return rule, nil
}

func (ns NodeSpec) build() (Node, error) {
	set := 0
	if ns.All != nil {
		set++
	}
	if ns.Any != nil {
		set++
	}
	if ns.Not != nil {
		set++
	}
	if ns.Condition != "" {
		set++
	}
	if set != 1 {
		return Node{}, fmt.Errorf("%w: a node needs exactly one of all, any, not, condition", ErrInvalidConditionTree)
	}
	if ns.Condition == "" && len(ns.Params) > 0 {
		return Node{}, fmt.Errorf("%w: params are only allowed on a condition", ErrInvalidConditionTree)
	}

	switch {
	case ns.All != nil:
		children, err := buildChildren(*ns.All)
		return All(children...), err
	case ns.Any != nil:
		children, err := buildChildren(*ns.Any)
		return Any(children...), err
	case ns.Not != nil:
		child, err := ns.Not.build()
		return Not(child), err
	default:
		bindings, err := buildBindings(ns.Params)
		if err != nil {
			return Node{}, fmt.Errorf("condition %s: %w", ns.Condition, err)
		}
		return Cond(ns.Condition, bindings), nil
	}
}

func buildChildren(specs []NodeSpec) ([]Node, error) {
	children := make([]Node, 0, len(specs))
	for _, cs := range specs {
		child, err := cs.build()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

func buildBindings(specs map[string]BindingSpec) (Bindings, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make(Bindings, len(specs))
	for _, name := range sortedKeys(specs) {
		bs := specs[name]
		switch {
		case bs.Ref != "" && bs.Value != nil:
			return nil, fmt.Errorf("parameter %q: value and ref are mutually exclusive", name)
		case bs.Ref != "":
			out[name] = Ref(bs.Ref)
		case bs.Value != nil:
			v, err := literalFromAny(bs.Value)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", name, err)
			}
			out[name] = Lit(v)
		default:
			return nil, fmt.Errorf("parameter %q: binding needs a value or a ref", name)
		}
	}
	return out, nil
}

// SpecFromRule converts a Rule back into its serialized form
func SpecFromRule(r Rule) RuleSpec {
	rs := RuleSpec{ID: r.ID, Name: r.Name, Event: r.Event}
	if r.Conditions != nil {
		ns := specFromNode(*r.Conditions)
		rs.Conditions = &ns
	}
	for _, s := range r.Actions {
		rs.Actions = append(rs.Actions, StepSpec{Action: s.Action, Params: specFromBindings(s.Params), As: s.As})
	}
	return rs
}

func specFromNode(n Node) NodeSpec {
	children := func() *[]NodeSpec {
		out := make([]NodeSpec, len(n.Children))
		for i, c := range n.Children {
			out[i] = specFromNode(c)
		}
		return &out
	}
	switch n.Op {
	case OpAnd:
		return NodeSpec{All: children()}
	case OpOr:
		return NodeSpec{Any: children()}
	case OpNot:
		child := specFromNode(n.Children[0])
		return NodeSpec{Not: &child}
	default:
		return NodeSpec{Condition: n.Condition, Params: specFromBindings(n.Params)}
	}
}

func specFromBindings(b Bindings) map[string]BindingSpec {
	if len(b) == 0 {
		return nil
	}
	out := make(map[string]BindingSpec, len(b))
	for name, binding := range b {
		if binding.IsRef() {
			out[name] = BindingSpec{Ref: binding.Key()}
			continue
		}
		if lit, ok := binding.Literal(); ok {
			out[name] = BindingSpec{Value: lit.Interface()}
		}
	}
	return out
}
