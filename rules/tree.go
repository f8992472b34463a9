package rules

import (
	"context"
	"fmt"
	"strings"
)

// Op is the operator of a condition tree node
type Op string

const (
	OpLeaf Op = "condition"
	OpAnd  Op = "all"
	OpOr   Op = "any"
	OpNot  Op = "not"
)

// Node is a condition expression tree.
// A leaf references a registered condition with bound parameters; internal nodes
// combine children with AND, OR or NOT.
type Node struct {
	Op        Op
	Condition string
	Params    Bindings
	Children  []Node
}

// Cond builds a leaf node
func Cond(id string, params Bindings) Node {
	return Node{Op: OpLeaf, Condition: id, Params: params}
}

// All builds an AND node. An AND with no children is true.
func All(children ...Node) Node {
	return Node{Op: OpAnd, Children: children}
}

// Any builds an OR node. An OR with no children is false.
func Any(children ...Node) Node {
	return Node{Op: OpOr, Children: children}
}

// Not builds a NOT node
func Not(child Node) Node {
	return Node{Op: OpNot, Children: []Node{child}}
}

// String renders the tree in a compact prefix form, e.g. all(a, not(b))
func (n Node) String() string {
	switch n.Op {
	case OpLeaf:
		return n.Condition
	case OpAnd, OpOr, OpNot:
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			parts[i] = c.String()
		}
		return fmt.Sprintf("%s(%s)", n.Op, strings.Join(parts, ", "))
	default:
		return "invalid"
	}
}

// Leaves returns the condition ids referenced by the tree in declared order
func (n Node) Leaves() []string {
	var out []string
	n.walk(func(leaf Node) { out = append(out, leaf.Condition) })
	return out
}

func (n Node) walk(fn func(leaf Node)) {
	if n.Op == OpLeaf {
		fn(n)
		return
	}
	for _, c := range n.Children {
		c.walk(fn)
	}
}

// validate checks the tree shape and every leaf against the registry
func (n Node) validate(ruleID string, conditions *ConditionRegistry) error {
	switch n.Op {
	case OpLeaf:
		def, ok := conditions.Get(n.Condition)
		if !ok {
			return authoringErr("register rule", ruleID, ErrUnknownConditionID, "%q", n.Condition)
		}
		if len(n.Children) > 0 {
			return authoringErr("register rule", ruleID, ErrInvalidConditionTree, "leaf %q has children", n.Condition)
		}
		if err := checkBindings(n.Condition, def.Params, n.Params); err != nil {
			return &AuthoringError{Op: "register rule", Subject: ruleID, Detail: "condition " + n.Condition, Err: err}
		}
		return nil
	case OpNot:
		if len(n.Children) != 1 {
			return authoringErr("register rule", ruleID, ErrInvalidConditionTree, "not requires exactly one child, got %d", len(n.Children))
		}
	case OpAnd, OpOr:
	default:
		return authoringErr("register rule", ruleID, ErrInvalidConditionTree, "unknown operator %q", n.Op)
	}
	for _, c := range n.Children {
		if err := c.validate(ruleID, conditions); err != nil {
			return err
		}
	}
	return nil
}

// evaluate walks the tree strictly in declared order, short-circuiting AND on the
// first false child and OR on the first true child.
func (n Node) evaluate(ctx context.Context, conditions *ConditionRegistry, store *ContextStore) (bool, error) {
	switch n.Op {
	case OpLeaf:
		return conditions.Evaluate(ctx, n.Condition, n.Params, store)
	case OpAnd:
		for _, c := range n.Children {
			ok, err := c.evaluate(ctx, conditions, store)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, c := range n.Children {
			ok, err := c.evaluate(ctx, conditions, store)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		ok, err := n.Children[0].evaluate(ctx, conditions, store)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidConditionTree, n.Op)
	}
}
