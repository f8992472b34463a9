package rules

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// costLimit bounds CEL evaluation to prevent runaway expressions
const costLimit = 1000000

// NewExpressionCondition builds a condition whose evaluator is a CEL expression over
// its declared parameters. Integer, string, boolean and blob parameters map to CEL
// int, string, bool and bytes; entities are exposed as a map with id, kind and fields.
//
// Compilation happens here, so a malformed expression is an authoring error and
// never reaches Fire. A non-boolean result evaluates to false.
func NewExpressionCondition(id string, params []Param, expression string) (ConditionDefinition, error) {
	if err := validateParams(params); err != nil {
		return ConditionDefinition{}, authoringErr("compile condition", id, ErrInvalidDefinition, "%v", err)
	}

	opts := make([]cel.EnvOption, 0, len(params))
	for _, p := range params {
		opts = append(opts, cel.Variable(p.Name, celType(p.Type)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return ConditionDefinition{}, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return ConditionDefinition{}, authoringErr("compile condition", id, ErrInvalidDefinition, "compile error: %v", issues.Err())
	}

	prog, err := env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return ConditionDefinition{}, authoringErr("compile condition", id, ErrInvalidDefinition, "program creation error: %v", err)
	}

	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}

	return ConditionDefinition{
		ID:     id,
		Label:  expression,
		Params: params,
		Evaluate: func(ctx context.Context, args Args) (bool, error) {
			activation := make(map[string]any, len(names))
			for _, name := range names {
				if v, ok := args.Value(name); ok {
					activation[name] = celValue(v)
				}
			}

			out, _, err := prog.ContextEval(ctx, activation)
			if err != nil {
				return false, fmt.Errorf("evaluate expression: %w", err)
			}

			matched, ok := out.Value().(bool)
			return ok && matched, nil
		},
	}, nil
}

func celType(t Type) *cel.Type {
	switch t.Kind {
	case KindInt:
		return cel.IntType
	case KindString:
		return cel.StringType
	case KindBool:
		return cel.BoolType
	case KindBlob:
		return cel.BytesType
	default:
		return cel.DynType
	}
}

func celValue(v Value) any {
	switch v.Type().Kind {
	case KindEntity:
		e := v.Entity()
		fields := make(map[string]any, len(e.Fields))
		for k, f := range e.Fields {
			fields[k] = f
		}
		return map[string]any{
			"id":     e.ID,
			"kind":   e.Kind,
			"fields": fields,
		}
	default:
		return v.Interface()
	}
}
