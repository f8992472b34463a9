package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/liamcoop/socialrules/rules"

// Engine holds the condition and action registries and the rules bound to events.
//
// Registration is guarded by a mutex and closes on Seal or the first Fire. After
// that the registries and rule lists are immutable, so Fire takes no locks and may
// be called concurrently.
type Engine struct {
	mu         sync.Mutex
	sealed     atomic.Bool
	conditions *ConditionRegistry
	actions    *ActionRegistry
	rules      []Rule
	ruleIndex  map[string]int
	byEvent    map[string][]int

	logger        *slog.Logger
	observer      Observer
	actionTimeout time.Duration
	tracer        trace.Tracer
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver registers an observer notified of every fired event and finished rule
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithActionTimeout bounds each action executor call. Zero disables the bound.
func WithActionTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.actionTimeout = d
	}
}

// NewEngine creates an empty, unsealed engine
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		conditions: NewConditionRegistry(),
		actions:    NewActionRegistry(),
		ruleIndex:  make(map[string]int),
		byEvent:    make(map[string][]int),
		logger:     slog.Default(),
		observer:   nopObserver{},
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterCondition adds a condition definition
func (e *Engine) RegisterCondition(def ConditionDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed.Load() {
		return &AuthoringError{Op: "register condition", Subject: def.ID, Err: ErrEngineSealed}
	}
	return e.conditions.Register(def)
}

// RegisterAction adds an action definition
func (e *Engine) RegisterAction(def ActionDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed.Load() {
		return &AuthoringError{Op: "register action", Subject: def.ID, Err: ErrEngineSealed}
	}
	return e.actions.Register(def)
}

// RegisterRule validates a rule against the registered definitions and binds it to
// its event. Rules for an event run in registration order.
func (e *Engine) RegisterRule(r Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed.Load() {
		return &AuthoringError{Op: "register rule", Subject: r.ID, Err: ErrEngineSealed}
	}
	if _, exists := e.ruleIndex[r.ID]; exists {
		return &AuthoringError{Op: "register rule", Subject: r.ID, Err: ErrDuplicateRuleID}
	}
	if err := r.validate(e.conditions, e.actions); err != nil {
		return err
	}

	r = cloneRule(r)
	e.ruleIndex[r.ID] = len(e.rules)
	e.byEvent[r.Event] = append(e.byEvent[r.Event], len(e.rules))
	e.rules = append(e.rules, r)
	return nil
}

// Seal closes registration. It is implied by the first Fire.
func (e *Engine) Seal() {
	if e.sealed.Load() {
		return
	}
	e.mu.Lock()
	e.sealed.Store(true)
	e.mu.Unlock()
}

// Sealed reports whether registration is closed
func (e *Engine) Sealed() bool {
	return e.sealed.Load()
}

// Rule returns a registered rule by id
func (e *Engine) Rule(id string) (Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i, ok := e.ruleIndex[id]
	if !ok {
		return Rule{}, false
	}
	return e.rules[i], true
}

// Rules returns all registered rules in registration order
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Conditions returns the registered condition definitions
func (e *Engine) Conditions() []ConditionDefinition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conditions.List()
}

// Actions returns the registered action definitions
func (e *Engine) Actions() []ActionDefinition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actions.List()
}

// Fire evaluates every rule bound to event, in registration order. Each rule gets its
// own context store seeded from initial, so no rule sees another's outputs.
//
// The outcome list always has one entry per bound rule. The returned error is nil
// unless a fatal engine error occurred (a provided output colliding with an existing
// context key); fatal errors from all rules are joined.
func (e *Engine) Fire(ctx context.Context, event string, initial map[string]Value) ([]Outcome, error) {
	e.Seal()

	for _, k := range sortedKeys(initial) {
		if !initial[k].IsValid() {
			return nil, fmt.Errorf("initial context: %w: %q has no value", ErrTypeMismatch, k)
		}
	}

	evaluationID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "rules.fire", trace.WithAttributes(
		attribute.String("rules.event", event),
		attribute.String("rules.evaluation_id", evaluationID),
	))
	defer span.End()

	bound := e.byEvent[event]
	e.observer.EventFired(event, len(bound))
	log := e.logger.With("event", event, "evaluation_id", evaluationID)
	log.Debug("event fired", "rules", len(bound))

	outcomes := make([]Outcome, 0, len(bound))
	var fatal []error
	for _, i := range bound {
		rule := e.rules[i]
		outcome, err := e.evaluateRule(ctx, rule, initial, log)
		outcomes = append(outcomes, outcome)
		if err != nil {
			fatal = append(fatal, fmt.Errorf("rule %s: %w", rule.ID, err))
		}
		e.observer.RuleFinished(outcome)
	}

	err := errors.Join(fatal...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fatal engine error")
	}
	return outcomes, err
}

// evaluateRule runs one rule's lifecycle. The returned error is non-nil only for a
// fatal engine error; the outcome describes everything else.
func (e *Engine) evaluateRule(ctx context.Context, rule Rule, initial map[string]Value, log *slog.Logger) (Outcome, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "rules.rule", trace.WithAttributes(attribute.String("rules.rule_id", rule.ID)))
	defer span.End()
	log = log.With("rule_id", rule.ID)

	lc := &lifecycle{state: StateIdle}
	store, _ := NewContextStoreFrom(initial)
	outcome := Outcome{RuleID: rule.ID, Event: rule.Event}

	finish := func(state State, failedAction string, cause error) Outcome {
		lc.to(state)
		outcome.State = state
		outcome.FailedActionID = failedAction
		if cause != nil {
			outcome.Reason = failureReason(cause)
			outcome.Err = cause
			span.RecordError(cause)
			span.SetStatus(codes.Error, outcome.Reason)
		}
		outcome.Context = store.Snapshot()
		outcome.Duration = time.Since(start)
		span.SetAttributes(attribute.String("rules.state", state.String()))
		return outcome
	}

	lc.to(StateConditionsEvaluating)
	if rule.Conditions != nil {
		met, err := rule.Conditions.evaluate(ctx, e.conditions, store)
		if err != nil {
			log.Warn("condition evaluation failed", "error", err)
			return finish(StateFailed, "", err), nil
		}
		if !met {
			log.Debug("conditions not met")
			return finish(StateConditionsNotMet, "", nil), nil
		}
	}

	lc.to(StateActionsExecuting)
	for _, step := range rule.Actions {
		if err := ctx.Err(); err != nil {
			log.Warn("evaluation cancelled", "action", step.Action, "error", err)
			return finish(StateFailed, step.Action, err), nil
		}
		if err := e.executeStep(ctx, step, store); err != nil {
			if isMergeCollision(err) {
				log.Error("duplicate context key", "action", step.Action, "error", err)
				return finish(StateFailed, step.Action, err), err
			}
			log.Warn("action failed", "action", step.Action, "error", err)
			return finish(StateFailed, step.Action, err), nil
		}
	}

	o := finish(StateCompleted, "", nil)
	log.Debug("rule completed", "duration", o.Duration)
	return o, nil
}

func (e *Engine) executeStep(ctx context.Context, step Step, store *ContextStore) error {
	ctx, span := e.tracer.Start(ctx, "rules.action", trace.WithAttributes(attribute.String("rules.action_id", step.Action)))
	defer span.End()

	if e.actionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.actionTimeout)
		defer cancel()
	}

	err := e.actions.Execute(ctx, step.Action, step.Params, step.As, store)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// isMergeCollision reports a provided output colliding with an existing key at merge
// time. Statically detected duplicates are authoring errors and never reach Fire, and
// an executor's own error is an ActionFailure even when it wraps ErrDuplicateKey.
func isMergeCollision(err error) bool {
	var ae *AuthoringError
	var af *ActionFailure
	return errors.Is(err, ErrDuplicateKey) && !errors.As(err, &ae) && !errors.As(err, &af)
}

func failureReason(err error) string {
	var failure *ActionFailure
	if errors.As(err, &failure) {
		return failure.Reason
	}
	return err.Error()
}

func cloneRule(r Rule) Rule {
	out := r
	if r.Conditions != nil {
		tree := cloneNode(*r.Conditions)
		out.Conditions = &tree
	}
	out.Actions = make([]Step, len(r.Actions))
	for i, s := range r.Actions {
		out.Actions[i] = Step{Action: s.Action, Params: cloneBindings(s.Params), As: cloneStrings(s.As)}
	}
	return out
}

func cloneNode(n Node) Node {
	out := Node{Op: n.Op, Condition: n.Condition, Params: cloneBindings(n.Params)}
	if len(n.Children) > 0 {
		out.Children = make([]Node, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = cloneNode(c)
		}
	}
	return out
}

func cloneBindings(b Bindings) Bindings {
	if b == nil {
		return nil
	}
	out := make(Bindings, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
