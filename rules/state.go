package rules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// State is the lifecycle state of one rule evaluation
type State int

const (
	StateIdle State = iota
	StateConditionsEvaluating
	StateConditionsNotMet
	StateActionsExecuting
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:                 "idle",
	StateConditionsEvaluating: "conditions_evaluating",
	StateConditionsNotMet:     "conditions_not_met",
	StateActionsExecuting:     "actions_executing",
	StateCompleted:            "completed",
	StateFailed:               "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateConditionsNotMet || s == StateCompleted || s == StateFailed
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st, n := range stateNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", name)
}

var transitions = map[State][]State{
	StateIdle:                 {StateConditionsEvaluating},
	StateConditionsEvaluating: {StateConditionsNotMet, StateActionsExecuting, StateFailed},
	StateActionsExecuting:     {StateCompleted, StateFailed},
}

// canTransition reports whether from -> to is a legal lifecycle step
func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// lifecycle tracks one evaluation's state. An illegal transition is a bug in the
// engine, so it panics rather than returning an error.
type lifecycle struct {
	state State
}

func (l *lifecycle) to(next State) {
	if !canTransition(l.state, next) {
		panic(fmt.Sprintf("rules: illegal state transition %s -> %s", l.state, next))
	}
	l.state = next
}

// Outcome reports how one rule evaluation ended
type Outcome struct {
	RuleID         string        `json:"rule_id"`
	Event          string        `json:"event"`
	State          State         `json:"state"`
	FailedActionID string        `json:"failed_action_id,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Err            error         `json:"-"`
	Context        Snapshot      `json:"context"`
	Duration       time.Duration `json:"duration_ns"`
}

// Failed reports whether the rule ended in the Failed state
func (o Outcome) Failed() bool { return o.State == StateFailed }

// LogValue groups the outcome's fields for structured logging
func (o Outcome) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("rule_id", o.RuleID),
		slog.String("event", o.Event),
		slog.String("state", o.State.String()),
		slog.Duration("duration", o.Duration),
	}
	if o.FailedActionID != "" {
		attrs = append(attrs, slog.String("failed_action_id", o.FailedActionID))
	}
	if o.Reason != "" {
		attrs = append(attrs, slog.String("reason", o.Reason))
	}
	return slog.GroupValue(attrs...)
}

// Observer receives engine notifications. Implementations must be safe for
// concurrent use when Fire is called concurrently.
type Observer interface {
	EventFired(event string, matched int)
	RuleFinished(o Outcome)
}

type nopObserver struct{}

func (nopObserver) EventFired(string, int) {}
func (nopObserver) RuleFinished(Outcome) {}
