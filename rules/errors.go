package rules

import (
	"errors"
	"fmt"
)

// Authoring errors are surfaced at registration or parameter-binding time.
// They indicate a mistake in a definition or rule, never a runtime condition.
var (
	ErrDuplicateConditionID     = errors.New("duplicate condition id")
	ErrDuplicateActionID        = errors.New("duplicate action id")
	ErrDuplicateRuleID          = errors.New("duplicate rule id")
	ErrUnknownConditionID       = errors.New("unknown condition id")
	ErrUnknownActionID          = errors.New("unknown action id")
	ErrUnknownParameter         = errors.New("unknown parameter")
	ErrParameterTypeMismatch    = errors.New("parameter type mismatch")
	ErrMissingRequiredParameter = errors.New("missing required parameter")
	ErrDuplicateKey             = errors.New("duplicate context key")
	ErrForwardReference         = errors.New("forward reference")
	ErrInvalidConditionTree     = errors.New("invalid condition tree")
	ErrInvalidDefinition        = errors.New("invalid definition")
	ErrEngineSealed             = errors.New("engine is sealed: registration is closed")
)

// Context store errors
var (
	ErrMissingKey   = errors.New("missing context key")
	ErrTypeMismatch = errors.New("context value type mismatch")
)

// AuthoringError describes which definition, rule or step an authoring error belongs to
type AuthoringError struct {
	Op      string // e.g. "register rule", "bind"
	Subject string // rule, condition or action identifier
	Detail  string
	Err     error
}

func (e *AuthoringError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %v: %s", e.Op, e.Subject, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Subject, e.Err)
}

func (e *AuthoringError) Unwrap() error {
	return e.Err
}

func authoringErr(op, subject string, err error, format string, args ...any) error {
	return &AuthoringError{Op: op, Subject: subject, Detail: fmt.Sprintf(format, args...), Err: err}
}

// ActionFailure wraps the failure of an action executor, typically an error from an
// external capability such as a mail server or HTTP API.
type ActionFailure struct {
	ActionID string
	Reason   string
	Err      error
}

func (e *ActionFailure) Error() string {
	return fmt.Sprintf("action %s failed: %s", e.ActionID, e.Reason)
}

func (e *ActionFailure) Unwrap() error {
	return e.Err
}

// IsAuthoringError reports whether err is a programmer error in a definition or rule
func IsAuthoringError(err error) bool {
	var ae *AuthoringError
	if errors.As(err, &ae) {
		return true
	}
	for _, target := range []error{
		ErrDuplicateConditionID, ErrDuplicateActionID, ErrDuplicateRuleID,
		ErrUnknownConditionID, ErrUnknownActionID, ErrUnknownParameter,
		ErrParameterTypeMismatch, ErrMissingRequiredParameter, ErrDuplicateKey,
		ErrForwardReference, ErrInvalidConditionTree, ErrInvalidDefinition,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
