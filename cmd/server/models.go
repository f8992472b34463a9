package main

import (
	"encoding/json"
	"time"

	"github.com/liamcoop/socialrules/enginemanager"
	"github.com/liamcoop/socialrules/rules"
)

// API request and response models

// RuleRequest is the body of POST /rules and PUT /rules/{ruleId}: a rule
// definition plus its active flag (default true)
type RuleRequest struct {
	rules.RuleSpec
	Active *bool `json:"active,omitempty"`
}

func (r RuleRequest) active(fallback bool) bool {
	if r.Active == nil {
		return fallback
	}
	return *r.Active
}

// RuleResponse represents a stored rule in API responses
type RuleResponse struct {
	ID         string          `json:"id" example:"profile_complete_reward"`
	Event      string          `json:"event" example:"profile_updated"`
	Active     bool            `json:"active" example:"true"`
	Definition json.RawMessage `json:"definition"`
	CreatedAt  time.Time       `json:"created_at" example:"2024-01-15T10:30:00Z"`
	UpdatedAt  time.Time       `json:"updated_at" example:"2024-01-15T10:30:00Z"`
}

func ruleResponse(sr *rules.StoredRule) RuleResponse {
	return RuleResponse{
		ID:         sr.ID,
		Event:      sr.Event,
		Active:     sr.Active,
		Definition: sr.Definition,
		CreatedAt:  sr.CreatedAt,
		UpdatedAt:  sr.UpdatedAt,
	}
}

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []RuleResponse `json:"rules"`
}

// FireRequest is the body of POST /events/{event}. Each context value is typed:
// {"current_user": {"type": "integer", "value": 7}}
type FireRequest struct {
	Context map[string]rules.Value `json:"context"`
}

// FireResponse lists one outcome per rule bound to the event.
// Error is set when a fatal merge collision failed the dispatch.
type FireResponse struct {
	Event          string          `json:"event" example:"profile_updated"`
	Outcomes       []rules.Outcome `json:"outcomes"`
	EvaluationTime string          `json:"evaluationTime" example:"2.3ms"`
	Error          string          `json:"error,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"rule not found"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string               `json:"status" example:"healthy"`
	Error  string               `json:"error,omitempty"`
	Engine *enginemanager.Stats `json:"engine,omitempty"`
}
