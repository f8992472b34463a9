package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/liamcoop/socialrules/enginemanager"
	"github.com/liamcoop/socialrules/internal/metrics"
	"github.com/liamcoop/socialrules/rules"
)

type fakeDB struct{ err error }

func (f fakeDB) PingContext(context.Context) error { return f.err }

// greeter records every greeting it sends
type greeter struct {
	mu   sync.Mutex
	sent []string
}

func (g *greeter) build() (*rules.Engine, error) {
	e := rules.NewEngine()
	err := e.RegisterCondition(rules.ConditionDefinition{
		ID:     "is_admin",
		Params: []rules.Param{{Name: "user", Type: rules.TypeInt, Required: true}},
		Evaluate: func(_ context.Context, args rules.Args) (bool, error) {
			return args.Int("user") == 1, nil
		},
	})
	if err != nil {
		return nil, err
	}
	err = e.RegisterAction(rules.ActionDefinition{
		ID:       "greet",
		Params:   []rules.Param{{Name: "name", Type: rules.TypeString, Required: true}},
		Provides: []rules.Param{{Name: "greeting", Type: rules.TypeString}},
		Execute: func(_ context.Context, args rules.Args) (rules.Provided, error) {
			text := "hello " + args.String("name")
			g.mu.Lock()
			g.sent = append(g.sent, text)
			g.mu.Unlock()
			return rules.Provided{"greeting": rules.StringValue(text)}, nil
		},
	})
	return e, err
}

type testServer struct {
	*Server
	store   *rules.InMemoryRuleStore
	greeter *greeter
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	g := &greeter{}
	store := rules.NewInMemoryRuleStore()
	manager := enginemanager.New(g.build, store)
	if _, err := manager.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	m := metrics.New()
	s := NewServer(ServerDeps{DB: fakeDB{}, Store: store, Manager: manager, Metrics: m, MaxJSONBodySize: 4096})
	return &testServer{Server: s, store: store, greeter: g, metrics: m}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, rec.Body.String())
	}
	return out
}

const adminGreeting = `{
	"id": "greet_admin",
	"event": "user_login",
	"conditions": {"condition": "is_admin", "params": {"user": {"ref": "current_user"}}},
	"actions": [{"action": "greet", "params": {"name": {"ref": "name"}}}]
}`

const loginContext = `{"context": {
	"current_user": {"type": "integer", "value": 1},
	"name": {"type": "string", "value": "ada"}
}}`

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	health := decode[HealthResponse](t, rec)
	if health.Status != "healthy" || health.Engine == nil || health.Engine.Actions != 1 {
		t.Errorf("health = %+v", health)
	}
}

func TestHealthUnhealthy(t *testing.T) {
	t.Run("database down", func(t *testing.T) {
		ts := newTestServer(t)
		ts.db = fakeDB{err: errors.New("connection refused")}

		rec := ts.do(t, http.MethodGet, "/api/v1/health", "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
	})

	t.Run("engine not loaded", func(t *testing.T) {
		g := &greeter{}
		s := NewServer(ServerDeps{Store: rules.NewInMemoryRuleStore(), Manager: enginemanager.New(g.build, nil)})

		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}

		rec = httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/events/user_login", strings.NewReader(`{}`)))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("fire status = %d, want 503", rec.Code)
		}
	})
}

func TestCreateRuleAndFire(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/rules", adminGreeting)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[RuleResponse](t, rec)
	if created.ID != "greet_admin" || created.Event != "user_login" || !created.Active {
		t.Errorf("created = %+v", created)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/events/user_login", loginContext)
	if rec.Code != http.StatusOK {
		t.Fatalf("fire status = %d: %s", rec.Code, rec.Body.String())
	}

	var fired struct {
		Event    string `json:"event"`
		Outcomes []struct {
			RuleID  string                     `json:"rule_id"`
			State   string                     `json:"state"`
			Context map[string]json.RawMessage `json:"context"`
		} `json:"outcomes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &fired); err != nil {
		t.Fatalf("fire response: %v", err)
	}
	if len(fired.Outcomes) != 1 || fired.Outcomes[0].State != "completed" {
		t.Fatalf("outcomes = %+v", fired.Outcomes)
	}
	if _, ok := fired.Outcomes[0].Context["greeting"]; !ok {
		t.Errorf("final context is missing the provided greeting: %v", fired.Outcomes[0].Context)
	}
	if len(ts.greeter.sent) != 1 || ts.greeter.sent[0] != "hello ada" {
		t.Errorf("sent = %v", ts.greeter.sent)
	}

	// a non-admin does not meet the condition
	rec = ts.do(t, http.MethodPost, "/api/v1/events/user_login",
		`{"context": {"current_user": {"type": "integer", "value": 2}, "name": {"type": "string", "value": "bob"}}}`)
	if !strings.Contains(rec.Body.String(), `"state":"conditions_not_met"`) {
		t.Errorf("non-admin response = %s", rec.Body.String())
	}
	if len(ts.greeter.sent) != 1 {
		t.Errorf("greet ran for a non-admin: %v", ts.greeter.sent)
	}

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), `socialrules_rule_outcomes_total{rule="greet_admin",state="completed"} 1`) {
		t.Errorf("metrics missing the completed outcome:\n%s", rec.Body.String())
	}
}

func TestFireMergeCollisionReturnsOutcomes(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodPost, "/api/v1/rules", adminGreeting); rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	// greet provides "greeting", which the caller already supplied
	rec := ts.do(t, http.MethodPost, "/api/v1/events/user_login", `{"context": {
		"current_user": {"type": "integer", "value": 1},
		"name": {"type": "string", "value": "ada"},
		"greeting": {"type": "string", "value": "hi"}
	}}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500: %s", rec.Code, rec.Body.String())
	}

	var fired struct {
		Error    string `json:"error"`
		Outcomes []struct {
			RuleID string `json:"rule_id"`
			State  string `json:"state"`
		} `json:"outcomes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &fired); err != nil {
		t.Fatalf("fire response: %v", err)
	}
	if !strings.Contains(fired.Error, "duplicate context key") {
		t.Errorf("error = %q", fired.Error)
	}
	if len(fired.Outcomes) != 1 || fired.Outcomes[0].RuleID != "greet_admin" || fired.Outcomes[0].State != "failed" {
		t.Errorf("outcomes = %+v", fired.Outcomes)
	}
}

func TestCreateRuleRejected(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"unknown action", `{"id": "r", "event": "e", "actions": [{"action": "shout"}]}`, http.StatusUnprocessableEntity},
		{"missing required param", `{"id": "r", "event": "e", "actions": [{"action": "greet"}]}`, http.StatusUnprocessableEntity},
		{"no event", `{"id": "r", "actions": []}`, http.StatusBadRequest},
		{"unknown field", `{"id": "r", "event": "e", "priority": 3}`, http.StatusBadRequest},
		{"trailing data", `{"id": "r", "event": "e"} {}`, http.StatusBadRequest},
		{"too large", `{"id": "` + strings.Repeat("x", 5000) + `", "event": "e"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(t, http.MethodPost, "/api/v1/rules", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if stored, _ := ts.store.List(context.Background()); len(stored) != 0 {
				t.Errorf("rejected rule was stored: %v", stored)
			}
		})
	}
}

func TestCreateRuleConflict(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodPost, "/api/v1/rules", adminGreeting); rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/v1/rules", adminGreeting); rec.Code != http.StatusConflict {
		t.Fatalf("second create status = %d, want 409", rec.Code)
	}
}

func TestCreateRuleGeneratesID(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/rules", `{"event": "user_login", "active": false}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[RuleResponse](t, rec)
	if len(created.ID) != 36 || created.Active {
		t.Errorf("created = %+v", created)
	}
}

func TestGetAndListRules(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/v1/rules", adminGreeting)

	rec := ts.do(t, http.MethodGet, "/api/v1/rules/greet_admin", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	got := decode[RuleResponse](t, rec)
	var spec rules.RuleSpec
	if err := json.Unmarshal(got.Definition, &spec); err != nil || spec.Event != "user_login" {
		t.Errorf("definition = %s (%v)", got.Definition, err)
	}

	if rec := ts.do(t, http.MethodGet, "/api/v1/rules/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing rule status = %d, want 404", rec.Code)
	}

	list := decode[RulesListResponse](t, ts.do(t, http.MethodGet, "/api/v1/rules", ""))
	if len(list.Rules) != 1 || list.Rules[0].ID != "greet_admin" {
		t.Errorf("list = %+v", list)
	}
}

func TestUpdateRule(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/v1/rules", adminGreeting)

	// drop the condition so anyone is greeted
	rec := ts.do(t, http.MethodPut, "/api/v1/rules/greet_admin",
		`{"event": "user_login", "actions": [{"action": "greet", "params": {"name": {"value": "everyone"}}}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}

	ts.do(t, http.MethodPost, "/api/v1/events/user_login", `{"context": {}}`)
	if len(ts.greeter.sent) != 1 || ts.greeter.sent[0] != "hello everyone" {
		t.Errorf("sent = %v", ts.greeter.sent)
	}

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"id mismatch", "/api/v1/rules/greet_admin", `{"id": "other", "event": "user_login"}`, http.StatusBadRequest},
		{"missing", "/api/v1/rules/missing", `{"event": "user_login"}`, http.StatusNotFound},
		{"invalid", "/api/v1/rules/greet_admin", `{"event": "user_login", "actions": [{"action": "shout"}]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do(t, http.MethodPut, tt.path, tt.body); rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestDeleteRule(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/v1/rules", adminGreeting)

	if rec := ts.do(t, http.MethodDelete, "/api/v1/rules/greet_admin", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	fired := decode[FireResponse](t, ts.do(t, http.MethodPost, "/api/v1/events/user_login", loginContext))
	if len(fired.Outcomes) != 0 {
		t.Errorf("deleted rule still fires: %+v", fired.Outcomes)
	}
	if rec := ts.do(t, http.MethodDelete, "/api/v1/rules/greet_admin", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestFireInvalidContext(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"null value", `{"context": {"current_user": null}}`},
		{"unknown type", `{"context": {"current_user": {"type": "float", "value": 1.5}}}`},
		{"wrong value", `{"context": {"current_user": {"type": "integer", "value": "one"}}}`},
		{"not json", `context=1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/events/user_login", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestReloadAndEngineStats(t *testing.T) {
	ts := newTestServer(t)

	sr, err := rules.NewStoredRule(rules.RuleSpec{ID: "direct", Event: "user_login"})
	if err != nil {
		t.Fatalf("NewStoredRule() failed: %v", err)
	}
	if err := ts.store.Add(context.Background(), sr); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/engine/reload", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d: %s", rec.Code, rec.Body.String())
	}
	stats := decode[enginemanager.Stats](t, ts.do(t, http.MethodGet, "/api/v1/engine", ""))
	if stats.Rules != 1 || stats.Conditions != 1 {
		t.Errorf("stats = %+v", stats)
	}

	// a bad stored rule fails the reload and the old engine keeps serving
	bad := &rules.StoredRule{ID: "bad", Event: "user_login", Active: true,
		Definition: json.RawMessage(`{"id": "bad", "event": "user_login", "actions": [{"action": "shout"}]}`)}
	if err := ts.store.Add(context.Background(), bad); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if rec := ts.do(t, http.MethodPost, "/api/v1/engine/reload", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad reload status = %d, want 422", rec.Code)
	}
	fired := decode[FireResponse](t, ts.do(t, http.MethodPost, "/api/v1/events/user_login", `{"context": {}}`))
	if len(fired.Outcomes) != 1 || fired.Outcomes[0].RuleID != "direct" {
		t.Errorf("outcomes after failed reload = %+v", fired.Outcomes)
	}
}

func TestRequestIDHeaderIsAccepted(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events/unbound", bytes.NewBufferString(`{"context": {}}`))
	req.Header.Set("X-Request-Id", "abc-123")
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	fired := decode[FireResponse](t, rec)
	if fired.Event != "unbound" || len(fired.Outcomes) != 0 {
		t.Errorf("fired = %+v", fired)
	}
}
