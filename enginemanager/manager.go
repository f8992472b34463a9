// Package enginemanager owns the live rule engine. Registration only ever happens on
// a freshly built engine, which is swapped in atomically once it is complete, so
// in-flight Fire calls keep using the engine they started with.
package enginemanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liamcoop/socialrules/rules"
)

// ErrNotLoaded is returned before the first successful Reload
var ErrNotLoaded = errors.New("rule engine not loaded")

// Builder returns a new, unsealed engine with its condition and action definitions
// registered but no rules
type Builder func() (*rules.Engine, error)

// Stats describes the engine produced by a reload
type Stats struct {
	Rules      int       `json:"rules"`
	Conditions int       `json:"conditions"`
	Actions    int       `json:"actions"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// Manager builds engines from the built-ins, an optional rules file and a rule store
type Manager struct {
	build     Builder
	store     rules.RuleStore
	rulesFile string
	logger    *slog.Logger

	reloadMu sync.Mutex
	current  atomic.Pointer[rules.Engine]
	stats    atomic.Pointer[Stats]
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger used for reload reporting
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRulesFile adds a YAML or JSON rule document loaded on every reload.
// Its conditions are registered before stored rules, so stored rules may use them.
func WithRulesFile(path string) Option {
	return func(m *Manager) {
		m.rulesFile = path
	}
}

// New creates a manager. Call Reload before Fire.
func New(build Builder, store rules.RuleStore, opts ...Option) *Manager {
	m := &Manager{
		build:  build,
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reload builds a new engine from the current rule sources and swaps it in.
// On any error the previous engine stays live.
func (m *Manager) Reload(ctx context.Context) (Stats, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	start := time.Now()
	doc, err := m.document(ctx)
	if err != nil {
		return Stats{}, err
	}

	engine, err := m.compile(doc)
	if err != nil {
		m.logger.Error("rule reload failed", "error", err)
		return Stats{}, err
	}
	engine.Seal()

	stats := Stats{
		Rules:      len(engine.Rules()),
		Conditions: len(engine.Conditions()),
		Actions:    len(engine.Actions()),
		LoadedAt:   time.Now().UTC(),
	}
	m.current.Store(engine)
	m.stats.Store(&stats)

	m.logger.Info("rule engine loaded",
		"rules", stats.Rules,
		"conditions", stats.Conditions,
		"actions", stats.Actions,
		"duration", time.Since(start))
	return stats, nil
}

// Check reports whether the current rule sources plus candidate would compile.
// Nothing is swapped in.
func (m *Manager) Check(ctx context.Context, candidate rules.RuleSpec, replacing string) error {
	doc, err := m.document(ctx)
	if err != nil {
		return err
	}

	kept := doc.Rules[:0]
	for _, rs := range doc.Rules {
		if rs.ID != replacing {
			kept = append(kept, rs)
		}
	}
	doc.Rules = append(kept, candidate)

	_, err = m.compile(doc)
	return err
}

func (m *Manager) document(ctx context.Context) (*rules.Document, error) {
	doc := &rules.Document{}
	if m.rulesFile != "" {
		fileDoc, err := rules.LoadDocumentFile(m.rulesFile)
		if err != nil {
			return nil, err
		}
		doc.Merge(fileDoc)
	}
	if m.store != nil {
		stored, err := rules.DocumentFromStore(ctx, m.store)
		if err != nil {
			return nil, fmt.Errorf("failed to load stored rules: %w", err)
		}
		doc.Merge(stored)
	}
	return doc, nil
}

func (m *Manager) compile(doc *rules.Document) (*rules.Engine, error) {
	engine, err := m.build()
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}
	if err := doc.Register(engine); err != nil {
		return nil, err
	}
	return engine, nil
}

// Engine returns the live engine, or nil before the first Reload
func (m *Manager) Engine() *rules.Engine {
	return m.current.Load()
}

// Stats returns the statistics of the live engine
func (m *Manager) Stats() (Stats, bool) {
	s := m.stats.Load()
	if s == nil {
		return Stats{}, false
	}
	return *s, true
}

// Fire dispatches event on the live engine
func (m *Manager) Fire(ctx context.Context, event string, initial map[string]rules.Value) ([]rules.Outcome, error) {
	engine := m.current.Load()
	if engine == nil {
		return nil, ErrNotLoaded
	}
	return engine.Fire(ctx, event, initial)
}
