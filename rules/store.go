package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrRuleExists   = errors.New("rule already exists")
)

// StoredRule is the persisted form of one rule. Definition holds the rule's JSON
// RuleSpec; Event and ID are duplicated out of it for querying.
type StoredRule struct {
	ID         string          `json:"id"`
	Event      string          `json:"event"`
	Definition json.RawMessage `json:"definition"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewStoredRule encodes spec as an active stored rule
func NewStoredRule(spec RuleSpec) (*StoredRule, error) {
	def, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode rule %s: %w", spec.ID, err)
	}
	return &StoredRule{ID: spec.ID, Event: spec.Event, Definition: def, Active: true}, nil
}

// Spec decodes the stored definition
func (r *StoredRule) Spec() (RuleSpec, error) {
	var spec RuleSpec
	if err := json.Unmarshal(r.Definition, &spec); err != nil {
		return RuleSpec{}, fmt.Errorf("decode rule %s: %w", r.ID, err)
	}
	if spec.ID != r.ID {
		return RuleSpec{}, fmt.Errorf("decode rule %s: definition has id %q", r.ID, spec.ID)
	}
	return spec, nil
}

// DocumentFromStore loads every active rule into one document, in creation order
func DocumentFromStore(ctx context.Context, store RuleStore) (*Document, error) {
	stored, err := store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	doc := &Document{}
	for _, sr := range stored {
		spec, err := sr.Spec()
		if err != nil {
			return nil, err
		}
		doc.Rules = append(doc.Rules, spec)
	}
	return doc, nil
}

// RuleStore manages rule persistence and retrieval
type RuleStore interface {
	// Add a new rule
	Add(ctx context.Context, rule *StoredRule) error

	// Get a rule by ID
	Get(ctx context.Context, id string) (*StoredRule, error)

	// ListActive returns active rules in creation order
	ListActive(ctx context.Context) ([]*StoredRule, error)

	// List returns all rules in creation order
	List(ctx context.Context) ([]*StoredRule, error)

	// Update an existing rule
	Update(ctx context.Context, rule *StoredRule) error

	// Delete a rule
	Delete(ctx context.Context, id string) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryRuleStore struct {
	rules map[string]*StoredRule
	seq   map[string]int
	next  int
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*StoredRule),
		seq:   make(map[string]int),
	}
}

// Add adds a new rule to the store and sets its timestamps
func (s *InMemoryRuleStore) Add(_ context.Context, rule *StoredRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRuleExists, rule.ID)
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = copyStored(rule)
	s.seq[rule.ID] = s.next
	s.next++
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(_ context.Context, id string) (*StoredRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return copyStored(rule), nil
}

// ListActive returns all active rules in creation order
func (s *InMemoryRuleStore) ListActive(_ context.Context) ([]*StoredRule, error) {
	return s.list(true), nil
}

// List returns all rules in creation order
func (s *InMemoryRuleStore) List(_ context.Context) ([]*StoredRule, error) {
	return s.list(false), nil
}

func (s *InMemoryRuleStore) list(activeOnly bool) []*StoredRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*StoredRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if activeOnly && !rule.Active {
			continue
		}
		out = append(out, copyStored(rule))
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out
}

// Update replaces an existing rule, preserving CreatedAt and its position
func (s *InMemoryRuleStore) Update(_ context.Context, rule *StoredRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	s.rules[rule.ID] = copyStored(rule)
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	delete(s.rules, id)
	delete(s.seq, id)
	return nil
}

func copyStored(r *StoredRule) *StoredRule {
	out := *r
	out.Definition = append(json.RawMessage(nil), r.Definition...)
	return &out
}
