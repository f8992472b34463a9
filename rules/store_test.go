package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func storedRule(t *testing.T, id, event string) *StoredRule {
	t.Helper()
	sr, err := NewStoredRule(RuleSpec{ID: id, Event: event, Actions: []StepSpec{{Action: "send"}}})
	if err != nil {
		t.Fatalf("NewStoredRule() failed: %v", err)
	}
	return sr
}

// TestRuleStoreInterfaceExists verifies at compile time that both stores implement RuleStore
func TestRuleStoreInterfaceExists(t *testing.T) {
	var _ RuleStore = (*InMemoryRuleStore)(nil)
	var _ RuleStore = (*PostgresRuleStore)(nil)
}

func TestInMemoryRuleStoreAdd(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	rule := storedRule(t, "welcome", "user_login")
	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	retrieved, err := store.Get(ctx, "welcome")
	if err != nil {
		t.Fatalf("Get() failed after Add(): %v", err)
	}
	if retrieved.Event != "user_login" || !retrieved.Active {
		t.Errorf("Retrieved rule = %+v", retrieved)
	}

	spec, err := retrieved.Spec()
	if err != nil {
		t.Fatalf("Spec() failed: %v", err)
	}
	if spec.ID != "welcome" || len(spec.Actions) != 1 {
		t.Errorf("Spec() = %+v", spec)
	}
}

func TestInMemoryRuleStoreAddDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	if err := store.Add(ctx, storedRule(t, "dup", "e")); err != nil {
		t.Fatalf("First Add() failed: %v", err)
	}
	err := store.Add(ctx, storedRule(t, "dup", "e"))
	if !errors.Is(err, ErrRuleExists) {
		t.Errorf("Add() duplicate error = %v, want ErrRuleExists", err)
	}
}

func TestInMemoryRuleStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Get() error = %v, want ErrRuleNotFound", err)
	}
	if err := store.Update(ctx, storedRule(t, "missing", "e")); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Update() error = %v, want ErrRuleNotFound", err)
	}
	if err := store.Delete(ctx, "missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Delete() error = %v, want ErrRuleNotFound", err)
	}
}

func TestInMemoryRuleStoreTimestamps(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	rule := storedRule(t, "ts", "e")
	before := time.Now().UTC()
	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if rule.CreatedAt.Before(before) || !rule.CreatedAt.Equal(rule.UpdatedAt) {
		t.Errorf("timestamps not set on Add: %v / %v", rule.CreatedAt, rule.UpdatedAt)
	}
	created := rule.CreatedAt

	time.Sleep(5 * time.Millisecond)
	update := storedRule(t, "ts", "user_login")
	if err := store.Update(ctx, update); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	got, _ := store.Get(ctx, "ts")
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed on update: %v, want %v", got.CreatedAt, created)
	}
	if !got.UpdatedAt.After(created) {
		t.Errorf("UpdatedAt %v should be after %v", got.UpdatedAt, created)
	}
	if got.Event != "user_login" {
		t.Errorf("Event = %s, want user_login", got.Event)
	}
}

func TestInMemoryRuleStoreListActiveOrder(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	for _, id := range []string{"zeta", "alpha", "mid", "off"} {
		rule := storedRule(t, id, "e")
		if id == "off" {
			rule.Active = false
		}
		if err := store.Add(ctx, rule); err != nil {
			t.Fatalf("Add(%s) failed: %v", id, err)
		}
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive() failed: %v", err)
	}
	want := []string{"zeta", "alpha", "mid"}
	if len(active) != len(want) {
		t.Fatalf("ListActive() returned %d rules, want %d", len(active), len(want))
	}
	for i, id := range want {
		if active[i].ID != id {
			t.Errorf("ListActive()[%d] = %s, want %s (creation order)", i, active[i].ID, id)
		}
	}

	all, _ := store.List(ctx)
	if len(all) != 4 {
		t.Errorf("List() returned %d rules, want 4", len(all))
	}
}

func TestInMemoryRuleStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	_ = store.Add(ctx, storedRule(t, "copy", "e"))

	got, _ := store.Get(ctx, "copy")
	got.Active = false
	got.Definition[0] = 'x'

	again, _ := store.Get(ctx, "copy")
	if !again.Active || again.Definition[0] != '{' {
		t.Error("mutating a returned rule changed the stored rule")
	}
}

func TestInMemoryRuleStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	_ = store.Add(ctx, storedRule(t, "gone", "e"))

	if err := store.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Get(ctx, "gone"); err == nil {
		t.Error("Get() after Delete() should fail")
	}
}

func TestInMemoryRuleStoreConcurrentReadWrite(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	pending := make([]*StoredRule, 20)
	for i := range pending {
		pending[i] = storedRule(t, fmt.Sprintf("rule_%d", i), "e")
	}

	var wg sync.WaitGroup
	for _, rule := range pending {
		wg.Add(2)
		go func(rule *StoredRule) {
			defer wg.Done()
			_ = store.Add(ctx, rule)
		}(rule)
		go func() {
			defer wg.Done()
			_, _ = store.ListActive(ctx)
		}()
	}
	wg.Wait()

	active, _ := store.ListActive(ctx)
	if len(active) != 20 {
		t.Errorf("ListActive() returned %d rules, want 20", len(active))
	}
}

func TestStoredRuleSpecIDMismatch(t *testing.T) {
	sr := storedRule(t, "one", "e")
	sr.ID = "two"
	if _, err := sr.Spec(); err == nil {
		t.Error("expected error when definition id differs from row id")
	}
}

func TestDocumentFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	_ = store.Add(ctx, storedRule(t, "first", "e"))
	_ = store.Add(ctx, storedRule(t, "second", "e"))

	doc, err := DocumentFromStore(ctx, store)
	if err != nil {
		t.Fatalf("DocumentFromStore() failed: %v", err)
	}
	if len(doc.Rules) != 2 || doc.Rules[0].ID != "first" || doc.Rules[1].ID != "second" {
		t.Errorf("DocumentFromStore() rules = %+v", doc.Rules)
	}
}
