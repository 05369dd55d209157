package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/attune-health/attune/internal/store"
	"github.com/attune-health/attune/pkg/models"
)

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	s := models.NewSession("s1", "welcome")
	if err := m.CreateSession(ctx, s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Creating the same id again conflicts.
	if err := m.CreateSession(ctx, s); err == nil {
		t.Error("duplicate create accepted")
	}

	got, err := m.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.CurrentState != "welcome" {
		t.Errorf("CurrentState = %q, want welcome", got.CurrentState)
	}

	got.CurrentState = "vision"
	got.Flags.Set(models.FlagIntentStated)
	if err := m.SaveSession(ctx, got); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	again, err := m.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if again.CurrentState != "vision" || !again.Flags.IntentStated {
		t.Error("save did not persist mutation")
	}

	if err := m.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := m.GetSession(ctx, "s1"); !store.IsNotFound(err) {
		t.Errorf("after delete err = %v, want not-found", err)
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	if _, err := m.GetSession(ctx, "ghost"); !store.IsNotFound(err) {
		t.Errorf("GetSession err = %v, want not-found", err)
	}
	if err := m.SaveSession(ctx, models.NewSession("ghost", "welcome")); !store.IsNotFound(err) {
		t.Errorf("SaveSession err = %v, want not-found", err)
	}
	if err := m.DeleteSession(ctx, "ghost"); !store.IsNotFound(err) {
		t.Errorf("DeleteSession err = %v, want not-found", err)
	}
}

func TestGetSessionReturnsIsolatedCopy(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	s := models.NewSession("s1", "welcome")
	if err := m.CreateSession(ctx, s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Mutating a checked-out copy must not leak into the store until
	// the copy is saved back.
	copy1, _ := m.GetSession(ctx, "s1")
	copy1.CurrentState = "seek_body"
	copy1.Loops["seek_body"] = 2
	copy1.Flags.Set(models.FlagProblemNamed)

	copy2, _ := m.GetSession(ctx, "s1")
	if copy2.CurrentState != "welcome" {
		t.Errorf("uncommitted state leaked: %q", copy2.CurrentState)
	}
	if len(copy2.Loops) != 0 {
		t.Errorf("uncommitted loop counters leaked: %v", copy2.Loops)
	}
	if copy2.Flags.ProblemNamed {
		t.Error("uncommitted flag leaked")
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	for i, id := range []string{"a", "b", "c"} {
		s := models.NewSession(id, "welcome")
		s.CreatedAt = time.Date(2026, 8, 1, i, 0, 0, 0, time.UTC)
		if err := m.CreateSession(ctx, s); err != nil {
			t.Fatalf("CreateSession %s: %v", id, err)
		}
	}

	list, err := m.ListSessions(ctx, 2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != "c" || list[1].ID != "b" {
		t.Errorf("order = %s,%s want c,b", list[0].ID, list[1].ID)
	}
}
