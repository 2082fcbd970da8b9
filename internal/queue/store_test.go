package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/streamhost/streamhost/internal/events"
	"github.com/streamhost/streamhost/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.QueueEntry{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	store, err := NewStore(db, events.NewBus(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func mediaItem(id, title, genre string) models.MediaItem {
	return models.MediaItem{
		ID:       id,
		Title:    title,
		Genre:    genre,
		Duration: 3 * time.Minute,
	}
}

func TestStore_OrderingPriorityThenDueThenSequence(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	low, err := store.Enqueue(ctx, EnqueueRequest{Media: mediaItem("m1", "first", "rock"), Priority: 0})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	high, err := store.Enqueue(ctx, EnqueueRequest{Media: mediaItem("m2", "urgent", "jazz"), Priority: 5})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	due, err := store.Enqueue(ctx, EnqueueRequest{Media: mediaItem("m3", "slot", "news"), Priority: 0, ScheduledAt: &past})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	notDue, err := store.Enqueue(ctx, EnqueueRequest{Media: mediaItem("m4", "later", "pop"), Priority: 0, ScheduledAt: &future})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pending, err := store.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	want := []string{high.ID, due.ID, low.ID, notDue.ID}
	if len(pending) != len(want) {
		t.Fatalf("pending length: got=%d want=%d", len(pending), len(want))
	}
	for i, id := range want {
		if pending[i].ID != id {
			t.Fatalf("order mismatch at %d: got=%q (%s) want=%q", i, pending[i].ID, pending[i].Title, id)
		}
	}
}

func TestStore_AtMostOneActive(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, EnqueueRequest{Media: mediaItem("m1", "a", "rock")})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Enqueue(ctx, EnqueueRequest{Media: mediaItem("m2", "b", "jazz")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	active, err := store.Activate(ctx)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if active.ID != first.ID {
		t.Fatalf("activated wrong entry: got=%q want=%q", active.ID, first.ID)
	}

	if _, err := store.Activate(ctx); !errors.Is(err, ErrActiveExists) {
		t.Fatalf("expected ErrActiveExists, got %v", err)
	}

	if err := store.Finish(ctx, active.ID, models.EntryPlayed); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := store.Activate(ctx); err != nil {
		t.Fatalf("activate after finish: %v", err)
	}
}

func TestStore_ActivateEmptyQueue(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	if _, err := store.Activate(context.Background()); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestStore_FinishRequiresTerminalOutcome(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	entry, err := store.Enqueue(ctx, EnqueueRequest{Media: mediaItem("m1", "a", "rock")})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := store.Finish(ctx, entry.ID, models.EntryActive); err == nil {
		t.Fatal("expected error for non-terminal outcome")
	}
	if err := store.Finish(ctx, "missing", models.EntrySkipped); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Finish(ctx, entry.ID, models.EntrySkipped); err != nil {
		t.Fatalf("finish pending entry: %v", err)
	}
	// Terminal entries cannot be finished twice.
	if err := store.Finish(ctx, entry.ID, models.EntryPlayed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on terminal entry, got %v", err)
	}
}

func TestStore_RecoverStaleActiveOnStartup(t *testing.T) {
	t.Parallel()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.QueueEntry{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	stale := models.QueueEntry{
		ID:       "stale",
		MediaID:  "m1",
		Title:    "crashed mid-play",
		Sequence: 7,
		Status:   models.EntryActive,
		Origin:   models.OriginScheduler,
	}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	store, err := NewStore(db, events.NewBus(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	active, err := store.Active(context.Background())
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active != nil {
		t.Fatalf("expected stale entry demoted, still active: %q", active.ID)
	}

	// Sequence counter continues past recovered rows.
	entry, err := store.Enqueue(context.Background(), EnqueueRequest{Media: mediaItem("m2", "next", "rock")})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if entry.Sequence <= stale.Sequence {
		t.Fatalf("sequence did not resume: got=%d want>%d", entry.Sequence, stale.Sequence)
	}
}

func TestStore_RemoveAndSetPriorityOnlyPending(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	entry, err := store.Enqueue(ctx, EnqueueRequest{Media: mediaItem("m1", "a", "rock")})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := store.Remove(ctx, entry.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on active remove, got %v", err)
	}
	if err := store.SetPriority(ctx, entry.ID, 3); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on active reprioritize, got %v", err)
	}

	other, err := store.Enqueue(ctx, EnqueueRequest{Media: mediaItem("m2", "b", "jazz")})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.SetPriority(ctx, other.ID, 9); err != nil {
		t.Fatalf("set priority: %v", err)
	}
	if err := store.Remove(ctx, other.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	depth, err := store.PendingDepth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("expected empty pending set, depth=%d", depth)
	}
}
