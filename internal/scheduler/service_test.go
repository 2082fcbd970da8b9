package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/streamhost/streamhost/internal/catalog"
	"github.com/streamhost/streamhost/internal/config"
	"github.com/streamhost/streamhost/internal/events"
	"github.com/streamhost/streamhost/internal/models"
	"github.com/streamhost/streamhost/internal/queue"
)

func newTestService(t *testing.T, rules config.Rules) (*Service, *queue.Store, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(&models.MediaItem{}, &models.QueueEntry{}, &models.PlayHistory{})
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	bus := events.NewBus()
	store, err := queue.NewStore(db, bus, zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	cfg := &config.Config{
		MinGapBetweenRepeats:    time.Hour,
		MaxConsecutiveSameGenre: 1,
		ScheduleHorizon:         30 * time.Minute,
		QueueLowWater:           3,
		RefillInterval:          time.Minute,
	}
	svc := New(catalog.NewService(db, bus, zerolog.Nop()), store, rules, cfg, bus, zerolog.Nop())
	svc.seed = func() int64 { return 1 }
	return svc, store, db
}

func seedMedia(t *testing.T, db *gorm.DB, id, genre string, dur time.Duration) {
	t.Helper()
	err := db.Create(&models.MediaItem{
		ID:        id,
		Title:     id,
		Genre:     genre,
		Duration:  dur,
		Path:      "/media/" + id + ".mp4",
		Available: true,
	}).Error
	if err != nil {
		t.Fatalf("seed media %s: %v", id, err)
	}
}

func TestService_GenerateEmptyCatalog(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, config.Rules{})
	_, err := svc.Generate(context.Background(), 30*time.Minute)
	if !errors.Is(err, ErrCatalogEmpty) {
		t.Fatalf("expected ErrCatalogEmpty, got %v", err)
	}
}

func TestService_GenerateCoversHorizonWithoutGenreRuns(t *testing.T) {
	t.Parallel()

	svc, store, db := newTestService(t, config.Rules{})
	seedMedia(t, db, "a1", "action", 10*time.Minute)
	seedMedia(t, db, "a2", "action", 10*time.Minute)
	seedMedia(t, db, "c1", "comedy", 10*time.Minute)

	added, err := svc.Generate(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(added) < 3 {
		t.Fatalf("expected at least 3 entries for a 30m horizon, got %d", len(added))
	}

	pending, err := store.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].Genre == pending[i-1].Genre {
			t.Fatalf("adjacent entries share genre at %d: %s then %s", i, pending[i-1].Title, pending[i].Title)
		}
	}
}

func TestService_RefillHonorsLowWaterMark(t *testing.T) {
	t.Parallel()

	svc, store, db := newTestService(t, config.Rules{})
	seedMedia(t, db, "a1", "action", 10*time.Minute)
	seedMedia(t, db, "c1", "comedy", 10*time.Minute)

	ctx := context.Background()
	if err := svc.Refill(ctx); err != nil {
		t.Fatalf("refill: %v", err)
	}
	depth, err := store.PendingDepth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth < svc.cfg.QueueLowWater {
		t.Fatalf("refill left queue below low water: depth=%d", depth)
	}

	// A full queue is left untouched.
	before, _ := store.Pending(ctx)
	if err := svc.Refill(ctx); err != nil {
		t.Fatalf("second refill: %v", err)
	}
	after, _ := store.Pending(ctx)
	if len(after) != len(before) {
		t.Fatalf("refill mutated a full queue: %d -> %d", len(before), len(after))
	}
}

func TestService_FixedSlotSeededOncePerOccurrence(t *testing.T) {
	t.Parallel()

	rules := config.Rules{
		Events: []config.ScheduledEvent{{
			Name:     "friday-night-action",
			Cron:     "0 20 * * 5",
			Genre:    "action",
			Priority: 10,
		}},
	}
	svc, store, db := newTestService(t, rules)
	seedMedia(t, db, "a1", "action", 10*time.Minute)
	seedMedia(t, db, "c1", "comedy", 10*time.Minute)

	// Pin the clock so the next Friday 20:00 is inside the horizon.
	base := time.Date(2026, 1, 2, 19, 0, 0, 0, time.UTC) // a Friday
	svc.now = func() time.Time { return base }

	ctx := context.Background()
	if _, err := svc.Generate(ctx, 2*time.Hour); err != nil {
		t.Fatalf("generate: %v", err)
	}

	countSlots := func() int {
		pending, err := store.Pending(ctx)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		n := 0
		for _, entry := range pending {
			if entry.Origin == models.OriginEvent {
				n++
				if entry.Priority != 10 {
					t.Fatalf("slot entry priority: got=%d want=10", entry.Priority)
				}
				if entry.ScheduledAt == nil || entry.ScheduledAt.Hour() != 20 {
					t.Fatalf("slot entry not pinned to 20:00: %v", entry.ScheduledAt)
				}
			}
		}
		return n
	}

	if got := countSlots(); got != 1 {
		t.Fatalf("expected one slot entry, got %d", got)
	}

	// The same occurrence is not seeded twice.
	if _, err := svc.Generate(ctx, 2*time.Hour); err != nil {
		t.Fatalf("second generate: %v", err)
	}
	if got := countSlots(); got != 1 {
		t.Fatalf("slot seeded twice, got %d entries", got)
	}
}

func TestService_CooldownRelaxedBeforeQueueRunsDry(t *testing.T) {
	t.Parallel()

	svc, store, db := newTestService(t, config.Rules{})
	played := time.Now().UTC().Add(-5 * time.Minute)
	err := db.Create(&models.MediaItem{
		ID:           "only",
		Title:        "only",
		Genre:        "action",
		Duration:     10 * time.Minute,
		Available:    true,
		LastPlayedAt: &played,
	}).Error
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	added, err := svc.Generate(context.Background(), 20*time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(added) == 0 {
		t.Fatal("generation stalled with every item in cooldown")
	}

	depth, err := store.PendingDepth(context.Background())
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth == 0 {
		t.Fatal("queue left empty")
	}
}
