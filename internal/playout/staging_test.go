package playout

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/streamhost/streamhost/internal/catalog"
	"github.com/streamhost/streamhost/internal/events"
	"github.com/streamhost/streamhost/internal/models"
	"github.com/streamhost/streamhost/internal/queue"
)

type stagingEnv struct {
	db      *gorm.DB
	store   *queue.Store
	catalog *catalog.Service
	bus     *events.Bus
	dir     string
}

func newStagingEnv(t *testing.T) *stagingEnv {
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
	return &stagingEnv{
		db:      db,
		store:   store,
		catalog: catalog.NewService(db, bus, zerolog.Nop()),
		bus:     bus,
		dir:     t.TempDir(),
	}
}

// addMedia creates a media row; when onDisk is true a real file backs it.
func (e *stagingEnv) addMedia(t *testing.T, id string, onDisk bool) models.MediaItem {
	t.Helper()

	path := filepath.Join(e.dir, id+".mp4")
	if onDisk {
		if err := os.WriteFile(path, []byte("not really video but plenty real enough"), 0o644); err != nil {
			t.Fatalf("write media file: %v", err)
		}
	}
	item := models.MediaItem{
		ID:        id,
		Title:     id,
		Genre:     "action",
		Duration:  10 * time.Minute,
		Path:      path,
		Available: true,
	}
	if err := e.db.Create(&item).Error; err != nil {
		t.Fatalf("create media: %v", err)
	}
	return item
}

func (e *stagingEnv) enqueue(t *testing.T, item models.MediaItem) models.QueueEntry {
	t.Helper()
	entry, err := e.store.Enqueue(context.Background(), queue.EnqueueRequest{
		Media:  item,
		Origin: models.OriginScheduler,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return entry
}

func TestStager_NextReturnsHeadInOrder(t *testing.T) {
	t.Parallel()

	env := newStagingEnv(t)
	first := env.enqueue(t, env.addMedia(t, "m1", true))
	second := env.enqueue(t, env.addMedia(t, "m2", true))

	stager := NewStager(env.store, env.catalog, nil, 2, env.bus, zerolog.Nop())
	got, err := stager.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.Entry.ID != first.ID {
		t.Fatalf("staged wrong head: got=%q want=%q", got.Entry.ID, first.ID)
	}

	got, err = stager.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.Entry.ID != second.ID {
		t.Fatalf("staged wrong second: got=%q want=%q", got.Entry.ID, second.ID)
	}
}

func TestStager_MissingFileFailsEntryAndAdvances(t *testing.T) {
	t.Parallel()

	env := newStagingEnv(t)
	missing := env.enqueue(t, env.addMedia(t, "gone", false))
	healthy := env.enqueue(t, env.addMedia(t, "ok", true))

	failures := env.bus.Subscribe(events.EventStagingFailed)
	stager := NewStager(env.store, env.catalog, nil, 1, env.bus, zerolog.Nop())

	got, err := stager.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.Entry.ID != healthy.ID {
		t.Fatalf("expected stager to advance past missing file, got %q", got.Entry.ID)
	}

	var entry models.QueueEntry
	if err := env.db.First(&entry, "id = ?", missing.ID).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.Status != models.EntryFailed {
		t.Fatalf("missing-file entry status: got=%s want=failed", entry.Status)
	}

	select {
	case payload := <-failures:
		if payload["entry_id"] != missing.ID {
			t.Fatalf("failure event for wrong entry: %v", payload["entry_id"])
		}
	default:
		t.Fatal("no staging failure event published")
	}
}

func TestStager_EmptyQueue(t *testing.T) {
	t.Parallel()

	env := newStagingEnv(t)
	stager := NewStager(env.store, env.catalog, nil, 2, env.bus, zerolog.Nop())
	if _, err := stager.Next(context.Background()); !errors.Is(err, ErrNothingStaged) {
		t.Fatalf("expected ErrNothingStaged, got %v", err)
	}
}

func TestStager_FlushRestagesFromCurrentQueue(t *testing.T) {
	t.Parallel()

	env := newStagingEnv(t)
	old := env.enqueue(t, env.addMedia(t, "old", true))

	stager := NewStager(env.store, env.catalog, nil, 1, env.bus, zerolog.Nop())
	if err := stager.Fill(context.Background()); err != nil {
		t.Fatalf("fill: %v", err)
	}

	// An urgent entry jumps the order; the stale window must be discarded.
	urgent, err := env.store.Enqueue(context.Background(), queue.EnqueueRequest{
		Media:    env.addMedia(t, "urgent", true),
		Priority: 10,
		Origin:   models.OriginManual,
	})
	if err != nil {
		t.Fatalf("enqueue urgent: %v", err)
	}

	stager.Flush()
	got, err := stager.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.Entry.ID != urgent.ID {
		t.Fatalf("expected restage to pick urgent entry, got %q (not %q)", got.Entry.ID, old.ID)
	}
}
