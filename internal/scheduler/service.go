/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamhost/streamhost/internal/catalog"
	"github.com/streamhost/streamhost/internal/config"
	"github.com/streamhost/streamhost/internal/events"
	"github.com/streamhost/streamhost/internal/models"
	"github.com/streamhost/streamhost/internal/queue"
	"github.com/streamhost/streamhost/internal/telemetry"
)

// ErrCatalogEmpty is returned when no available media exists to schedule.
var ErrCatalogEmpty = errors.New("media catalog has no available items")

// historyTail bounds how much realized history feeds genre-run decisions.
const historyTail = 16

// assumedDuration stands in for items with unknown length so horizon
// accounting always makes progress.
const assumedDuration = 3 * time.Minute

// Service fills the queue from the catalog under the configured playlist
// rules. Fixed slots from the rules file are seeded first, then rotation
// picks cover the rest of the horizon.
type Service struct {
	catalog *catalog.Service
	store   *queue.Store
	rules   config.Rules
	cfg     *config.Config
	bus     *events.Bus
	logger  zerolog.Logger

	mu     sync.Mutex
	seeded map[string]time.Time

	now  func() time.Time
	seed func() int64
}

// New constructs the scheduler service.
func New(cat *catalog.Service, store *queue.Store, rules config.Rules, cfg *config.Config, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		catalog: cat,
		store:   store,
		rules:   rules,
		cfg:     cfg,
		bus:     bus,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		seeded:  make(map[string]time.Time),
		now:     func() time.Time { return time.Now().UTC() },
		seed:    func() int64 { return time.Now().UnixNano() },
	}
}

// Run executes the refill loop until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RefillInterval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.cfg.RefillInterval).
		Int("low_water", s.cfg.QueueLowWater).
		Msg("scheduler loop started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler loop stopped")
			return ctx.Err()
		case <-ticker.C:
			telemetry.SchedulerTicksTotal.Inc()
			if err := s.Refill(ctx); err != nil && !errors.Is(err, ErrCatalogEmpty) {
				s.logger.Warn().Err(err).Msg("queue refill failed")
			}
		}
	}
}

// Refill tops the queue up when pending depth drops below the low-water
// mark. Existing pending and active entries are never removed.
func (s *Service) Refill(ctx context.Context) error {
	depth, err := s.store.PendingDepth(ctx)
	if err != nil {
		telemetry.SchedulerErrorsTotal.WithLabelValues("queue_depth").Inc()
		return fmt.Errorf("pending depth: %w", err)
	}
	if depth >= s.cfg.QueueLowWater {
		return nil
	}

	added, err := s.Generate(ctx, s.cfg.ScheduleHorizon)
	if err != nil {
		return err
	}
	s.logger.Info().Int("depth", depth).Int("added", len(added)).Msg("queue refilled")
	return nil
}

// Generate appends entries covering the requested horizon beyond what is
// already pending, and returns what it added. Fails only with
// ErrCatalogEmpty; rule conflicts degrade instead of erroring.
func (s *Service) Generate(ctx context.Context, horizon time.Duration) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "scheduler", "generate")
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]any{
		"horizon": horizon.String(),
	})

	started := time.Now()
	defer func() {
		telemetry.ScheduleBuildDuration.Observe(time.Since(started).Seconds())
	}()

	now := s.now()
	items, err := s.catalog.ListAvailable(ctx, catalog.Filter{})
	if err != nil {
		telemetry.SchedulerErrorsTotal.WithLabelValues("catalog_list").Inc()
		return nil, fmt.Errorf("list available media: %w", err)
	}
	if len(items) == 0 {
		telemetry.SchedulerErrorsTotal.WithLabelValues("catalog_empty").Inc()
		return nil, ErrCatalogEmpty
	}

	pending, err := s.store.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pending queue: %w", err)
	}

	history, err := s.genreHistory(ctx, pending)
	if err != nil {
		return nil, err
	}

	var added []models.QueueEntry
	covered := plannedDuration(pending)

	slotEntries, err := s.seedFixedSlots(ctx, items, now, horizon)
	if err != nil {
		return nil, err
	}
	for _, entry := range slotEntries {
		added = append(added, entry)
		covered += entryDuration(entry.Duration)
	}

	picker := NewPicker(s.cfg.MinGapBetweenRepeats, s.cfg.MaxConsecutiveSameGenre, s.cfg.ShuffleEnabled, s.seed())
	if preferred := s.rules.PreferredGenres(now); len(preferred) > 0 {
		picker.Prefer(preferred)
	}

	pool := append([]models.MediaItem(nil), items...)
	for covered < horizon {
		item, ok := picker.Next(pool, history, now)
		if !ok {
			break
		}

		entry, err := s.store.Enqueue(ctx, queue.EnqueueRequest{
			Media:  item,
			Origin: models.OriginScheduler,
		})
		if err != nil {
			telemetry.SchedulerErrorsTotal.WithLabelValues("enqueue").Inc()
			return added, fmt.Errorf("enqueue %s: %w", item.ID, err)
		}

		added = append(added, entry)
		history = append(history, item.Genre)
		covered += entryDuration(item.Duration)
		markPlanned(pool, item.ID, now)
	}

	if len(added) > 0 {
		s.bus.Publish(events.EventScheduleRefill, events.Payload{
			"added":   len(added),
			"horizon": horizon.String(),
		})
	}
	return added, nil
}

// seedFixedSlots enqueues scheduled events whose next occurrence falls inside
// the horizon. Each occurrence is seeded once.
func (s *Service) seedFixedSlots(ctx context.Context, items []models.MediaItem, now time.Time, horizon time.Duration) ([]models.QueueEntry, error) {
	var added []models.QueueEntry
	for _, event := range s.rules.Events {
		occ, err := event.NextOccurrence(now)
		if err != nil || occ.After(now.Add(horizon)) {
			continue
		}
		if last, ok := s.seeded[event.Name]; ok && last.Equal(occ) {
			continue
		}

		item, ok := s.resolveSlotMedia(ctx, event, items)
		if !ok {
			s.logger.Warn().Str("event", event.Name).Msg("no media available for scheduled event")
			telemetry.SchedulerErrorsTotal.WithLabelValues("slot_unresolved").Inc()
			continue
		}

		scheduledAt := occ
		entry, err := s.store.Enqueue(ctx, queue.EnqueueRequest{
			Media:       item,
			Priority:    event.Priority,
			ScheduledAt: &scheduledAt,
			Origin:      models.OriginEvent,
		})
		if err != nil {
			return added, fmt.Errorf("enqueue slot %q: %w", event.Name, err)
		}

		s.seeded[event.Name] = occ
		added = append(added, entry)
		s.logger.Info().
			Str("event", event.Name).
			Time("at", occ).
			Str("media", item.ID).
			Msg("seeded fixed slot")
	}
	return added, nil
}

// resolveSlotMedia picks the media for a fixed slot: an explicit item when
// configured, otherwise the least-recently-played item of the slot's genre.
func (s *Service) resolveSlotMedia(ctx context.Context, event config.ScheduledEvent, items []models.MediaItem) (models.MediaItem, bool) {
	if event.MediaID != "" {
		item, err := s.catalog.Get(ctx, event.MediaID)
		if err != nil || !item.Available {
			return models.MediaItem{}, false
		}
		return item, true
	}

	var best models.MediaItem
	found := false
	for _, item := range items {
		if item.Genre != event.Genre {
			continue
		}
		if !found || playedBefore(item, best) {
			best = item
			found = true
		}
	}
	return best, found
}

// genreHistory builds the virtual genre tail: realized playback history in
// chronological order followed by pending entries in playback order.
func (s *Service) genreHistory(ctx context.Context, pending []models.QueueEntry) ([]string, error) {
	rows, err := s.catalog.RecentHistory(ctx, historyTail)
	if err != nil {
		return nil, fmt.Errorf("read play history: %w", err)
	}

	history := make([]string, 0, len(rows)+len(pending))
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Outcome == models.EntryPlayed {
			history = append(history, rows[i].Genre)
		}
	}
	for _, entry := range pending {
		history = append(history, entry.Genre)
	}
	return history, nil
}

func plannedDuration(entries []models.QueueEntry) time.Duration {
	var total time.Duration
	for _, entry := range entries {
		total += entryDuration(entry.Duration)
	}
	return total
}

func entryDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return assumedDuration
	}
	return d
}

// markPlanned virtually stamps the chosen item so the cooldown rule applies
// within a single generation run too.
func markPlanned(pool []models.MediaItem, id string, now time.Time) {
	for i := range pool {
		if pool[i].ID == id {
			at := now
			pool[i].LastPlayedAt = &at
			pool[i].PlayCount++
			return
		}
	}
}
