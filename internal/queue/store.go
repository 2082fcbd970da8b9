/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/streamhost/streamhost/internal/events"
	"github.com/streamhost/streamhost/internal/models"
	"github.com/streamhost/streamhost/internal/telemetry"
)

var (
	// ErrEmpty indicates there is no pending entry to activate.
	ErrEmpty = errors.New("queue is empty")
	// ErrActiveExists indicates an entry is already active.
	ErrActiveExists = errors.New("an entry is already active")
	// ErrNotFound indicates the entry does not exist.
	ErrNotFound = errors.New("queue entry not found")
	// ErrNotPending indicates a mutation only valid for pending entries.
	ErrNotPending = errors.New("queue entry is not pending")
)

// Store holds the ordered playback queue. All mutations are serialized
// through one mutex; reads may proceed concurrently. Entry status
// transitions after activation belong to the session controller.
type Store struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger

	mu  sync.Mutex
	seq uint64
}

// NewStore creates the queue store and recovers from an unclean shutdown by
// demoting any stale active entry back to pending.
func NewStore(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "queue").Logger(),
	}

	var maxSeq struct{ Seq uint64 }
	err := db.Model(&models.QueueEntry{}).
		Select("COALESCE(MAX(sequence), 0) AS seq").
		Scan(&maxSeq).Error
	if err != nil {
		return nil, err
	}
	s.seq = maxSeq.Seq

	result := db.Model(&models.QueueEntry{}).
		Where("status = ?", models.EntryActive).
		Update("status", models.EntryPending)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected > 0 {
		s.logger.Warn().Int64("entries", result.RowsAffected).Msg("recovered stale active entries to pending")
	}

	return s, nil
}

// EnqueueRequest describes a new queue entry.
type EnqueueRequest struct {
	Media       models.MediaItem
	Priority    int
	ScheduledAt *time.Time
	Origin      models.EntryOrigin
}

// Enqueue appends an entry for the given media item.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	entry := models.QueueEntry{
		ID:          uuid.NewString(),
		MediaID:     req.Media.ID,
		Title:       req.Media.Title,
		Genre:       req.Media.Genre,
		Duration:    req.Media.Duration,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		Sequence:    s.seq,
		Status:      models.EntryPending,
		Origin:      req.Origin,
	}
	if entry.Origin == "" {
		entry.Origin = models.OriginManual
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return models.QueueEntry{}, err
	}

	s.publishQueueUpdate(ctx, "enqueued", entry.ID)
	return entry, nil
}

// Pending returns all pending entries in playback order.
func (s *Store) Pending(ctx context.Context) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.WithContext(ctx).
		Where("status = ?", models.EntryPending).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	SortEntries(entries, time.Now().UTC())
	return entries, nil
}

// PendingDepth returns the number of pending entries.
func (s *Store) PendingDepth(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("status = ?", models.EntryPending).
		Count(&count).Error
	return int(count), err
}

// Active returns the currently active entry, if any.
func (s *Store) Active(ctx context.Context) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := s.db.WithContext(ctx).
		Where("status = ?", models.EntryActive).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Activate promotes the head pending entry to active. At most one entry may
// be active at a time.
func (s *Store) Activate(ctx context.Context) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.Active(ctx)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if active != nil {
		return models.QueueEntry{}, ErrActiveExists
	}

	entries, err := s.Pending(ctx)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if len(entries) == 0 {
		return models.QueueEntry{}, ErrEmpty
	}

	head := entries[0]
	head.Status = models.EntryActive
	err = s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("id = ?", head.ID).
		Update("status", models.EntryActive).Error
	if err != nil {
		return models.QueueEntry{}, err
	}

	s.publishQueueUpdate(ctx, "activated", head.ID)
	return head, nil
}

// ActivateEntry promotes one specific pending entry, used when the staged
// next item is not the literal queue head anymore.
func (s *Store) ActivateEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.Active(ctx)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if active != nil {
		return models.QueueEntry{}, ErrActiveExists
	}

	var entry models.QueueEntry
	err = s.db.WithContext(ctx).First(&entry, "id = ?", entryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return models.QueueEntry{}, err
	}
	if entry.Status != models.EntryPending {
		return models.QueueEntry{}, ErrNotPending
	}

	entry.Status = models.EntryActive
	err = s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("id = ?", entry.ID).
		Update("status", models.EntryActive).Error
	if err != nil {
		return models.QueueEntry{}, err
	}

	s.publishQueueUpdate(ctx, "activated", entry.ID)
	return entry, nil
}

// Finish moves an entry to a terminal status.
func (s *Store) Finish(ctx context.Context, entryID string, outcome models.EntryStatus) error {
	switch outcome {
	case models.EntryPlayed, models.EntrySkipped, models.EntryFailed:
	default:
		return errors.New("outcome must be terminal")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("id = ?", entryID).
		Where("status IN ?", []models.EntryStatus{models.EntryActive, models.EntryPending}).
		Update("status", outcome)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	telemetry.EntriesFinishedTotal.WithLabelValues(string(outcome)).Inc()
	s.publishQueueUpdate(ctx, string(outcome), entryID)
	return nil
}

// Remove deletes a pending entry; active and terminal entries stay put.
func (s *Store) Remove(ctx context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.db.WithContext(ctx).
		Where("id = ?", entryID).
		Where("status = ?", models.EntryPending).
		Delete(&models.QueueEntry{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotPending
	}

	s.publishQueueUpdate(ctx, "removed", entryID)
	return nil
}

// SetPriority adjusts a pending entry's priority.
func (s *Store) SetPriority(ctx context.Context, entryID string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("id = ?", entryID).
		Where("status = ?", models.EntryPending).
		Update("priority", priority)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotPending
	}

	s.publishQueueUpdate(ctx, "reordered", entryID)
	return nil
}

// Snapshot returns the active entry (if any) followed by pending entries in
// playback order, for external status display.
func (s *Store) Snapshot(ctx context.Context) ([]models.QueueEntry, error) {
	out := make([]models.QueueEntry, 0, 16)
	active, err := s.Active(ctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		out = append(out, *active)
	}
	pending, err := s.Pending(ctx)
	if err != nil {
		return nil, err
	}
	return append(out, pending...), nil
}

func (s *Store) publishQueueUpdate(ctx context.Context, change, entryID string) {
	depth, err := s.PendingDepth(ctx)
	if err == nil {
		telemetry.QueueDepth.Set(float64(depth))
	}
	s.bus.Publish(events.EventQueueUpdate, events.Payload{
		"change":   change,
		"entry_id": entryID,
		"depth":    depth,
	})
}

// SortEntries orders entries by priority desc, then due scheduled slots
// before unscheduled ones, then arrival sequence.
func SortEntries(entries []models.QueueEntry, now time.Time) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		aDue := a.ScheduledAt != nil && !a.ScheduledAt.After(now)
		bDue := b.ScheduledAt != nil && !b.ScheduledAt.After(now)
		if aDue != bDue {
			return aDue
		}
		if aDue && bDue && !a.ScheduledAt.Equal(*b.ScheduledAt) {
			return a.ScheduledAt.Before(*b.ScheduledAt)
		}
		return a.Sequence < b.Sequence
	})
}
