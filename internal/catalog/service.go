/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/streamhost/streamhost/internal/events"
	"github.com/streamhost/streamhost/internal/models"
)

// ErrNotFound indicates the media item does not exist.
var ErrNotFound = errors.New("media item not found")

// Filter narrows ListAvailable results.
type Filter struct {
	Genre string
}

// Service is the registry of known media items. The playout side reads from
// it; only playback-outcome reporting and integrity maintenance mutate it.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger
}

// NewService creates a catalog service.
func NewService(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
}

// Get loads one media item by ID.
func (s *Service) Get(ctx context.Context, id string) (models.MediaItem, error) {
	var item models.MediaItem
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.MediaItem{}, ErrNotFound
	}
	return item, err
}

// ListAvailable returns items eligible for scheduling.
func (s *Service) ListAvailable(ctx context.Context, filter Filter) ([]models.MediaItem, error) {
	query := s.db.WithContext(ctx).Where("available = ?", true)
	if filter.Genre != "" {
		query = query.Where("genre = ?", filter.Genre)
	}
	var items []models.MediaItem
	err := query.Order("title ASC").Find(&items).Error
	return items, err
}

// Add registers a new media item, computing its checksum from disk when one
// was not supplied.
func (s *Service) Add(ctx context.Context, item models.MediaItem) (models.MediaItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Checksum == "" && item.Path != "" {
		sum, err := checksumFile(item.Path)
		if err != nil {
			return models.MediaItem{}, fmt.Errorf("checksum %s: %w", item.Path, err)
		}
		item.Checksum = sum
	}
	item.Available = true
	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		return models.MediaItem{}, err
	}
	return item, nil
}

// MarkUnavailable excludes an item from scheduling until re-validated.
func (s *Service) MarkUnavailable(ctx context.Context, id, reason string) error {
	result := s.db.WithContext(ctx).
		Model(&models.MediaItem{}).
		Where("id = ?", id).
		Update("available", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Warn().Str("media_id", id).Str("reason", reason).Msg("media item marked unavailable")
	s.bus.Publish(events.EventMediaUnusable, events.Payload{
		"media_id": id,
		"reason":   reason,
	})
	return nil
}

// RecordPlayback persists a playback outcome. A played outcome bumps the
// item's rotation bookkeeping; every outcome lands in history.
func (s *Service) RecordPlayback(ctx context.Context, entry models.QueueEntry, startedAt, endedAt time.Time, outcome models.EntryStatus) error {
	history := models.PlayHistory{
		ID:        uuid.NewString(),
		MediaID:   entry.MediaID,
		EntryID:   entry.ID,
		Title:     entry.Title,
		Genre:     entry.Genre,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Outcome:   outcome,
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&history).Error; err != nil {
			return err
		}
		if outcome != models.EntryPlayed {
			return nil
		}
		return tx.Model(&models.MediaItem{}).
			Where("id = ?", entry.MediaID).
			Updates(map[string]any{
				"last_played_at": endedAt,
				"play_count":     gorm.Expr("play_count + 1"),
			}).Error
	})
}

// RecentHistory returns the newest realized playback rows, newest first.
func (s *Service) RecentHistory(ctx context.Context, limit int) ([]models.PlayHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.PlayHistory
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Verify recomputes the checksum for one item and reconciles its
// availability flag. Returns whether the item is usable.
func (s *Service) Verify(ctx context.Context, item models.MediaItem) (bool, error) {
	sum, err := checksumFile(item.Path)
	if err != nil {
		if os.IsNotExist(err) {
			if markErr := s.MarkUnavailable(ctx, item.ID, "file missing"); markErr != nil {
				return false, markErr
			}
			return false, nil
		}
		return false, err
	}

	if item.Checksum != "" && sum != item.Checksum {
		if err := s.MarkUnavailable(ctx, item.ID, "checksum mismatch"); err != nil {
			return false, err
		}
		return false, nil
	}

	if !item.Available {
		err := s.db.WithContext(ctx).
			Model(&models.MediaItem{}).
			Where("id = ?", item.ID).
			Update("available", true).Error
		if err != nil {
			return false, err
		}
		s.logger.Info().Str("media_id", item.ID).Msg("media item re-validated")
	}
	return true, nil
}

// RunIntegritySweep re-validates the whole catalog on a fixed cadence until
// the context is cancelled. Unavailable items are retried so a restored file
// returns to rotation without operator action.
func (s *Service) RunIntegritySweep(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("integrity sweep started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("integrity sweep stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("integrity sweep failed")
			}
		}
	}
}

func (s *Service) sweep(ctx context.Context) error {
	var items []models.MediaItem
	if err := s.db.WithContext(ctx).Find(&items).Error; err != nil {
		return err
	}

	flagged := 0
	for _, item := range items {
		ok, err := s.Verify(ctx, item)
		if err != nil {
			s.logger.Warn().Err(err).Str("media_id", item.ID).Msg("verify failed")
			continue
		}
		if !ok {
			flagged++
		}
	}

	if flagged > 0 {
		s.logger.Warn().Int("flagged", flagged).Int("total", len(items)).Msg("integrity sweep flagged items")
	}
	return nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
