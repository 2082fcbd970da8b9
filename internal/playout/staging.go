/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/streamhost/streamhost/internal/catalog"
	"github.com/streamhost/streamhost/internal/events"
	"github.com/streamhost/streamhost/internal/models"
	"github.com/streamhost/streamhost/internal/queue"
	"github.com/streamhost/streamhost/internal/telemetry"
)

// ErrNothingStaged means no pending entry could be staged.
var ErrNothingStaged = errors.New("no stageable entry")

// prebufferSize is how much of each staged file gets read ahead of playback
// to warm the page cache.
const prebufferSize = 256 * 1024

// Fetcher retrieves a remote media object into local staging and returns
// its local path.
type Fetcher interface {
	Fetch(ctx context.Context, storageKey string) (string, error)
}

// StagedItem is a queue entry whose source has been validated and
// pre-buffered, ready for a gapless switch.
type StagedItem struct {
	Entry     models.QueueEntry
	Media     models.MediaItem
	LocalPath string
}

// Stager keeps the next few queue entries staged so item hand-offs never
// wait on disk or network. Entries that fail staging are marked Failed and
// the stager advances without disturbing playback.
type Stager struct {
	store     *queue.Store
	catalog   *catalog.Service
	fetcher   Fetcher
	bus       *events.Bus
	logger    zerolog.Logger
	lookahead int

	mu     sync.Mutex
	staged []StagedItem
}

// NewStager builds a transition stager. fetcher may be nil when all media is
// local.
func NewStager(store *queue.Store, cat *catalog.Service, fetcher Fetcher, lookahead int, bus *events.Bus, logger zerolog.Logger) *Stager {
	if lookahead < 1 {
		lookahead = 1
	}
	return &Stager{
		store:     store,
		catalog:   cat,
		fetcher:   fetcher,
		bus:       bus,
		logger:    logger.With().Str("component", "stager").Logger(),
		lookahead: lookahead,
	}
}

// Fill tops the staged window up to the lookahead size from pending entries.
// Unstageable entries are failed and skipped; Fill only errors on queue
// access problems.
func (s *Stager) Fill(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.staged) >= s.lookahead {
		return nil
	}

	pending, err := s.store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("read pending queue: %w", err)
	}

	for _, entry := range pending {
		if len(s.staged) >= s.lookahead {
			break
		}
		if s.isStaged(entry.ID) {
			continue
		}

		item, err := s.stage(ctx, entry)
		if err != nil {
			s.fail(ctx, entry, err)
			continue
		}
		s.staged = append(s.staged, item)
		s.logger.Debug().Str("entry", entry.ID).Str("title", entry.Title).Msg("staged entry")
	}
	return nil
}

// Next returns the head staged item, refilling first. The caller owns the
// returned entry's activation.
func (s *Stager) Next(ctx context.Context) (StagedItem, error) {
	if err := s.Fill(ctx); err != nil {
		return StagedItem{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.staged) == 0 {
		return StagedItem{}, ErrNothingStaged
	}
	head := s.staged[0]
	s.staged = s.staged[1:]
	return head, nil
}

// Flush discards the staged window, e.g. after external queue reordering or
// a cancelled transition. The next Fill restages from the current queue.
func (s *Stager) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = nil
}

// Staged returns a copy of the current staged window for introspection.
func (s *Stager) Staged() []StagedItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StagedItem(nil), s.staged...)
}

func (s *Stager) isStaged(entryID string) bool {
	for _, item := range s.staged {
		if item.Entry.ID == entryID {
			return true
		}
	}
	return false
}

// stage validates and pre-buffers one entry's source.
func (s *Stager) stage(ctx context.Context, entry models.QueueEntry) (StagedItem, error) {
	media, err := s.catalog.Get(ctx, entry.MediaID)
	if err != nil {
		return StagedItem{}, fmt.Errorf("load media %s: %w", entry.MediaID, err)
	}
	if !media.Available {
		return StagedItem{}, fmt.Errorf("media %s is unavailable", media.ID)
	}

	path := media.Path
	if _, err := os.Stat(path); err != nil && media.StorageKey != "" && s.fetcher != nil {
		path, err = s.fetcher.Fetch(ctx, media.StorageKey)
		if err != nil {
			return StagedItem{}, fmt.Errorf("fetch %s: %w", media.StorageKey, err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return StagedItem{}, fmt.Errorf("stat source: %w", err)
	}
	if info.Size() == 0 {
		return StagedItem{}, fmt.Errorf("source %s is empty", path)
	}

	if err := prebuffer(path); err != nil {
		return StagedItem{}, fmt.Errorf("prebuffer source: %w", err)
	}

	return StagedItem{Entry: entry, Media: media, LocalPath: path}, nil
}

func (s *Stager) fail(ctx context.Context, entry models.QueueEntry, cause error) {
	s.logger.Warn().Err(cause).Str("entry", entry.ID).Str("title", entry.Title).Msg("staging failed")
	telemetry.StagingFailuresTotal.Inc()

	if err := s.store.Finish(ctx, entry.ID, models.EntryFailed); err != nil {
		s.logger.Error().Err(err).Str("entry", entry.ID).Msg("could not mark entry failed")
	}
	s.bus.Publish(events.EventStagingFailed, events.Payload{
		"entry_id": entry.ID,
		"media_id": entry.MediaID,
		"title":    entry.Title,
		"error":    cause.Error(),
	})
}

func prebuffer(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.CopyN(io.Discard, f, prebufferSize)
	if err == io.EOF {
		return nil
	}
	return err
}
