/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"math/rand"
	"sort"
	"time"

	"github.com/streamhost/streamhost/internal/models"
)

// Picker is the rotation selection policy. It keeps a per-genre
// least-recently-used pointer across calls so genres take turns, enforces the
// repetition cooldown and the consecutive-genre limit, and falls back to
// oldest-played-first when every item is cooling down. One Picker serves one
// generation run; seed it per run so runs are reproducible but distinct.
type Picker struct {
	minGap         time.Duration
	maxConsecutive int
	shuffle        bool
	rng            *rand.Rand

	lastUsed map[string]int
	tick     int
}

// NewPicker builds a picker. maxConsecutive below 1 is treated as 1.
func NewPicker(minGap time.Duration, maxConsecutive int, shuffle bool, seed int64) *Picker {
	if maxConsecutive < 1 {
		maxConsecutive = 1
	}
	return &Picker{
		minGap:         minGap,
		maxConsecutive: maxConsecutive,
		shuffle:        shuffle,
		rng:            rand.New(rand.NewSource(seed)),
		lastUsed:       make(map[string]int),
	}
}

// Next selects one item. history is the genre tail of realized plus planned
// playback, most recent last. ok is false only when items is empty.
func (p *Picker) Next(items []models.MediaItem, history []string, now time.Time) (models.MediaItem, bool) {
	if len(items) == 0 {
		return models.MediaItem{}, false
	}

	eligible := items[:0:0]
	for _, item := range items {
		if !item.InCooldown(now, p.minGap) {
			eligible = append(eligible, item)
		}
	}
	if len(eligible) == 0 {
		// Everything is cooling down; relaxing the repetition rule beats
		// letting the queue run dry.
		return p.pickFallback(items, history), true
	}

	byGenre := make(map[string][]models.MediaItem)
	for _, item := range eligible {
		byGenre[item.Genre] = append(byGenre[item.Genre], item)
	}
	genres := p.orderGenres(byGenre)

	for _, genre := range genres {
		if p.wouldExceedRun(history, genre) {
			continue
		}
		return p.pickWithin(byGenre[genre], genre), true
	}

	// Every eligible genre would extend the run, which can only happen when
	// one genre dominates the tail and itself. Degrade instead of stalling.
	return p.pickWithin(byGenre[genres[0]], genres[0]), true
}

// orderGenres returns eligible genres least-recently-chosen first. Genres
// never chosen sort ahead of chosen ones; ties break by shuffle or name.
func (p *Picker) orderGenres(byGenre map[string][]models.MediaItem) []string {
	genres := make([]string, 0, len(byGenre))
	for g := range byGenre {
		genres = append(genres, g)
	}
	sort.Strings(genres)
	if p.shuffle {
		p.rng.Shuffle(len(genres), func(i, j int) {
			genres[i], genres[j] = genres[j], genres[i]
		})
	}
	sort.SliceStable(genres, func(i, j int) bool {
		return p.rank(genres[i]) < p.rank(genres[j])
	})
	return genres
}

// Prefer moves the named genres to the front of rotation by clearing their
// usage marks, used for daypart preferences.
func (p *Picker) Prefer(genres []string) {
	for _, g := range genres {
		delete(p.lastUsed, g)
	}
}

func (p *Picker) rank(genre string) int {
	if at, ok := p.lastUsed[genre]; ok {
		return at
	}
	return -1
}

func (p *Picker) wouldExceedRun(history []string, genre string) bool {
	run := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] != genre {
			break
		}
		run++
	}
	return run >= p.maxConsecutive
}

// pickWithin chooses the least-recently-played item of a genre. Never-played
// items come first; remaining ties break pseudo-randomly when shuffling.
func (p *Picker) pickWithin(items []models.MediaItem, genre string) models.MediaItem {
	if p.shuffle {
		p.rng.Shuffle(len(items), func(i, j int) {
			items[i], items[j] = items[j], items[i]
		})
	} else {
		sort.Slice(items, func(i, j int) bool { return items[i].Title < items[j].Title })
	}
	sort.SliceStable(items, func(i, j int) bool {
		return playedBefore(items[i], items[j])
	})

	p.lastUsed[genre] = p.tick
	p.tick++
	return items[0]
}

func (p *Picker) pickFallback(items []models.MediaItem, history []string) models.MediaItem {
	pool := append([]models.MediaItem(nil), items...)
	sort.Slice(pool, func(i, j int) bool { return playedBefore(pool[i], pool[j]) })

	// Still honor genre diversity when an alternative exists.
	choice := pool[0]
	for _, item := range pool {
		if !p.wouldExceedRun(history, item.Genre) {
			choice = item
			break
		}
	}
	p.lastUsed[choice.Genre] = p.tick
	p.tick++
	return choice
}

func playedBefore(a, b models.MediaItem) bool {
	switch {
	case a.LastPlayedAt == nil && b.LastPlayedAt == nil:
		return false
	case a.LastPlayedAt == nil:
		return true
	case b.LastPlayedAt == nil:
		return false
	default:
		return a.LastPlayedAt.Before(*b.LastPlayedAt)
	}
}
