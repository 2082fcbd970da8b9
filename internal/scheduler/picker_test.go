package scheduler

import (
	"testing"
	"time"

	"github.com/streamhost/streamhost/internal/models"
)

func item(id, genre string, lastPlayed *time.Time) models.MediaItem {
	return models.MediaItem{
		ID:           id,
		Title:        id,
		Genre:        genre,
		Duration:     5 * time.Minute,
		Available:    true,
		LastPlayedAt: lastPlayed,
	}
}

func TestPicker_NoGenreRunExceedsLimit(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	items := []models.MediaItem{
		item("a1", "action", nil),
		item("a2", "action", nil),
		item("a3", "action", nil),
		item("c1", "comedy", nil),
		item("c2", "comedy", nil),
		item("d1", "drama", nil),
	}

	p := NewPicker(0, 2, false, 1)
	var history []string
	for i := 0; i < 12; i++ {
		got, ok := p.Next(items, history, now)
		if !ok {
			t.Fatalf("pick %d: no item returned", i)
		}
		history = append(history, got.Genre)
	}

	run, prev := 0, ""
	for i, g := range history {
		if g == prev {
			run++
		} else {
			run = 1
			prev = g
		}
		if run > 2 {
			t.Fatalf("genre run exceeded limit at %d: %v", i, history)
		}
	}
}

func TestPicker_TwoGenresAlternate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	items := []models.MediaItem{
		item("a", "action", nil),
		item("b", "action", nil),
		item("c", "comedy", nil),
	}

	p := NewPicker(0, 1, false, 1)
	var history []string
	for i := 0; i < 3; i++ {
		got, ok := p.Next(items, history, now)
		if !ok {
			t.Fatalf("pick %d: no item", i)
		}
		history = append(history, got.Genre)
	}

	if history[0] == history[1] {
		t.Fatalf("adjacent same genre with limit 1: %v", history)
	}
	if history[1] == history[2] {
		t.Fatalf("adjacent same genre with limit 1: %v", history)
	}
}

func TestPicker_CooldownSkipsRecentlyPlayed(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	recent := now.Add(-10 * time.Minute)
	old := now.Add(-3 * time.Hour)
	items := []models.MediaItem{
		item("hot", "action", &recent),
		item("cold", "action", &old),
	}

	p := NewPicker(time.Hour, 3, false, 1)
	got, ok := p.Next(items, nil, now)
	if !ok {
		t.Fatal("no item returned")
	}
	if got.ID != "cold" {
		t.Fatalf("expected item outside cooldown, got %q", got.ID)
	}
}

func TestPicker_AllInCooldownFallsBackOldestFirst(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	recent := now.Add(-5 * time.Minute)
	lessRecent := now.Add(-20 * time.Minute)
	items := []models.MediaItem{
		item("newer", "action", &recent),
		item("older", "action", &lessRecent),
	}

	p := NewPicker(time.Hour, 3, false, 1)
	got, ok := p.Next(items, nil, now)
	if !ok {
		t.Fatal("fallback returned nothing")
	}
	if got.ID != "older" {
		t.Fatalf("fallback should pick oldest played, got %q", got.ID)
	}
}

func TestPicker_EmptyInput(t *testing.T) {
	t.Parallel()

	p := NewPicker(0, 1, false, 1)
	if _, ok := p.Next(nil, nil, time.Now()); ok {
		t.Fatal("expected no pick from empty input")
	}
}

func TestPicker_ShuffleReproducibleBySeed(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	build := func(seed int64) []string {
		items := []models.MediaItem{
			item("a1", "action", nil),
			item("a2", "action", nil),
			item("c1", "comedy", nil),
			item("c2", "comedy", nil),
			item("d1", "drama", nil),
			item("d2", "drama", nil),
		}
		p := NewPicker(0, 2, true, seed)
		var out []string
		var history []string
		for i := 0; i < 6; i++ {
			got, ok := p.Next(items, history, now)
			if !ok {
				t.Fatalf("pick %d: no item", i)
			}
			out = append(out, got.ID)
			history = append(history, got.Genre)
		}
		return out
	}

	first := build(42)
	second := build(42)
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("same seed diverged at %d: %v vs %v", i, first, second)
		}
	}
}

func TestPicker_SingleGenreDegradesInsteadOfStalling(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	items := []models.MediaItem{
		item("a1", "action", nil),
		item("a2", "action", nil),
	}

	p := NewPicker(0, 1, false, 1)
	history := []string{"action"}
	if _, ok := p.Next(items, history, now); !ok {
		t.Fatal("picker stalled with a single-genre catalog")
	}
}
