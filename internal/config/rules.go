/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ScheduledEvent is a fixed playout slot, e.g. a weekly themed block.
// The slot time is expressed as a standard 5-field cron spec so recurring
// day/time definitions ("every Friday 20:00") need no custom parser.
type ScheduledEvent struct {
	Name     string        `yaml:"name"`
	Cron     string        `yaml:"cron"`
	Genre    string        `yaml:"genre,omitempty"`
	MediaID  string        `yaml:"media_id,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty"`
	Priority int           `yaml:"priority"`
}

// Daypart biases genre rotation toward certain genres for a window of the
// day. EndHour is exclusive; a window with EndHour < StartHour wraps past
// midnight.
type Daypart struct {
	Name      string   `yaml:"name"`
	StartHour int      `yaml:"start_hour"`
	EndHour   int      `yaml:"end_hour"`
	Genres    []string `yaml:"genres"`
}

// Contains reports whether the wall-clock hour falls inside the window.
func (d Daypart) Contains(t time.Time) bool {
	h := t.Hour()
	if d.StartHour <= d.EndHour {
		return h >= d.StartHour && h < d.EndHour
	}
	return h >= d.StartHour || h < d.EndHour
}

// Rules are the file-backed playlist definitions: fixed slots and daypart
// genre preferences.
type Rules struct {
	Events   []ScheduledEvent `yaml:"events"`
	Dayparts []Daypart        `yaml:"dayparts"`
}

// PreferredGenres returns the genre preference list for the daypart covering
// t, or nil when no daypart matches.
func (r Rules) PreferredGenres(t time.Time) []string {
	for _, d := range r.Dayparts {
		if d.Contains(t) {
			return d.Genres
		}
	}
	return nil
}

// LoadRules parses the YAML playlist rules file. A missing path yields empty
// rules, not an error.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return Rules{}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse rules file: %w", err)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for i, event := range rules.Events {
		if event.Name == "" {
			return Rules{}, fmt.Errorf("scheduled event %d: name is required", i)
		}
		if _, err := parser.Parse(event.Cron); err != nil {
			return Rules{}, fmt.Errorf("scheduled event %q: invalid cron spec %q: %w", event.Name, event.Cron, err)
		}
		if event.Genre == "" && event.MediaID == "" {
			return Rules{}, fmt.Errorf("scheduled event %q: genre or media_id is required", event.Name)
		}
	}
	for i, d := range rules.Dayparts {
		if d.StartHour < 0 || d.StartHour > 23 || d.EndHour < 0 || d.EndHour > 24 {
			return Rules{}, fmt.Errorf("daypart %d (%s): hours out of range", i, d.Name)
		}
		if len(d.Genres) == 0 {
			return Rules{}, fmt.Errorf("daypart %d (%s): genres is required", i, d.Name)
		}
	}

	return rules, nil
}

// NextOccurrence resolves the next slot time for the event at or after from.
func (e ScheduledEvent) NextOccurrence(from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(e.Cron)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}
