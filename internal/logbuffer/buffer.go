/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logbuffer keeps the most recent log lines in memory so they can
// be inspected over the debug endpoint without shelling into the host.
package logbuffer

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

// Entry is one parsed log line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Buffer is a fixed-capacity ring of log entries.
type Buffer struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	head     int
	count    int
}

// New returns a buffer holding up to capacity entries.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 2000
	}
	return &Buffer{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// Add appends an entry, evicting the oldest when full.
func (b *Buffer) Add(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	}
}

// All returns every buffered entry in chronological order.
func (b *Buffer) All() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Entry, b.count)
	start := 0
	if b.count == b.capacity {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		result[i] = b.entries[(start+i)%b.capacity]
	}
	return result
}

// Query filters the buffered entries.
type Query struct {
	Level     string
	Component string
	Since     time.Time
	Limit     int
}

// Tail returns the newest entries matching the query, newest first.
func (b *Buffer) Tail(q Query) []Entry {
	all := b.All()

	var matched []Entry
	for i := len(all) - 1; i >= 0; i-- {
		entry := all[i]
		if q.Level != "" && entry.Level != q.Level {
			continue
		}
		if q.Component != "" && entry.Component != q.Component {
			continue
		}
		if !q.Since.IsZero() && entry.Timestamp.Before(q.Since) {
			continue
		}
		matched = append(matched, entry)
		if q.Limit > 0 && len(matched) >= q.Limit {
			break
		}
	}
	return matched
}

// Writer returns an io.Writer that parses zerolog JSON lines into the
// buffer. Suitable as the additional writer for logging.SetupWithWriter.
func (b *Buffer) Writer() io.Writer {
	return &bufferWriter{buffer: b}
}

type bufferWriter struct {
	buffer *Buffer
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimSpace(string(p)), "\n") {
		if line == "" {
			continue
		}
		w.buffer.Add(parseLine(line))
	}
	return len(p), nil
}

func parseLine(line string) Entry {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{Timestamp: time.Now().UTC(), Level: "info", Message: line}
	}

	entry := Entry{Timestamp: time.Now().UTC(), Fields: make(map[string]any)}
	for key, value := range raw {
		switch key {
		case "time":
			switch v := value.(type) {
			case float64:
				entry.Timestamp = time.Unix(int64(v), 0).UTC()
			case string:
				if t, err := time.Parse(time.RFC3339, v); err == nil {
					entry.Timestamp = t
				}
			}
		case "level":
			entry.Level, _ = value.(string)
		case "component":
			entry.Component, _ = value.(string)
		case "message":
			entry.Message, _ = value.(string)
		default:
			entry.Fields[key] = value
		}
	}
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}
	return entry
}
