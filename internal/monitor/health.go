/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/streamhost/streamhost/internal/events"
)

// Severity grades a health sample.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Thresholds grade system samples. Zero values disable a check.
type Thresholds struct {
	CPUWarnPercent      float64
	CPUCritPercent      float64
	MemoryWarnPercent   float64
	MemoryCritPercent   float64
	DiskFreeWarnPercent float64
	DiskFreeCritPercent float64
}

// DefaultThresholds mirror the limits a small broadcast host tolerates
// before encodes start dropping frames.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarnPercent:      80,
		CPUCritPercent:      95,
		MemoryWarnPercent:   85,
		MemoryCritPercent:   95,
		DiskFreeWarnPercent: 10,
		DiskFreeCritPercent: 3,
	}
}

// Sample is one system health observation.
type Sample struct {
	At              time.Time
	CPUPercent      float64
	MemoryPercent   float64
	DiskFreePercent float64
	Severity        Severity
	Detail          string
}

// Notifier receives alerts for degraded samples.
type Notifier interface {
	Notify(severity, message string)
}

// Checker samples host resources relevant to keeping an encode alive: CPU,
// memory, and free space under the media root.
type Checker struct {
	mediaRoot  string
	thresholds Thresholds
	notifier   Notifier
	bus        *events.Bus
	logger     zerolog.Logger

	lastSeverity Severity
}

// NewChecker builds a system health checker. notifier may be nil.
func NewChecker(mediaRoot string, thresholds Thresholds, notifier Notifier, bus *events.Bus, logger zerolog.Logger) *Checker {
	return &Checker{
		mediaRoot:    mediaRoot,
		thresholds:   thresholds,
		notifier:     notifier,
		bus:          bus,
		logger:       logger.With().Str("component", "monitor").Logger(),
		lastSeverity: SeverityOK,
	}
}

// Sample collects one observation and grades it.
func (c *Checker) Sample(ctx context.Context) (Sample, error) {
	s := Sample{At: time.Now().UTC(), DiskFreePercent: 100}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryPercent = vm.UsedPercent
	}
	if usage, err := disk.UsageWithContext(ctx, c.mediaRoot); err == nil && usage.Total > 0 {
		s.DiskFreePercent = 100 - usage.UsedPercent
	}

	s.Severity, s.Detail = c.grade(s)
	return s, nil
}

func (c *Checker) grade(s Sample) (Severity, string) {
	t := c.thresholds
	switch {
	case t.CPUCritPercent > 0 && s.CPUPercent >= t.CPUCritPercent:
		return SeverityCritical, fmt.Sprintf("cpu at %.1f%%", s.CPUPercent)
	case t.MemoryCritPercent > 0 && s.MemoryPercent >= t.MemoryCritPercent:
		return SeverityCritical, fmt.Sprintf("memory at %.1f%%", s.MemoryPercent)
	case t.DiskFreeCritPercent > 0 && s.DiskFreePercent <= t.DiskFreeCritPercent:
		return SeverityCritical, fmt.Sprintf("disk free at %.1f%%", s.DiskFreePercent)
	case t.CPUWarnPercent > 0 && s.CPUPercent >= t.CPUWarnPercent:
		return SeverityWarning, fmt.Sprintf("cpu at %.1f%%", s.CPUPercent)
	case t.MemoryWarnPercent > 0 && s.MemoryPercent >= t.MemoryWarnPercent:
		return SeverityWarning, fmt.Sprintf("memory at %.1f%%", s.MemoryPercent)
	case t.DiskFreeWarnPercent > 0 && s.DiskFreePercent <= t.DiskFreeWarnPercent:
		return SeverityWarning, fmt.Sprintf("disk free at %.1f%%", s.DiskFreePercent)
	}
	return SeverityOK, ""
}

// Run samples on a fixed cadence until the context is cancelled. Alerts fire
// on severity transitions, not on every degraded sample.
func (c *Checker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", interval).Msg("system monitor started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("system monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Checker) tick(ctx context.Context) {
	s, err := c.Sample(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("system sample failed")
		return
	}

	c.bus.Publish(events.EventHealth, events.Payload{
		"cpu_percent":       s.CPUPercent,
		"memory_percent":    s.MemoryPercent,
		"disk_free_percent": s.DiskFreePercent,
		"severity":          string(s.Severity),
	})

	if s.Severity != SeverityOK && s.Severity != c.lastSeverity && c.notifier != nil {
		c.notifier.Notify(string(s.Severity), "system health degraded: "+s.Detail)
	}
	if s.Severity != c.lastSeverity {
		c.logger.Info().
			Str("from", string(c.lastSeverity)).
			Str("to", string(s.Severity)).
			Str("detail", s.Detail).
			Msg("system health severity changed")
	}
	c.lastSeverity = s.Severity
}
