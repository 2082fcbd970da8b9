package monitor

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/streamhost/streamhost/internal/events"
)

func TestChecker_Grade(t *testing.T) {
	t.Parallel()

	c := NewChecker("/tmp", DefaultThresholds(), nil, events.NewBus(), zerolog.Nop())
	cases := []struct {
		name   string
		sample Sample
		want   Severity
	}{
		{"healthy", Sample{CPUPercent: 20, MemoryPercent: 40, DiskFreePercent: 60}, SeverityOK},
		{"cpu warning", Sample{CPUPercent: 85, MemoryPercent: 40, DiskFreePercent: 60}, SeverityWarning},
		{"cpu critical", Sample{CPUPercent: 97, MemoryPercent: 40, DiskFreePercent: 60}, SeverityCritical},
		{"memory warning", Sample{CPUPercent: 20, MemoryPercent: 90, DiskFreePercent: 60}, SeverityWarning},
		{"disk critical", Sample{CPUPercent: 20, MemoryPercent: 40, DiskFreePercent: 2}, SeverityCritical},
		{"disk warning", Sample{CPUPercent: 20, MemoryPercent: 40, DiskFreePercent: 8}, SeverityWarning},
		{"critical outranks warning", Sample{CPUPercent: 85, MemoryPercent: 96, DiskFreePercent: 60}, SeverityCritical},
	}
	for _, tc := range cases {
		severity, _ := c.grade(tc.sample)
		if severity != tc.want {
			t.Fatalf("%s: got=%s want=%s", tc.name, severity, tc.want)
		}
	}
}

func TestChecker_ZeroThresholdsDisableChecks(t *testing.T) {
	t.Parallel()

	c := NewChecker("/tmp", Thresholds{}, nil, events.NewBus(), zerolog.Nop())
	severity, _ := c.grade(Sample{CPUPercent: 100, MemoryPercent: 100, DiskFreePercent: 0})
	if severity != SeverityOK {
		t.Fatalf("disabled thresholds still graded %s", severity)
	}
}

func TestChecker_SampleProducesBoundedValues(t *testing.T) {
	t.Parallel()

	c := NewChecker(t.TempDir(), DefaultThresholds(), nil, events.NewBus(), zerolog.Nop())
	s, err := c.Sample(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if s.CPUPercent < 0 || s.CPUPercent > 100 {
		t.Fatalf("cpu percent out of range: %v", s.CPUPercent)
	}
	if s.MemoryPercent < 0 || s.MemoryPercent > 100 {
		t.Fatalf("memory percent out of range: %v", s.MemoryPercent)
	}
	if s.DiskFreePercent < 0 || s.DiskFreePercent > 100 {
		t.Fatalf("disk free percent out of range: %v", s.DiskFreePercent)
	}
}
