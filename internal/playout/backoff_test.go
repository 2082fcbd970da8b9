package playout

import (
	"testing"
	"time"

	"github.com/streamhost/streamhost/internal/config"
)

func policyConfig(strategy config.BackoffStrategy, jitter float64) *config.Config {
	return &config.Config{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		ReconnectMaxAttempts: 5,
		ReconnectStrategy:    strategy,
		ReconnectJitter:      jitter,
	}
}

func TestReconnectPolicy_ExponentialCapped(t *testing.T) {
	t.Parallel()

	p := NewReconnectPolicy(policyConfig(config.BackoffExponential, 0), 1)
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for attempt, expected := range want {
		if got := p.Delay(attempt); got != expected {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, expected)
		}
	}
}

func TestReconnectPolicy_LinearAndFibonacci(t *testing.T) {
	t.Parallel()

	lin := NewReconnectPolicy(policyConfig(config.BackoffLinear, 0), 1)
	for attempt, expected := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second} {
		if got := lin.Delay(attempt); got != expected {
			t.Fatalf("linear attempt %d: got %v want %v", attempt, got, expected)
		}
	}

	fib := NewReconnectPolicy(policyConfig(config.BackoffFibonacci, 0), 1)
	for attempt, expected := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 5 * time.Second, 8 * time.Second} {
		if got := fib.Delay(attempt); got != expected {
			t.Fatalf("fibonacci attempt %d: got %v want %v", attempt, got, expected)
		}
	}
}

func TestReconnectPolicy_JitterDeterministicAndBounded(t *testing.T) {
	t.Parallel()

	first := NewReconnectPolicy(policyConfig(config.BackoffExponential, 0.2), 7)
	second := NewReconnectPolicy(policyConfig(config.BackoffExponential, 0.2), 7)

	for attempt := 0; attempt < 8; attempt++ {
		a, b := first.Delay(attempt), second.Delay(attempt)
		if a != b {
			t.Fatalf("attempt %d: same seed diverged: %v vs %v", attempt, a, b)
		}
		if a > 30*time.Second {
			t.Fatalf("attempt %d: delay above max: %v", attempt, a)
		}
		raw := time.Second << uint(attempt)
		if raw > 30*time.Second {
			raw = 30 * time.Second
		}
		lo := time.Duration(float64(raw) * 0.8)
		hi := time.Duration(float64(raw) * 1.2)
		if hi > 30*time.Second {
			hi = 30 * time.Second
		}
		if a < lo || a > hi {
			t.Fatalf("attempt %d: delay %v outside jitter bounds [%v, %v]", attempt, a, lo, hi)
		}
	}
}

func TestReconnectPolicy_ShouldGiveUp(t *testing.T) {
	t.Parallel()

	p := NewReconnectPolicy(policyConfig(config.BackoffExponential, 0), 1)
	if p.ShouldGiveUp(4) {
		t.Fatal("gave up before exhausting budget")
	}
	if !p.ShouldGiveUp(5) {
		t.Fatal("did not give up at max attempts")
	}
}

func TestReconnectPolicy_MonotonicWithoutJitter(t *testing.T) {
	t.Parallel()

	p := NewReconnectPolicy(policyConfig(config.BackoffExponential, 0), 1)
	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := p.Delay(attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		prev = d
	}
}
