/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"math/rand"
	"time"

	"github.com/streamhost/streamhost/internal/config"
)

// ReconnectPolicy computes the delay before each reconnection attempt. It is
// a pure function of the attempt number plus seeded jitter, so a fixed seed
// yields a deterministic delay sequence.
type ReconnectPolicy struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	strategy    config.BackoffStrategy
	jitter      float64
	rng         *rand.Rand
}

// NewReconnectPolicy builds a policy from configuration.
func NewReconnectPolicy(cfg *config.Config, seed int64) *ReconnectPolicy {
	return &ReconnectPolicy{
		base:        cfg.ReconnectBaseDelay,
		max:         cfg.ReconnectMaxDelay,
		maxAttempts: cfg.ReconnectMaxAttempts,
		strategy:    cfg.ReconnectStrategy,
		jitter:      cfg.ReconnectJitter,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Delay returns the wait before attempt (0-based). The raw delay grows by the
// configured strategy, is capped at the maximum, and gets bounded random
// jitter so a fleet of instances does not retry in lockstep.
func (p *ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var raw time.Duration
	switch p.strategy {
	case config.BackoffLinear:
		raw = p.base * time.Duration(attempt+1)
	case config.BackoffFibonacci:
		raw = p.base * time.Duration(fibonacci(attempt+1))
	default:
		if attempt >= 62 {
			raw = p.max
		} else {
			raw = p.base << uint(attempt)
		}
	}
	if raw > p.max || raw <= 0 {
		raw = p.max
	}

	if p.jitter <= 0 {
		return raw
	}
	spread := (p.rng.Float64()*2 - 1) * p.jitter
	jittered := time.Duration(float64(raw) * (1 + spread))
	if jittered < 0 {
		return 0
	}
	if jittered > p.max {
		return p.max
	}
	return jittered
}

// ShouldGiveUp reports whether attempt has exhausted the retry budget.
func (p *ReconnectPolicy) ShouldGiveUp(attempt int) bool {
	return attempt >= p.maxAttempts
}

func fibonacci(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 2; i <= n; i++ {
		a, b = b, a+b
		if b < 0 { // overflow
			return int64(1) << 62
		}
	}
	return b
}
