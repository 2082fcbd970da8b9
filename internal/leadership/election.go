/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package leadership

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/streamhost/streamhost/internal/config"
)

const (
	electionKey = "streamhost:leader:broadcast"

	leaseDuration   = 15 * time.Second
	renewalInterval = 5 * time.Second
)

// Election guards the one-live-session-per-deployment rule across replicas
// with a Redis lease. Only the lease holder runs the session controller;
// the others idle as warm standbys.
type Election struct {
	client     *redis.Client
	logger     zerolog.Logger
	instanceID string

	mu       sync.Mutex
	isLeader bool
	changes  chan bool
}

// NewElection connects to Redis and prepares an election. The instance ID
// comes from configuration so restarts keep a stable identity in logs.
func NewElection(cfg *config.Config, logger zerolog.Logger) (*Election, error) {
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Election{
		client:     client,
		logger:     logger.With().Str("component", "leadership").Str("instance", instanceID).Logger(),
		instanceID: instanceID,
		changes:    make(chan bool, 1),
	}, nil
}

// Run campaigns for leadership until the context is cancelled, then releases
// the lease if held.
func (e *Election) Run(ctx context.Context) error {
	ticker := time.NewTicker(renewalInterval)
	defer ticker.Stop()

	e.logger.Info().Dur("lease", leaseDuration).Msg("leader election started")
	for {
		select {
		case <-ctx.Done():
			e.release()
			e.logger.Info().Msg("leader election stopped")
			return ctx.Err()
		case <-ticker.C:
			e.campaign(ctx)
		}
	}
}

// IsLeader reports whether this instance currently holds the lease.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// Changes delivers leadership transitions. The channel holds one pending
// update; intermediate flips may be coalesced.
func (e *Election) Changes() <-chan bool {
	return e.changes
}

// Leader returns the current lease holder's instance ID, empty when vacant.
func (e *Election) Leader(ctx context.Context) (string, error) {
	holder, err := e.client.Get(ctx, electionKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read leader key: %w", err)
	}
	return holder, nil
}

// Close releases the lease and the Redis connection.
func (e *Election) Close() error {
	e.release()
	return e.client.Close()
}

func (e *Election) campaign(ctx context.Context) {
	held, err := e.tryAcquire(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("leadership attempt failed")
		held = false
	}
	e.setLeader(held)
}

// tryAcquire takes the lease when vacant, or renews it when already held by
// this instance.
func (e *Election) tryAcquire(ctx context.Context) (bool, error) {
	acquired, err := e.client.SetNX(ctx, electionKey, e.instanceID, leaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if acquired {
		return true, nil
	}

	holder, err := e.client.Get(ctx, electionKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lease holder: %w", err)
	}
	if holder != e.instanceID {
		return false, nil
	}

	if err := e.client.Expire(ctx, electionKey, leaseDuration).Err(); err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return true, nil
}

func (e *Election) release() {
	e.mu.Lock()
	held := e.isLeader
	e.mu.Unlock()
	if !held {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Delete only when still the holder.
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	if err := e.client.Eval(ctx, script, []string{electionKey}, e.instanceID).Err(); err != nil {
		e.logger.Warn().Err(err).Msg("could not release lease")
		return
	}
	e.setLeader(false)
}

func (e *Election) setLeader(held bool) {
	e.mu.Lock()
	changed := e.isLeader != held
	e.isLeader = held
	e.mu.Unlock()
	if !changed {
		return
	}

	if held {
		e.logger.Info().Msg("acquired broadcast leadership")
	} else {
		e.logger.Warn().Msg("lost broadcast leadership")
	}
	select {
	case e.changes <- held:
	default:
	}
}
