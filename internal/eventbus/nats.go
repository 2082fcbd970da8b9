/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/streamhost/streamhost/internal/events"
)

const subjectPrefix = "streamhost.events."

// bridged lists the bus events mirrored onto NATS for external consumers
// (dashboards, overlay renderers, chat bots).
var bridged = []events.EventType{
	events.EventNowPlaying,
	events.EventSessionState,
	events.EventHealth,
	events.EventAlert,
	events.EventQueueUpdate,
	events.EventEntryPlayed,
	events.EventEntrySkipped,
	events.EventEntryFailed,
	events.EventStagingFailed,
	events.EventReconnect,
	events.EventMediaUnusable,
}

// envelope is the JSON message published to NATS subjects.
type envelope struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

// Bridge republishes in-process bus events to NATS. Publishing is best
// effort: a NATS outage never blocks or breaks playout.
type Bridge struct {
	conn   *nats.Conn
	bus    *events.Bus
	nodeID string
	logger zerolog.Logger
}

// NewBridge connects to NATS. nodeID identifies this instance in envelopes.
func NewBridge(url, nodeID string, bus *events.Bus, logger zerolog.Logger) (*Bridge, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &Bridge{
		conn:   conn,
		bus:    bus,
		nodeID: nodeID,
		logger: logger.With().Str("component", "eventbus").Logger(),
	}, nil
}

// Run mirrors bus events onto NATS until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	subs := make(map[events.EventType]events.Subscriber, len(bridged))
	for _, eventType := range bridged {
		subs[eventType] = b.bus.Subscribe(eventType)
	}
	defer func() {
		for eventType, sub := range subs {
			b.bus.Unsubscribe(eventType, sub)
		}
	}()

	b.logger.Info().Int("events", len(bridged)).Msg("nats bridge started")

	// One fan-in goroutine per subscription keeps slow NATS writes from
	// backing up the local bus.
	forwarded := make(chan envelope, 64)
	forwardCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for eventType, sub := range subs {
		go func(eventType events.EventType, sub events.Subscriber) {
			for {
				select {
				case <-forwardCtx.Done():
					return
				case payload := <-sub:
					env := envelope{
						EventType: eventType,
						Payload:   payload,
						Timestamp: time.Now().UTC(),
						NodeID:    b.nodeID,
						MessageID: uuid.NewString(),
					}
					select {
					case forwarded <- env:
					default:
					}
				}
			}
		}(eventType, sub)
	}

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("nats bridge stopped")
			return ctx.Err()
		case env := <-forwarded:
			b.publish(env)
		}
	}
}

// Close drains and closes the NATS connection.
func (b *Bridge) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("nats drain failed")
	}
}

func (b *Bridge) publish(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Warn().Err(err).Str("event", string(env.EventType)).Msg("could not marshal event")
		return
	}
	subject := subjectPrefix + string(env.EventType)
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("nats publish failed")
	}
}
