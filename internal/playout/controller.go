/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/streamhost/streamhost/internal/catalog"
	"github.com/streamhost/streamhost/internal/config"
	"github.com/streamhost/streamhost/internal/events"
	"github.com/streamhost/streamhost/internal/models"
	"github.com/streamhost/streamhost/internal/queue"
	"github.com/streamhost/streamhost/internal/telemetry"
)

var (
	// ErrNotIdle means start() was called while a session is active.
	ErrNotIdle = errors.New("session is not idle")
	// ErrNotStreaming means skip() was called outside Streaming/Reconnecting.
	ErrNotStreaming = errors.New("session is not streaming")
	// ErrStartupTimeout means the first frame was not acknowledged in time.
	ErrStartupTimeout = errors.New("startup timed out before first frame")
	// ErrReconnectExhausted means the reconnect budget ran out.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrControllerStopped means the control loop is no longer running.
	ErrControllerStopped = errors.New("controller is not running")
)

// errEndedDuringStartup reports that the pipeline exited cleanly before the
// first progress sample: the item simply played out inside the startup
// window. The caller settles the entry and advances instead of streaming a
// dead pipeline.
var errEndedDuringStartup = errors.New("item ended during startup")

// Notifier receives operator alerts. Implementations must not block.
type Notifier interface {
	Notify(severity, message string)
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdSkip
)

type command struct {
	kind  cmdKind
	reply chan error
}

// Controller owns the single live broadcast session. All state lives in the
// Run loop; Start, Stop and Skip post commands to it, and the health ticker,
// pipeline exits and reconnect timers are loop events too, so there is
// exactly one writer of session state.
type Controller struct {
	cfg      *config.Config
	store    *queue.Store
	catalog  *catalog.Service
	stager   *Stager
	pipeline Pipeline
	policy   *ReconnectPolicy
	notifier Notifier
	bus      *events.Bus
	db       *gorm.DB
	logger   zerolog.Logger

	cmds chan command

	// Loop-owned; never touched outside Run.
	state          models.SessionState
	session        *models.StreamSession
	current        *StagedItem
	currentStarted time.Time
	attempt        int
	unhealthy      int
	lastDropped    float64
	resumeOffset   time.Duration
	streamingSince time.Time
	reconnectAt    <-chan time.Time
}

// NewController wires a session controller. The pipeline is injected so
// tests can substitute a fake for ffmpeg.
func NewController(cfg *config.Config, store *queue.Store, cat *catalog.Service, stager *Stager, pipeline Pipeline, policy *ReconnectPolicy, notifier Notifier, bus *events.Bus, db *gorm.DB, logger zerolog.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		store:    store,
		catalog:  cat,
		stager:   stager,
		pipeline: pipeline,
		policy:   policy,
		notifier: notifier,
		bus:      bus,
		db:       db,
		logger:   logger.With().Str("component", "session").Logger(),
		cmds:     make(chan command),
		state:    models.SessionIdle,
	}
}

// Start begins broadcasting from the queue head. Valid when Idle or Failed.
func (c *Controller) Start(ctx context.Context) error { return c.send(ctx, cmdStart) }

// Stop gracefully ends the session. Safe from any non-terminal state.
func (c *Controller) Stop(ctx context.Context) error { return c.send(ctx, cmdStop) }

// Skip cuts to the staged next entry without changing session state.
func (c *Controller) Skip(ctx context.Context) error { return c.send(ctx, cmdSkip) }

// State returns the last persisted session snapshot for introspection.
func (c *Controller) State(ctx context.Context) (models.StreamSession, error) {
	var session models.StreamSession
	err := c.db.WithContext(ctx).Order("created_at DESC").First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.StreamSession{State: models.SessionIdle}, nil
	}
	return session, err
}

func (c *Controller) send(ctx context.Context, kind cmdKind) error {
	cmd := command{kind: kind, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the control loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	c.logger.Info().Msg("session controller started")
	telemetry.SetSessionState(string(models.SessionIdle))

	for {
		var done <-chan ExitStatus
		if c.state == models.SessionStreaming {
			done = c.pipeline.Done()
		}

		select {
		case <-ctx.Done():
			c.shutdown(context.WithoutCancel(ctx))
			return ctx.Err()
		case cmd := <-c.cmds:
			cmd.reply <- c.handle(ctx, cmd.kind)
		case status := <-done:
			c.onPipelineExit(ctx, status)
		case <-c.reconnectAt:
			c.onReconnectTimer(ctx)
		case <-ticker.C:
			c.onHealthTick(ctx)
		}
	}
}

func (c *Controller) handle(ctx context.Context, kind cmdKind) error {
	switch kind {
	case cmdStart:
		return c.handleStart(ctx)
	case cmdStop:
		return c.handleStop(ctx)
	case cmdSkip:
		return c.handleSkip(ctx)
	}
	return fmt.Errorf("unknown command %d", kind)
}

func (c *Controller) handleStart(ctx context.Context) error {
	if c.state != models.SessionIdle && c.state != models.SessionFailed {
		return ErrNotIdle
	}

	c.session = &models.StreamSession{
		ID:        uuid.NewString(),
		State:     models.SessionStarting,
		StartedAt: time.Now().UTC(),
	}
	if err := c.db.WithContext(ctx).Create(c.session).Error; err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	c.setState(ctx, models.SessionStarting, "")

	next, err := c.stager.Next(ctx)
	if errors.Is(err, ErrNothingStaged) {
		// Nothing playable yet; settle back to idle so a later Start can
		// retry without an alert.
		c.endSession(ctx)
		c.setState(ctx, models.SessionIdle, "")
		return err
	}
	if err != nil {
		c.fail(ctx, fmt.Errorf("stage first entry: %w", err))
		return err
	}
	if err := c.activateAndPlay(ctx, next, 0); err != nil {
		c.fail(ctx, err)
		return err
	}

	err = c.awaitFirstFrame(ctx)
	if err != nil && !errors.Is(err, errEndedDuringStartup) {
		_ = c.pipeline.Stop()
		c.finishCurrent(ctx, models.EntrySkipped)
		c.fail(ctx, err)
		return err
	}

	c.attempt = 0
	c.unhealthy = 0
	c.streamingSince = time.Now()
	c.setState(ctx, models.SessionStreaming, "")
	if errors.Is(err, errEndedDuringStartup) {
		c.advance(ctx)
	}
	return nil
}

func (c *Controller) handleStop(ctx context.Context) error {
	switch c.state {
	case models.SessionIdle, models.SessionFailed:
		return nil
	}

	c.setState(ctx, models.SessionStopping, "")
	c.reconnectAt = nil
	_ = c.pipeline.Stop()
	c.finishCurrent(ctx, models.EntrySkipped)
	c.stager.Flush()
	c.attempt = 0
	c.unhealthy = 0
	c.endSession(ctx)
	c.setState(ctx, models.SessionIdle, "")
	return nil
}

func (c *Controller) handleSkip(ctx context.Context) error {
	if c.state != models.SessionStreaming && c.state != models.SessionReconnecting {
		return ErrNotStreaming
	}

	_ = c.pipeline.Stop()
	c.finishCurrent(ctx, models.EntrySkipped)

	next, err := c.stager.Next(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("nothing staged after skip, returning to idle")
		c.endSession(ctx)
		c.setState(ctx, models.SessionIdle, "")
		return nil
	}

	if c.state == models.SessionReconnecting {
		// Carry the new entry into the pending reconnect attempt; the timer
		// will start its pipeline once the transport is back.
		entry, err := c.store.ActivateEntry(ctx, next.Entry.ID)
		if err != nil {
			c.fail(ctx, fmt.Errorf("activate entry %s: %w", next.Entry.ID, err))
			return err
		}
		next.Entry = entry
		c.current = &next
		c.resumeOffset = 0
		if c.session != nil {
			c.session.ActiveEntryID = entry.ID
			c.persistSession(ctx)
		}
		return nil
	}

	if err := c.activateAndPlay(ctx, next, 0); err != nil {
		c.fail(ctx, err)
		return err
	}
	return nil
}

// onPipelineExit reacts to the encode process ending on its own.
func (c *Controller) onPipelineExit(ctx context.Context, status ExitStatus) {
	if c.state != models.SessionStreaming {
		return
	}

	switch status.Kind {
	case FaultNone:
		c.advance(ctx)
	case FaultEncoder:
		c.finishCurrent(ctx, models.EntryFailed)
		c.fail(ctx, fmt.Errorf("encoder fault: %w", status.Err))
	case FaultTransport:
		c.beginReconnect(ctx, status.Err)
	}
}

// advance moves to the next staged entry after a natural end of item.
func (c *Controller) advance(ctx context.Context) {
	c.finishCurrent(ctx, models.EntryPlayed)

	next, err := c.stager.Next(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("queue ran dry, session going idle")
		c.endSession(ctx)
		c.setState(ctx, models.SessionIdle, "")
		return
	}
	if err := c.activateAndPlay(ctx, next, 0); err != nil {
		c.fail(ctx, err)
	}
}

func (c *Controller) beginReconnect(ctx context.Context, cause error) {
	m := c.pipeline.Metrics()
	c.resumeOffset = 0
	if c.cfg.ResumeOnReconnect {
		c.resumeOffset = m.Offset
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	c.setState(ctx, models.SessionReconnecting, msg)
	c.scheduleReconnect()
}

func (c *Controller) scheduleReconnect() {
	delay := c.policy.Delay(c.attempt)
	c.logger.Info().Int("attempt", c.attempt).Dur("delay", delay).Msg("reconnect scheduled")
	c.bus.Publish(events.EventReconnect, events.Payload{
		"attempt": c.attempt,
		"delay":   delay.String(),
	})
	c.reconnectAt = time.After(delay)
}

func (c *Controller) onReconnectTimer(ctx context.Context) {
	if c.state != models.SessionReconnecting {
		return
	}
	c.reconnectAt = nil
	telemetry.ReconnectAttemptsTotal.Inc()

	err := c.tryReconnect(ctx)
	if err == nil || errors.Is(err, errEndedDuringStartup) {
		c.unhealthy = 0
		c.streamingSince = time.Now()
		c.setState(ctx, models.SessionStreaming, "")
		c.logger.Info().Int("attempt", c.attempt).Msg("reconnected")
		if errors.Is(err, errEndedDuringStartup) {
			// The remainder of the item fit inside the startup window.
			c.advance(ctx)
		}
		return
	}

	c.logger.Warn().Err(err).Int("attempt", c.attempt).Msg("reconnect attempt failed")
	c.attempt++
	if c.session != nil {
		c.session.ReconnectAttempt = c.attempt
	}
	if c.policy.ShouldGiveUp(c.attempt) {
		c.finishCurrent(ctx, models.EntrySkipped)
		c.fail(ctx, ErrReconnectExhausted)
		return
	}
	c.scheduleReconnect()
}

func (c *Controller) tryReconnect(ctx context.Context) error {
	if c.current == nil {
		return errors.New("no current entry to resume")
	}

	_ = c.pipeline.Stop()
	if err := c.pipeline.Start(ctx, c.current.LocalPath, c.resumeOffset); err != nil {
		// Resume can fail on inputs that do not seek; restarting from the
		// beginning is the guaranteed fallback.
		if c.resumeOffset > 0 {
			c.resumeOffset = 0
			err = c.pipeline.Start(ctx, c.current.LocalPath, 0)
		}
		if err != nil {
			return err
		}
	}
	return c.awaitFirstFrame(ctx)
}

// onHealthTick samples pipeline metrics, persists them, and restarts a
// degraded pipeline after enough consecutive bad samples.
func (c *Controller) onHealthTick(ctx context.Context) {
	if c.state == models.SessionStreaming && c.attempt > 0 &&
		time.Since(c.streamingSince) >= c.cfg.SustainedSuccessWindow {
		c.logger.Info().Int("attempts", c.attempt).Msg("sustained healthy streaming, reconnect counter reset")
		c.attempt = 0
		if c.session != nil {
			c.session.ReconnectAttempt = 0
		}
	}

	if c.state != models.SessionStreaming {
		return
	}

	m := c.pipeline.Metrics()
	droppedDelta := m.DroppedFrames - c.lastDropped
	if droppedDelta < 0 {
		droppedDelta = 0
	}
	c.lastDropped = m.DroppedFrames

	telemetry.StreamBitrateKbps.Set(m.BitrateKbps)
	telemetry.StreamDroppedFrames.Set(m.DroppedFrames)

	now := time.Now().UTC()
	if c.session != nil {
		c.session.BitrateKbps = int(m.BitrateKbps)
		c.session.DroppedFrames = m.DroppedFrames
		c.session.LastHealthCheckAt = &now
		c.persistSession(ctx)
	}
	c.bus.Publish(events.EventHealth, events.Payload{
		"bitrate_kbps":   m.BitrateKbps,
		"dropped_frames": m.DroppedFrames,
		"speed":          m.Speed,
		"offset":         m.Offset.String(),
	})

	if c.streamHealthy(m, droppedDelta) {
		c.unhealthy = 0
		return
	}

	c.unhealthy++
	c.logger.Warn().
		Float64("bitrate_kbps", m.BitrateKbps).
		Float64("dropped_delta", droppedDelta).
		Int("consecutive", c.unhealthy).
		Msg("unhealthy pipeline sample")
	if c.unhealthy < c.cfg.UnhealthySampleLimit {
		return
	}

	// Controlled restart of the current entry; queue order is untouched and
	// this does not count against the reconnect budget.
	c.unhealthy = 0
	telemetry.PipelineRestartsTotal.Inc()
	c.logger.Warn().Str("entry", c.currentEntryID()).Msg("restarting degraded pipeline")

	offset := time.Duration(0)
	if c.cfg.ResumeOnReconnect {
		offset = m.Offset
	}
	_ = c.pipeline.Stop()
	if c.current == nil {
		return
	}
	if err := c.pipeline.Start(ctx, c.current.LocalPath, offset); err != nil {
		c.beginReconnect(ctx, fmt.Errorf("restart degraded pipeline: %w", err))
	}
}

func (c *Controller) streamHealthy(m Metrics, droppedDelta float64) bool {
	floor := float64(c.cfg.Profile.BitrateKbps) * c.cfg.BitrateFloorFraction
	if floor > 0 && m.BitrateKbps > 0 && m.BitrateKbps < floor {
		return false
	}
	if c.cfg.DroppedFrameLimit > 0 && droppedDelta > c.cfg.DroppedFrameLimit {
		return false
	}
	return true
}

// activateAndPlay marks the staged entry Active and starts its pipeline run.
func (c *Controller) activateAndPlay(ctx context.Context, next StagedItem, offset time.Duration) error {
	entry, err := c.store.ActivateEntry(ctx, next.Entry.ID)
	if err != nil {
		return fmt.Errorf("activate entry %s: %w", next.Entry.ID, err)
	}
	next.Entry = entry

	if err := c.pipeline.Start(ctx, next.LocalPath, offset); err != nil {
		_ = c.store.Finish(ctx, entry.ID, models.EntryFailed)
		return fmt.Errorf("start pipeline: %w", err)
	}

	c.current = &next
	c.currentStarted = time.Now().UTC()
	c.lastDropped = 0
	if c.session != nil {
		c.session.ActiveEntryID = entry.ID
		c.persistSession(ctx)
	}
	c.bus.Publish(events.EventNowPlaying, events.Payload{
		"entry_id": entry.ID,
		"media_id": entry.MediaID,
		"title":    entry.Title,
		"genre":    entry.Genre,
	})
	return nil
}

// finishCurrent settles the active entry with the given outcome and reports
// it back to the catalog.
func (c *Controller) finishCurrent(ctx context.Context, outcome models.EntryStatus) {
	if c.current == nil {
		return
	}
	entry := c.current.Entry
	c.current = nil

	if err := c.store.Finish(ctx, entry.ID, outcome); err != nil {
		c.logger.Error().Err(err).Str("entry", entry.ID).Msg("could not finish entry")
	}
	err := c.catalog.RecordPlayback(ctx, entry, c.currentStarted, time.Now().UTC(), outcome)
	if err != nil {
		c.logger.Error().Err(err).Str("entry", entry.ID).Msg("could not record playback")
	}

	eventType := events.EventEntryPlayed
	switch outcome {
	case models.EntrySkipped:
		eventType = events.EventEntrySkipped
	case models.EntryFailed:
		eventType = events.EventEntryFailed
	}
	c.bus.Publish(eventType, events.Payload{
		"entry_id": entry.ID,
		"media_id": entry.MediaID,
		"title":    entry.Title,
	})
	if c.session != nil {
		c.session.ActiveEntryID = ""
	}
}

// awaitFirstFrame waits for the pipeline to report progress, bounded by the
// startup timeout. A clean exit before any progress is a valid very short
// item and reports errEndedDuringStartup.
func (c *Controller) awaitFirstFrame(ctx context.Context) error {
	deadline := time.NewTimer(c.cfg.StartupTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrStartupTimeout
		case status := <-c.pipeline.Done():
			if status.Kind == FaultNone {
				return errEndedDuringStartup
			}
			return fmt.Errorf("pipeline exited before first frame: %w", status.Err)
		case <-poll.C:
			if c.pipeline.Metrics().ProgressSeen {
				return nil
			}
		}
	}
}

func (c *Controller) fail(ctx context.Context, cause error) {
	c.logger.Error().Err(cause).Msg("session failed")
	c.reconnectAt = nil
	_ = c.pipeline.Stop()
	c.endSession(ctx)
	c.setState(ctx, models.SessionFailed, cause.Error())
	if c.notifier != nil {
		c.notifier.Notify("critical", fmt.Sprintf("broadcast session failed: %v", cause))
	}
}

func (c *Controller) shutdown(ctx context.Context) {
	if c.state == models.SessionIdle || c.state == models.SessionFailed {
		return
	}
	c.logger.Info().Msg("shutting down session")
	_ = c.pipeline.Stop()
	c.finishCurrent(ctx, models.EntrySkipped)
	c.endSession(ctx)
	c.setState(ctx, models.SessionIdle, "")
}

func (c *Controller) endSession(ctx context.Context) {
	if c.session == nil {
		return
	}
	now := time.Now().UTC()
	c.session.EndedAt = &now
	c.persistSession(ctx)
}

func (c *Controller) setState(ctx context.Context, state models.SessionState, lastError string) {
	prev := c.state
	c.state = state

	_, span := telemetry.StartSpan(ctx, "session", "transition")
	telemetry.AddSpanAttributes(span, map[string]any{
		"from": string(prev),
		"to":   string(state),
	})
	span.End()

	if c.session != nil {
		c.session.State = state
		c.session.LastError = lastError
		c.persistSession(ctx)
	}

	telemetry.SetSessionState(string(state))
	c.bus.Publish(events.EventSessionState, events.Payload{
		"from":  string(prev),
		"to":    string(state),
		"error": lastError,
	})
	c.logger.Info().Str("from", string(prev)).Str("to", string(state)).Msg("session state changed")
}

func (c *Controller) persistSession(ctx context.Context) {
	if c.session == nil {
		return
	}
	if err := c.db.WithContext(ctx).Save(c.session).Error; err != nil {
		c.logger.Error().Err(err).Msg("could not persist session")
	}
}

func (c *Controller) currentEntryID() string {
	if c.current == nil {
		return ""
	}
	return c.current.Entry.ID
}
