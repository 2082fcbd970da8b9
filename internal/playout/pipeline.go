/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamhost/streamhost/internal/config"
)

// Metrics is a point-in-time sample of the running encode. ProgressSeen is
// false until the first progress line of the current run arrives; Offset
// alone is seeded from the start request and says nothing about output.
type Metrics struct {
	BitrateKbps   float64
	FPS           float64
	Speed         float64
	DroppedFrames float64
	Offset        time.Duration
	ProgressSeen  bool
}

// FaultKind classifies how a pipeline run ended.
type FaultKind int

const (
	// FaultNone means the input played through to its natural end.
	FaultNone FaultKind = iota
	// FaultTransport is a recoverable publish-side failure (connection lost).
	FaultTransport
	// FaultEncoder is an unrecoverable input or encode failure.
	FaultEncoder
)

// ExitStatus reports how a pipeline run ended.
type ExitStatus struct {
	Kind FaultKind
	Err  error
}

// Pipeline abstracts the external encode/publish process so the session
// controller can be exercised without ffmpeg.
type Pipeline interface {
	Start(ctx context.Context, input string, offset time.Duration) error
	Stop() error
	Metrics() Metrics
	Done() <-chan ExitStatus
}

// FFmpegPipeline supervises one ffmpeg process publishing a media file to
// the RTMP destination. Progress key=value lines on stdout feed the metrics
// sample; the stderr tail feeds exit classification.
type FFmpegPipeline struct {
	cfg    *config.Config
	logger zerolog.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	procDone   chan struct{}
	done       chan ExitStatus
	stopping   bool
	baseOffset time.Duration
	metrics    Metrics
	stderrTail bytes.Buffer
}

// NewFFmpegPipeline constructs a pipeline bound to the configured profile
// and destination.
func NewFFmpegPipeline(cfg *config.Config, logger zerolog.Logger) *FFmpegPipeline {
	return &FFmpegPipeline{
		cfg:    cfg,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Start launches ffmpeg for the input, optionally seeking to offset first.
func (p *FFmpegPipeline) Start(ctx context.Context, input string, offset time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil && p.procDone != nil {
		select {
		case <-p.procDone:
		default:
			return fmt.Errorf("pipeline already running")
		}
	}

	args := buildArgs(p.cfg.Profile, input, offset, p.cfg.Destination())
	cmd := exec.CommandContext(ctx, p.cfg.FFmpegBin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	p.cmd = cmd
	p.procDone = make(chan struct{})
	p.done = make(chan ExitStatus, 1)
	p.stopping = false
	p.baseOffset = offset
	p.metrics = Metrics{Offset: offset}
	p.stderrTail.Reset()

	go p.consumeProgress(stdout)
	go p.consumeStderr(stderr)

	go func(procDone chan struct{}, done chan ExitStatus, c *exec.Cmd) {
		err := c.Wait()
		close(procDone)

		p.mu.Lock()
		tail := p.stderrTail.String()
		stopping := p.stopping
		p.mu.Unlock()

		status := ExitStatus{Kind: classifyExit(err, tail), Err: err}
		if stopping {
			status = ExitStatus{Kind: FaultNone}
		}
		if status.Err != nil {
			p.logger.Debug().Err(status.Err).Str("stderr", tail).Msg("ffmpeg exited")
		} else {
			p.logger.Info().Msg("ffmpeg finished")
		}
		done <- status
	}(p.procDone, p.done, cmd)

	return nil
}

// Stop interrupts ffmpeg and waits for it to exit, escalating to a kill
// after a grace period.
func (p *FFmpegPipeline) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	procDone := p.procDone
	p.stopping = true
	p.mu.Unlock()

	if cmd == nil || procDone == nil {
		return nil
	}
	select {
	case <-procDone:
		return nil
	default:
	}

	if cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
	}
	select {
	case <-time.After(5 * time.Second):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-procDone
	case <-procDone:
	}
	return nil
}

// Metrics returns the latest progress sample.
func (p *FFmpegPipeline) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// Done delivers the exit status of the current run.
func (p *FFmpegPipeline) Done() <-chan ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// consumeProgress parses ffmpeg -progress output: one key=value per line,
// a block terminated by a progress= line.
func (p *FFmpegPipeline) consumeProgress(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		p.applyProgress(key, strings.TrimSpace(value))
	}
}

func (p *FFmpegPipeline) applyProgress(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.ProgressSeen = true
	switch key {
	case "bitrate":
		value = strings.TrimSuffix(value, "kbits/s")
		if v, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			p.metrics.BitrateKbps = v
		}
	case "fps":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			p.metrics.FPS = v
		}
	case "speed":
		value = strings.TrimSuffix(value, "x")
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			p.metrics.Speed = v
		}
	case "drop_frames":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			p.metrics.DroppedFrames = v
		}
	case "out_time_us", "out_time_ms":
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.metrics.Offset = p.baseOffset + time.Duration(v)*time.Microsecond
		}
	}
}

// consumeStderr keeps a bounded tail of ffmpeg's error output for exit
// classification.
func (p *FFmpegPipeline) consumeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.mu.Lock()
		if p.stderrTail.Len() > 8192 {
			p.stderrTail.Reset()
		}
		p.stderrTail.WriteString(scanner.Text())
		p.stderrTail.WriteByte('\n')
		p.mu.Unlock()
	}
}

// classifyExit decides whether a non-zero exit was a transport loss
// (recoverable via reconnect) or an encoder/input fault. Unknown failures
// count as transport: for a 24/7 channel, retrying a dead encode wastes a
// few attempts, while giving up on a flapping network kills the stream.
func classifyExit(err error, stderrTail string) FaultKind {
	if err == nil {
		return FaultNone
	}

	tail := strings.ToLower(stderrTail)
	for _, marker := range []string{
		"no such file or directory",
		"invalid data found",
		"invalid argument",
		"unknown encoder",
		"permission denied",
		"moov atom not found",
	} {
		if strings.Contains(tail, marker) {
			return FaultEncoder
		}
	}
	return FaultTransport
}
