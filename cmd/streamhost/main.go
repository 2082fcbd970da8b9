/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/streamhost/streamhost/internal/catalog"
	"github.com/streamhost/streamhost/internal/config"
	"github.com/streamhost/streamhost/internal/db"
	"github.com/streamhost/streamhost/internal/eventbus"
	"github.com/streamhost/streamhost/internal/events"
	"github.com/streamhost/streamhost/internal/leadership"
	"github.com/streamhost/streamhost/internal/logbuffer"
	"github.com/streamhost/streamhost/internal/logging"
	"github.com/streamhost/streamhost/internal/models"
	"github.com/streamhost/streamhost/internal/monitor"
	"github.com/streamhost/streamhost/internal/notifications"
	"github.com/streamhost/streamhost/internal/playout"
	"github.com/streamhost/streamhost/internal/queue"
	"github.com/streamhost/streamhost/internal/scheduler"
	"github.com/streamhost/streamhost/internal/storage"
	"github.com/streamhost/streamhost/internal/telemetry"
	"github.com/streamhost/streamhost/internal/version"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:     "streamhost",
	Short:   "Streamhost - 24/7 media broadcast automation",
	Long:    "Streamhost keeps a single live broadcast session running around the clock, fed by a rule-driven playlist scheduler.",
	Version: version.String(),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broadcast service",
	Long:  "Start the scheduler, session controller, and supporting services.",
	RunE:  runServe,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Import media files under the media root into the catalog",
	RunE:  runScan,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(serveCmd, scanCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = logging.Setup(cfg.Environment)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logBuf := logbuffer.New(2000)
	logger = logging.SetupWithWriter(cfg.Environment, logBuf.Writer())
	logger.Info().Str("version", version.String()).Msg("streamhost starting")

	tracerProvider, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "streamhost",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown failed")
		}
	}()

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close(database)
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rules, err := config.LoadRules(cfg.ScheduledEventsFile)
	if err != nil {
		return fmt.Errorf("load playlist rules: %w", err)
	}

	bus := events.NewBus()
	cat := catalog.NewService(database, bus, logger)
	store, err := queue.NewStore(database, bus, logger)
	if err != nil {
		return fmt.Errorf("initialize queue: %w", err)
	}

	var fetcher playout.Fetcher
	if cfg.S3Endpoint != "" || cfg.S3AccessKeyID != "" {
		client, err := storage.NewClient(context.Background(), cfg, logger)
		if err != nil {
			return fmt.Errorf("initialize object storage: %w", err)
		}
		fetcher = client
	}

	notifier := notifications.NewService(notifications.ConfigFromEnv(), bus, logger)
	sched := scheduler.New(cat, store, rules, cfg, bus, logger)
	stager := playout.NewStager(store, cat, fetcher, cfg.StageLookahead, bus, logger)
	pipeline := playout.NewFFmpegPipeline(cfg, logger)
	policy := playout.NewReconnectPolicy(cfg, time.Now().UnixNano())
	controller := playout.NewController(cfg, store, cat, stager, pipeline, policy, notifier, bus, database, logger)
	checker := monitor.NewChecker(cfg.MediaRoot, monitor.DefaultThresholds(), notifier, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runService := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("service", name).Msg("service exited")
			}
		}()
	}

	runService("scheduler", sched.Run)
	runService("session", controller.Run)
	runService("notifications", notifier.Run)
	runService("monitor", func(ctx context.Context) error {
		return checker.Run(ctx, cfg.HealthCheckInterval)
	})
	runService("integrity", func(ctx context.Context) error {
		return cat.RunIntegritySweep(ctx, cfg.IntegritySweepInterval)
	})

	if cfg.NATSURL != "" {
		bridge, err := eventbus.NewBridge(cfg.NATSURL, cfg.InstanceID, bus, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, external events disabled")
		} else {
			defer bridge.Close()
			runService("eventbus", bridge.Run)
		}
	}

	if cfg.LeaderElectionEnabled {
		election, err := leadership.NewElection(cfg, logger)
		if err != nil {
			return fmt.Errorf("initialize leader election: %w", err)
		}
		defer election.Close()
		runService("leadership", election.Run)
		go superviseLeadership(ctx, election, controller, sched)
	} else {
		go autostart(ctx, controller, sched)
	}

	metricsAddr := getEnv("STREAMHOST_METRICS_ADDR", ":9090")
	metricsServer := &http.Server{Addr: metricsAddr, Handler: debugMux(logBuf)}
	go func() {
		logger.Info().Str("addr", metricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gracefully...")
	cancel()

	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()
	if err := metricsServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("metrics shutdown failed")
	}

	// Give the controller a moment to flush the pipeline and settle the
	// active entry.
	time.Sleep(time.Second)
	logger.Info().Msg("streamhost stopped")
	return nil
}

func debugMux(logBuf *logbuffer.Buffer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(telemetry.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/logz", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 200
		}
		entries := logBuf.Tail(logbuffer.Query{
			Level:     r.URL.Query().Get("level"),
			Component: r.URL.Query().Get("component"),
			Limit:     limit,
		})
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(entries); err != nil {
			logger.Debug().Err(err).Msg("logz encode failed")
		}
	})
	return mux
}

// autostart fills the queue and starts the session once media is available,
// retrying until it succeeds.
func autostart(ctx context.Context, controller *playout.Controller, sched *scheduler.Service) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		if err := sched.Refill(ctx); err != nil {
			logger.Warn().Err(err).Msg("initial refill failed")
		} else if err := controller.Start(ctx); err == nil {
			logger.Info().Msg("broadcast started")
			return
		} else if !errors.Is(err, playout.ErrNothingStaged) {
			logger.Warn().Err(err).Msg("broadcast start failed, retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// superviseLeadership starts the broadcast while this instance holds the
// lease and stops it on hand-over.
func superviseLeadership(ctx context.Context, election *leadership.Election, controller *playout.Controller, sched *scheduler.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case isLeader := <-election.Changes():
			if isLeader {
				go autostart(ctx, controller, sched)
				continue
			}
			if err := controller.Stop(ctx); err != nil {
				logger.Error().Err(err).Msg("stop on leadership loss failed")
			}
		}
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close(database)
	if err := db.Migrate(database); err != nil {
		return err
	}
	logger.Info().Msg("migrations applied")
	return nil
}

var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".mov": true, ".avi": true, ".ts": true, ".webm": true,
}

// runScan walks the media root and registers new files. The parent directory
// name becomes the genre, the file name the title, and ffprobe supplies the
// duration.
func runScan(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close(database)
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	cat := catalog.NewService(database, events.NewBus(), logger)
	ctx := context.Background()
	added, skipped := 0, 0

	err = filepath.WalkDir(cfg.MediaRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !videoExtensions[strings.ToLower(filepath.Ext(path))] {
			return err
		}

		var existing int64
		database.Model(&models.MediaItem{}).Where("path = ?", path).Count(&existing)
		if existing > 0 {
			skipped++
			return nil
		}

		item := models.MediaItem{
			Title:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Genre:     filepath.Base(filepath.Dir(path)),
			Path:      path,
			Duration:  probeDuration(ctx, path),
			Available: true,
		}
		if _, err := cat.Add(ctx, item); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("could not import media file")
			return nil
		}
		added++
		logger.Info().Str("title", item.Title).Str("genre", item.Genre).Msg("imported")
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan media root: %w", err)
	}

	logger.Info().Int("added", added).Int("skipped", skipped).Msg("scan complete")
	return nil
}

// probeDuration reads the container duration via ffprobe; zero when probing
// fails so the item still imports.
func probeDuration(ctx context.Context, path string) time.Duration {
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
