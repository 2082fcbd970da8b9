/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// BackoffStrategy selects how reconnect delays grow between attempts.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFibonacci   BackoffStrategy = "fibonacci"
)

// StreamProfile describes the encode/publish profile handed to the pipeline.
type StreamProfile struct {
	Resolution    string // e.g. "1920x1080"
	BitrateKbps   int
	FPS           int
	Preset        string
	HardwareAccel string // "none", "auto", "nvenc", "qsv", "videotoolbox"
}

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	DBBackend   DatabaseBackend
	DBDSN       string
	MediaRoot   string
	StagingDir  string
	FFmpegBin   string

	// Publish endpoint
	RTMPURL   string
	StreamKey string

	Profile StreamProfile

	// Playlist rules; ScheduledEventsFile points to an optional YAML file
	// with fixed slots, see rules.go.
	MinGapBetweenRepeats    time.Duration
	MaxConsecutiveSameGenre int
	ShuffleEnabled          bool
	ScheduledEventsFile     string

	// Scheduler
	ScheduleHorizon time.Duration
	QueueLowWater   int
	RefillInterval  time.Duration

	// Session controller
	StartupTimeout         time.Duration
	HealthCheckInterval    time.Duration
	UnhealthySampleLimit   int
	BitrateFloorFraction   float64
	DroppedFrameLimit      float64
	SustainedSuccessWindow time.Duration
	ResumeOnReconnect      bool
	StageLookahead         int

	// Reconnect policy
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	ReconnectStrategy    BackoffStrategy
	ReconnectJitter      float64

	// Catalog integrity sweep
	IntegritySweepInterval time.Duration

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	LeaderElectionEnabled bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	InstanceID            string

	// External event bridge
	NATSURL string

	// S3 media staging
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Endpoint        string
	S3UsePathStyle    bool
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("STREAMHOST_ENV", "development"),
		DBBackend:   DatabaseBackend(getEnv("STREAMHOST_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:       getEnv("STREAMHOST_DB_DSN", "streamhost.db"),
		MediaRoot:   getEnv("STREAMHOST_MEDIA_ROOT", "./media"),
		StagingDir:  getEnv("STREAMHOST_STAGING_DIR", ""),
		FFmpegBin:   getEnv("STREAMHOST_FFMPEG_BIN", "ffmpeg"),

		RTMPURL:   getEnv("STREAMHOST_RTMP_URL", ""),
		StreamKey: getEnv("STREAMHOST_STREAM_KEY", ""),

		Profile: StreamProfile{
			Resolution:    getEnv("STREAMHOST_STREAM_RESOLUTION", "1920x1080"),
			BitrateKbps:   getEnvInt("STREAMHOST_STREAM_BITRATE_KBPS", 4500),
			FPS:           getEnvInt("STREAMHOST_STREAM_FPS", 30),
			Preset:        getEnv("STREAMHOST_STREAM_PRESET", ""),
			HardwareAccel: getEnv("STREAMHOST_STREAM_HWACCEL", "none"),
		},

		MinGapBetweenRepeats:    getEnvDuration("STREAMHOST_MIN_GAP_BETWEEN_REPEATS", 6*time.Hour),
		MaxConsecutiveSameGenre: getEnvInt("STREAMHOST_MAX_CONSECUTIVE_SAME_GENRE", 2),
		ShuffleEnabled:          getEnvBool("STREAMHOST_SHUFFLE_ENABLED", true),
		ScheduledEventsFile:     getEnv("STREAMHOST_SCHEDULED_EVENTS_FILE", ""),

		ScheduleHorizon: getEnvDuration("STREAMHOST_SCHEDULE_HORIZON", 4*time.Hour),
		QueueLowWater:   getEnvInt("STREAMHOST_QUEUE_LOW_WATER", 5),
		RefillInterval:  getEnvDuration("STREAMHOST_REFILL_INTERVAL", 30*time.Second),

		StartupTimeout:         getEnvDuration("STREAMHOST_STARTUP_TIMEOUT", 30*time.Second),
		HealthCheckInterval:    getEnvDuration("STREAMHOST_HEALTH_CHECK_INTERVAL", 30*time.Second),
		UnhealthySampleLimit:   getEnvInt("STREAMHOST_UNHEALTHY_SAMPLE_LIMIT", 3),
		BitrateFloorFraction:   getEnvFloat("STREAMHOST_BITRATE_FLOOR_FRACTION", 0.7),
		DroppedFrameLimit:      getEnvFloat("STREAMHOST_DROPPED_FRAME_LIMIT", 100),
		SustainedSuccessWindow: getEnvDuration("STREAMHOST_SUSTAINED_SUCCESS_WINDOW", 60*time.Second),
		ResumeOnReconnect:      getEnvBool("STREAMHOST_RESUME_ON_RECONNECT", false),
		StageLookahead:         getEnvInt("STREAMHOST_STAGE_LOOKAHEAD", 2),

		ReconnectBaseDelay:   getEnvDuration("STREAMHOST_RECONNECT_BASE_DELAY", 5*time.Second),
		ReconnectMaxDelay:    getEnvDuration("STREAMHOST_RECONNECT_MAX_DELAY", 5*time.Minute),
		ReconnectMaxAttempts: getEnvInt("STREAMHOST_RECONNECT_MAX_ATTEMPTS", 10),
		ReconnectStrategy:    BackoffStrategy(getEnv("STREAMHOST_RECONNECT_STRATEGY", string(BackoffExponential))),
		ReconnectJitter:      getEnvFloat("STREAMHOST_RECONNECT_JITTER", 0.2),

		IntegritySweepInterval: getEnvDuration("STREAMHOST_INTEGRITY_SWEEP_INTERVAL", 6*time.Hour),

		TracingEnabled:    getEnvBool("STREAMHOST_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("STREAMHOST_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("STREAMHOST_TRACING_SAMPLE_RATE", 1.0),

		LeaderElectionEnabled: getEnvBool("STREAMHOST_LEADER_ELECTION_ENABLED", false),
		RedisAddr:             getEnv("STREAMHOST_REDIS_ADDR", "localhost:6379"),
		RedisPassword:         getEnv("STREAMHOST_REDIS_PASSWORD", ""),
		RedisDB:               getEnvInt("STREAMHOST_REDIS_DB", 0),
		InstanceID:            getEnv("STREAMHOST_INSTANCE_ID", ""),

		NATSURL: getEnv("STREAMHOST_NATS_URL", ""),

		S3AccessKeyID:     getEnv("STREAMHOST_S3_ACCESS_KEY_ID", os.Getenv("AWS_ACCESS_KEY_ID")),
		S3SecretAccessKey: getEnv("STREAMHOST_S3_SECRET_ACCESS_KEY", os.Getenv("AWS_SECRET_ACCESS_KEY")),
		S3Region:          getEnv("STREAMHOST_S3_REGION", "us-east-1"),
		S3Endpoint:        getEnv("STREAMHOST_S3_ENDPOINT", ""),
		S3UsePathStyle:    getEnvBool("STREAMHOST_S3_USE_PATH_STYLE", false),
	}

	if cfg.StagingDir == "" {
		cfg.StagingDir = cfg.MediaRoot + "/.staging"
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	switch cfg.ReconnectStrategy {
	case BackoffExponential, BackoffLinear, BackoffFibonacci:
	default:
		return nil, fmt.Errorf("unsupported reconnect strategy %q", cfg.ReconnectStrategy)
	}

	switch strings.ToLower(cfg.Profile.HardwareAccel) {
	case "none", "auto", "nvenc", "qsv", "videotoolbox":
	default:
		return nil, fmt.Errorf("unsupported hardware accel mode %q", cfg.Profile.HardwareAccel)
	}

	if cfg.MaxConsecutiveSameGenre < 1 {
		return nil, fmt.Errorf("STREAMHOST_MAX_CONSECUTIVE_SAME_GENRE must be >= 1")
	}

	if cfg.ReconnectMaxAttempts < 1 {
		return nil, fmt.Errorf("STREAMHOST_RECONNECT_MAX_ATTEMPTS must be >= 1")
	}

	if strings.EqualFold(cfg.Environment, "production") {
		if cfg.RTMPURL == "" || cfg.StreamKey == "" {
			return nil, fmt.Errorf("STREAMHOST_RTMP_URL and STREAMHOST_STREAM_KEY must be provided in production")
		}
	}

	return cfg, nil
}

// Destination joins the RTMP base URL with the stream key.
func (c *Config) Destination() string {
	if c.RTMPURL == "" {
		return ""
	}
	return strings.TrimRight(c.RTMPURL, "/") + "/" + c.StreamKey
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(strings.TrimSpace(val))
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		if val == "false" || val == "0" || val == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
