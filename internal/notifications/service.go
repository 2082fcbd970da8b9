/*
Copyright (C) 2026 Streamhost Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamhost/streamhost/internal/events"
	"github.com/streamhost/streamhost/internal/telemetry"
)

// Config holds alert delivery configuration.
type Config struct {
	// SMTP settings; alerts are emailed when SMTPHost and AlertEmail are set.
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	AlertEmail   string

	// Webhook settings; alerts are POSTed when WebhookURL is set.
	WebhookURL    string
	WebhookSecret string
}

// ConfigFromEnv loads delivery configuration from environment variables.
func ConfigFromEnv() Config {
	port, _ := strconv.Atoi(getEnv("STREAMHOST_SMTP_PORT", "587"))
	return Config{
		SMTPHost:      getEnv("STREAMHOST_SMTP_HOST", ""),
		SMTPPort:      port,
		SMTPUsername:  getEnv("STREAMHOST_SMTP_USERNAME", ""),
		SMTPPassword:  getEnv("STREAMHOST_SMTP_PASSWORD", ""),
		SMTPFrom:      getEnv("STREAMHOST_SMTP_FROM", "noreply@example.com"),
		AlertEmail:    getEnv("STREAMHOST_ALERT_EMAIL", ""),
		WebhookURL:    getEnv("STREAMHOST_ALERT_WEBHOOK_URL", ""),
		WebhookSecret: getEnv("STREAMHOST_ALERT_WEBHOOK_SECRET", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// alertPayload is the JSON body delivered to webhook endpoints.
type alertPayload struct {
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Service fans operator alerts out to the configured channels: the log
// always, email and webhook when configured. Notify never blocks the caller;
// delivery happens on its own goroutine and failures are logged, not
// returned.
type Service struct {
	config Config
	bus    *events.Bus
	logger zerolog.Logger
	client *http.Client
}

// NewService creates the alert delivery service.
func NewService(config Config, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		config: config,
		bus:    bus,
		logger: logger.With().Str("component", "notifications").Logger(),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify delivers an alert on all configured channels, fire-and-forget.
func (s *Service) Notify(severity, message string) {
	event := s.logger.Warn()
	if severity == "critical" {
		event = s.logger.Error()
	}
	event.Str("severity", severity).Msg(message)

	s.bus.Publish(events.EventAlert, events.Payload{
		"severity": severity,
		"message":  message,
	})
	telemetry.AlertsSentTotal.WithLabelValues(severity).Inc()

	payload := alertPayload{Severity: severity, Message: message, Timestamp: time.Now().UTC()}
	go s.deliver(payload)
}

// Run forwards bus alerts from components that do not hold a notifier
// reference, until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	unusable := s.bus.Subscribe(events.EventMediaUnusable)
	staging := s.bus.Subscribe(events.EventStagingFailed)
	defer s.bus.Unsubscribe(events.EventMediaUnusable, unusable)
	defer s.bus.Unsubscribe(events.EventStagingFailed, staging)

	s.logger.Info().Msg("notification service started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("notification service stopped")
			return ctx.Err()
		case payload := <-unusable:
			s.Notify("warning", fmt.Sprintf("media unusable: %v (%v)", payload["media_id"], payload["reason"]))
		case payload := <-staging:
			s.Notify("warning", fmt.Sprintf("staging failed for %v: %v", payload["title"], payload["error"]))
		}
	}
}

func (s *Service) deliver(payload alertPayload) {
	if s.config.SMTPHost != "" && s.config.AlertEmail != "" {
		if err := s.sendEmail(payload); err != nil {
			s.logger.Warn().Err(err).Msg("alert email delivery failed")
		}
	}
	if s.config.WebhookURL != "" {
		if err := s.sendWebhook(payload); err != nil {
			s.logger.Warn().Err(err).Msg("alert webhook delivery failed")
		}
	}
}

func (s *Service) sendEmail(payload alertPayload) error {
	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)

	var auth smtp.Auth
	if s.config.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.config.SMTPUsername, s.config.SMTPPassword, s.config.SMTPHost)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.config.SMTPFrom)
	fmt.Fprintf(&msg, "To: %s\r\n", s.config.AlertEmail)
	fmt.Fprintf(&msg, "Subject: [streamhost %s] broadcast alert\r\n", payload.Severity)
	msg.WriteString("\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\nat %s\r\n", payload.Message, payload.Timestamp.Format(time.RFC3339))

	return smtp.SendMail(addr, auth, s.config.SMTPFrom, []string{s.config.AlertEmail}, []byte(msg.String()))
}

func (s *Service) sendWebhook(payload alertPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, s.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.WebhookSecret != "" {
		mac := hmac.New(sha256.New, []byte(s.config.WebhookSecret))
		mac.Write(body)
		req.Header.Set("X-Streamhost-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
