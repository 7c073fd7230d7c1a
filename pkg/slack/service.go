package slack

import (
	"context"
	"log/slog"
	"time"

	"github.com/tarsy-bot/tarsy/pkg/models"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// Service delivers session notifications to Slack.
// Nil-safe: all methods are no-ops on a nil receiver.
type Service struct {
	client       *Client
	dashboardURL string
	logger       *slog.Logger
}

// NewService creates a Slack notification service. Returns nil when
// Token or Channel is empty, which disables notifications entirely.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client:       NewClient(cfg.Token, cfg.Channel),
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client,
// for tests against a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string) *Service {
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
	}
}

// NotifySessionStarted posts a "processing started" message, threaded
// onto the alert's originating Slack message. Sessions without a
// fingerprint are skipped: they did not come from Slack. Returns the
// resolved thread ts for reuse by the terminal notification.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifySessionStarted(ctx context.Context, sessionID, fingerprint string) string {
	if s == nil || fingerprint == "" {
		return ""
	}

	threadTS, err := s.client.FindMessageByFingerprint(ctx, fingerprint)
	if err != nil {
		s.logger.Warn("Failed to find Slack thread for fingerprint",
			"session_id", sessionID, "error", err)
	}

	blocks := BuildStartedMessage(sessionID, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, threadTS, 5*time.Second); err != nil {
		s.logger.Error("Failed to send Slack start notification",
			"session_id", sessionID, "error", err)
	}
	return threadTS
}

// NotifySessionCompleted posts a terminal status message. threadTS is
// the ts cached from the start notification; with none and a
// fingerprint present the thread is looked up again.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifySessionCompleted(ctx context.Context, sess *models.Session, fingerprint, threadTS string) {
	if s == nil {
		return
	}

	if threadTS == "" && fingerprint != "" {
		var err error
		threadTS, err = s.client.FindMessageByFingerprint(ctx, fingerprint)
		if err != nil {
			s.logger.Warn("Failed to find Slack thread for fingerprint",
				"session_id", sess.ID, "error", err)
		}
	}

	blocks := BuildTerminalMessage(sess, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, threadTS, 10*time.Second); err != nil {
		s.logger.Error("Failed to send Slack notification",
			"session_id", sess.ID, "status", sess.Status, "error", err)
	}
}
