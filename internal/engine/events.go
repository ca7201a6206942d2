package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BadgerOps/repoexport/internal/safety"
)

// EmptyEvent is sent when an export archived nothing.
type EmptyEvent struct {
	ExportID        string    `json:"export_id"`
	Request         Request   `json:"request"`
	SizeConstrained bool      `json:"size_constrained"`
	At              time.Time `json:"at"`
}

// GeneratedEvent is sent when an export produced files.
type GeneratedEvent struct {
	ExportID        string               `json:"export_id"`
	Request         Request              `json:"request"`
	Stats           Stats                `json:"stats"`
	FileURLs        []string             `json:"file_urls"`
	ManifestURLs    map[Algorithm]string `json:"manifest_urls"`
	SizeConstrained bool                 `json:"size_constrained"`
	TTLHours        int                  `json:"ttl_hours"`
	At              time.Time            `json:"at"`
}

// EventSink receives the two completion signals of an export.
type EventSink interface {
	ExportEmpty(ctx context.Context, ev EmptyEvent) error
	ExportGenerated(ctx context.Context, ev GeneratedEvent) error
}

// LogSink writes completion signals to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s LogSink) ExportEmpty(ctx context.Context, ev EmptyEvent) error {
	s.logger().Info("export produced no content",
		"export", ev.ExportID,
		"identity", ev.Request.Identity.User,
		"size_constrained", ev.SizeConstrained,
	)
	return nil
}

func (s LogSink) ExportGenerated(ctx context.Context, ev GeneratedEvent) error {
	s.logger().Info("export generated",
		"export", ev.ExportID,
		"identity", ev.Request.Identity.User,
		"items", ev.Stats.Count,
		"source_bytes", ev.Stats.SourceBytes,
		"container_bytes", ev.Stats.ContainerBytes,
		"files", len(ev.FileURLs),
		"size_constrained", ev.SizeConstrained,
		"ttl_hours", ev.TTLHours,
	)
	return nil
}

// WebhookSink POSTs completion signals as JSON.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

// NewWebhookSink validates rawURL and builds a sink with a hardened client.
func NewWebhookSink(rawURL string, timeout time.Duration, logger *slog.Logger) (*WebhookSink, error) {
	u, err := safety.ValidateHTTPURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("webhook url: %w", err)
	}
	if u.Scheme == "http" && !safety.IsLoopbackHost(u) && logger != nil {
		logger.Warn("webhook uses plain http to a remote host", "url", u.Redacted())
	}
	return &WebhookSink{URL: u.String(), Client: safety.NewHTTPClient(timeout)}, nil
}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

func (s *WebhookSink) ExportEmpty(ctx context.Context, ev EmptyEvent) error {
	return s.post(ctx, webhookEnvelope{Event: "export.empty", Payload: ev})
}

func (s *WebhookSink) ExportGenerated(ctx context.Context, ev GeneratedEvent) error {
	return s.post(ctx, webhookEnvelope{Event: "export.generated", Payload: ev})
}

func (s *WebhookSink) post(ctx context.Context, env webhookEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", env.Event, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s: %w", env.Event, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("posting %s: webhook returned %s", env.Event, resp.Status)
	}
	return nil
}

// MultiSink fans signals out to every sink and joins their errors.
type MultiSink []EventSink

func (m MultiSink) ExportEmpty(ctx context.Context, ev EmptyEvent) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.ExportEmpty(ctx, ev))
	}
	return errors.Join(errs...)
}

func (m MultiSink) ExportGenerated(ctx context.Context, ev GeneratedEvent) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.ExportGenerated(ctx, ev))
	}
	return errors.Join(errs...)
}
