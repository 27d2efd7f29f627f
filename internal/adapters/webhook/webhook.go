// Package webhook announces delivered clips to a downstream endpoint with
// a JSON POST. It backs the pipeline's notify stage; operator push
// notifications go through internal/notifications instead.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"conductor/internal/adapter"
	"conductor/internal/config"
	"conductor/internal/logging"
)

const (
	stageName = "notifying"
	userAgent = "Conductor/0.1.0"
)

// payload is the JSON body delivered to the webhook.
type payload struct {
	Event       string `json:"event"`
	SessionID   string `json:"session_id"`
	Label       string `json:"label,omitempty"`
	Title       string `json:"title"`
	ClipURL     string `json:"clip_url"`
	DeliveredAt string `json:"delivered_at"`
}

// Adapter posts one notification per delivered clip.
type Adapter struct {
	endpoint  string
	titleTmpl string
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time
}

// New builds the notify adapter from configuration.
func New(cfg config.Notify, logger *slog.Logger) (*Adapter, error) {
	endpoint := strings.TrimSpace(cfg.WebhookURL)
	if endpoint == "" {
		return nil, errors.New("webhook adapter requires notify.webhook_url")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("webhook adapter: invalid notify.webhook_url %q", endpoint)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	title := strings.TrimSpace(cfg.TitleTemplate)
	if title == "" {
		title = "{label}"
	}
	return &Adapter{
		endpoint:  endpoint,
		titleTmpl: title,
		client:    &http.Client{Timeout: timeout},
		logger:    logging.NewComponentLogger(logger, "webhook-adapter"),
		now:       time.Now,
	}, nil
}

// Capability names the stage this adapter serves.
func (a *Adapter) Capability() string {
	return stageName
}

// Execute posts the clip announcement. The stage input is the uploaded
// clip reference produced by the upload stage and passes through as the
// stage artifact.
func (a *Adapter) Execute(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	if strings.TrimSpace(req.Input) == "" {
		return adapter.Result{}, adapter.Permanent(stageName, "post", "no clip reference to announce", nil)
	}

	body := payload{
		Event:       "clip_delivered",
		SessionID:   req.SessionID,
		Label:       req.Label,
		Title:       a.title(req),
		ClipURL:     req.Input,
		DeliveredAt: a.now().UTC().Format(time.RFC3339),
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return adapter.Result{}, adapter.Permanent(stageName, "post", "encode payload", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return adapter.Result{}, adapter.Permanent(stageName, "post", "build request", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return adapter.Result{}, adapter.Transient(stageName, "post", "webhook delivery interrupted", ctx.Err())
		}
		return adapter.Result{}, adapter.Transient(stageName, "post", "webhook unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
		if retryableStatus(resp.StatusCode) {
			return adapter.Result{}, adapter.Transient(stageName, "post", msg, nil)
		}
		return adapter.Result{}, adapter.Permanent(stageName, "post", msg, nil)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	a.logger.Info("webhook delivered",
		logging.String(logging.FieldSessionID, req.SessionID),
		logging.Int("status", resp.StatusCode))
	return adapter.Result{ArtifactPath: req.Input}, nil
}

// HealthCheck reports ready; the endpoint is validated at construction and
// probing it would fire a visible notification.
func (a *Adapter) HealthCheck(ctx context.Context) adapter.Health {
	return adapter.Healthy(stageName)
}

func (a *Adapter) title(req adapter.Request) string {
	title := strings.ReplaceAll(a.titleTmpl, "{label}", req.Label)
	title = strings.ReplaceAll(title, "{session_id}", req.SessionID)
	title = strings.TrimSpace(title)
	if title == "" {
		title = req.SessionID
	}
	return title
}

func retryableStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}
