package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"meshward/internal/config"
	logx "meshward/pkg/logx"
)

// WebhookAdapter posts alert text to an HTTP endpoint. The body shape follows
// the payload's format tag so one adapter serves Slack- and Discord-compatible
// hooks as well as plain receivers.
type WebhookAdapter struct {
	mu     sync.RWMutex
	cfg    config.WebhookConfig
	client *http.Client
	log    logx.Logger
}

func NewWebhookAdapter(cfg config.WebhookConfig, log logx.Logger) *WebhookAdapter {
	return &WebhookAdapter{
		cfg: cfg,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log.With(logx.String("adapter", "webhook")),
	}
}

func (w *WebhookAdapter) Apply(cfg config.WebhookConfig) {
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
}

func (w *WebhookAdapter) Send(ctx context.Context, destination string, p Payload) Outcome {
	w.mu.RLock()
	fallback := w.cfg.DefaultURL
	w.mu.RUnlock()

	url := strings.TrimSpace(destination)
	if url == "" {
		url = strings.TrimSpace(fallback)
	}
	if url == "" {
		return Permanent("no webhook url configured")
	}

	body, err := webhookBody(p)
	if err != nil {
		return Permanent(fmt.Sprintf("encoding webhook body: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Sprintf("building request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Debug("webhook post failed", logx.String("url", url), logx.Err(err))
		return Transient(err.Error())
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	return classifyHTTP(resp.StatusCode)
}

// webhookBody renders the format-specific JSON body. Unknown formats fall
// back to the generic shape rather than failing the message.
func webhookBody(p Payload) ([]byte, error) {
	switch p.Format {
	case "slack":
		return json.Marshal(map[string]string{"text": p.Body})
	case "discord":
		return json.Marshal(map[string]string{"content": p.Body})
	default:
		return json.Marshal(map[string]string{
			"text":    p.Body,
			"message": p.Body,
		})
	}
}

// classifyHTTP maps a response status to a retry decision: 2xx delivered,
// throttling and server errors transient, other client errors permanent.
func classifyHTTP(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Delivered()
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return Transient(fmt.Sprintf("http %d", status))
	case status >= 400 && status < 500:
		return Permanent(fmt.Sprintf("http %d", status))
	default:
		return Transient(fmt.Sprintf("http %d", status))
	}
}
