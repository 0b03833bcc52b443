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

// MeshAdapter hands alert text to the local mesh radio bridge over HTTP. The
// bridge owns the radio; from here it is just another endpoint, except that
// the queue paces mesh sends to respect the link's duty cycle.
type MeshAdapter struct {
	mu     sync.RWMutex
	cfg    config.MeshConfig
	client *http.Client
	log    logx.Logger
}

func NewMeshAdapter(cfg config.MeshConfig, log logx.Logger) *MeshAdapter {
	return &MeshAdapter{
		cfg: cfg,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log.With(logx.String("adapter", "mesh")),
	}
}

func (m *MeshAdapter) Apply(cfg config.MeshConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *MeshAdapter) Send(ctx context.Context, destination string, p Payload) Outcome {
	m.mu.RLock()
	base := strings.TrimRight(strings.TrimSpace(m.cfg.BridgeURL), "/")
	m.mu.RUnlock()

	if base == "" {
		return Permanent("mesh bridge not configured")
	}

	// Mesh frames are tiny; send the body only, and truncate rather than let
	// the bridge reject an oversized frame.
	text := p.Body
	if len(text) > 200 {
		text = text[:197] + "..."
	}
	body, err := json.Marshal(map[string]string{
		"text": text,
		"node": destination,
	})
	if err != nil {
		return Permanent(fmt.Sprintf("encoding mesh frame: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/send", bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Sprintf("building request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.log.Debug("mesh bridge unreachable", logx.String("bridge", base), logx.Err(err))
		return Transient(err.Error())
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	return classifyHTTP(resp.StatusCode)
}
