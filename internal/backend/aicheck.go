// Grounded on provider/healthpoller.go's ticker-and-context shape,
// repurposed here to poll the AI-service status endpoint instead of a
// plain TCP/HTTP health probe.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

var errAIStatusNon2xx = errors.New("ai status endpoint returned a non-2xx response")

// aiStatusPayload mirrors the JSON body an AI service status
// endpoint returns.
type aiStatusPayload struct {
	QueueLen     int     `json:"queue_len"`
	GPUUtil      float64 `json:"gpu_util"`
	VRAMUsedMB   float64 `json:"vram_used_mb"`
	VRAMTotalMB  float64 `json:"vram_total_mb"`
	AIReady      bool    `json:"ai_ready"`
	ModelLoaded  bool    `json:"model_loaded"`
	ModelName    string  `json:"model_name"`
	ModelVersion string  `json:"model_version"`
}

// AIStatusChecker periodically polls every registered backend's AI
// service status endpoint and folds the result into the registry's
// load metrics, model affinity, and readiness gate.
type AIStatusChecker struct {
	registry *Registry
	logger   zerolog.Logger
	path     string
	interval time.Duration
	client   *http.Client

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAIStatusChecker builds a checker; path is appended verbatim to
// "http://<backend-addr>".
func NewAIStatusChecker(registry *Registry, logger zerolog.Logger, path string, interval, timeout time.Duration) *AIStatusChecker {
	if interval < time.Second {
		interval = time.Second
	}
	return &AIStatusChecker{
		registry: registry,
		logger:   logger.With().Str("component", "ai_status_checker").Logger(),
		path:     path,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		done:     make(chan struct{}),
	}
}

// Start begins the background polling loop. A no-op path disables
// the checker entirely (not every deployment fronts AI-service
// backends).
func (c *AIStatusChecker) Start() {
	if c.path == "" {
		c.done = make(chan struct{})
		close(c.done)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.loop(ctx)
}

// Stop gracefully shuts the checker down.
func (c *AIStatusChecker) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

func (c *AIStatusChecker) loop(ctx context.Context) {
	defer close(c.done)
	c.pollAll(ctx)

	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.pollAll(ctx)
		}
	}
}

func (c *AIStatusChecker) pollAll(ctx context.Context) {
	for _, sn := range c.registry.List() {
		payload, err := c.fetch(ctx, sn.ID)
		if err != nil {
			// status endpoint unreachable does not mark the backend
			// unhealthy on its own; the plain health checker owns that
			// signal. It does mean ai-ready gating stays closed.
			c.registry.SetAIReady(sn.ID, true, false)
			continue
		}

		c.registry.UpdateMetrics(sn.ID, payload.QueueLen, payload.GPUUtil, payload.VRAMUsedMB, payload.VRAMTotalMB)
		c.registry.SetAIReady(sn.ID, true, payload.AIReady)
		if payload.ModelLoaded && payload.ModelName != "" {
			c.registry.SetLoadedModel(sn.ID, payload.ModelName, payload.ModelVersion, true)
		}
	}
}

func (c *AIStatusChecker) fetch(ctx context.Context, addr string) (*aiStatusPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+c.path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errAIStatusNon2xx
	}

	var payload aiStatusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
