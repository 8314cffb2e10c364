// Grounded on provider/healthpoller.go: a ticker-driven background
// goroutine, per-cycle timeout budget, transition-detection against
// a cached last-known status, and an OnStatusChange callback hook.
package backend

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CheckMode selects the active health-check implementation.
type CheckMode string

const (
	CheckOff    CheckMode = "off"
	CheckTCP    CheckMode = "tcp"
	CheckHTTP   CheckMode = "http"
	CheckScript CheckMode = "script"
)

// HealthChecker runs one probe per cycle against every registered
// backend and applies the result to the registry.
type HealthChecker struct {
	registry *Registry
	logger   zerolog.Logger
	mode     CheckMode
	path     string   // HTTP mode request path
	script   string   // Script mode command
	timeout  time.Duration
	interval time.Duration

	mu         sync.Mutex
	lastStatus map[string]bool
	onChange   func(id string, healthy bool)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthChecker builds a checker; interval below 1s is clamped up,
// matching the poller's own sanity floor.
func NewHealthChecker(registry *Registry, logger zerolog.Logger, mode CheckMode, path, script string, interval, timeout time.Duration) *HealthChecker {
	if interval < time.Second {
		interval = time.Second
	}
	return &HealthChecker{
		registry:   registry,
		logger:     logger.With().Str("component", "health_checker").Logger(),
		mode:       mode,
		path:       path,
		script:     script,
		timeout:    timeout,
		interval:   interval,
		lastStatus: make(map[string]bool),
		done:       make(chan struct{}),
	}
}

// OnStatusChange registers a healthy<->unhealthy transition callback.
func (hc *HealthChecker) OnStatusChange(cb func(id string, healthy bool)) {
	hc.onChange = cb
}

// Start begins the background polling loop.
func (hc *HealthChecker) Start() {
	if hc.mode == CheckOff {
		hc.done = make(chan struct{})
		close(hc.done)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	hc.cancel = cancel
	go hc.loop(ctx)
}

// Stop gracefully shuts the checker down.
func (hc *HealthChecker) Stop() {
	if hc.cancel != nil {
		hc.cancel()
	}
	<-hc.done
}

func (hc *HealthChecker) loop(ctx context.Context) {
	defer close(hc.done)
	hc.pollAll(ctx)

	t := time.NewTicker(hc.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hc.pollAll(ctx)
		}
	}
}

func (hc *HealthChecker) pollAll(ctx context.Context) {
	for _, sn := range hc.registry.List() {
		healthy := hc.probe(ctx, sn.ID)

		hc.mu.Lock()
		was, known := hc.lastStatus[sn.ID]
		hc.lastStatus[sn.ID] = healthy
		hc.mu.Unlock()

		hc.registry.SetHealthy(sn.ID, healthy)

		if known && was != healthy && hc.onChange != nil {
			hc.onChange(sn.ID, healthy)
		}
	}
}

func (hc *HealthChecker) probe(ctx context.Context, id string) bool {
	cctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	switch hc.mode {
	case CheckTCP:
		return probeTCP(cctx, id)
	case CheckHTTP:
		return probeHTTP(cctx, id, hc.path, hc.timeout)
	case CheckScript:
		return probeScript(cctx, hc.script, id)
	default:
		return true
	}
}

func probeTCP(ctx context.Context, addr string) bool {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// probeHTTP sends a minimal HTTP/1.0 GET over a raw dial rather than
// going through net/http's client, to match the exact request line a
// bare-bones HTTP/1.0 health check expects.
func probeHTTP(ctx context.Context, addr, path string, timeout time.Duration) bool {
	if path == "" {
		path = "/"
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	host, _, _ := net.SplitHostPort(addr)
	req := fmt.Sprintf("GET %s HTTP/1.0\r\nHost:%s\r\nConnection: close\r\n\r\n", path, host)
	if _, err := conn.Write([]byte(req)); err != nil {
		return false
	}

	r := bufio.NewReader(conn)
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return false
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 {
		return false
	}
	status := parts[1]
	return strings.HasPrefix(status, "2") || strings.HasPrefix(status, "3")
}

func probeScript(ctx context.Context, script, id string) bool {
	if script == "" {
		return true
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	cmd.Env = append(cmd.Env, "GATEWAY_BACKEND="+id)
	return cmd.Run() == nil
}
