package session

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wavelab/surfgate/internal/logging"
	"github.com/wavelab/surfgate/internal/platform"
)

// MonitorConfig holds probe intervals and thresholds.
type MonitorConfig struct {
	KeepaliveInterval   time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	FailureThreshold    int
	RecoveryThreshold   int
}

// Monitor drives the per-session keepalive and health probes. Probes are
// built by the platform adapter; results feed the store's counters.
type Monitor struct {
	store   *Store
	adapter platform.Adapter
	client  *http.Client
	cfg     MonitorConfig
}

// NewMonitor creates a monitor over the given store.
func NewMonitor(store *Store, adapter platform.Adapter, cfg MonitorConfig) *Monitor {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 5 * time.Minute
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = time.Minute
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 2
	}
	return &Monitor{
		store:   store,
		adapter: adapter,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cfg: cfg,
	}
}

// Run blocks until ctx is cancelled, driving both probe loops.
func (m *Monitor) Run(ctx context.Context) {
	keepalive := time.NewTicker(m.cfg.KeepaliveInterval)
	health := time.NewTicker(m.cfg.HealthCheckInterval)
	defer keepalive.Stop()
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			m.runKeepalives(ctx)
		case <-health.C:
			m.RunHealthChecks(ctx)
		}
	}
}

// runKeepalives pings every enabled session. Failures are recorded but
// never disable a session.
func (m *Monitor) runKeepalives(ctx context.Context) {
	for _, s := range m.store.List() {
		if !s.Enabled {
			continue
		}
		creds := s.Credentials()
		ok := m.probe(ctx, creds, m.adapter.BuildKeepalive)
		m.store.RecordKeepalive(s.ID, ok)
	}
}

// RunHealthChecks disables expired sessions, then probes the rest and
// applies the consecutive-counter transitions. Exported so the admin
// health-check endpoint can trigger a pass on demand.
func (m *Monitor) RunHealthChecks(ctx context.Context) {
	expired := m.store.MarkExpired(time.Now())
	for _, id := range expired {
		logging.Warn("session expired", zap.String("session", id))
	}

	for _, s := range m.store.List() {
		// Disabled-in-config sessions are left alone; health-failed ones
		// keep getting probed so they can recover.
		if !s.Enabled && s.DisabledReason != ReasonHealthCheckFailed {
			continue
		}
		creds := s.Credentials()
		ok := m.probe(ctx, creds, m.adapter.BuildHealthCheck)
		m.store.RecordHealthResult(s.ID, ok, m.cfg.FailureThreshold, m.cfg.RecoveryThreshold)
	}
}

type probeBuilder func(context.Context, platform.Credentials) (*http.Request, error)

func (m *Monitor) probe(ctx context.Context, creds platform.Credentials, build probeBuilder) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
	defer cancel()

	req, err := build(probeCtx, creds)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}
