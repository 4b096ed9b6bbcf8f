// Package gateway is the HTTP data plane: chat completions, the raw
// platform pass-through, and the admin surface.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wavelab/surfgate/internal/affinity"
	"github.com/wavelab/surfgate/internal/config"
	"github.com/wavelab/surfgate/internal/logging"
	"github.com/wavelab/surfgate/internal/platform"
	"github.com/wavelab/surfgate/internal/session"
	"github.com/wavelab/surfgate/internal/telemetry"
	"github.com/wavelab/surfgate/internal/upstream"
	"github.com/wavelab/surfgate/internal/user"
)

// Server owns the gateway listener, the four stores and every background
// task.
type Server struct {
	cfg     *config.Config
	router  *httprouter.Router
	httpSrv *http.Server

	adapter   platform.Adapter
	sessions  *session.Store
	users     *user.Store
	accounts  *upstream.Pool
	binder    *affinity.Router
	limiter   *user.RateLimiter
	monitor   *session.Monitor
	refresher *session.Refresher

	bandwidth *telemetry.Bandwidth
	events    *telemetry.EventLog
	metrics   *telemetry.Metrics

	client    *http.Client
	startTime time.Time

	cancelTasks context.CancelFunc
}

// NewServer wires the stores, the adapter and the router from config.
func NewServer(cfg *config.Config) (*Server, error) {
	adapter, err := platform.New(cfg.Platform.Default, platform.Settings{
		BaseURL:       cfg.Platform.BaseURL,
		CanonicalHost: cfg.Platform.CanonicalHost,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		adapter: adapter,
		sessions: session.NewStore(session.StoreOptions{
			Path:            cfg.Sessions.File,
			DailyTokenLimit: cfg.Sessions.DailyTokenLimit,
			DefaultCredits:  cfg.Users.TrialInitialCredits,
			MaxAge:          cfg.Sessions.MaxAge,
		}),
		users: user.NewStore(user.StoreOptions{Path: cfg.Users.File}),
		accounts: upstream.NewPool(upstream.PoolOptions{
			Path:              cfg.Accounts.File,
			DefaultDailyLimit: cfg.Accounts.DefaultDailyLimit,
			HealthTimeout:     cfg.Accounts.HealthCheckTimeout,
		}),
		limiter:   user.NewRateLimiter(cfg.Users.MaxRPMPerToken, time.Minute),
		bandwidth: telemetry.NewBandwidth(),
		events:    telemetry.NewEventLog(cfg.Telemetry.EventRetention),
		metrics:   telemetry.NewMetrics(),
		client:    &http.Client{}, // deadlines set per request via context
		startTime: time.Now(),
	}

	if err := s.sessions.Load(); err != nil {
		logging.Warn("sessions file not loaded, starting with empty pool", zap.Error(err))
	}
	if err := s.users.Load(); err != nil {
		logging.Warn("users file not loaded, starting with empty registry", zap.Error(err))
	}
	if err := s.accounts.Load(); err != nil {
		logging.Warn("accounts file not loaded", zap.Error(err))
	}

	s.binder = affinity.NewRouter(s.sessions, affinity.Options{
		TTL:                cfg.Affinity.TTL,
		MaxUsersPerSession: cfg.Affinity.MaxUsersPerSession,
	})
	s.sessions.OnDepleted(func(id string) { s.binder.EvictSession(id) })

	s.monitor = session.NewMonitor(s.sessions, adapter, session.MonitorConfig{
		KeepaliveInterval:   cfg.Sessions.KeepaliveInterval,
		HealthCheckInterval: cfg.Sessions.HealthCheckInterval,
		HealthCheckTimeout:  cfg.Sessions.HealthCheckTimeout,
		FailureThreshold:    cfg.Sessions.FailureThreshold,
		RecoveryThreshold:   cfg.Sessions.RecoveryThreshold,
	})
	if cfg.Platform.IdentityURL != "" {
		s.refresher = session.NewRefresher(s.sessions, session.RefresherConfig{
			TokenURL: cfg.Platform.IdentityURL,
			APIKey:   cfg.Platform.IdentityAPIKey,
			Interval: cfg.Sessions.TokenRefreshInterval,
			QPS:      cfg.Platform.RefreshQPS,
		}, s.sessions.Save)
	}

	s.router = s.routes()
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start launches the background tasks and the HTTP listener.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelTasks = cancel
	s.startTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway listening",
			zap.String("addr", s.httpSrv.Addr),
			zap.String("platform", s.adapter.Name()))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		cancel()
		return err
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

// Run starts the server and blocks until SIGINT/SIGTERM. SIGHUP reloads the
// sessions, users and accounts files.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig == syscall.SIGHUP {
			s.reloadStores()
			continue
		}
		logging.Info("shutting down gracefully")
		return s.Shutdown(30 * time.Second)
	}
	return nil
}

// Shutdown stops the background tasks, drains the listener and persists the
// stores.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.cancelTasks != nil {
		s.cancelTasks()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		logging.Error("listener shutdown error", zap.Error(err))
	}
	if err := s.sessions.Save(); err != nil {
		logging.Error("sessions save on shutdown failed", zap.Error(err))
	}
	if err := s.users.Save(); err != nil {
		logging.Error("users save on shutdown failed", zap.Error(err))
	}
	logging.Info("gateway shutdown complete")
	return nil
}

func (s *Server) reloadStores() {
	if err := s.sessions.Reload(); err != nil {
		logging.Error("sessions reload failed", zap.Error(err))
	}
	if err := s.users.Reload(); err != nil {
		logging.Error("users reload failed", zap.Error(err))
	}
	if err := s.accounts.Load(); err != nil {
		logging.Error("accounts reload failed", zap.Error(err))
	}
	logging.Info("stores reloaded")
}

// startTasks launches the periodic background work: session keepalive and
// health checks, token refresh, credit recovery, affinity sweeping, the
// account monitor, the rate-limit sweeper and the midnight reset.
func (s *Server) startTasks(ctx context.Context) {
	go s.monitor.Run(ctx)
	if s.refresher != nil {
		go s.refresher.Run(ctx)
	}
	go s.accounts.Monitor(ctx, s.cfg.Accounts.MonitorInterval)

	go s.runTicker(ctx, s.cfg.Affinity.SweepInterval, 5*time.Minute, func(now time.Time) {
		s.binder.Sweep(now)
		s.limiter.Sweep(now)
	})
	go s.runTicker(ctx, s.users.RecoveryPeriod(), 10*time.Minute, func(now time.Time) {
		s.users.RecoverTick(now)
	})
	go s.runDailyReset(ctx)

	s.watchFiles(ctx)
}

func (s *Server) runTicker(ctx context.Context, interval, fallback time.Duration, fn func(time.Time)) {
	if interval <= 0 {
		interval = fallback
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}

// runDailyReset fires at local midnight: restores user credits, clears
// per-day session and account token counters, and re-enables sessions that
// were only out on daily quota.
func (s *Server) runDailyReset(ctx context.Context) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.users.DailyReset()
			s.sessions.DailyReset()
			s.accounts.DailyReset()
			logging.Info("daily reset applied")
		}
	}
}

// watchFiles reloads the sessions, users and accounts stores when their
// files change on disk (the admin REST app rewrites them atomically).
func (s *Server) watchFiles(ctx context.Context) {
	watch := func(path string, reload func() error, label string) {
		if path == "" {
			return
		}
		w, err := config.NewFileWatcher(path)
		if err != nil {
			logging.Warn("file watch unavailable", zap.String("file", label), zap.Error(err))
			return
		}
		w.OnChange(func() {
			if err := reload(); err != nil {
				logging.Error("reload after file change failed",
					zap.String("file", label), zap.Error(err))
				return
			}
			logging.Info("store reloaded after file change", zap.String("file", label))
		})
		if err := w.Start(); err != nil {
			logging.Warn("file watch start failed", zap.String("file", label), zap.Error(err))
			return
		}
		go func() {
			<-ctx.Done()
			w.Stop()
		}()
	}
	watch(s.cfg.Sessions.File, s.sessions.Reload, "sessions")
	watch(s.cfg.Users.File, s.users.Reload, "users")
	watch(s.cfg.Accounts.File, s.accounts.Load, "accounts")
}
