package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shopdesk/deskchat/internal/chat"
	"github.com/shopdesk/deskchat/internal/client"
	"github.com/shopdesk/deskchat/internal/config"
	"github.com/shopdesk/deskchat/internal/history"
	"github.com/shopdesk/deskchat/internal/hub"
	"github.com/shopdesk/deskchat/internal/hub/redishub"
	"github.com/shopdesk/deskchat/internal/hub/ssehub"
	"github.com/shopdesk/deskchat/internal/hub/wshub"
	"github.com/shopdesk/deskchat/internal/live"
	"github.com/shopdesk/deskchat/internal/logging"
	"github.com/shopdesk/deskchat/internal/metrics"
	"github.com/shopdesk/deskchat/internal/session"
)

// apiTimeout is the default timeout for API calls.
const apiTimeout = 10 * time.Second

// connectWait bounds how long one-shot commands wait for the hub.
const connectWait = live.DefaultConnectTimeout

func loadConfig() (*config.Config, error) {
	cfg, err := config.Resolve()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", config.FileName, err)
	}
	return cfg, nil
}

// app is everything a command needs to build a session.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	api      *client.Client
	loader   *history.Loader
}

// newApp loads the config and builds the shared dependencies. quiet
// keeps log output off the terminal.
func newApp(quiet bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog := logging.New(logging.Options{Level: cfg.LogLevel, Quiet: quiet})
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	api := client.NewWithAPIKey(cfg.BaseURL, cfg.APIKey)
	return &app{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		registry: reg,
		metrics:  m,
		api:      api,
		loader:   history.NewLoader(api, logger, m),
	}, nil
}

func (rt *app) close() {
	_ = rt.closeLog()
}

func (rt *app) operator() chat.UserID {
	return chat.UserID(rt.cfg.OperatorID)
}

// dialer picks the hub transport and the url it dials.
func (rt *app) dialer() (hub.Dialer, string) {
	switch rt.cfg.Transport {
	case config.TransportWS:
		return wshub.Dialer(rt.logger), rt.cfg.HubURL
	case config.TransportRedis:
		return redishub.Dialer(rt.cfg.RedisPrefix, rt.operator(), rt.logger), rt.cfg.RedisURL
	default:
		return ssehub.Dialer(rt.logger), rt.cfg.HubURL
	}
}

// newSession builds a session; withLive connects it to the hub.
func (rt *app) newSession(withLive bool, observer func(session.Event)) (*session.Session, error) {
	cfg := session.Config{
		OperatorID:         rt.operator(),
		History:            rt.loader,
		MaxConnectAttempts: rt.cfg.MaxConnectAttempts,
		RetryDelay:         rt.cfg.RetryDelay,
		BackfillInterval:   rt.cfg.BackfillInterval,
		MaxWindows:         rt.cfg.MaxWindows,
		Observer:           observer,
		Logger:             rt.logger,
		Metrics:            rt.metrics,
	}
	if withLive {
		dial, url := rt.dialer()
		cfg.Dial = dial
		cfg.HubURL = url
		cfg.Credentials = hub.StaticToken(rt.cfg.APIKey)
	}
	return session.New(cfg)
}

// runSession starts s on a child of ctx. The returned stop cancels it and
// waits for the event loop to exit.
func runSession(ctx context.Context, s *session.Session) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	go func() { _ = s.Run(ctx) }()
	return func() {
		cancel()
		<-s.Done()
	}
}

// loadHistory runs a history-only session and returns its first view.
func loadHistory(ctx context.Context, rt *app) (session.View, error) {
	s, err := rt.newSession(false, nil)
	if err != nil {
		return session.View{}, err
	}
	stop := runSession(ctx, s)
	defer stop()

	loadCtx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	if err := s.Load(loadCtx); err != nil {
		return session.View{}, fmt.Errorf("loading conversations: %w", err)
	}
	return s.Snapshot(), nil
}

// waitConnected blocks until the live channel connects or gives up.
func waitConnected(ctx context.Context, s *session.Session) (session.View, error) {
	ctx, cancel := context.WithTimeout(ctx, connectWait)
	defer cancel()
	v, err := s.WaitFor(ctx, func(v session.View) bool {
		return v.State == live.Connected || v.Degraded
	})
	if err != nil {
		return v, fmt.Errorf("waiting for the chat hub: %w", err)
	}
	if v.Degraded {
		return v, fmt.Errorf("could not connect to the chat hub (see logs, or raise DESKCHAT_LOG_LEVEL)")
	}
	return v, nil
}

// serveMetrics exposes reg on addr until ctx ends. An empty addr is a no-op.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("serving metrics", "addr", addr)
}
