package app

import (
	"context"
	"errors"
	"sync"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libredis "chargelink/backend/libs/redis"
	"chargelink/backend/services/session-monitor/internal/clients"
	"chargelink/backend/services/session-monitor/internal/config"
	"chargelink/backend/services/session-monitor/internal/coordinator"
	httpserver "chargelink/backend/services/session-monitor/internal/http"
	"chargelink/backend/services/session-monitor/internal/metrics"
	redisstore "chargelink/backend/services/session-monitor/internal/redis"
	"chargelink/backend/services/session-monitor/internal/transport"
)

// App wires the realtime transport, the backend client and the session
// coordinator for one connector.
type App struct {
	httpServer  *httpserver.Server
	transport   *transport.Transport
	coordinator *coordinator.Coordinator
	redis       *goredis.Client
	unsubscribe []func()
	logger      *zap.Logger
}

// New builds the application graph.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	backend := clients.NewBackendClient(clients.BackendConfig{
		BaseURL: cfg.Backend.URL,
		Token:   cfg.Realtime.Token,
		Timeout: cfg.Backend.Timeout,
	}, nil, logger.Named("backend"))

	var store coordinator.SummaryStore
	if cfg.Redis.Addr != "" {
		client, err := libredis.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.redis = client
		store = redisstore.NewSummaryStore(client, cfg.Redis.SummaryTTL)
	}

	a.transport = transport.New(transport.Config{
		URL:               cfg.Realtime.URL,
		Token:             cfg.Realtime.Token,
		RequestTimeout:    cfg.Realtime.RequestTimeout,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		ReconnectBase:     cfg.Realtime.ReconnectBase,
		ReconnectMax:      cfg.Realtime.ReconnectMax,
		ReconnectAttempts: cfg.Realtime.ReconnectAttempts,
		Clock:             clock.WallClock,
		Logger:            logger.Named("realtime"),
	})

	a.coordinator = coordinator.New(coordinator.Config{
		ChargePointID: cfg.Session.ChargePoint,
		ConnectorID:   cfg.Session.ConnectorID,
		UserID:        cfg.Session.UserID,
		IDTag:         cfg.Session.IDTag,
		WebsocketURL:  cfg.Realtime.URL,
		SessionRate:   cfg.Session.BaseRate,
		DefaultRate:   cfg.Session.DefaultRate,
		PollInterval:  cfg.Session.PollInterval,
		SummaryWindow: cfg.Session.SummaryWindow,
		Clock:         clock.WallClock,
		Logger:        logger.Named("session"),
	}, a.transport, backend, store)

	a.unsubscribe = append(a.unsubscribe,
		a.transport.Subscribe(transport.Handlers{
			OnStatusUpdate: a.coordinator.HandleStatusUpdate,
			OnMeterValues:  a.coordinator.HandleMeterValues,
			OnError: func(e *transport.RemoteError) {
				m.RemoteError(e.Code)
				logger.Warn("backend pushed an error", zap.String("code", e.Code), zap.String("message", e.Message))
			},
			OnConnectionChange: func(connected bool) {
				m.ConnectionChanged(connected)
				a.coordinator.SetLive(connected)
			},
		}),
		a.coordinator.Subscribe(m.Observe),
	)

	handler := httpserver.NewRouter(&httpserver.Handlers{
		Session: a.coordinator,
		Logger:  logger.Named("http"),
	}, reg)
	a.httpServer = httpserver.NewServer(cfg.HTTPAddress(), handler, logger)
	return a, nil
}

// Run connects the realtime channel, polls while it is down and serves the
// control API until ctx is done. A channel that cannot be opened leaves the
// coordinator on polling.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	run(a.coordinator.Run)
	run(func(ctx context.Context) {
		err := a.transport.Connect(ctx)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrAuthenticationRequired):
			a.logger.Error("realtime channel refused the token; polling only", zap.Error(err))
		default:
			a.logger.Warn("realtime channel unavailable; polling until it recovers", zap.Error(err))
		}
	})

	err := a.httpServer.Run(ctx)
	a.transport.Disconnect()
	cancel()
	wg.Wait()
	return err
}

// Close releases resources.
func (a *App) Close() {
	for _, unsubscribe := range a.unsubscribe {
		unsubscribe()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
