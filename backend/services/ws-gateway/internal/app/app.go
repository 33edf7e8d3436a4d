package app

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libredis "chargelink/backend/libs/redis"
	"chargelink/backend/services/ws-gateway/internal/clients"
	"chargelink/backend/services/ws-gateway/internal/config"
	"chargelink/backend/services/ws-gateway/internal/db"
	"chargelink/backend/services/ws-gateway/internal/handlers"
	httpserver "chargelink/backend/services/ws-gateway/internal/http"
	"chargelink/backend/services/ws-gateway/internal/identity"
	"chargelink/backend/services/ws-gateway/internal/metrics"
	"chargelink/backend/services/ws-gateway/internal/ocpp"
	"chargelink/backend/services/ws-gateway/internal/ocpp/protocol"
	redisstore "chargelink/backend/services/ws-gateway/internal/redis"
	"chargelink/backend/services/ws-gateway/internal/repository"
	"chargelink/backend/services/ws-gateway/internal/service"
	"chargelink/backend/services/ws-gateway/internal/ws"
)

// App wires all dependencies for the gateway.
type App struct {
	httpServer *httpserver.Server
	manager    *ws.Manager
	refresher  *identity.Refresher
	liveness   *ws.LivenessMonitor
	frameLog   *repository.FrameLogRepository
	presence   *redisstore.PresenceStore
	db         *sql.DB
	redis      *goredis.Client
	logger     *zap.Logger
}

// New builds the application graph.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var registry *clients.RegistryClient
	if cfg.Registry.URL != "" {
		registry = clients.NewRegistryClient(clients.RegistryConfig{
			BaseURL:       cfg.Registry.URL,
			APIKey:        cfg.Registry.APIKey,
			Timeout:       cfg.Registry.Timeout,
			OnStateChange: m.BreakerStateChanged,
		}, nil, logger.Named("registry"))
	}

	if cfg.Database.DSN != "" {
		sqlDB, err := db.NewPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		a.db = sqlDB
		a.frameLog = repository.NewFrameLogRepository(sqlDB, 0, logger.Named("frame-log"))
	}

	if cfg.Redis.Addr != "" {
		client, err := libredis.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		a.presence = redisstore.NewPresenceStore(client, cfg.Redis.PresenceTTL)
	}

	var source identity.Source
	switch cfg.Identity.Source {
	case config.SourceDatabase:
		source = repository.NewChargePointRepository(a.db)
	default:
		source = registry
	}
	cache := identity.NewCache()
	a.refresher = identity.NewRefresher(cache, source, cfg.Identity.RefreshInterval, clock.WallClock, m, logger.Named("identity"))

	deps := handlers.Deps{
		State:        service.NewStationState(),
		Transactions: service.NewTransactionStore(0),
		Clock:        clock.WallClock,
		Logger:       logger.Named("ocpp"),
	}
	router := ocpp.NewRouter(m, logger.Named("router"))
	router.Register(handlers.NewV16Strategy(deps))
	router.Register(handlers.NewV201Strategy(deps), protocol.Version20)
	versions := supportedVersions(cfg.OCPP.Versions, router)
	if len(versions) == 0 {
		a.Close()
		return nil, fmt.Errorf("app: none of %v is served", cfg.OCPP.Versions)
	}

	var validator ws.RemoteValidator
	if registry != nil {
		validator = registry
	}
	listeners := ws.Listeners{m}
	if registry != nil {
		listeners = append(listeners, registryListener{reporter: registry})
	}
	if a.presence != nil {
		listeners = append(listeners, presenceListener{store: a.presence, node: cfg.Node, logger: logger})
	}

	managerCfg := ws.ManagerConfig{
		Gate:       ws.NewGate(cache, validator, cfg.Registry.Timeout),
		Dispatcher: router,
		Clock:      clock.WallClock,
		Listener:   listeners,
		Logger:     logger.Named("connections"),
	}
	if a.frameLog != nil {
		managerCfg.FrameLog = a.frameLog
	}
	a.manager = ws.NewManager(managerCfg)

	a.liveness = ws.NewLivenessMonitor(a.manager, ws.LivenessConfig{
		Interval:  cfg.Liveness.Interval,
		Threshold: cfg.Liveness.Threshold,
		Probe:     cfg.Liveness.Probe,
		Clock:     clock.WallClock,
		Observer:  m,
		Logger:    logger.Named("liveness"),
	})

	wsServer := ws.NewServer(a.manager, ws.ServerConfig{
		Versions: versions,
		Pump: ws.PumpConfig{
			WriteTimeout: cfg.WebSocket.WriteTimeout,
			PingInterval: cfg.WebSocket.PingInterval,
			ReadLimit:    cfg.WebSocket.ReadLimit,
		},
		HandshakeRate:  cfg.WebSocket.HandshakeRate,
		HandshakeBurst: cfg.WebSocket.HandshakeBurst,
	}, logger.Named("ws"))

	handler := httpserver.NewRouter(httpserver.Routes{
		Handlers: &httpserver.Handlers{
			Connections: a.manager,
			Stations:    deps.State,
			Refresher:   a.refresher,
			Identities:  cache,
			Logger:      logger.Named("admin"),
		},
		OCPP:       wsServer.HandleWS,
		Gatherer:   reg,
		JWTSecret:  cfg.Admin.JWTSecret,
		APIKeyHash: cfg.Admin.APIKeyHash,
	})
	a.httpServer = httpserver.NewServer(cfg.HTTPAddress(), handler, logger)
	return a, nil
}

// supportedVersions keeps the configured tags the router serves. Enabling
// ocpp2.0.1 also accepts stations that only offer ocpp2.0.
func supportedVersions(tags []string, router *ocpp.Router) []protocol.Version {
	var out []protocol.Version
	seen := map[protocol.Version]bool{}
	add := func(v protocol.Version) {
		if !seen[v] && router.Supports(v) {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range ocpp.ParseVersions(tags) {
		add(v)
		if v == protocol.Version201 {
			add(protocol.Version20)
		}
	}
	return out
}

// Run starts background loops and the HTTP server, and closes every station
// connection once the server stops.
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

	run(a.refresher.Run)
	run(a.liveness.Run)
	if a.frameLog != nil {
		run(a.frameLog.Run)
	}
	if a.presence != nil {
		run(func(ctx context.Context) { touchPresence(ctx, a.presence, a.manager, a.logger) })
	}

	err := a.httpServer.Run(ctx)
	n := a.manager.CloseAll(ws.ReasonShutdown)
	a.logger.Info("station connections closed", zap.Int("count", n))
	cancel()
	wg.Wait()
	return err
}

// Close releases resources.
func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
