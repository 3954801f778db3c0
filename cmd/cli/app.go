package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fieldcrm/internal/config"
	"fieldcrm/internal/database"
	"fieldcrm/internal/handlers"
	"fieldcrm/internal/metrics"
	"fieldcrm/internal/middleware"
	"fieldcrm/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

// application holds every long-lived component of the server process.
type application struct {
	cfg    *config.Config
	logger *logrus.Logger

	db       *gorm.DB
	nc       *nats.Conn
	pool     *pgxpool.Pool
	badger   *services.BadgerLedgerStore
	registry *prometheus.Registry
	metrics  *metrics.AutomationMetrics

	rules      *services.RuleStore
	ruleSvc    *services.AutomationRuleService
	ledger     services.LedgerStore
	recorder   *services.ExecutionRecorder
	engine     *services.AutomationEngine
	ingestor   *services.EventIngestor
	feed       *services.ExecutionFeed
	poller     *services.ContinuationPoller
	river      *services.RiverContinuationScheduler
	subscriber *services.NATSEventSubscriber

	router *gin.Engine
}

func newApplication(ctx context.Context, cfg *config.Config, logger *logrus.Logger, reg *prometheus.Registry, m *metrics.AutomationMetrics) (*application, error) {
	app := &application{cfg: cfg, logger: logger, registry: reg, metrics: m}
	ok := false
	defer func() {
		if !ok {
			app.close(context.Background())
		}
	}()

	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	app.db = db
	if err := database.Migrate(db); err != nil {
		return nil, err
	}

	if cfg.NATS.Enabled {
		nc, err := services.ConnectNATS(cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		app.nc = nc
	}

	if err := app.buildLedger(); err != nil {
		return nil, err
	}
	delegates, err := app.buildDelegates()
	if err != nil {
		return nil, err
	}

	tz, err := services.NewStaticTimezones(cfg.Automation.DefaultTimezone, cfg.Automation.TenantTimezones)
	if err != nil {
		return nil, fmt.Errorf("timezones: %w", err)
	}

	app.rules = services.NewRuleStore(db, logger)
	if err := app.rules.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	app.ruleSvc = services.NewAutomationRuleService(db, app.rules, logger)
	app.recorder = services.NewExecutionRecorder(db, app.ledger, logger, m)
	continuations := services.NewContinuationStore(db)
	app.engine = services.NewAutomationEngine(services.EngineDeps{
		Rules:            app.rules,
		Gate:             services.NewConstraintGate(app.ledger, tz),
		Executor:         services.NewActionExecutor(delegates, logger, m),
		Recorder:         app.recorder,
		Continuations:    continuations,
		Logger:           logger,
		Metrics:          m,
		MaxParallelRules: cfg.Automation.MaxParallelRules,
	})
	if err := app.buildScheduler(ctx, continuations); err != nil {
		return nil, err
	}

	app.feed = services.NewExecutionFeed(logger)
	app.engine.AddObserver(app.feed.Publish)
	app.ingestor = services.NewEventIngestor(app.engine, m, cfg.Automation.EventTimeout, logger)
	if app.nc != nil {
		app.subscriber = services.NewNATSEventSubscriber(app.nc, app.ingestor, cfg.NATS.Subject, cfg.NATS.QueueGroup, logger)
	}

	app.router = app.setupRouter()
	ok = true
	return app, nil
}

func (a *application) buildLedger() error {
	switch strings.ToLower(a.cfg.Automation.Ledger.Backend) {
	case "", "gorm":
		a.ledger = services.NewGormLedgerStore(a.db)
	case "badger":
		store, err := services.OpenBadgerLedger(a.cfg.Automation.Ledger.BadgerPath)
		if err != nil {
			return err
		}
		a.badger = store
		a.ledger = store
	default:
		return fmt.Errorf("unsupported ledger backend %q", a.cfg.Automation.Ledger.Backend)
	}
	return nil
}

func (a *application) buildDelegates() (services.ActionDelegates, error) {
	dc := a.cfg.Automation.Delegates
	switch strings.ToLower(dc.Mode) {
	case "", "log":
		return services.NewLogDelegates(a.logger), nil
	case "http":
		if dc.HTTP.BaseURL == "" {
			return nil, errors.New("automation.delegates.http.base_url is required for http delegates")
		}
		return services.NewHTTPDelegates(dc.HTTP, dc.CircuitBreaker, a.logger), nil
	case "nats":
		if a.nc == nil {
			return nil, errors.New("nats delegates require nats.enabled")
		}
		return services.NewNATSDelegates(a.nc, a.cfg.NATS.ActionSubject), nil
	default:
		return nil, fmt.Errorf("unsupported delegates mode %q", dc.Mode)
	}
}

func (a *application) buildScheduler(ctx context.Context, continuations *services.ContinuationStore) error {
	sc := a.cfg.Automation.Scheduler
	switch strings.ToLower(sc.Backend) {
	case "", "poller":
		a.poller = services.NewContinuationPoller(continuations, a.engine, sc.PollInterval, sc.BatchSize, sc.Workers, a.logger)
		a.engine.SetScheduler(a.poller)
	case "river":
		if !strings.EqualFold(a.cfg.Database.Driver, "postgres") && a.cfg.Database.Driver != "" {
			return errors.New("river scheduler requires the postgres driver")
		}
		pool, err := pgxpool.New(ctx, a.cfg.Database.URL())
		if err != nil {
			return fmt.Errorf("pgx pool: %w", err)
		}
		a.pool = pool
		rs, err := services.NewRiverContinuationScheduler(ctx, pool, a.engine, sc.Workers, a.logger)
		if err != nil {
			return err
		}
		a.river = rs
		a.engine.SetScheduler(rs)
	default:
		return fmt.Errorf("unsupported scheduler backend %q", sc.Backend)
	}
	return nil
}

func (a *application) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if a.cfg.Monitoring.Tracing.Enabled {
		svc := a.cfg.Monitoring.Tracing.ServiceName
		if svc == "" {
			svc = "fieldcrm"
		}
		router.Use(otelgin.Middleware(svc))
	}
	router.Use(requestLogger(a.logger))
	router.Use(middleware.CORSMiddleware(a.cfg))

	var nc handlers.NATSStatus
	if a.nc != nil {
		nc = a.nc
	}
	handlers.RegisterHealthRoutes(router, handlers.NewHealthHandler(a.cfg, a.db, nc, Version))
	if a.cfg.Monitoring.Enabled && a.registry != nil {
		path := a.cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(metrics.Handler(a.registry)))
	}

	api := router.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware(a.cfg, a.metrics))
	handlers.RegisterEventRoutes(api, handlers.NewEventHandler(a.ingestor))
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(a.ruleSvc, a.engine, a.recorder, a.ledger, a.feed, a.logger))
	return router
}

// start launches the background workers. They stop when ctx is cancelled.
func (a *application) start(ctx context.Context) error {
	go a.feed.Run(ctx)
	go a.rules.Run(ctx, a.cfg.Automation.RuleRefreshInterval)
	if a.poller != nil {
		go a.poller.Run(ctx)
	}
	if a.river != nil {
		if err := a.river.Start(ctx); err != nil {
			return err
		}
	}
	if a.subscriber != nil {
		if err := a.subscriber.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// close releases resources in reverse order of acquisition. Safe on a
// partially built application.
func (a *application) close(ctx context.Context) {
	if a.subscriber != nil {
		if err := a.subscriber.Stop(); err != nil {
			a.logger.Warnf("stop nats subscriber: %v", err)
		}
	}
	if a.river != nil {
		if err := a.river.Stop(ctx); err != nil {
			a.logger.Warnf("stop river: %v", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}
	if a.badger != nil {
		if err := a.badger.Close(); err != nil {
			a.logger.Warnf("close badger ledger: %v", err)
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// requestLogger 以 logrus 结构化输出访问日志
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		entry := logger.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    status,
			"latency":   time.Since(start).String(),
			"client_ip": c.ClientIP(),
			"tenant_id": c.GetHeader(handlers.TenantHeader),
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("request rejected")
		default:
			entry.Debug("request")
		}
	}
}
