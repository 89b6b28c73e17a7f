package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/xela07ax/capi-tool-gateway/internal/audit"
	"github.com/xela07ax/capi-tool-gateway/internal/catalog"
	"github.com/xela07ax/capi-tool-gateway/internal/engine"
	"github.com/xela07ax/capi-tool-gateway/internal/infra"
	"github.com/xela07ax/capi-tool-gateway/internal/orchestrator"
	"github.com/xela07ax/capi-tool-gateway/internal/policy"
	"github.com/xela07ax/capi-tool-gateway/internal/repository/postgres"
	redisrepo "github.com/xela07ax/capi-tool-gateway/internal/repository/redis"
	"github.com/xela07ax/capi-tool-gateway/internal/summarize"
	"github.com/xela07ax/capi-tool-gateway/internal/upstream"
)

// app — собранное ядро шлюза, общее для всех режимов запуска.
type app struct {
	cfg        *infra.Config
	logger     *zap.Logger
	registry   *prometheus.Registry
	switches   *engine.ToolSwitch
	auditor    *audit.Logger
	catalog    *catalog.Catalog
	dispatcher *engine.Dispatcher

	closers []func() error
}

func buildApp(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(a.registry)

	// 1. Upstream
	creds := upstream.Chain{
		upstream.BearerToken{Token: cfg.Upstream.Token},
		upstream.BasicAuth{Username: cfg.Upstream.Username, Password: cfg.Upstream.Password},
	}
	client, err := upstream.New(upstream.Options{
		BaseURL:        cfg.Upstream.BaseURL,
		MaxAttempts:    cfg.Upstream.MaxAttempts,
		RetryBaseDelay: cfg.Upstream.RetryBaseDelay,
		PageSize:       cfg.Upstream.PageSize,
		Timeout:        cfg.Upstream.Timeout,
		RateLimit:      cfg.Upstream.RateLimit,
		RateBurst:      cfg.Upstream.RateBurst,
		Breaker: upstream.BreakerSettings{
			MaxRequests:      cfg.Upstream.CBMaxRequests,
			Interval:         cfg.Upstream.CBInterval,
			Timeout:          cfg.Upstream.CBTimeout,
			FailureThreshold: cfg.Upstream.CBFailureThreshold,
		},
		Observer: metrics,
	}, creds, logger)
	if err != nil {
		return nil, fmt.Errorf("upstream client: %w", err)
	}
	if client.CredentialMethod() == "none" {
		logger.Warn("no CAPI credentials configured, upstream calls will fail",
			zap.Strings("env", []string{"WP_ENGINE_API_TOKEN", "WP_ENGINE_API_USERNAME", "WP_ENGINE_API_PASSWORD"}))
	}

	// 2. Каталог: REST-эндпоинты плюс композитные инструменты
	orch := orchestrator.New(logger,
		orchestrator.WithConcurrency(cfg.Fanout.MaxConcurrency),
		orchestrator.WithSSLLookahead(cfg.Orchestrator.SSLLookahead),
	)
	endpoints, err := catalog.Endpoints()
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	cat := catalog.New()
	if err := cat.Register(endpoints...); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if err := cat.Register(orch.Tools()...); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	a.catalog = cat

	// 3. Журнал аудита
	sink, err := a.openAuditSink(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.auditor = audit.NewLogger(sink, logger,
		audit.WithFlushInterval(cfg.Audit.FlushInterval),
		audit.WithObserver(metrics),
	)

	// 4. Диспетчер
	a.switches = engine.NewToolSwitch(cfg.Safety.DisabledTools...)
	a.dispatcher, err = engine.NewDispatcher(engine.Deps{
		Catalog:    cat,
		API:        client,
		Gate:       policy.NewGate(cfg.Safety.ConfirmationTTL, nil, logger),
		Summarizer: summarize.NewRegistry(logger),
		Auditor:    a.auditor,
		Switch:     a.switches,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	logger.Info("gateway assembled",
		zap.Int("tools", cat.Len()),
		zap.String("auth", client.CredentialMethod()),
		zap.String("audit_sink", cfg.Audit.Sink),
		zap.Strings("disabled", a.switches.Disabled()),
	)
	return a, nil
}

func (a *app) openAuditSink(ctx context.Context) (audit.Sink, error) {
	cfg := a.cfg.Audit
	switch cfg.Sink {
	case infra.AuditSinkFile:
		return audit.NewFileSink(cfg.Path), nil

	case infra.AuditSinkPostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		repo := postgres.NewAuditRepo(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("audit schema: %w", err)
		}
		return repo, nil

	case infra.AuditSinkRedis:
		rdb, err := redisrepo.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		return redisrepo.NewAuditList(rdb, cfg.RedisListKey()), nil

	default:
		return nil, nil
	}
}

func (a *app) start() {
	a.auditor.Start()
}

// shutdown сбрасывает журнал и закрывает соединения.
func (a *app) shutdown(ctx context.Context) error {
	err := a.auditor.Stop(ctx)
	return errors.Join(err, a.close())
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
