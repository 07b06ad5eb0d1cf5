// Package app wires the dispatch engine from configuration. Every binary
// builds the same graph and uses the parts it needs.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/example/notification-dispatch/internal/api"
	"github.com/example/notification-dispatch/internal/common"
	"github.com/example/notification-dispatch/internal/dispatch"
	"github.com/example/notification-dispatch/internal/events"
	"github.com/example/notification-dispatch/internal/gateway"
	"github.com/example/notification-dispatch/internal/ledger"
	"github.com/example/notification-dispatch/internal/queue"
	"github.com/example/notification-dispatch/internal/template"
)

type App struct {
	Config *common.Config
	Logger zerolog.Logger
	Pool   *pgxpool.Pool

	Templates template.Repository
	Settings  gateway.SettingsStore
	Gateways  *gateway.Selector
	Queue     queue.Repository
	Engine    *queue.Engine
	Markers   ledger.MarkerStore
	Audit     ledger.Reader
	Auditor   *ledger.Auditor
	Service   *dispatch.Service

	closers []io.Closer
}

// Build connects to the backing stores and assembles the engine. Callers
// must Close the result.
func Build(ctx context.Context, cfg *common.Config, logger zerolog.Logger) (*App, error) {
	pool, err := common.ConnectPostgres(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Pool: pool}
	if err := a.build(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger

	if cfg.MigrateOnStart {
		if err := common.Migrate(ctx, a.Pool, logger); err != nil {
			return err
		}
	}

	markers, err := a.markers(ctx)
	if err != nil {
		return err
	}
	a.Markers = markers

	audit := ledger.NewPostgresAudit(a.Pool)
	sinks := []ledger.Sink{audit}
	var deadLetters queue.DeadLetterSink
	if cfg.KafkaEnabled() {
		auditWriter := events.NewWriter(cfg.KafkaBrokers, cfg.AuditTopic)
		dlqWriter := events.NewWriter(cfg.KafkaBrokers, cfg.DeadLetterTopic)
		a.closers = append(a.closers, auditWriter, dlqWriter)
		sinks = append(sinks, &events.AuditPublisher{Writer: auditWriter})
		deadLetters = &events.DeadLetterPublisher{Writer: dlqWriter}
	}
	a.Audit = audit
	a.Auditor = ledger.NewAuditor(cfg.AuditBuffer, logger.With().Str("component", "audit").Logger(), sinks...)

	defaults, err := gateway.LoadEnvSettings()
	if err != nil {
		return err
	}
	a.Settings = gateway.NewCachedSettings(gateway.NewPostgresSettings(a.Pool, defaults), cfg.GatewayCacheTTL)
	a.Gateways = gateway.NewSelector(a.Settings, gateway.NewFactory(nil, cfg.SendTimeout))

	a.Templates = template.NewPostgresRepository(a.Pool)
	a.Queue = queue.NewPostgresRepository(a.Pool)
	a.Engine = &queue.Engine{
		Repo:        a.Queue,
		Policy:      queue.PolicyFromConfig(cfg.Retry),
		DeadLetters: deadLetters,
		Logger:      logger.With().Str("component", "retry").Logger(),
	}
	a.Service = dispatch.NewService(dispatch.Deps{
		Resolver:    template.NewResolver(a.Templates),
		Gateways:    a.Gateways,
		Queue:       a.Engine,
		Markers:     a.Markers,
		Audit:       a.Auditor,
		SendTimeout: cfg.SendTimeout,
		Logger:      logger.With().Str("component", "dispatch").Logger(),
	})
	a.Engine.Executor = a.Service
	return nil
}

func (a *App) markers(ctx context.Context) (ledger.MarkerStore, error) {
	switch a.Config.IdempotencyBackend {
	case "redis":
		client, err := common.ConnectRedis(ctx, a.Config, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client)
		return ledger.NewRedisMarkers(client), nil
	case "memory":
		a.Logger.Warn().Msg("send-once markers are kept in memory and lost on restart")
		return ledger.NewMemoryMarkers(), nil
	default:
		return ledger.NewPostgresMarkers(a.Pool), nil
	}
}

// Handler returns the HTTP surface backed by this app.
func (a *App) Handler() *api.Handler {
	return api.NewHandler(api.Deps{
		Dispatcher: a.Service,
		Templates:  a.Templates,
		Settings:   a.Settings,
		Gateways:   a.Gateways,
		Queue:      a.Queue,
		Runner:     a.Engine,
		Audit:      a.Audit,
		Logger:     a.Logger.With().Str("component", "api").Logger(),
	})
}

// Close flushes pending audit records and releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Auditor != nil {
		if err := a.Auditor.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush audit: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	return errors.Join(errs...)
}
