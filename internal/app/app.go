package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	grpcapi "github.com/Dhoini/credit-ledger/internal/api/grpc"
	"github.com/Dhoini/credit-ledger/internal/api/rest"
	"github.com/Dhoini/credit-ledger/internal/config"
	"github.com/Dhoini/credit-ledger/internal/db"
	"github.com/Dhoini/credit-ledger/internal/interceptors"
	"github.com/Dhoini/credit-ledger/internal/kafka"
	"github.com/Dhoini/credit-ledger/internal/metrics"
	"github.com/Dhoini/credit-ledger/internal/middleware"
	"github.com/Dhoini/credit-ledger/internal/repository"
	"github.com/Dhoini/credit-ledger/internal/service"
	"github.com/Dhoini/credit-ledger/internal/webhook"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const stateSampleInterval = 15 * time.Second

// App представляет собой контейнер для всех компонентов приложения
type App struct {
	Config     *config.Config
	DB         *db.DBClient
	Store      *repository.Store
	Registry   *prometheus.Registry
	Normalizer *webhook.Registry
	Ledger     service.LedgerService
	Jobs       service.JobService
	Webhooks   service.WebhookService
	Customers  service.CustomerService
	Router     *gin.Engine
	Logger     *logger.Logger

	sampler    metrics.StateSampler
	httpServer *rest.Server
	grpcServer *grpcapi.Server
	closers    []func() error
}

// New подключается к базе и собирает приложение по конфигурации.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	dbClient, err := db.NewDBClient(ctx, db.Options{
		Driver:         cfg.Database.Driver,
		DSN:            cfg.Database.DSN,
		MaxOpenConns:   cfg.Database.MaxOpenConns,
		MaxIdleConns:   cfg.Database.MaxIdleConns,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	}, log)
	if err != nil {
		return nil, err
	}

	return NewWithDB(ctx, cfg, dbClient, log)
}

// NewWithDB собирает приложение поверх готового подключения.
// Подключение закрывается в Close, а при ошибке сборки сразу.
func NewWithDB(ctx context.Context, cfg *config.Config, dbClient *db.DBClient, log *logger.Logger) (_ *App, err error) {
	a := &App{
		Config:   cfg,
		DB:       dbClient,
		Registry: prometheus.NewRegistry(),
		Logger:   log,
	}
	a.closers = append(a.closers, dbClient.Close)
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Database.AutoMigrate {
		if _, err := db.Migrate(ctx, dbClient.DB(), log); err != nil {
			return nil, err
		}
	}

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.RegisterDBStats(a.Registry, dbClient.DB().DB, "ledger"); err != nil {
		return nil, fmt.Errorf("failed to register db stats: %w", err)
	}
	ledgerMetrics := metrics.NewLedgerMetrics(a.Registry, log)

	a.Store = repository.NewStore(dbClient.DB(), log)
	a.sampler = metrics.NewStateSampler(a.Registry, a.Store, log)

	reads, err := a.readModel()
	if err != nil {
		return nil, err
	}
	publisher, err := a.publisher(ctx)
	if err != nil {
		return nil, err
	}
	notifier := service.NewNotifier(reads, publisher, ledgerMetrics, log)

	policy := service.Policy{
		SignupCredits:     cfg.Ledger.SignupCredits,
		BetaSignupCredits: cfg.Ledger.BetaSignupCredits,
		MinimumJobCredits: cfg.Ledger.MinimumJobCredits,
		Plans:             cfg.Ledger.Plans,
	}
	catalog := webhook.Catalog{Packs: cfg.Ledger.Packs}
	a.Normalizer = webhook.NewRegistry(a.normalizers(catalog)...)

	a.Ledger = service.NewLedgerService(a.Store, reads, notifier, policy, log)
	a.Customers = service.NewCustomerService(a.Store, log)
	a.Jobs = service.NewJobService(a.Store, notifier, cfg.Ledger.MinimumJobCredits, log)
	reconciler := service.NewSubscriptionReconciler(a.Store, notifier, cfg.Ledger.Plans, log)
	a.Webhooks = service.NewWebhookService(a.Store, a.Normalizer, a.Ledger, reconciler, notifier, log)

	validator := &middleware.DefaultTokenValidator{Secret: []byte(cfg.Auth.JWTSecret)}
	a.Router = rest.SetupRouter(rest.Services{
		Ledger:    a.Ledger,
		Jobs:      a.Jobs,
		Webhooks:  a.Webhooks,
		Customers: a.Customers,
		DB:        dbClient.DB(),
	}, validator, a.Registry, log)

	a.httpServer = rest.NewServer(a.Router, rest.ServerOptions{
		Port:         cfg.App.Port,
		ReadTimeout:  cfg.App.ReadTimeout,
		WriteTimeout: cfg.App.WriteTimeout,
	}, log)

	// gRPC обслуживает только конвейер транскрибации
	authInterceptor := interceptors.NewAuthInterceptor(log, validator, middleware.ScopePipeline, middleware.ScopeAdmin)
	a.grpcServer, err = grpcapi.NewServer(grpcapi.ServerOptions{
		Port:     cfg.GRPC.Port,
		UseTLS:   cfg.GRPC.UseTLS,
		CertFile: cfg.GRPC.CertFile,
		KeyFile:  cfg.GRPC.KeyFile,
	}, log, authInterceptor.Unary())
	if err != nil {
		return nil, err
	}
	a.grpcServer.RegisterServices(grpcapi.NewJobHandler(a.Jobs, a.Ledger, log))

	log.Infow("Application initialized", "providers", a.Normalizer.Providers(), "env", cfg.App.Env)
	return a, nil
}

func (a *App) readModel() (repository.ReadModel, error) {
	cfg := a.Config.Redis
	if !cfg.Enabled {
		a.Logger.Infow("Redis cache disabled, reading balances from the database")
		return a.Store, nil
	}
	cache, err := repository.NewRedisCache(repository.RedisOptions{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		TTL:      cfg.TTL,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cache.Close)
	a.Logger.Infow("Using cached read model", "addr", cfg.Addr)
	return repository.NewCachedReads(a.Store, cache, a.Logger), nil
}

func (a *App) publisher(ctx context.Context) (service.EventPublisher, error) {
	cfg := a.Config.Kafka
	if !cfg.Enabled {
		a.Logger.Infow("Kafka disabled, ledger events are not published")
		return kafka.NopPublisher{}, nil
	}
	kafkaCfg := kafka.NewConfig(cfg.Brokers, cfg.TopicPrefix)
	if cfg.EnsureTopics {
		if err := kafka.EnsureTopics(ctx, kafkaCfg, a.Logger); err != nil {
			return nil, err
		}
	}
	producer, err := kafka.NewProducer(kafkaCfg, a.Logger)
	if err != nil {
		return nil, err
	}
	publisher := kafka.NewPublisher(producer, kafkaCfg, a.Logger)
	a.closers = append(a.closers, publisher.Close)
	return publisher, nil
}

func (a *App) normalizers(catalog webhook.Catalog) []webhook.Normalizer {
	var out []webhook.Normalizer
	if a.Config.Stripe.WebhookSecret != "" {
		out = append(out, webhook.NewStripeNormalizer(a.Config.Stripe.WebhookSecret, a.Config.Stripe.Tolerance, catalog, a.Store, a.Logger))
	}
	if a.Config.LemonSqueezy.SigningSecret != "" {
		out = append(out, webhook.NewLemonSqueezyNormalizer(a.Config.LemonSqueezy.SigningSecret, catalog, a.Store, a.Logger))
	}
	return out
}

// Run запускает HTTP и gRPC серверы и блокируется до отмены ctx
// или падения одного из серверов.
func (a *App) Run(ctx context.Context) error {
	a.sampler.StartRecording(stateSampleInterval)
	defer a.sampler.Stop()

	errCh := make(chan error, 2)
	go func() {
		if err := a.httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		if err := a.grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.Logger.Infow("Shutdown signal received")
	case runErr = <-errCh:
		a.Logger.Errorw("Server stopped unexpectedly", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.App.ShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.Logger.Errorw("HTTP server shutdown error", "error", err)
		runErr = errors.Join(runErr, err)
	} else {
		a.Logger.Infow("HTTP server gracefully stopped")
	}

	// GracefulStop ждет завершения текущих RPC
	stopped := make(chan struct{})
	go func() {
		a.grpcServer.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		a.Logger.Infow("gRPC server gracefully stopped")
	case <-shutdownCtx.Done():
		a.Logger.Warnw("gRPC server did not stop in time")
	}
	return runErr
}

// Close освобождает ресурсы в обратном порядке.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.Logger.Errorw("Error releasing resources", "error", err)
		return err
	}
	return nil
}
