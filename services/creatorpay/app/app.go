// Package app assembles creatorpayd from configuration.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"creatorpay/observability"
	"creatorpay/observability/logging"
	telemetry "creatorpay/observability/otel"
	"creatorpay/services/creatorpay/accounts"
	"creatorpay/services/creatorpay/config"
	"creatorpay/services/creatorpay/idempotency"
	"creatorpay/services/creatorpay/intents"
	"creatorpay/services/creatorpay/models"
	"creatorpay/services/creatorpay/payouts"
	"creatorpay/services/creatorpay/processor"
	"creatorpay/services/creatorpay/recon"
	"creatorpay/services/creatorpay/server"
	cpmw "creatorpay/services/creatorpay/server/middleware"
	"creatorpay/services/creatorpay/store"
	"creatorpay/services/creatorpay/transfers"
	"creatorpay/services/creatorpay/webhooks"
)

// App holds the assembled service.
type App struct {
	Config    config.Config
	DB        *gorm.DB
	Store     *store.Store
	Processor processor.Client
	Payouts   *payouts.Scheduler
	Recon     *recon.Scheduler
	Handler   http.Handler
	logger    *slog.Logger
}

// Options overrides collaborators, mainly for tests.
type Options struct {
	Logger     *slog.Logger
	Processor  processor.Client
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Metrics    *observability.PaymentsMetrics
}

// Build opens the store, migrates it and wires every component.
func Build(cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics

	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	st := store.New(db)
	idem := idempotency.NewGormStore(db, idempotency.WithLease(cfg.Idempotency.Lease.Duration))

	proc := opts.Processor
	if proc == nil {
		proc, err = buildProcessor(cfg, metrics, logger)
		if err != nil {
			return nil, err
		}
	}

	signer, err := accounts.NewStateSigner([]byte(cfg.Accounts.StateSecret), cfg.Accounts.StateTTL.Duration, nil)
	if err != nil {
		return nil, err
	}
	accountOpts := []accounts.Option{accounts.WithLogger(logger)}
	if cfg.Accounts.VerifyMX {
		accountOpts = append(accountOpts, accounts.WithMXChecker(accounts.NewDNSChecker(cfg.Accounts.Resolver, 2*time.Second)))
	}
	registry, err := accounts.NewRegistry(st, proc, signer, accounts.Config{
		SupportedCountries: cfg.Accounts.SupportedCountries,
		PublicBaseURL:      cfg.PublicBaseURL,
		ReturnURL:          cfg.Accounts.ReturnURL,
	}, accountOpts...)
	if err != nil {
		return nil, err
	}
	intentManager, err := intents.NewManager(st, idem, proc, intents.Config{
		MinimumChargeMinor: cfg.Payments.MinimumChargeMinor,
		Tiers:              cfg.Payments.Tiers,
	}, intents.WithMetrics(metrics), intents.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	ledger, err := transfers.NewLedger(st, proc, transfers.WithMetrics(metrics), transfers.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	payoutScheduler, err := payouts.NewScheduler(st, idem, proc, payouts.Config{
		MinimumPayoutMinor: cfg.Payouts.MinimumPayoutMinor,
		HoldingPeriod:      cfg.HoldingPeriod(),
		DefaultCurrency:    cfg.Payouts.Currency,
	}, payouts.WithMetrics(metrics), payouts.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if cfg.Payouts.PauseOnStart {
		payoutScheduler.Pause()
	}
	dispatcher, err := webhooks.NewDispatcher(webhooks.Deps{
		Verifier:  webhooks.NewVerifier(cfg.Webhooks.Secret, cfg.Webhooks.Tolerance.Duration, nil),
		Idem:      idem,
		Log:       st,
		Intents:   intentManager,
		Accounts:  registry,
		Transfers: ledger,
		Payouts:   payoutScheduler,
	},
		webhooks.WithAutoTransfer(webhooks.AutoTransfer{
			Enabled:        cfg.Transfers.AutoOnSuccess,
			FeeBasisPoints: cfg.Transfers.FeeBasisPoints,
		}),
		webhooks.WithOrphanAfter(cfg.Webhooks.OrphanAfter.Duration),
		webhooks.WithMetrics(metrics),
		webhooks.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	reconciler, err := recon.NewReconciler(recon.Config{
		DB:                  db,
		OutputDir:           cfg.Recon.OutputDir,
		TransferSettleGrace: cfg.Recon.TransferSettleGrace.Duration,
		PayoutGrace:         cfg.Recon.PayoutGrace.Duration,
		AutoTransfer:        cfg.Transfers.AutoOnSuccess,
		Metrics:             metrics,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}
	var reconScheduler *recon.Scheduler
	if cfg.Recon.Enabled {
		reconScheduler = recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			Window:     cfg.Recon.Window.Duration,
			RunHour:    cfg.Recon.RunHour,
			RunMinute:  cfg.Recon.RunMinute,
			Logger:     logger,
		})
	}

	srv, err := server.New(server.Config{
		Accounts:   registry,
		Intents:    intentManager,
		Transfers:  ledger,
		Payouts:    payoutScheduler,
		Webhooks:   dispatcher,
		Reconciler: reconciler,
		Store:      st,
		AdminToken: cfg.Admin.BearerToken,
		CORS:       cpmw.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		RateLimit: cpmw.RateLimit{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		ReconWindow: cfg.Recon.Window.Duration,
		Registerer:  opts.Registerer,
		Gatherer:    opts.Gatherer,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Config:    cfg,
		DB:        db,
		Store:     st,
		Processor: proc,
		Payouts:   payoutScheduler,
		Recon:     reconScheduler,
		Handler:   otelhttp.NewHandler(srv.Handler(), "creatorpay"),
		logger:    logger,
	}, nil
}

func buildProcessor(cfg config.Config, metrics *observability.PaymentsMetrics, logger *slog.Logger) (processor.Client, error) {
	if cfg.Processor.Fake {
		logger.Warn("using in-memory sandbox processor; no money will move")
		fake := processor.NewFake()
		fake.LinkBase = strings.TrimRight(cfg.PublicBaseURL, "/") + "/sandbox"
		return fake, nil
	}
	client, err := processor.NewHTTPClient(cfg.Processor.BaseURL, cfg.Processor.APIKey,
		processor.WithRetryPolicy(processor.RetryPolicy{
			MaxAttempts:    cfg.Processor.MaxAttempts,
			BaseBackoff:    cfg.Processor.BaseBackoff.Duration,
			MaxBackoff:     cfg.Processor.MaxBackoff.Duration,
			AttemptTimeout: cfg.Processor.Timeout.Duration,
		}),
		processor.WithRateLimit(cfg.Processor.RateLimit, cfg.Processor.Burst),
		processor.WithMetrics(metrics),
		processor.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("processor client: %w", err)
	}
	return client, nil
}

// Close releases the database handle.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Serve runs the HTTP server and recon scheduler until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              a.Config.Listen,
		Handler:           a.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if a.Recon != nil {
		go a.Recon.Start(ctx)
	}

	errs := make(chan error, 1)
	go func() {
		a.logger.Info("creatorpay listening", slog.String("addr", a.Config.Listen))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Main initialises and runs creatorpayd.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to creatorpay configuration (.yaml or .toml)")
	flag.Parse()
	if cfgPath == "" {
		cfgPath = os.Getenv("CREATORPAY_CONFIG")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.Setup(cfg.Service, cfg.Env, logging.WithFile(logging.FileConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}))
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv(cfg.Service, cfg.Env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	application, err := Build(cfg, Options{Logger: logger, Metrics: observability.Payments()})
	if err != nil {
		return err
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return application.Serve(ctx)
}
