// Package server exposes the creatorpay HTTP API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"creatorpay/services/creatorpay/accounts"
	"creatorpay/services/creatorpay/intents"
	"creatorpay/services/creatorpay/models"
	"creatorpay/services/creatorpay/payouts"
	"creatorpay/services/creatorpay/recon"
	cpmw "creatorpay/services/creatorpay/server/middleware"
	"creatorpay/services/creatorpay/transfers"
	"creatorpay/services/creatorpay/webhooks"
)

// Accounts is the connected account surface used by the API.
type Accounts interface {
	CreateAccount(ctx context.Context, ownerID, email, country string) (*accounts.CreateResult, error)
	GetStatus(ctx context.Context, accountID string) (*models.ConnectedAccount, error)
	OnboardingRedirect(ctx context.Context, accountID, state, linkType string) (string, error)
	List(ctx context.Context, limit int) ([]models.ConnectedAccount, error)
	Delete(ctx context.Context, accountID string) error
}

// Intents creates and reads payment intents.
type Intents interface {
	CreateIntent(ctx context.Context, req intents.Request) (*intents.Result, error)
	Get(ctx context.Context, id string) (*models.PaymentIntent, error)
}

// Transfers creates transfers into connected accounts.
type Transfers interface {
	CreateTransfer(ctx context.Context, sourceIntentID, destinationAccountID string, amountMinor int64) (*transfers.Result, error)
}

// Payouts requests payouts and exposes the operator controls.
type Payouts interface {
	RequestPayout(ctx context.Context, req payouts.Request) (*payouts.Result, error)
	Balance(ctx context.Context, accountID string) (models.AccountBalance, error)
	List(ctx context.Context, accountID string, limit int) ([]models.Payout, error)
	Pause()
	Resume()
	Status() payouts.Status
}

// Webhooks applies verified processor deliveries.
type Webhooks interface {
	Handle(ctx context.Context, signature string, payload []byte) (*webhooks.Result, error)
}

// Reconciler runs an on-demand reconciliation window.
type Reconciler interface {
	Run(ctx context.Context, opts recon.RunOptions) (*recon.Result, error)
}

// Store is the read access used by health checks and the event log.
type Store interface {
	Ping(ctx context.Context) error
	ListEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Accounts   Accounts
	Intents    Intents
	Transfers  Transfers
	Payouts    Payouts
	Webhooks   Webhooks
	Reconciler Reconciler
	Store      Store

	AdminToken string
	RateLimit  cpmw.RateLimit
	CORS       cpmw.CORSConfig
	// ReconWindow is the default span for POST /admin/recon/run.
	ReconWindow time.Duration

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	accounts   Accounts
	intents    Intents
	transfers  Transfers
	payouts    Payouts
	webhooks   Webhooks
	reconciler Reconciler
	store      Store

	reconWindow time.Duration
	logger      *slog.Logger
	now         func() time.Time

	router http.Handler
}

const maxWebhookBody = 1 << 20

// New constructs the router.
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	window := cfg.ReconWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	s := &Server{
		accounts:    cfg.Accounts,
		intents:     cfg.Intents,
		transfers:   cfg.Transfers,
		payouts:     cfg.Payouts,
		webhooks:    cfg.Webhooks,
		reconciler:  cfg.Reconciler,
		store:       cfg.Store,
		reconWindow: window,
		logger:      logger.With(slog.String("component", "http")),
		now:         now,
	}
	obs, err := cpmw.NewObservability(cpmw.ObservabilityConfig{ServiceName: "creatorpay", LogRequests: true}, cfg.Registerer, s.logger)
	if err != nil {
		return nil, err
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	limiter := cpmw.NewRateLimiter(map[string]cpmw.RateLimit{
		"api": cfg.RateLimit,
	}, s.logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(obs.Middleware)

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Webhook deliveries bypass the per-client limiter.
	r.Post("/webhooks/processor", s.HandleWebhook)

	r.Group(func(api chi.Router) {
		api.Use(cpmw.CORS(cfg.CORS))
		api.Use(limiter.Middleware("api"))
		api.Post("/accounts", s.CreateAccount)
		api.Get("/accounts/{id}/status", s.AccountStatus)
		api.Get("/accounts/{id}/onboarding", s.Onboarding)
		api.Get("/accounts/{id}/balance", s.AccountBalance)
		api.Get("/accounts/{id}/payouts", s.AccountPayouts)
		api.Post("/payment-intents", s.CreatePaymentIntent)
		api.Get("/payment-intents/{id}", s.GetPaymentIntent)
		api.Post("/transfers", s.CreateTransfer)
		api.Post("/payouts", s.CreatePayout)
		api.Options("/*", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(cpmw.AdminToken(cfg.AdminToken, s.logger))
		admin.Post("/payouts/pause", s.PausePayouts)
		admin.Post("/payouts/resume", s.ResumePayouts)
		admin.Get("/payouts/status", s.PayoutStatus)
		admin.Get("/accounts", s.ListAccounts)
		admin.Delete("/accounts/{id}", s.DeleteAccount)
		admin.Post("/recon/run", s.RunRecon)
		admin.Get("/webhooks/events", s.ListWebhookEvents)
	})

	s.router = r
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Health reports database connectivity.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Error("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
