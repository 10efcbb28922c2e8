package httpserver

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/VigilPay/server/internal/apikey"
	"github.com/VigilPay/server/internal/config"
	"github.com/VigilPay/server/internal/idempotency"
	"github.com/VigilPay/server/internal/live"
	"github.com/VigilPay/server/internal/logger"
	"github.com/VigilPay/server/internal/metrics"
	"github.com/VigilPay/server/internal/ratelimit"
	solanaclient "github.com/VigilPay/server/internal/solana"
	"github.com/VigilPay/server/internal/storage"
	"github.com/VigilPay/server/internal/versioning"
)

var (
	serverStartTime = time.Now()
)

type handlers struct {
	cfg              *config.Config
	store            storage.Store
	ledger           *solanaclient.Client // nil in tests that never touch RPC
	live             *live.Hub
	idempotencyStore idempotency.Store
	metrics          *metrics.Metrics
	logger           zerolog.Logger
}

// ConfigureRouter attaches VigilPay routes to an existing router, so the
// payment API can be embedded into a larger chi application.
func ConfigureRouter(router chi.Router, cfg *config.Config, store storage.Store, ledger *solanaclient.Client, liveHub *live.Hub, idempotencyStore idempotency.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:              cfg,
		store:            store,
		ledger:           ledger,
		live:             liveHub,
		idempotencyStore: idempotencyStore,
		metrics:          metricsCollector,
		logger:           appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers first so every response carries them.
	router.Use(securityHeadersMiddleware)

	// Structured logging before RequestID so the request logger is already
	// in context when the ID is stamped.
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// API version negotiation (Accept header / X-API-Version).
	router.Use(versioning.Negotiation)

	// Merchant authentication before rate limiting: the per-merchant
	// limiter and the tier exemptions both read the key binding from
	// request context.
	apiKeyCfg := apikey.Config{
		Enabled: cfg.APIKey.Enabled,
		Keys:    make(map[string]apikey.Merchant),
	}
	for key, binding := range cfg.APIKey.Keys {
		apiKeyCfg.Keys[key] = apikey.Merchant{
			ID:   binding.Merchant,
			Tier: apikey.Tier(binding.Tier),
		}
	}
	router.Use(apikey.Middleware(apiKeyCfg))

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled:      cfg.RateLimit.GlobalEnabled,
		GlobalLimit:        cfg.RateLimit.GlobalLimit,
		GlobalWindow:       cfg.RateLimit.GlobalWindow.Duration,
		PerMerchantEnabled: cfg.RateLimit.PerMerchantEnabled,
		PerMerchantLimit:   cfg.RateLimit.PerMerchantLimit,
		PerMerchantWindow:  cfg.RateLimit.PerMerchantWindow.Duration,
		PerIPEnabled:       cfg.RateLimit.PerIPEnabled,
		PerIPLimit:         cfg.RateLimit.PerIPLimit,
		PerIPWindow:        cfg.RateLimit.PerIPWindow.Duration,
		Metrics:            metricsCollector,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.MerchantLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	// Timeouts are applied per route group below. Health and metrics get a
	// short deadline, payment endpoints a long one, and the websocket
	// subscribe none at all since the connection is long-lived.

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints with 5s timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/vigil-health", handler.health)
		// Prometheus scrape endpoint; optional admin bearer key.
		r.With(adminAuth(cfg.Server.AdminAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Idempotency middleware caches create responses for replayed keys.
	idempotencyMW := idempotency.Middleware(idempotencyStore, 24*time.Hour)

	// Payment endpoints with 60s timeout (the transaction request hits RPC).
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.With(idempotencyMW).Post(prefix+"/api/v1/payments", handler.createPayment)
		r.Get(prefix+"/api/v1/payments/{reference}", handler.getPayment)
		r.Post(prefix+"/api/v1/payments/{reference}/transaction", handler.buildPaymentTransaction)
	})

	// Admin surface, protected by the same bearer key as /metrics.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Use(adminAuth(cfg.Server.AdminAPIKey))
		r.Get(prefix+"/api/v1/admin/webhooks/dlq", handler.listDLQWebhooks)
		r.Post(prefix+"/api/v1/admin/webhooks/dlq/{id}/retry", handler.retryDLQWebhook)
	})

	// Websocket subscribe stays outside the timeout groups; chi's Timeout
	// middleware would kill the upgraded connection mid-stream.
	if cfg.Live.Enabled && liveHub != nil {
		router.Group(func(r chi.Router) {
			r.Get(prefix+"/api/v1/payments/{reference}/live", handler.subscribeLive)
		})
	}
}
