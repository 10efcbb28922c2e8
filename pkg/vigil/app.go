package vigil

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/VigilPay/server/internal/callbacks"
	"github.com/VigilPay/server/internal/circuitbreaker"
	"github.com/VigilPay/server/internal/config"
	"github.com/VigilPay/server/internal/email"
	"github.com/VigilPay/server/internal/httpserver"
	"github.com/VigilPay/server/internal/idempotency"
	"github.com/VigilPay/server/internal/lifecycle"
	"github.com/VigilPay/server/internal/live"
	"github.com/VigilPay/server/internal/logger"
	"github.com/VigilPay/server/internal/metrics"
	"github.com/VigilPay/server/internal/monitor"
	"github.com/VigilPay/server/internal/monitoring"
	solanaclient "github.com/VigilPay/server/internal/solana"
	"github.com/VigilPay/server/internal/storage"
)

// App wires the Vigil payment components for reuse or standalone serving.
type App struct {
	Config           *config.Config
	Store            storage.Store
	Ledger           *solanaclient.Client
	Notifier         callbacks.Notifier
	Monitor          *monitor.Monitor
	Live             *live.Hub
	Email            email.Sender
	IdempotencyStore *idempotency.MemoryStore

	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store    storage.Store
	notifier callbacks.Notifier
	ledger   *solanaclient.Client
	router   chi.Router
}

// WithStore sets a custom storage backend.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithNotifier injects a payment callback notifier.
func WithNotifier(notifier callbacks.Notifier) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

// WithLedger injects a pre-built Solana client, bypassing the RPC client the
// app would otherwise construct from config. Useful for tests and for hosts
// that share one RPC connection across services.
func WithLedger(client *solanaclient.Client) Option {
	return func(o *options) {
		o.ledger = client
	}
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// NewApp assembles the Vigil payment services for embedding.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("vigil: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "vigilpay-embedded",
		Environment: cfg.Logging.Environment,
	})

	// Initialize Prometheus metrics collector first so the store and the
	// callback notifier can record through it
	metricsCollector := metrics.New(prometheus.DefaultRegisterer)
	app.metricsCollector = metricsCollector

	if optState.store != nil {
		app.Store = optState.store
	} else {
		storeCfg := storage.FromConfig(cfg.Storage)
		storeCfg.Metrics = metricsCollector
		store, err := storage.NewStore(storeCfg)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		app.Store = store
		app.resourceManager.Register("storage", store)
		if cfg.Storage.Backend == "" || cfg.Storage.Backend == "memory" {
			log.Warn().
				Msg("vigil: using the in-memory store; pending payments and queued webhooks are lost on restart")
		}
	}

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	if optState.ledger != nil {
		app.Ledger = optState.ledger
	} else {
		ledger, err := solanaclient.NewClient(cfg.Solana)
		if err != nil {
			return nil, fmt.Errorf("init solana client: %w", err)
		}
		app.Ledger = ledger.
			WithSignatureScanLimit(cfg.Monitor.SignatureSearch).
			WithMetrics(metricsCollector).
			WithBreakers(breakers)
	}

	if optState.notifier != nil {
		app.Notifier = optState.notifier
	} else if cfg.Callbacks.PaymentConfirmedURL == "" {
		app.Notifier = callbacks.NoopNotifier{}
	} else {
		// Initialize file DLQ mirror for permanently failed webhooks (if enabled)
		var dlqStore callbacks.DLQStore
		if cfg.Callbacks.DLQEnabled {
			fileDLQ, err := callbacks.NewFileDLQStore(cfg.Callbacks.DLQPath)
			if err != nil {
				return nil, fmt.Errorf("init DLQ store: %w", err)
			}
			dlqStore = fileDLQ
			app.resourceManager.Register("webhook-dlq", fileDLQ)
		}

		// Webhook delivery rides the storage-backed queue so queued events
		// survive restarts and exhausted ones land on the admin DLQ endpoints.
		notifier := callbacks.NewPersistentCallbackClient(callbacks.PersistentCallbackOptions{
			Store:       app.Store,
			Config:      cfg.Callbacks,
			RetryConfig: callbacks.RetryConfigFromSettings(cfg.Callbacks.Retry, cfg.Callbacks.Timeout.Duration),
			Logger:      appLogger,
			Metrics:     metricsCollector,
			DLQ:         dlqStore,
		})
		app.Notifier = notifier
		app.resourceManager.Register("webhook-worker", notifier)
	}

	if cfg.Live.Enabled {
		app.Live = live.NewHub(appLogger, metricsCollector)
		app.resourceManager.RegisterFunc("live-hub", func() error {
			app.Live.Close()
			return nil
		})
	}

	var emailQueue *email.Queue
	if cfg.Email.Enabled {
		client, err := email.NewClientFromConfig(cfg.Email, breakers, appLogger)
		if err != nil {
			return nil, fmt.Errorf("init email client: %w", err)
		}
		emailQueue = email.NewQueue(email.QueueOptions{
			Client:      client,
			Logger:      appLogger,
			Metrics:     metricsCollector,
			SendTimeout: cfg.Email.Timeout.Duration,
		})
		emailQueue.Start()
		app.Email = emailQueue
		app.resourceManager.RegisterFunc("email-queue", func() error {
			emailQueue.Stop()
			return nil
		})
	}

	if cfg.Monitor.Enabled {
		monitorOpts := monitor.Options{
			Store:      app.Store,
			Ledger:     app.Ledger,
			Notifier:   app.Notifier,
			Commitment: app.Ledger.Commitment(),
			Config:     cfg.Monitor,
			Logger:     appLogger,
			Metrics:    metricsCollector,
		}
		// Concrete nils stay out of the interface fields so the monitor's
		// own nil checks keep working.
		if app.Live != nil {
			monitorOpts.Live = app.Live
		}
		if emailQueue != nil {
			monitorOpts.Email = emailQueue
		}

		mon, err := monitor.New(monitorOpts)
		if err != nil {
			return nil, fmt.Errorf("init monitor: %w", err)
		}
		if err := mon.Start(context.Background()); err != nil {
			return nil, fmt.Errorf("start monitor: %w", err)
		}
		app.Monitor = mon
		app.resourceManager.RegisterFunc("monitor", func() error {
			mon.Stop()
			return nil
		})
	}

	if cfg.Alerts.URL != "" {
		backlog := monitoring.NewBacklogMonitor(cfg.Alerts, app.Store)
		backlog.Start(context.Background())
		app.resourceManager.RegisterFunc("backlog-monitor", func() error {
			backlog.Stop()
			return nil
		})
	}

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}

	// Create shared idempotency store (single goroutine for cleanup)
	app.IdempotencyStore = idempotency.NewMemoryStore()

	// Register cleanup for idempotency store
	app.resourceManager.RegisterFunc("idempotency-store", func() error {
		app.IdempotencyStore.Stop()
		return nil
	})

	httpserver.ConfigureRouter(app.router, cfg, app.Store, app.Ledger, app.Live, app.IdempotencyStore, metricsCollector, appLogger)

	return app, nil
}

// Router returns the chi router with Vigil routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Close releases resources owned by the app (monitor, worker, store, etc).
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// RegisterRoutes attaches Vigil endpoints to the provided router using an existing App.
func RegisterRoutes(router chi.Router, app *App) {
	if router == nil || app == nil {
		return
	}

	appLogger := logger.New(logger.Config{
		Level:       app.Config.Logging.Level,
		Format:      app.Config.Logging.Format,
		Service:     "vigilpay-embedded",
		Environment: app.Config.Logging.Environment,
	})

	// Reuse the app's metrics collector (already registered in NewApp)
	collector := app.metricsCollector
	if collector == nil {
		collector = metrics.New(prometheus.DefaultRegisterer)
	}

	// Reuse the app's idempotency store (already created and managed by app lifecycle)
	httpserver.ConfigureRouter(router, app.Config, app.Store, app.Ledger, app.Live, app.IdempotencyStore, collector, appLogger)
}

// NewHandler is a convenience that constructs an App and returns its handler.
func NewHandler(cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding Vigil Pay.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
