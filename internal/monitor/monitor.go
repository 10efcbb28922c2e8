package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	"github.com/VigilPay/server/internal/callbacks"
	"github.com/VigilPay/server/internal/config"
	"github.com/VigilPay/server/internal/metrics"
	solanaclient "github.com/VigilPay/server/internal/solana"
	"github.com/VigilPay/server/internal/storage"
)

// Operation names used as tally keys and log fields.
const (
	opCheckPayment      = "check_payment"
	opCheckNative       = "check_native_payment"
	opLocateTransaction = "locate_transaction"
	opValidateToken     = "validate_token_transfer"
	opConfirmPayment    = "confirm_payment"
)

// LedgerClient is the slice of the Solana client the monitor consumes.
// *solana.Client satisfies it; tests substitute fakes.
type LedgerClient interface {
	FindTransactionByReference(ctx context.Context, reference solana.PublicKey, commitment rpc.CommitmentType) (solana.Signature, error)
	GetTransaction(ctx context.Context, signature solana.Signature, commitment rpc.CommitmentType) (*solanaclient.TransactionDetail, error)
	ValidateTokenTransfer(ctx context.Context, signature solana.Signature, expect solanaclient.TokenTransferExpectation) (solanaclient.TokenTransferResult, error)
}

// LivePublisher pushes room-scoped events to connected sessions.
type LivePublisher interface {
	Publish(room, event string, payload interface{})
}

// EmailSender queues customer-facing notification messages.
type EmailSender interface {
	Enqueue(ctx context.Context, kind string, payment storage.Payment) error
}

// Monitor drives pending payments to settlement: every poll interval it
// fetches a batch of pending intents and runs each through locate,
// validate, confirm. Checks are idempotent, so overlapping cycles and
// restarts are safe.
type Monitor struct {
	store      storage.Store
	ledger     LedgerClient
	notifier   callbacks.Notifier
	live       LivePublisher
	email      EmailSender
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	commitment rpc.CommitmentType

	pollInterval  time.Duration
	sweepInterval time.Duration
	batchSize     int

	maxRetries      int
	retryBase       time.Duration
	retryCap        time.Duration
	retryMultiplier float64

	tally *retryTally
	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
	cancel   context.CancelFunc

	inFlightMu sync.Mutex
	inFlight   map[string]struct{}
}

// Options configures a Monitor. Store and Ledger are required; every other
// collaborator has a safe default.
type Options struct {
	Store      storage.Store
	Ledger     LedgerClient
	Notifier   callbacks.Notifier
	Live       LivePublisher
	Email      EmailSender
	Commitment rpc.CommitmentType
	Config     config.MonitorConfig
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics

	// Test seams. Production wiring leaves them nil.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// New creates a stopped Monitor.
func New(opts Options) (*Monitor, error) {
	if opts.Store == nil {
		return nil, errors.New("monitor: store is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("monitor: ledger client is required")
	}

	pollInterval := opts.Config.PollInterval.Duration
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	sweepInterval := opts.Config.TallySweepInterval.Duration
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	batchSize := opts.Config.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = callbacks.NoopNotifier{}
	}
	commitment := opts.Commitment
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &Monitor{
		store:      opts.Store,
		ledger:     opts.Ledger,
		notifier:   notifier,
		live:       opts.Live,
		email:      opts.Email,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		commitment: commitment,

		pollInterval:  pollInterval,
		sweepInterval: sweepInterval,
		batchSize:     batchSize,

		maxRetries:      defaultMaxRetries,
		retryBase:       defaultRetryBase,
		retryCap:        defaultRetryCap,
		retryMultiplier: defaultRetryMultiplier,

		tally:    newRetryTally(defaultTallyCapacity, defaultTallyHorizon, clock),
		clock:    clock,
		sleep:    sleep,
		inFlight: make(map[string]struct{}),
	}, nil
}

// Start launches the monitor loop. An immediate first cycle runs before the
// ticker takes over, so pending payments are not left waiting a full poll
// interval after startup or restart.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("monitor: already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopChan = make(chan struct{})
	m.doneChan = make(chan struct{})
	m.running = true

	go m.run(runCtx, m.stopChan, m.doneChan)
	return nil
}

// Stop halts the loop, aborts in-flight checks at their next suspension
// point, waits for the loop to exit, and purges the retry tally. Safe to
// call when not running. The monitor can be started again afterwards.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopChan, doneChan, cancel := m.stopChan, m.doneChan, m.cancel
	m.mu.Unlock()

	close(stopChan)
	cancel()
	<-doneChan
	m.tally.purge()
}

// Running reports whether the monitor loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run(ctx context.Context, stopChan, doneChan chan struct{}) {
	defer close(doneChan)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(m.sweepInterval)
	defer sweep.Stop()

	m.logger.Info().
		Dur("poll_interval", m.pollInterval).
		Dur("tally_sweep_interval", m.sweepInterval).
		Int("batch_size", m.batchSize).
		Str("commitment", string(m.commitment)).
		Msg("payment monitor started")

	m.runCycle(ctx)

	for {
		select {
		case <-stopChan:
			m.logger.Info().Msg("payment monitor stopped")
			return
		case <-ctx.Done():
			m.logger.Info().Msg("payment monitor context cancelled")
			return
		case <-ticker.C:
			m.runCycle(ctx)
		case <-sweep.C:
			m.sweepTally()
		}
	}
}

// runCycle fetches one batch of pending payments, oldest first, and checks
// them concurrently. The in-flight set keeps a payment from being checked
// twice when a slow check outlives its cycle.
func (m *Monitor) runCycle(ctx context.Context) {
	start := m.clock()

	payments, err := m.store.ListPendingPayments(ctx, m.batchSize)
	if err != nil {
		m.logger.Error().
			Err(err).
			Str("error_kind", string(KindDatabaseError)).
			Str("severity", string(SeverityCritical)).
			Msg("failed to list pending payments")
		if m.metrics != nil {
			m.metrics.ObserveMonitorError(string(KindDatabaseError), string(SeverityCritical))
		}
		return
	}
	if len(payments) == 0 {
		m.logger.Debug().Msg("no pending payments")
		return
	}

	var native, token int
	for _, payment := range payments {
		if payment.Kind == storage.PaymentKindToken {
			token++
		} else {
			native++
		}
	}

	var wg sync.WaitGroup
	for _, payment := range payments {
		if !m.markInFlight(payment.Reference) {
			continue
		}
		wg.Add(1)
		go func(p storage.Payment) {
			defer wg.Done()
			defer m.clearInFlight(p.Reference)
			m.CheckConfirmation(ctx, p)
		}(payment)
	}
	wg.Wait()

	elapsed := m.clock().Sub(start)
	m.logger.Info().
		Int("batch_size", len(payments)).
		Int("native_count", native).
		Int("token_count", token).
		Dur("duration", elapsed).
		Msg("monitor cycle complete")
	if m.metrics != nil {
		m.metrics.ObserveMonitorCycle(elapsed, len(payments))
		m.metrics.RetryTallySize.Set(float64(m.tally.size()))
	}
}

// CheckConfirmation drives one payment through locate, validate, confirm.
// It is idempotent and safe to call concurrently for the same payment: the
// status is re-read first, nothing is written unless that read still shows
// pending, and the store's conditional flip resolves the remaining race.
func (m *Monitor) CheckConfirmation(ctx context.Context, payment storage.Payment) {
	current, err := m.store.GetPayment(ctx, payment.Reference)
	if err != nil {
		m.logFailure(databaseError(opCheckPayment, payment, err), solana.Signature{})
		return
	}
	if !current.IsPending() {
		m.logger.Debug().
			Str("reference", current.Reference).
			Str("status", string(current.Status)).
			Msg("payment no longer pending, skipping check")
		return
	}

	switch current.Kind {
	case storage.PaymentKindToken:
		m.checkToken(ctx, current)
	default:
		m.checkNative(ctx, current)
	}
}

// checkNative wraps the whole locate, validate, confirm sequence for a
// native payment in a single retry envelope; a transient failure anywhere
// restarts from location, which is cheap and keeps the steps consistent
// with each other.
func (m *Monitor) checkNative(ctx context.Context, payment storage.Payment) {
	var signature solana.Signature

	err := m.executeWithRetry(ctx, payment, opCheckNative, KindValidationException, func(ctx context.Context) error {
		sig, found, err := m.findSignature(ctx, payment)
		if err != nil {
			return err
		}
		if !found {
			signature = solana.Signature{}
			return nil
		}
		signature = sig

		outcome, err := m.validateNativeTransfer(ctx, payment, sig)
		if err != nil {
			return err
		}
		return m.confirm(ctx, payment, outcome)
	})
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		m.logger.Debug().
			Str("reference", payment.Reference).
			Msg("payment check aborted by shutdown")
		return
	}

	monErr := wrapError(opCheckNative, payment, err, KindValidationException)
	m.logFailure(monErr, signature)
	if !signature.IsZero() && shouldAttemptFallback(monErr) {
		m.runFallback(ctx, payment, signature, monErr)
	}
}

// checkToken locates and validates a token payment. Unlike the native path,
// only the atomic RPC operations are retried; the client's transfer
// validation is the single source of truth for acceptance.
func (m *Monitor) checkToken(ctx context.Context, payment storage.Payment) {
	var (
		signature solana.Signature
		found     bool
	)
	err := m.executeWithRetry(ctx, payment, opLocateTransaction, KindRpcError, func(ctx context.Context) error {
		sig, ok, err := m.findSignature(ctx, payment)
		if err != nil {
			return err
		}
		signature, found = sig, ok
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			m.logFailure(wrapError(opLocateTransaction, payment, err, KindRpcError), signature)
		}
		return
	}
	if !found {
		return
	}

	outcome, err := m.validateTokenTransfer(ctx, payment, signature)
	if err != nil {
		if ctx.Err() == nil {
			m.logFailure(wrapError(opValidateToken, payment, err, KindValidationException), signature)
		}
		return
	}

	if err := m.confirm(ctx, payment, outcome); err != nil {
		m.logFailure(wrapError(opConfirmPayment, payment, err, KindDatabaseError), signature)
	}
}

// shouldAttemptFallback decides whether the finalized-commitment review can
// add signal. Hard validation failures and retry-exhausted fetch problems
// are worth the second look; infrastructure outages are not, because the
// re-fetch would fail the same way.
func shouldAttemptFallback(err *MonitorError) bool {
	switch err.Kind {
	case KindTransactionFailed, KindInvalidAccountKeys, KindRecipientNotFound,
		KindReferenceNotFound, KindAmountTooLow:
		return true
	case KindTransactionNotFound, KindMissingBalanceMetadata:
		// Only reachable here after the retry budget is spent.
		return true
	default:
		return false
	}
}

// logFailure emits the terminal structured record for a failed check.
func (m *Monitor) logFailure(err *MonitorError, signature solana.Signature) {
	attempts := m.tally.attempts(tallyKey{reference: err.Reference, op: err.Op})

	evt := m.logger.Warn()
	if err.Severity() == SeverityCritical {
		evt = m.logger.Error()
	}
	evt = evt.
		Err(err.Err).
		Str("reference", err.Reference).
		Str("payment_type", string(err.PaymentType)).
		Str("operation", err.Op).
		Str("error_kind", string(err.Kind)).
		Str("severity", string(err.Severity())).
		Bool("is_retryable", err.Retryable()).
		Int("retry_attempt", attempts)
	if !signature.IsZero() {
		evt = evt.Str("signature", signature.String())
	}
	if err.RPCCode != "" {
		evt = evt.Str("rpc_code", string(err.RPCCode))
	}
	if err.ExpectedBaseUnits > 0 {
		evt = evt.
			Int64("delta_base_units", err.DeltaBaseUnits).
			Uint64("expected_base_units", err.ExpectedBaseUnits).
			Uint64("tolerance_base_units", err.ToleranceBaseUnits)
	}
	evt.Msg("payment check failed")

	if m.metrics != nil {
		m.metrics.ObserveMonitorError(string(err.Kind), string(err.Severity()))
	}
}

func (m *Monitor) sweepTally() {
	removed, remaining := m.tally.sweep()
	if m.metrics != nil {
		m.metrics.RetryTallySize.Set(float64(remaining))
	}
	if removed > 0 {
		m.logger.Debug().
			Int("removed", removed).
			Int("remaining", remaining).
			Msg("retry tally swept")
	}
}

func (m *Monitor) markInFlight(reference string) bool {
	m.inFlightMu.Lock()
	defer m.inFlightMu.Unlock()
	if _, busy := m.inFlight[reference]; busy {
		return false
	}
	m.inFlight[reference] = struct{}{}
	if m.metrics != nil {
		m.metrics.MonitorInFlight.Set(float64(len(m.inFlight)))
	}
	return true
}

func (m *Monitor) clearInFlight(reference string) {
	m.inFlightMu.Lock()
	defer m.inFlightMu.Unlock()
	delete(m.inFlight, reference)
	if m.metrics != nil {
		m.metrics.MonitorInFlight.Set(float64(len(m.inFlight)))
	}
}
