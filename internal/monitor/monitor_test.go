package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/VigilPay/server/internal/callbacks"
	"github.com/VigilPay/server/internal/config"
	"github.com/VigilPay/server/internal/live"
	"github.com/VigilPay/server/internal/metrics"
	solanaclient "github.com/VigilPay/server/internal/solana"
	"github.com/VigilPay/server/internal/storage"
)

var (
	_ LedgerClient       = (*fakeLedger)(nil)
	_ callbacks.Notifier = (*fakeNotifier)(nil)
	_ LivePublisher      = (*fakeLive)(nil)
	_ EmailSender        = (*fakeEmail)(nil)
)

// fetchResult scripts one GetTransaction response.
type fetchResult struct {
	detail *solanaclient.TransactionDetail
	err    error
}

// fakeLedger scripts the monitor-facing slice of the Solana client. Queued
// find errors are consumed one per call; a drained queue means success. The
// last queued fetch repeats so re-fetches see the same transaction.
type fakeLedger struct {
	mu sync.Mutex

	findSig        solana.Signature
	findErrs       []error
	findDefaultErr error
	findCalls      int

	fetches       []fetchResult
	getCalls      int
	finalizedGets int

	validateResult solanaclient.TokenTransferResult
	validateErr    error
	validateCalls  int
	lastExpect     solanaclient.TokenTransferExpectation
}

func (f *fakeLedger) FindTransactionByReference(context.Context, solana.PublicKey, rpc.CommitmentType) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if len(f.findErrs) > 0 {
		err := f.findErrs[0]
		f.findErrs = f.findErrs[1:]
		return solana.Signature{}, err
	}
	if f.findDefaultErr != nil {
		return solana.Signature{}, f.findDefaultErr
	}
	return f.findSig, nil
}

func (f *fakeLedger) GetTransaction(_ context.Context, _ solana.Signature, commitment rpc.CommitmentType) (*solanaclient.TransactionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if commitment == rpc.CommitmentFinalized {
		f.finalizedGets++
	}
	if len(f.fetches) == 0 {
		return nil, solanaclient.ErrTransactionNotFound
	}
	res := f.fetches[0]
	if len(f.fetches) > 1 {
		f.fetches = f.fetches[1:]
	}
	return res.detail, res.err
}

func (f *fakeLedger) ValidateTokenTransfer(_ context.Context, _ solana.Signature, expect solanaclient.TokenTransferExpectation) (solanaclient.TokenTransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateCalls++
	f.lastExpect = expect
	if f.validateErr != nil {
		return solanaclient.TokenTransferResult{}, f.validateErr
	}
	return f.validateResult, nil
}

func (f *fakeLedger) counts() (find, get, validate int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findCalls, f.getCalls, f.validateCalls
}

func (f *fakeLedger) finalized() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalizedGets
}

func (f *fakeLedger) expectation() solanaclient.TokenTransferExpectation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastExpect
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []callbacks.PaymentEvent
}

func (f *fakeNotifier) PaymentConfirmed(_ context.Context, event callbacks.PaymentEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeNotifier) last() callbacks.PaymentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return callbacks.PaymentEvent{}
	}
	return f.events[len(f.events)-1]
}

type livePublish struct {
	room  string
	event string
}

type fakeLive struct {
	mu        sync.Mutex
	published []livePublish
}

func (f *fakeLive) Publish(room, event string, _ interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, livePublish{room: room, event: event})
}

func (f *fakeLive) recorded() []livePublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]livePublish(nil), f.published...)
}

type fakeEmail struct {
	mu    sync.Mutex
	err   error
	kinds []string
	refs  []string
}

func (f *fakeEmail) Enqueue(_ context.Context, kind string, payment storage.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.kinds = append(f.kinds, kind)
	f.refs = append(f.refs, payment.Reference)
	return nil
}

func (f *fakeEmail) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.kinds...)
}

// fakeSleeper records backoff delays instead of waiting them out.
type fakeSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *fakeSleeper) sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	return nil
}

func (f *fakeSleeper) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

type monitorFixture struct {
	t        *testing.T
	monitor  *Monitor
	store    *storage.MemoryStore
	ledger   *fakeLedger
	notifier *fakeNotifier
	live     *fakeLive
	email    *fakeEmail
	sleeper  *fakeSleeper
	metrics  *metrics.Metrics
}

func newTestMonitor(t *testing.T, ledger *fakeLedger) *monitorFixture {
	return newTestMonitorWithConfig(t, ledger, config.MonitorConfig{})
}

func newTestMonitorWithConfig(t *testing.T, ledger *fakeLedger, cfg config.MonitorConfig) *monitorFixture {
	t.Helper()

	fx := &monitorFixture{
		t:        t,
		store:    storage.NewMemoryStore(),
		ledger:   ledger,
		notifier: &fakeNotifier{},
		live:     &fakeLive{},
		email:    &fakeEmail{},
		sleeper:  &fakeSleeper{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}

	m, err := New(Options{
		Store:    fx.store,
		Ledger:   ledger,
		Notifier: fx.notifier,
		Live:     fx.live,
		Email:    fx.email,
		Config:   cfg,
		Logger:   zerolog.Nop(),
		Metrics:  fx.metrics,
		Sleep:    fx.sleeper.sleep,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	fx.monitor = m
	return fx
}

func (fx *monitorFixture) createPayment(p storage.Payment) storage.Payment {
	fx.t.Helper()
	if err := fx.store.CreatePayment(context.Background(), p); err != nil {
		fx.t.Fatalf("CreatePayment failed: %v", err)
	}
	stored, err := fx.store.GetPayment(context.Background(), p.Reference)
	if err != nil {
		fx.t.Fatalf("GetPayment failed: %v", err)
	}
	return stored
}

func (fx *monitorFixture) payment(reference string) storage.Payment {
	fx.t.Helper()
	p, err := fx.store.GetPayment(context.Background(), reference)
	if err != nil {
		fx.t.Fatalf("GetPayment failed: %v", err)
	}
	return p
}

func (fx *monitorFixture) manualReviews(reason string) float64 {
	return promtest.ToFloat64(fx.metrics.ManualReviewTotal.WithLabelValues(reason))
}

func (fx *monitorFixture) monitorErrors(kind ErrorKind, severity Severity) float64 {
	return promtest.ToFloat64(fx.metrics.MonitorErrorsTotal.WithLabelValues(string(kind), string(severity)))
}

// testSignature is a fixed non-zero transaction signature.
func testSignature() solana.Signature {
	var sig solana.Signature
	for i := range sig {
		sig[i] = byte(i + 1)
	}
	return sig
}

// testNativePayment returns a pending 1.5 SOL intent with fresh keys.
func testNativePayment(t *testing.T) (storage.Payment, solana.PublicKey, solana.PublicKey) {
	t.Helper()
	reference := solana.NewWallet().PublicKey()
	recipient := solana.NewWallet().PublicKey()
	payment := storage.Payment{
		Reference: reference.String(),
		Kind:      storage.PaymentKindNative,
		Amount:    "1.5",
		BaseUnits: 1_500_000_000,
		Recipient: recipient.String(),
	}
	return payment, reference, recipient
}

// testTokenPayment returns a pending 25 USDC-style intent with fresh keys.
func testTokenPayment(t *testing.T) (storage.Payment, solana.PublicKey, solana.PublicKey, solana.PublicKey) {
	t.Helper()
	reference := solana.NewWallet().PublicKey()
	recipient := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	payment := storage.Payment{
		Reference:     reference.String(),
		Kind:          storage.PaymentKindToken,
		TokenMint:     mint.String(),
		TokenDecimals: 6,
		Amount:        "25",
		BaseUnits:     25_000_000,
		Recipient:     recipient.String(),
	}
	return payment, reference, recipient, mint
}

// nativeDetail builds a legacy-transaction fixture with balance arrays
// parallel to the key list.
func nativeDetail(keys []solana.PublicKey, pre, post []uint64) *solanaclient.TransactionDetail {
	return &solanaclient.TransactionDetail{
		Signature: testSignature(),
		Slot:      150_000_000,
		Tx:        &solana.Transaction{Message: solana.Message{AccountKeys: keys}},
		Meta:      &rpc.TransactionMeta{PreBalances: pre, PostBalances: post},
	}
}

// assertKind fails the test unless err carries a *MonitorError of the
// wanted kind.
func assertKind(t *testing.T, err error, want ErrorKind) *MonitorError {
	t.Helper()
	var monErr *MonitorError
	if !errors.As(err, &monErr) {
		t.Fatalf("error = %v (%T), want *MonitorError of kind %s", err, err, want)
	}
	if monErr.Kind != want {
		t.Fatalf("error kind = %s, want %s (err: %v)", monErr.Kind, want, monErr)
	}
	return monErr
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNewRequiresStoreAndLedger(t *testing.T) {
	if _, err := New(Options{Ledger: &fakeLedger{}}); err == nil {
		t.Error("New without a store should fail")
	}
	if _, err := New(Options{Store: storage.NewMemoryStore()}); err == nil {
		t.Error("New without a ledger client should fail")
	}
}

func TestCheckConfirmationConfirmsNativePayment(t *testing.T) {
	payment, reference, recipient := testNativePayment(t)
	sender := solana.NewWallet().PublicKey()

	ledger := &fakeLedger{findSig: testSignature()}
	ledger.fetches = []fetchResult{{detail: nativeDetail(
		[]solana.PublicKey{recipient, sender, reference},
		[]uint64{1_000_000_000, 2_500_000_000, 0},
		[]uint64{2_500_000_000, 1_000_000_000, 0},
	)}}
	fx := newTestMonitor(t, ledger)
	stored := fx.createPayment(payment)

	fx.monitor.CheckConfirmation(context.Background(), stored)

	got := fx.payment(payment.Reference)
	if got.Status != storage.PaymentStatusConfirmed {
		t.Fatalf("status = %s, want confirmed", got.Status)
	}
	if got.Signature != testSignature().String() {
		t.Errorf("signature = %q, want %q", got.Signature, testSignature().String())
	}
	if got.ConfirmedAt == nil {
		t.Error("ConfirmedAt not set")
	}
	if got.OverpaidBaseUnits != 0 {
		t.Errorf("OverpaidBaseUnits = %d, want 0", got.OverpaidBaseUnits)
	}

	if n := fx.notifier.count(); n != 1 {
		t.Errorf("notifier fired %d times, want 1", n)
	}
	event := fx.notifier.last()
	if event.Reference != payment.Reference || event.Signature != testSignature().String() {
		t.Errorf("webhook event = %+v, want reference %s", event, payment.Reference)
	}
	if event.Instrument != "native" {
		t.Errorf("event instrument = %q, want native", event.Instrument)
	}

	pubs := fx.live.recorded()
	if len(pubs) != 1 {
		t.Fatalf("live publishes = %d, want 1", len(pubs))
	}
	if pubs[0].room != live.PaymentRoom(payment.Reference) || pubs[0].event != live.EventPaymentUpdate {
		t.Errorf("live publish = %+v, want room %s event %s",
			pubs[0], live.PaymentRoom(payment.Reference), live.EventPaymentUpdate)
	}

	records, err := fx.store.ListTransactions(context.Background(), payment.Reference)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("transfer records = %d, want 1", len(records))
	}
	if records[0].BaseUnits != 1_500_000_000 {
		t.Errorf("record base units = %d, want 1500000000", records[0].BaseUnits)
	}
	if records[0].Metadata["validation_method"] != ValidationMethodAccount {
		t.Errorf("record validation method = %q, want %q",
			records[0].Metadata["validation_method"], ValidationMethodAccount)
	}

	// No customer address on the intent, so no confirmation email.
	if kinds := fx.email.recorded(); len(kinds) != 0 {
		t.Errorf("emails queued = %v, want none", kinds)
	}

	confirmed := promtest.ToFloat64(fx.metrics.PaymentsConfirmedTotal.WithLabelValues("native", ValidationMethodAccount))
	if confirmed != 1 {
		t.Errorf("confirmed metric = %.0f, want 1", confirmed)
	}
}

func TestCheckConfirmationLeavesUnobservedPaymentPending(t *testing.T) {
	ledger := &fakeLedger{findDefaultErr: solanaclient.ErrReferenceNotObserved}
	fx := newTestMonitor(t, ledger)
	payment, _, _ := testNativePayment(t)
	stored := fx.createPayment(payment)

	fx.monitor.CheckConfirmation(context.Background(), stored)

	if got := fx.payment(payment.Reference); got.Status != storage.PaymentStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	find, get, validate := ledger.counts()
	if find != 1 || get != 0 || validate != 0 {
		t.Errorf("ledger calls = (%d find, %d get, %d validate), want (1, 0, 0)", find, get, validate)
	}
	if fx.notifier.count() != 0 {
		t.Error("notifier fired for an unpaid intent")
	}
	// Not-yet-paid is the normal state, not a failure.
	if len(fx.sleeper.recorded()) != 0 {
		t.Error("monitor backed off on a quiet reference")
	}
}

func TestCheckConfirmationSkipsSettledPayment(t *testing.T) {
	ledger := &fakeLedger{findSig: testSignature()}
	fx := newTestMonitor(t, ledger)
	payment, _, _ := testNativePayment(t)
	stored := fx.createPayment(payment)

	if _, err := fx.store.ConfirmIfPending(context.Background(), payment.Reference, "5Kd7zXgN"); err != nil {
		t.Fatalf("ConfirmIfPending failed: %v", err)
	}

	// The stale pending snapshot forces the re-read to do the skipping.
	fx.monitor.CheckConfirmation(context.Background(), stored)

	find, get, validate := ledger.counts()
	if find+get+validate != 0 {
		t.Errorf("ledger touched for a settled payment: (%d, %d, %d) calls", find, get, validate)
	}
	if fx.notifier.count() != 0 {
		t.Error("notifier fired for a settled payment")
	}
	if got := fx.payment(payment.Reference); got.Signature != "5Kd7zXgN" {
		t.Errorf("signature overwritten: %q", got.Signature)
	}
}

func TestCheckConfirmationConcurrentChecksConfirmOnce(t *testing.T) {
	payment, reference, recipient := testNativePayment(t)
	sender := solana.NewWallet().PublicKey()

	ledger := &fakeLedger{findSig: testSignature()}
	ledger.fetches = []fetchResult{{detail: nativeDetail(
		[]solana.PublicKey{sender, recipient, reference},
		[]uint64{2_000_000_000, 0, 0},
		[]uint64{499_995_000, 1_500_000_000, 0},
	)}}
	fx := newTestMonitor(t, ledger)
	stored := fx.createPayment(payment)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fx.monitor.CheckConfirmation(context.Background(), stored)
		}()
	}
	wg.Wait()

	if got := fx.payment(payment.Reference); got.Status != storage.PaymentStatusConfirmed {
		t.Fatalf("status = %s, want confirmed", got.Status)
	}
	if n := fx.notifier.count(); n != 1 {
		t.Errorf("notifier fired %d times, want exactly 1", n)
	}
	if n := len(fx.live.recorded()); n != 1 {
		t.Errorf("live publishes = %d, want exactly 1", n)
	}
	records, err := fx.store.ListTransactions(context.Background(), payment.Reference)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("transfer records = %d, want exactly 1", len(records))
	}
}

func TestCheckNativeRetriesTransientFailures(t *testing.T) {
	payment, reference, recipient := testNativePayment(t)
	sender := solana.NewWallet().PublicKey()

	ledger := &fakeLedger{
		findSig: testSignature(),
		findErrs: []error{
			timeoutError{},
			fmt.Errorf("post %q: %w", "https://rpc", syscall.ECONNREFUSED),
		},
	}
	ledger.fetches = []fetchResult{{detail: nativeDetail(
		[]solana.PublicKey{sender, recipient, reference},
		[]uint64{2_000_000_000, 0, 0},
		[]uint64{499_995_000, 1_500_000_000, 0},
	)}}
	fx := newTestMonitor(t, ledger)
	stored := fx.createPayment(payment)

	fx.monitor.CheckConfirmation(context.Background(), stored)

	if got := fx.payment(payment.Reference); got.Status != storage.PaymentStatusConfirmed {
		t.Fatalf("status = %s, want confirmed after transient failures", got.Status)
	}
	find, _, _ := ledger.counts()
	if find != 3 {
		t.Errorf("find calls = %d, want 3 (two failures, then success)", find)
	}

	sleeps := fx.sleeper.recorded()
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("backoffs = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, sleeps[i], want[i])
		}
	}
	if size := fx.monitor.tally.size(); size != 0 {
		t.Errorf("tally size after recovery = %d, want 0", size)
	}
}

func TestCheckNativeUnderpaymentTriggersFallbackReview(t *testing.T) {
	payment, reference, recipient := testNativePayment(t)
	sender := solana.NewWallet().PublicKey()

	// 1.4 SOL received against 1.5 expected: outside tolerance, but enough
	// for the simplified fallback check to flag rather than dismiss.
	ledger := &fakeLedger{findSig: testSignature()}
	ledger.fetches = []fetchResult{{detail: nativeDetail(
		[]solana.PublicKey{sender, recipient, reference},
		[]uint64{2_000_000_000, 100_000_000, 0},
		[]uint64{599_995_000, 1_500_000_000, 0},
	)}}
	fx := newTestMonitor(t, ledger)
	stored := fx.createPayment(payment)

	fx.monitor.CheckConfirmation(context.Background(), stored)

	if got := fx.payment(payment.Reference); got.Status != storage.PaymentStatusPending {
		t.Fatalf("status = %s, want pending (manual review, not auto-confirm)", got.Status)
	}
	if fx.notifier.count() != 0 {
		t.Error("notifier fired for an underpaid intent")
	}

	find, get, _ := ledger.counts()
	if find != 1 {
		t.Errorf("find calls = %d, want 1 (underpayment is not retryable)", find)
	}
	if get != 2 || ledger.finalized() != 1 {
		t.Errorf("get calls = %d (finalized %d), want 2 with 1 finalized re-fetch", get, ledger.finalized())
	}

	if got := fx.manualReviews("simplified_check_passed"); got != 1 {
		t.Errorf("manual reviews = %.0f, want 1", got)
	}
	if got := fx.monitorErrors(KindAmountTooLow, SeverityHigh); got != 1 {
		t.Errorf("AmountTooLow errors = %.0f, want 1", got)
	}
}

func TestCheckNativeSkipsFallbackOnConnectionFailure(t *testing.T) {
	ledger := &fakeLedger{
		findDefaultErr: fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED),
	}
	fx := newTestMonitor(t, ledger)
	payment, _, _ := testNativePayment(t)
	stored := fx.createPayment(payment)

	fx.monitor.CheckConfirmation(context.Background(), stored)

	find, get, _ := ledger.counts()
	if find != 4 {
		t.Errorf("find calls = %d, want 4 (initial attempt plus three retries)", find)
	}
	if get != 0 {
		t.Errorf("get calls = %d, want 0 (no signature, no fallback)", get)
	}
	if got := fx.payment(payment.Reference); got.Status != storage.PaymentStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got := fx.monitorErrors(KindRpcConnectionFailed, SeverityCritical); got != 1 {
		t.Errorf("connection failure errors = %.0f, want 1", got)
	}

	sleeps := fx.sleeper.recorded()
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("backoffs = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, sleeps[i], want[i])
		}
	}
}

func TestCheckConfirmationConfirmsTokenPayment(t *testing.T) {
	payment, reference, recipient, mint := testTokenPayment(t)
	owner := solana.NewWallet().PublicKey()

	ledger := &fakeLedger{
		findSig: testSignature(),
		validateResult: solanaclient.TokenTransferResult{
			Owner:           owner,
			AmountBaseUnits: 25_000_000,
		},
	}
	fx := newTestMonitor(t, ledger)
	stored := fx.createPayment(payment)

	fx.monitor.CheckConfirmation(context.Background(), stored)

	got := fx.payment(payment.Reference)
	if got.Status != storage.PaymentStatusConfirmed {
		t.Fatalf("status = %s, want confirmed", got.Status)
	}

	find, get, validate := ledger.counts()
	if find != 1 || validate != 1 {
		t.Errorf("ledger calls = (%d find, %d validate), want (1, 1)", find, validate)
	}
	if get != 0 {
		t.Errorf("get calls = %d, want 0 (token path validates through the client)", get)
	}

	expect := ledger.expectation()
	if !expect.Mint.Equals(mint) {
		t.Errorf("expectation mint = %s, want %s", expect.Mint, mint)
	}
	if !expect.RecipientOwner.Equals(recipient) {
		t.Errorf("expectation recipient = %s, want %s", expect.RecipientOwner, recipient)
	}
	if !expect.Reference.Equals(reference) {
		t.Errorf("expectation reference = %s, want %s", expect.Reference, reference)
	}
	if expect.AmountBaseUnits != 25_000_000 || expect.Decimals != 6 {
		t.Errorf("expectation amount/decimals = %d/%d, want 25000000/6", expect.AmountBaseUnits, expect.Decimals)
	}

	event := fx.notifier.last()
	if event.Instrument != "token" || event.TokenMint != mint.String() {
		t.Errorf("event instrument/mint = %s/%s, want token/%s", event.Instrument, event.TokenMint, mint)
	}

	records, err := fx.store.ListTransactions(context.Background(), payment.Reference)
	if err != nil || len(records) != 1 {
		t.Fatalf("ListTransactions = %v, %v; want one record", records, err)
	}
	if records[0].Payer != owner.String() {
		t.Errorf("record payer = %s, want %s", records[0].Payer, owner)
	}
}

func TestCheckTokenValidationFailureLeavesPaymentPending(t *testing.T) {
	ledger := &fakeLedger{
		findSig:     testSignature(),
		validateErr: solanaclient.ErrNoMatchingTransfer,
	}
	fx := newTestMonitor(t, ledger)
	payment, _, _, _ := testTokenPayment(t)
	stored := fx.createPayment(payment)

	fx.monitor.CheckConfirmation(context.Background(), stored)

	if got := fx.payment(payment.Reference); got.Status != storage.PaymentStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	_, _, validate := ledger.counts()
	if validate != 1 {
		t.Errorf("validate calls = %d, want 1 (wrong recipient is not retryable)", validate)
	}
	if got := fx.monitorErrors(KindRecipientNotFound, SeverityHigh); got != 1 {
		t.Errorf("RecipientNotFound errors = %.0f, want 1", got)
	}
}

func TestCheckTokenRetriesThrottledValidation(t *testing.T) {
	ledger := &fakeLedger{
		findSig:     testSignature(),
		validateErr: errors.New("rpc response error: status code: 429"),
	}
	fx := newTestMonitor(t, ledger)
	payment, _, _, _ := testTokenPayment(t)
	stored := fx.createPayment(payment)

	fx.monitor.CheckConfirmation(context.Background(), stored)

	_, _, validate := ledger.counts()
	if validate != 4 {
		t.Errorf("validate calls = %d, want 4 (initial attempt plus three retries)", validate)
	}
	if got := fx.payment(payment.Reference); got.Status != storage.PaymentStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}

	sleeps := fx.sleeper.recorded()
	if len(sleeps) != 3 || sleeps[0] != 1*time.Second || sleeps[1] != 2*time.Second || sleeps[2] != 4*time.Second {
		t.Errorf("backoffs = %v, want [1s 2s 4s]", sleeps)
	}
}

func TestCheckConfirmationRecordsOverpayment(t *testing.T) {
	payment, reference, recipient := testNativePayment(t)
	sender := solana.NewWallet().PublicKey()
	const delta = 1_600_000_000 // 0.1 SOL over

	ledger := &fakeLedger{findSig: testSignature()}
	ledger.fetches = []fetchResult{{detail: nativeDetail(
		[]solana.PublicKey{sender, recipient, reference},
		[]uint64{2_000_000_000, 0, 0},
		[]uint64{399_995_000, delta, 0},
	)}}
	fx := newTestMonitor(t, ledger)
	stored := fx.createPayment(payment)

	fx.monitor.CheckConfirmation(context.Background(), stored)

	got := fx.payment(payment.Reference)
	if got.Status != storage.PaymentStatusConfirmed {
		t.Fatalf("status = %s, want confirmed (overpayments settle)", got.Status)
	}
	if got.OverpaidBaseUnits != 100_000_000 {
		t.Errorf("OverpaidBaseUnits = %d, want 100000000", got.OverpaidBaseUnits)
	}
	if event := fx.notifier.last(); event.OverpaidBaseUnits != 100_000_000 {
		t.Errorf("event OverpaidBaseUnits = %d, want 100000000", event.OverpaidBaseUnits)
	}

	records, err := fx.store.ListTransactions(context.Background(), payment.Reference)
	if err != nil || len(records) != 1 {
		t.Fatalf("ListTransactions = %v, %v; want one record", records, err)
	}
	if records[0].BaseUnits != delta {
		t.Errorf("record base units = %d, want %d", records[0].BaseUnits, delta)
	}

	units := promtest.ToFloat64(fx.metrics.OverpaidBaseUnitsTotal.WithLabelValues("native"))
	if units != 100_000_000 {
		t.Errorf("overpaid units metric = %.0f, want 100000000", units)
	}
}

func TestCheckConfirmationQueuesCustomerEmail(t *testing.T) {
	payment, reference, recipient := testNativePayment(t)
	payment.CustomerEmail = "buyer@example.com"
	sender := solana.NewWallet().PublicKey()

	ledger := &fakeLedger{findSig: testSignature()}
	ledger.fetches = []fetchResult{{detail: nativeDetail(
		[]solana.PublicKey{sender, recipient, reference},
		[]uint64{2_000_000_000, 0, 0},
		[]uint64{499_995_000, 1_500_000_000, 0},
	)}}
	fx := newTestMonitor(t, ledger)
	stored := fx.createPayment(payment)

	fx.monitor.CheckConfirmation(context.Background(), stored)

	kinds := fx.email.recorded()
	if len(kinds) != 1 || kinds[0] != emailKindPaymentConfirmed {
		t.Errorf("emails queued = %v, want [%s]", kinds, emailKindPaymentConfirmed)
	}
}

func TestCheckConfirmationToleratesEmailFailure(t *testing.T) {
	payment, reference, recipient := testNativePayment(t)
	payment.CustomerEmail = "buyer@example.com"
	sender := solana.NewWallet().PublicKey()

	ledger := &fakeLedger{findSig: testSignature()}
	ledger.fetches = []fetchResult{{detail: nativeDetail(
		[]solana.PublicKey{sender, recipient, reference},
		[]uint64{2_000_000_000, 0, 0},
		[]uint64{499_995_000, 1_500_000_000, 0},
	)}}
	fx := newTestMonitor(t, ledger)
	fx.email.err = errors.New("smtp relay down")
	stored := fx.createPayment(payment)

	fx.monitor.CheckConfirmation(context.Background(), stored)

	if got := fx.payment(payment.Reference); got.Status != storage.PaymentStatusConfirmed {
		t.Errorf("status = %s, want confirmed despite email failure", got.Status)
	}
	if fx.notifier.count() != 1 {
		t.Error("webhook fanout should not depend on the email leg")
	}
}

func TestCheckConfirmationUnknownReferenceCountsDatabaseError(t *testing.T) {
	fx := newTestMonitor(t, &fakeLedger{})
	payment, _, _ := testNativePayment(t) // never stored

	fx.monitor.CheckConfirmation(context.Background(), payment)

	if got := fx.monitorErrors(KindDatabaseError, SeverityCritical); got != 1 {
		t.Errorf("database errors = %.0f, want 1", got)
	}
	find, get, validate := fx.ledger.counts()
	if find+get+validate != 0 {
		t.Error("ledger touched without a readable payment")
	}
}

func TestPaymentEventForCarriesSettlementFacts(t *testing.T) {
	confirmedAt := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	payment := storage.Payment{
		Reference:   "ref-abc",
		Kind:        storage.PaymentKindToken,
		Amount:      "25",
		BaseUnits:   25_000_000,
		TokenMint:   "mint-xyz",
		Recipient:   "wallet-123",
		Metadata:    map[string]string{"order_id": "554"},
		ConfirmedAt: &confirmedAt,
	}
	outcome := ValidationOutcome{
		Signature:         "sig-1",
		Method:            ValidationMethodAccount,
		OverpaidBaseUnits: 5_000,
	}

	event := paymentEventFor(payment, outcome)
	if event.Reference != "ref-abc" || event.Signature != "sig-1" {
		t.Errorf("event identity = %s/%s, want ref-abc/sig-1", event.Reference, event.Signature)
	}
	if event.Instrument != "token" || event.TokenMint != "mint-xyz" {
		t.Errorf("event instrument = %s/%s, want token/mint-xyz", event.Instrument, event.TokenMint)
	}
	if event.BaseUnits != 25_000_000 || event.OverpaidBaseUnits != 5_000 {
		t.Errorf("event amounts = %d/%d, want 25000000/5000", event.BaseUnits, event.OverpaidBaseUnits)
	}
	if !event.ConfirmedAt.Equal(confirmedAt) {
		t.Errorf("event ConfirmedAt = %v, want %v", event.ConfirmedAt, confirmedAt)
	}
	if event.Metadata["order_id"] != "554" {
		t.Error("merchant metadata dropped from event")
	}
}

func TestMonitorCycleConfirmsPendingPayments(t *testing.T) {
	paymentA, refA, recA := testNativePayment(t)
	paymentB, refB, recB := testNativePayment(t)
	sender := solana.NewWallet().PublicKey()

	// One transaction settles both intents: each reference is present and
	// each recipient received the full amount.
	ledger := &fakeLedger{findSig: testSignature()}
	ledger.fetches = []fetchResult{{detail: nativeDetail(
		[]solana.PublicKey{sender, recA, refA, recB, refB},
		[]uint64{5_000_000_000, 0, 0, 0, 0},
		[]uint64{1_999_990_000, 1_500_000_000, 0, 1_500_000_000, 0},
	)}}
	fx := newTestMonitor(t, ledger)
	fx.createPayment(paymentA)
	fx.createPayment(paymentB)

	if err := fx.monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer fx.monitor.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return fx.payment(paymentA.Reference).Status == storage.PaymentStatusConfirmed &&
			fx.payment(paymentB.Reference).Status == storage.PaymentStatusConfirmed
	})

	if n := fx.notifier.count(); n != 2 {
		t.Errorf("notifier fired %d times, want 2", n)
	}
}

func TestMonitorPollsStopsAndRestarts(t *testing.T) {
	ledger := &fakeLedger{findDefaultErr: solanaclient.ErrReferenceNotObserved}
	fx := newTestMonitorWithConfig(t, ledger, config.MonitorConfig{
		PollInterval: config.Duration{Duration: 20 * time.Millisecond},
	})
	payment, _, _ := testNativePayment(t)
	fx.createPayment(payment)

	if err := fx.monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !fx.monitor.Running() {
		t.Error("Running() = false after Start")
	}

	waitFor(t, 2*time.Second, func() bool {
		find, _, _ := ledger.counts()
		return find >= 2
	})

	fx.monitor.Stop()
	if fx.monitor.Running() {
		t.Error("Running() = true after Stop")
	}

	quiesced, _, _ := ledger.counts()
	time.Sleep(80 * time.Millisecond)
	after, _, _ := ledger.counts()
	if after != quiesced {
		t.Errorf("ledger polled after Stop: %d -> %d calls", quiesced, after)
	}

	if err := fx.monitor.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		now, _, _ := ledger.counts()
		return now > after
	})
	fx.monitor.Stop()
}

func TestMonitorRunsFirstCycleImmediately(t *testing.T) {
	ledger := &fakeLedger{findDefaultErr: solanaclient.ErrReferenceNotObserved}
	fx := newTestMonitorWithConfig(t, ledger, config.MonitorConfig{
		PollInterval: config.Duration{Duration: time.Hour},
	})
	payment, _, _ := testNativePayment(t)
	fx.createPayment(payment)

	if err := fx.monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer fx.monitor.Stop()

	// The first cycle runs on Start, not one poll interval later.
	waitFor(t, 2*time.Second, func() bool {
		find, _, _ := ledger.counts()
		return find == 1
	})
}

func TestMonitorStartWhileRunningFails(t *testing.T) {
	fx := newTestMonitor(t, &fakeLedger{})
	if err := fx.monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer fx.monitor.Stop()

	if err := fx.monitor.Start(context.Background()); err == nil {
		t.Error("second Start should fail while running")
	}
}

func TestMonitorStopWhenStoppedIsSafe(t *testing.T) {
	fx := newTestMonitor(t, &fakeLedger{})
	fx.monitor.Stop()
	fx.monitor.Stop()
}

func TestMonitorStopPurgesRetryTally(t *testing.T) {
	fx := newTestMonitor(t, &fakeLedger{})
	fx.monitor.tally.increment(tallyKey{reference: "ref", op: "probe"})

	if err := fx.monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	fx.monitor.Stop()

	if size := fx.monitor.tally.size(); size != 0 {
		t.Errorf("tally size after Stop = %d, want 0", size)
	}
}
