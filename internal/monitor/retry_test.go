package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	solanaclient "github.com/VigilPay/server/internal/solana"
	"github.com/VigilPay/server/internal/storage"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{9, 10 * time.Second},
	}
	for _, tc := range tests {
		got := backoffDelay(defaultRetryBase, defaultRetryMultiplier, defaultRetryCap, tc.attempt)
		if got != tc.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestRetryTallyScopesBudgetPerOperation(t *testing.T) {
	tally := newRetryTally(10, time.Minute, time.Now)
	locate := tallyKey{reference: "ref", op: opLocateTransaction}
	validate := tallyKey{reference: "ref", op: opValidateToken}

	tally.increment(locate)
	tally.increment(locate)

	if got := tally.attempts(locate); got != 2 {
		t.Errorf("locate attempts = %d, want 2", got)
	}
	if got := tally.attempts(validate); got != 0 {
		t.Errorf("validate attempts = %d, want 0 (budget leaked across operations)", got)
	}

	if got := tally.clear(locate); got != 2 {
		t.Errorf("clear returned %d, want 2", got)
	}
	if got := tally.clear(locate); got != 0 {
		t.Errorf("second clear returned %d, want 0", got)
	}
}

func TestRetryTallyPurgesAtCapacity(t *testing.T) {
	tally := newRetryTally(3, time.Minute, time.Now)
	for i := 0; i < 3; i++ {
		if _, purged := tally.increment(tallyKey{reference: fmt.Sprintf("ref-%d", i), op: "probe"}); purged {
			t.Fatalf("unexpected purge while filling entry %d", i)
		}
	}

	// A known key still increments in place at capacity.
	if _, purged := tally.increment(tallyKey{reference: "ref-0", op: "probe"}); purged {
		t.Error("existing key triggered a purge")
	}

	count, purged := tally.increment(tallyKey{reference: "ref-overflow", op: "probe"})
	if !purged {
		t.Error("new key at capacity should purge the tally")
	}
	if count != 1 {
		t.Errorf("post-purge count = %d, want 1", count)
	}
	if size := tally.size(); size != 1 {
		t.Errorf("post-purge size = %d, want 1", size)
	}
}

func TestRetryTallySweepDropsStaleEntries(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tally := newRetryTally(10, 30*time.Minute, func() time.Time { return now })

	tally.increment(tallyKey{reference: "stale", op: "probe"})
	now = now.Add(31 * time.Minute)
	tally.increment(tallyKey{reference: "fresh", op: "probe"})

	removed, remaining := tally.sweep()
	if removed != 1 || remaining != 1 {
		t.Fatalf("sweep = (%d removed, %d remaining), want (1, 1)", removed, remaining)
	}
	if got := tally.attempts(tallyKey{reference: "stale", op: "probe"}); got != 0 {
		t.Error("stale entry survived the sweep")
	}
	if got := tally.attempts(tallyKey{reference: "fresh", op: "probe"}); got != 1 {
		t.Error("fresh entry was swept")
	}
}

func TestExecuteWithRetryBacksOffUntilSuccess(t *testing.T) {
	fx := newTestMonitor(t, &fakeLedger{})
	payment := storage.Payment{Reference: "flaky-ref", Kind: storage.PaymentKindNative}

	calls := 0
	err := fx.monitor.executeWithRetry(context.Background(), payment, "probe", KindValidationException, func(context.Context) error {
		calls++
		if calls <= 3 {
			return fmt.Errorf("locate: %w", solanaclient.ErrTransactionNotFound)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("executeWithRetry failed: %v", err)
	}
	if calls != 4 {
		t.Errorf("fn ran %d times, want 4 (three failures, then success)", calls)
	}

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	got := fx.sleeper.recorded()
	if len(got) != len(want) {
		t.Fatalf("backoffs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if size := fx.monitor.tally.size(); size != 0 {
		t.Errorf("tally size after recovery = %d, want 0", size)
	}
}

func TestExecuteWithRetryBudgetPersistsAcrossCycles(t *testing.T) {
	fx := newTestMonitor(t, &fakeLedger{})
	payment := storage.Payment{Reference: "down-ref", Kind: storage.PaymentKindNative}

	calls := 0
	failing := func(context.Context) error {
		calls++
		return solanaclient.ErrTransactionNotFound
	}

	err := fx.monitor.executeWithRetry(context.Background(), payment, "probe", KindValidationException, failing)
	assertKind(t, err, KindTransactionNotFound)
	if calls != 4 {
		t.Errorf("first pass ran fn %d times, want 4", calls)
	}

	// The spent budget carries into the next cycle: one probe, no backoff.
	calls = 0
	sleepsBefore := len(fx.sleeper.recorded())
	err = fx.monitor.executeWithRetry(context.Background(), payment, "probe", KindValidationException, failing)
	assertKind(t, err, KindTransactionNotFound)
	if calls != 1 {
		t.Errorf("second pass ran fn %d times, want 1", calls)
	}
	if len(fx.sleeper.recorded()) != sleepsBefore {
		t.Error("second pass slept despite the spent budget")
	}
}

func TestExecuteWithRetryRecoveryRestoresBudget(t *testing.T) {
	fx := newTestMonitor(t, &fakeLedger{})
	payment := storage.Payment{Reference: "recovering-ref", Kind: storage.PaymentKindNative}

	calls := 0
	err := fx.monitor.executeWithRetry(context.Background(), payment, "probe", KindValidationException, func(context.Context) error {
		calls++
		if calls < 3 {
			return solanaclient.ErrTransactionNotFound
		}
		return nil
	})
	if err != nil {
		t.Fatalf("executeWithRetry failed: %v", err)
	}

	calls = 0
	err = fx.monitor.executeWithRetry(context.Background(), payment, "probe", KindValidationException, func(context.Context) error {
		calls++
		return solanaclient.ErrTransactionNotFound
	})
	assertKind(t, err, KindTransactionNotFound)
	if calls != 4 {
		t.Errorf("budget not restored after recovery: fn ran %d times, want 4", calls)
	}
}

func TestExecuteWithRetryNonRetryableFailsFast(t *testing.T) {
	fx := newTestMonitor(t, &fakeLedger{})
	payment := storage.Payment{Reference: "short-ref", Kind: storage.PaymentKindToken}

	calls := 0
	err := fx.monitor.executeWithRetry(context.Background(), payment, "probe", KindValidationException, func(context.Context) error {
		calls++
		return solanaclient.ErrAmountBelowExpected
	})
	assertKind(t, err, KindAmountTooLow)
	if calls != 1 {
		t.Errorf("fn ran %d times, want 1", calls)
	}
	if sleeps := fx.sleeper.recorded(); len(sleeps) != 0 {
		t.Errorf("backed off %v on a permanent failure", sleeps)
	}
}

func TestExecuteWithRetryStopsWhenContextEnds(t *testing.T) {
	fx := newTestMonitor(t, &fakeLedger{})
	payment := storage.Payment{Reference: "gone-ref", Kind: storage.PaymentKindNative}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fx.monitor.executeWithRetry(ctx, payment, "probe", KindValidationException, func(context.Context) error {
		calls++
		cancel()
		return timeoutError{}
	})
	if err == nil {
		t.Fatal("want an error after cancellation")
	}
	if calls != 1 {
		t.Errorf("fn ran %d times after cancellation, want 1", calls)
	}
	if sleeps := fx.sleeper.recorded(); len(sleeps) != 0 {
		t.Error("slept after cancellation")
	}
}
