package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/VigilPay/server/internal/storage"
)

const (
	defaultRetryBase       = 1 * time.Second
	defaultRetryCap        = 10 * time.Second
	defaultRetryMultiplier = 2.0
	defaultMaxRetries      = 3

	defaultTallyCapacity = 10000
	defaultTallyHorizon  = 30 * time.Minute
)

// tallyKey scopes retry counts to one operation of one payment, so a flaky
// locator does not eat the validator's retry budget.
type tallyKey struct {
	reference string
	op        string
}

type tallyEntry struct {
	attempts int
	touched  time.Time
}

// retryTally tracks retry attempts across monitor ticks. It is bounded in
// both entry count and age: stale entries age out on sweep, and a full
// tally purges completely rather than growing without limit.
type retryTally struct {
	mu       sync.Mutex
	entries  map[tallyKey]tallyEntry
	capacity int
	horizon  time.Duration
	now      func() time.Time
}

func newRetryTally(capacity int, horizon time.Duration, now func() time.Time) *retryTally {
	if capacity <= 0 {
		capacity = defaultTallyCapacity
	}
	if horizon <= 0 {
		horizon = defaultTallyHorizon
	}
	if now == nil {
		now = time.Now
	}
	return &retryTally{
		entries:  make(map[tallyKey]tallyEntry),
		capacity: capacity,
		horizon:  horizon,
		now:      now,
	}
}

// attempts returns the recorded attempt count for a key.
func (t *retryTally) attempts(key tallyKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[key].attempts
}

// increment bumps the attempt count, purging the whole tally first when it
// is at capacity and the key is new. Losing counts on purge only means a
// few extra retries, which is the acceptable failure mode.
func (t *retryTally) increment(key tallyKey) (count int, purged bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[key]; !exists && len(t.entries) >= t.capacity {
		t.entries = make(map[tallyKey]tallyEntry)
		purged = true
	}
	entry := t.entries[key]
	entry.attempts++
	entry.touched = t.now()
	t.entries[key] = entry
	return entry.attempts, purged
}

// clear removes a key and returns the attempt count it held, so callers can
// log a recovery after a retried operation finally succeeds.
func (t *retryTally) clear(key tallyKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return 0
	}
	delete(t.entries, key)
	return entry.attempts
}

// sweep drops entries not touched within the horizon and reports how many
// were removed and how many remain.
func (t *retryTally) sweep() (removed, remaining int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.horizon)
	for key, entry := range t.entries {
		if entry.touched.Before(cutoff) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed, len(t.entries)
}

// purge empties the tally. Called on monitor stop.
func (t *retryTally) purge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[tallyKey]tallyEntry)
}

func (t *retryTally) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// backoffDelay returns base scaled by multiplier^(attempt-1), capped.
func backoffDelay(base time.Duration, multiplier float64, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// sleepContext waits for the duration unless the context ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// executeWithRetry runs fn under the monitor's retry policy. fn must be safe
// to re-invoke. Retryable failures back off exponentially until the
// per-operation budget is spent; the budget survives across monitor ticks
// through the tally, so a payment that kept failing is probed once per
// cycle instead of hammering the node. A success clears the tally and logs
// the recovery. The returned error is always a *MonitorError.
func (m *Monitor) executeWithRetry(ctx context.Context, payment storage.Payment, opName string, fallback ErrorKind, fn func(context.Context) error) error {
	key := tallyKey{reference: payment.Reference, op: opName}

	for {
		err := fn(ctx)
		if err == nil {
			if prior := m.tally.clear(key); prior > 0 {
				m.logger.Info().
					Str("reference", payment.Reference).
					Str("payment_type", string(payment.Kind)).
					Str("operation", opName).
					Int("retry_attempt", prior).
					Msg("operation recovered after retries")
			}
			return nil
		}

		monErr := wrapError(opName, payment, err, fallback)

		if ctx.Err() != nil {
			// The caller is gone; retrying would only burn the budget.
			return monErr
		}
		if !monErr.Retryable() {
			return monErr
		}
		if m.tally.attempts(key) >= m.maxRetries {
			return monErr
		}

		attempt, purged := m.tally.increment(key)
		if purged {
			m.logger.Warn().
				Int("capacity", m.tally.capacity).
				Msg("retry tally at capacity, purged all entries")
		}
		delay := backoffDelay(m.retryBase, m.retryMultiplier, m.retryCap, attempt)

		m.logger.Warn().
			Err(monErr.Err).
			Str("reference", payment.Reference).
			Str("payment_type", string(payment.Kind)).
			Str("operation", opName).
			Str("error_kind", string(monErr.Kind)).
			Str("severity", string(monErr.Severity())).
			Bool("is_retryable", true).
			Int("retry_attempt", attempt).
			Dur("backoff", delay).
			Msg("retryable failure, backing off")
		if m.metrics != nil {
			m.metrics.ObserveRetryAttempt(string(monErr.Kind))
		}

		if err := m.sleep(ctx, delay); err != nil {
			return wrapError(opName, payment, err, fallback)
		}
	}
}
