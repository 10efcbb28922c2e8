package ratelimit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/VigilPay/server/internal/apikey"
	apierrors "github.com/VigilPay/server/internal/errors"
	"github.com/VigilPay/server/internal/metrics"
)

// Config holds the three limiter tiers. Limits are requests per window.
type Config struct {
	// Global limit shared by every caller; the DoS backstop.
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	// Per-merchant limit keyed by the API key binding; anonymous requests
	// fall back to the client IP as the bucket key.
	PerMerchantEnabled bool
	PerMerchantLimit   int
	PerMerchantWindow  time.Duration

	// Per-IP limit, the backstop for unauthenticated traffic.
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// DefaultConfig returns limits generous enough for legitimate polling
// (status checks every few seconds while a payment settles) while stopping
// obvious abuse.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  1 * time.Minute,

		PerMerchantEnabled: true,
		PerMerchantLimit:   120,
		PerMerchantWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  1 * time.Minute,
	}
}

// limitHandler builds the shared 429 response for all three limiters: a
// metrics observation, a Retry-After header, and the standard error
// envelope.
func limitHandler(limitType string, windowSeconds int, identify func(*http.Request) string, collector *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "all"
		if identify != nil {
			if id := identify(r); id != "" {
				identifier = id
			}
		}

		if collector != nil {
			collector.ObserveRateLimit(limitType, identifier)
		}

		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeRateLimited,
			"rate limit exceeded, retry later", "retry_after_seconds", windowSeconds)
	}
}

// GlobalLimiter shares one bucket across all callers. Partner-tier keys
// bypass it so a partner's bulk traffic cannot starve everyone else's
// error budget handling.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}

	limiter := httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(
			limitHandler("global", int(cfg.GlobalWindow.Seconds()), nil, cfg.Metrics),
		),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apikey.ShouldBypassGlobalLimit(r) {
				next.ServeHTTP(w, r)
				return
			}
			limiter(next).ServeHTTP(w, r)
		})
	}
}

// MerchantLimiter buckets requests by the merchant resolved from the API
// key. Requests without a key share the caller's IP bucket instead, so an
// anonymous flood cannot exhaust a merchant's budget.
func MerchantLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerMerchantEnabled {
		return passthrough
	}

	limiter := httprate.Limit(
		cfg.PerMerchantLimit,
		cfg.PerMerchantWindow,
		httprate.WithKeyFuncs(merchantKey),
		httprate.WithLimitHandler(
			limitHandler("per_merchant", int(cfg.PerMerchantWindow.Seconds()), merchantIdentifier, cfg.Metrics),
		),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apikey.IsExemptFromRateLimits(r) {
				next.ServeHTTP(w, r)
				return
			}
			limiter(next).ServeHTTP(w, r)
		})
	}
}

// IPLimiter is the per-client backstop for unauthenticated traffic.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}

	limiter := httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(
			limitHandler("per_ip", int(cfg.PerIPWindow.Seconds()), func(r *http.Request) string { return r.RemoteAddr }, cfg.Metrics),
		),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apikey.IsExemptFromRateLimits(r) {
				next.ServeHTTP(w, r)
				return
			}
			limiter(next).ServeHTTP(w, r)
		})
	}
}

func passthrough(next http.Handler) http.Handler {
	return next
}

// merchantKey is the httprate.KeyFunc for the per-merchant limiter.
func merchantKey(r *http.Request) (string, error) {
	if merchant, ok := apikey.FromRequest(r); ok {
		return "merchant:" + merchant.ID, nil
	}
	return httprate.KeyByIP(r)
}

// merchantIdentifier labels the rate limit metric.
func merchantIdentifier(r *http.Request) string {
	if merchant, ok := apikey.FromRequest(r); ok {
		return merchant.ID
	}
	return "anonymous"
}
