package apikey

import (
	"context"
	"net/http"
	"strings"
)

// Tier is the service level attached to an API key.
type Tier string

const (
	TierFree       Tier = "free"       // Default tier, standard rate limits
	TierPro        Tier = "pro"        // Paid tier, standard rate limits for now
	TierEnterprise Tier = "enterprise" // Exempt from per-merchant and per-IP limits
	TierPartner    Tier = "partner"    // Trusted integrations, exempt from all limits
)

// Merchant is the identity an API key resolves to. Payments created with
// the key are stamped with the merchant ID.
type Merchant struct {
	ID   string
	Tier Tier
}

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const contextKeyMerchant contextKey = "api_key_merchant"

// Config holds the key-to-merchant bindings.
type Config struct {
	// Keys maps an API key to its merchant binding.
	Keys map[string]Merchant

	// Enabled controls whether keys are looked up at all.
	Enabled bool
}

// Middleware resolves the X-API-Key header to a merchant binding and stores
// it in request context. The middleware never rejects: an absent or unknown
// key simply yields an anonymous free-tier identity, and endpoints that
// require authentication check the binding themselves. This keeps public
// endpoints (status polling, websocket subscribe) usable without a key.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	anonymous := Merchant{Tier: TierFree}

	if !cfg.Enabled || len(cfg.Keys) == 0 {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctx := context.WithValue(r.Context(), contextKeyMerchant, anonymous)
				next.ServeHTTP(w, r.WithContext(ctx))
			})
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			merchant := anonymous

			if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
				if bound, ok := cfg.Keys[key]; ok {
					merchant = bound
					if merchant.Tier == "" {
						merchant.Tier = TierFree
					}
				}
			}

			ctx := context.WithValue(r.Context(), contextKeyMerchant, merchant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromRequest extracts the merchant binding from request context. The bool
// reports whether the request presented a recognized key; anonymous
// requests return a zero-ID free-tier merchant and false.
func FromRequest(r *http.Request) (Merchant, bool) {
	merchant, ok := r.Context().Value(contextKeyMerchant).(Merchant)
	if !ok {
		return Merchant{Tier: TierFree}, false
	}
	return merchant, merchant.ID != ""
}

// GetTier extracts the tier from request context, defaulting to free.
func GetTier(r *http.Request) Tier {
	merchant, _ := FromRequest(r)
	if merchant.Tier == "" {
		return TierFree
	}
	return merchant.Tier
}

// IsExemptFromRateLimits reports whether the request's tier skips the
// per-merchant and per-IP limiters.
func IsExemptFromRateLimits(r *http.Request) bool {
	tier := GetTier(r)
	return tier == TierEnterprise || tier == TierPartner
}

// ShouldBypassGlobalLimit reports whether the request skips the global
// limiter. Only partner keys do; everything else shares the global budget.
func ShouldBypassGlobalLimit(r *http.Request) bool {
	return GetTier(r) == TierPartner
}
