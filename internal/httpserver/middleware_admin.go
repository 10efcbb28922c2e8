package httpserver

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/VigilPay/server/internal/errors"
)

// adminAuth guards the metrics scrape and the webhook DLQ routes with a
// bearer key. An empty key leaves the routes open, which is the expected
// setup when the admin surface is only reachable on a private network.
func adminAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			expected := "Bearer " + apiKey
			if subtle.ConstantTimeCompare([]byte(authHeader), []byte(expected)) != 1 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "invalid or missing admin API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
