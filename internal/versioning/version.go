package versioning

import (
	"context"
	"net/http"
	"strings"
)

// Version represents an API version.
type Version int

const (
	// V1 is the initial API version (current default).
	V1 Version = 1
	// V2 is reserved for future breaking changes.
	V2 Version = 2

	// LatestVersion points to the most recent stable API version.
	LatestVersion = V1

	// DefaultVersion is used when the client doesn't specify a version.
	DefaultVersion = V1
)

// String returns the version as a string (e.g., "v1", "v2").
func (v Version) String() string {
	if v <= 0 {
		return "v1"
	}
	return "v" + string(rune('0'+v))
}

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const versionContextKey contextKey = "api-version"

// FromContext retrieves the negotiated API version, defaulting to V1.
func FromContext(ctx context.Context) Version {
	if v, ok := ctx.Value(versionContextKey).(Version); ok {
		return v
	}
	return DefaultVersion
}

// WithVersion adds the API version to the context.
func WithVersion(ctx context.Context, version Version) context.Context {
	return context.WithValue(ctx, versionContextKey, version)
}

// Negotiation resolves the requested API version and stores it in context.
// Accepted forms, highest priority first:
//   - X-API-Version: 2
//   - Accept: application/vnd.vigil.v2+json
//   - Accept: application/json; version=2
//
// Unrecognized or absent versions fall back to v1. The response always
// carries X-API-Version so clients can detect what they were served.
func Negotiation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		version := negotiateVersion(r)

		w.Header().Set("X-API-Version", version.String())
		w.Header().Set("Vary", "Accept, X-API-Version")

		ctx := WithVersion(r.Context(), version)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func negotiateVersion(r *http.Request) Version {
	if versionHeader := r.Header.Get("X-API-Version"); versionHeader != "" {
		if v := parseVersionString(versionHeader); v > 0 {
			return v
		}
	}

	// Vendor media type: application/vnd.vigil.v2+json
	acceptHeader := r.Header.Get("Accept")
	if strings.Contains(acceptHeader, "application/vnd.vigil.") {
		parts := strings.Split(acceptHeader, ".")
		for _, part := range parts {
			versionPart := strings.Split(part, "+")[0]
			if strings.HasPrefix(versionPart, "v") || strings.HasPrefix(versionPart, "V") {
				if v := parseVersionString(versionPart); v > 0 {
					return v
				}
			}
		}
	}

	// Version parameter: application/json; version=2
	if strings.Contains(acceptHeader, "version=") {
		parts := strings.Split(acceptHeader, "version=")
		if len(parts) > 1 {
			versionStr := strings.TrimSpace(strings.Split(parts[1], ";")[0])
			if v := parseVersionString(versionStr); v > 0 {
				return v
			}
		}
	}

	return DefaultVersion
}

// parseVersionString converts "v2", "2", "V2" to a Version; 0 means invalid.
func parseVersionString(s string) Version {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "v")

	switch s {
	case "1":
		return V1
	case "2":
		return V2
	default:
		return 0
	}
}

// DeprecationWarning adds RFC 8594 deprecation headers to responses served
// on an API version scheduled for removal, giving integrators notice ahead
// of the cutoff.
type DeprecationWarning struct {
	deprecatedVersion Version
	sunsetDate        string // RFC 3339 date when the version will be removed
	message           string
}

// NewDeprecationWarning creates a deprecation warning for a specific API version.
func NewDeprecationWarning(version Version, sunsetDate, message string) *DeprecationWarning {
	return &DeprecationWarning{
		deprecatedVersion: version,
		sunsetDate:        sunsetDate,
		message:           message,
	}
}

// Middleware returns a middleware that adds the warning headers when the
// request negotiated the deprecated version.
func (d *DeprecationWarning) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		version := FromContext(r.Context())

		if version == d.deprecatedVersion {
			w.Header().Set("Deprecation", "true")
			if d.sunsetDate != "" {
				w.Header().Set("Sunset", d.sunsetDate)
			}
			if d.message != "" {
				w.Header().Set("Warning", `299 - "Deprecated API Version: `+d.message+`"`)
			}
		}

		next.ServeHTTP(w, r)
	})
}
