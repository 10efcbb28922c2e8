package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/VigilPay/server/pkg/responders"
)

// health returns service health including RPC connectivity. Load balancers
// poll this, so the RPC probe is capped at two seconds.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := time.Now()
	uptime := now.Sub(serverStartTime)
	rpcHealthy := h.checkRPCHealth(ctx)

	status := "ok"
	statusCode := http.StatusOK
	if !rpcHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]any{
		"status":     status,
		"uptime":     uptime.String(),
		"timestamp":  now.UTC(),
		"rpcHealthy": rpcHealthy,
		"network":    h.cfg.Solana.Network,
	}

	if h.cfg.Server.RoutePrefix != "" {
		response["routePrefix"] = h.cfg.Server.RoutePrefix
	}

	features := []string{}
	if h.cfg.Monitor.Enabled {
		features = append(features, "monitor")
	}
	if h.cfg.Live.Enabled {
		features = append(features, "live")
	}
	if h.cfg.Email.Enabled {
		features = append(features, "email")
	}
	if h.cfg.Callbacks.PaymentConfirmedURL != "" {
		features = append(features, "webhooks")
	}
	if len(features) > 0 {
		response["features"] = features
	}

	responders.JSON(w, statusCode, response)
}

// checkRPCHealth verifies Solana RPC connectivity.
func (h *handlers) checkRPCHealth(ctx context.Context) bool {
	if h.ledger == nil {
		return false
	}
	return h.ledger.Health(ctx) == nil
}
