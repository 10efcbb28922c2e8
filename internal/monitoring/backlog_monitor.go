package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/VigilPay/server/internal/config"
	"github.com/VigilPay/server/internal/httputil"
	"github.com/VigilPay/server/internal/logger"
	"github.com/VigilPay/server/internal/storage"
)

// How many of the oldest pending payments to inspect per check. The list is
// ordered oldest first, so a backlog larger than this still alerts.
const backlogScanLimit = 500

// BacklogMonitor periodically inspects the pending payment backlog and sends
// an operator alert when payments sit unconfirmed past the stale age. A
// growing stale backlog usually means the RPC endpoint is down, the monitor
// loop is wedged, or customers are abandoning transfers.
type BacklogMonitor struct {
	cfg        config.AlertsConfig
	store      storage.Store
	httpClient *http.Client

	mu        sync.Mutex
	lastAlert time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// BacklogAlert contains information about a stale pending backlog.
type BacklogAlert struct {
	StaleCount      int       `json:"staleCount"`
	OldestReference string    `json:"oldestReference"`
	OldestAge       string    `json:"oldestAge"`
	MaxPendingAge   string    `json:"maxPendingAge"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewBacklogMonitor creates a backlog monitor over the payment store.
func NewBacklogMonitor(cfg config.AlertsConfig, store storage.Store) *BacklogMonitor {
	return &BacklogMonitor{
		cfg:        cfg,
		store:      store,
		httpClient: httputil.NewClient(cfg.Timeout.Duration),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the backlog monitoring loop.
func (m *BacklogMonitor) Start(ctx context.Context) {
	// Don't start if no alert URL configured
	if m.cfg.URL == "" {
		log.Info().Msg("backlog_monitor.disabled_no_url")
		return
	}

	log.Info().
		Dur("check_interval", m.cfg.CheckInterval.Duration).
		Dur("max_pending_age", m.cfg.MaxPendingAge.Duration).
		Msg("backlog_monitor.started")

	m.wg.Add(1)
	go m.monitorLoop(ctx)
}

// Stop gracefully stops the backlog monitoring loop.
func (m *BacklogMonitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	log.Info().Msg("backlog_monitor.stopped")
}

// monitorLoop runs the periodic backlog checks.
func (m *BacklogMonitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval.Duration)
	defer ticker.Stop()

	// Run initial check immediately
	m.checkBacklog(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkBacklog(ctx)
		}
	}
}

// checkBacklog counts pending payments older than the stale age and alerts
// when any exist. A healthy check clears the re-alert timer so the next
// incident alerts immediately.
func (m *BacklogMonitor) checkBacklog(ctx context.Context) {
	pending, err := m.store.ListPendingPayments(ctx, backlogScanLimit)
	if err != nil {
		log.Error().
			Err(err).
			Msg("backlog_monitor.list_error")
		return
	}

	cutoff := time.Now().Add(-m.cfg.MaxPendingAge.Duration)
	var stale []storage.Payment
	for _, payment := range pending {
		if payment.CreatedAt.Before(cutoff) {
			stale = append(stale, payment)
		}
	}

	if len(stale) == 0 {
		m.clearAlert()
		return
	}

	oldest := stale[0]
	log.Debug().
		Int("stale_count", len(stale)).
		Str("reference", logger.TruncateAddress(oldest.Reference)).
		Msg("backlog_monitor.stale_backlog")

	if m.shouldAlert() {
		m.sendAlert(ctx, BacklogAlert{
			StaleCount:      len(stale),
			OldestReference: oldest.Reference,
			OldestAge:       time.Since(oldest.CreatedAt).Round(time.Second).String(),
			MaxPendingAge:   m.cfg.MaxPendingAge.Duration.String(),
			Timestamp:       time.Now().UTC(),
		})
	}
}

// shouldAlert returns true when the re-alert interval has passed since the
// last successful alert.
func (m *BacklogMonitor) shouldAlert() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastAlert.IsZero() {
		return true
	}
	return time.Since(m.lastAlert) > m.cfg.RealertInterval.Duration
}

// clearAlert resets the re-alert timer (when the backlog drains).
func (m *BacklogMonitor) clearAlert() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAlert = time.Time{}
}

// sendAlert sends a webhook notification about the stale backlog.
func (m *BacklogMonitor) sendAlert(ctx context.Context, alert BacklogAlert) {
	var body []byte
	var err error

	// Use custom template if provided, otherwise use default Discord format
	if m.cfg.BodyTemplate != "" {
		body, err = m.renderTemplate(alert)
		if err != nil {
			log.Error().
				Err(err).
				Msg("backlog_monitor.template_error")
			return
		}
	} else {
		// Default Discord webhook format
		body, err = json.Marshal(map[string]any{
			"content": fmt.Sprintf(
				"⚠️ **Stale Payment Backlog**\n\n"+
					"Stale pending payments: **%d**\n"+
					"Oldest: `%s` (pending for %s)\n"+
					"Stale after: %s\n\n"+
					"Check RPC health and the payment monitor.",
				alert.StaleCount, alert.OldestReference, alert.OldestAge, alert.MaxPendingAge,
			),
		})
		if err != nil {
			log.Error().
				Err(err).
				Msg("backlog_monitor.marshal_error")
			return
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", m.cfg.URL, bytes.NewReader(body))
	if err != nil {
		log.Error().
			Err(err).
			Msg("backlog_monitor.request_error")
		return
	}

	// Set default Content-Type for Discord/Slack
	req.Header.Set("Content-Type", "application/json")

	// Apply custom headers
	for key, value := range m.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		log.Error().
			Err(err).
			Msg("backlog_monitor.send_error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Info().
			Int("stale_count", alert.StaleCount).
			Int("status_code", resp.StatusCode).
			Msg("backlog_monitor.alert_sent")
		m.mu.Lock()
		m.lastAlert = time.Now()
		m.mu.Unlock()
	} else {
		log.Warn().
			Int("status_code", resp.StatusCode).
			Msg("backlog_monitor.alert_failed")
	}
}

// renderTemplate renders the custom body template with alert data.
func (m *BacklogMonitor) renderTemplate(alert BacklogAlert) ([]byte, error) {
	tmpl, err := template.New("alert").Parse(m.cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, alert); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}

	return buf.Bytes(), nil
}
