package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/ndovu/selfheal/internal/domain"
	"github.com/ndovu/selfheal/pkg/config"
)

// Monitor polls a health endpoint with exponential backoff until the
// required number of consecutive successes is observed or the polling
// window expires. A timeout or refused connection counts as an unhealthy
// probe, not a separate error path.
type Monitor struct {
	client          *http.Client
	initialInterval time.Duration
	maxInterval     time.Duration
	window          time.Duration
	consecutive     int
	logger          *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New constructs a Monitor from server configuration.
func New(cfg config.ServerConfig, logger *slog.Logger) *Monitor {
	probeTimeout := cfg.HealthProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	initial := cfg.HealthInitialInterval
	if initial <= 0 {
		initial = 2 * time.Second
	}
	max := cfg.HealthMaxInterval
	if max <= 0 {
		max = 30 * time.Second
	}
	window := cfg.HealthTimeout
	if window <= 0 {
		window = 120 * time.Second
	}
	consecutive := cfg.HealthConsecutiveOK
	if consecutive <= 0 {
		consecutive = 2
	}
	return &Monitor{
		client:          &http.Client{Timeout: probeTimeout},
		initialInterval: initial,
		maxInterval:     max,
		window:          window,
		consecutive:     consecutive,
		logger:          logger,
		now:             time.Now,
		sleep:           sleepContext,
	}
}

// Watch polls url until the deployment is confirmed healthy or the window
// (windowOverride when positive, the configured default otherwise) runs
// out. All probe reports are returned for the attempt's history.
func (m *Monitor) Watch(ctx context.Context, attemptID, url string, windowOverride time.Duration) ([]domain.HealthReport, bool) {
	window := m.window
	if windowOverride > 0 {
		window = windowOverride
	}
	deadline := m.now().Add(window)
	interval := m.initialInterval
	streak := 0
	var reports []domain.HealthReport

	for {
		report := m.probe(ctx, attemptID, url)
		reports = append(reports, report)
		if report.Healthy {
			streak++
		} else {
			streak = 0
		}
		report.Diagnostics["consecutive_ok"] = strconv.Itoa(streak)
		if streak >= m.consecutive {
			return reports, true
		}
		if ctx.Err() != nil {
			return reports, false
		}
		if !m.now().Add(interval).Before(deadline) {
			if m.logger != nil {
				m.logger.Info("health polling window expired", "attempt_id", attemptID, "url", url, "probes", len(reports))
			}
			return reports, false
		}
		if err := m.sleep(ctx, interval); err != nil {
			return reports, false
		}
		interval *= 2
		if interval > m.maxInterval {
			interval = m.maxInterval
		}
	}
}

func (m *Monitor) probe(ctx context.Context, attemptID, url string) domain.HealthReport {
	report := domain.HealthReport{
		AttemptID:   attemptID,
		CheckedAt:   m.now(),
		Diagnostics: map[string]string{"url": url},
	}
	if url == "" {
		report.Diagnostics["error"] = "no health url available"
		return report
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		report.Diagnostics["error"] = err.Error()
		return report
	}
	start := m.now()
	resp, err := m.client.Do(req)
	report.LatencyMs = m.now().Sub(start).Milliseconds()
	if err != nil {
		report.Diagnostics["error"] = err.Error()
		return report
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	report.Diagnostics["status_code"] = strconv.Itoa(resp.StatusCode)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		report.Healthy = true
	} else {
		report.Diagnostics["error"] = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return report
}

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
