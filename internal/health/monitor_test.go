package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ndovu/selfheal/pkg/config"
)

// testClock drives the monitor deterministically: sleeps advance the clock
// instead of blocking.
type testClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func scriptedServer(t *testing.T, statuses []int) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	index := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		status := http.StatusOK
		if index < len(statuses) {
			status = statuses[index]
		} else if len(statuses) > 0 {
			status = statuses[len(statuses)-1]
		}
		index++
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestMonitor(clock *testClock) *Monitor {
	m := New(config.ServerConfig{
		HealthInitialInterval: 2 * time.Second,
		HealthMaxInterval:     30 * time.Second,
		HealthTimeout:         120 * time.Second,
		HealthConsecutiveOK:   2,
		HealthProbeTimeout:    time.Second,
	}, nil)
	m.now = clock.Now
	m.sleep = clock.Sleep
	return m
}

func TestWatchConfirmsAfterConsecutiveSuccesses(t *testing.T) {
	srv := scriptedServer(t, []int{200, 200})
	clock := newTestClock()
	m := newTestMonitor(clock)

	reports, healthy := m.Watch(context.Background(), "att-1", srv.URL, 0)
	if !healthy {
		t.Fatalf("expected healthy confirmation")
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 probes, got %d", len(reports))
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != 2*time.Second {
		t.Fatalf("unexpected backoff sequence: %v", clock.sleeps)
	}
	if reports[1].Diagnostics["consecutive_ok"] != "2" {
		t.Fatalf("streak diagnostic missing: %v", reports[1].Diagnostics)
	}
}

func TestWatchResetsStreakOnFailure(t *testing.T) {
	srv := scriptedServer(t, []int{200, 500, 200, 200})
	clock := newTestClock()
	m := newTestMonitor(clock)

	reports, healthy := m.Watch(context.Background(), "att-1", srv.URL, 0)
	if !healthy {
		t.Fatalf("expected eventual confirmation")
	}
	if len(reports) != 4 {
		t.Fatalf("expected 4 probes, got %d", len(reports))
	}
	if reports[1].Healthy {
		t.Fatalf("500 response should be unhealthy")
	}
	if reports[1].Diagnostics["consecutive_ok"] != "0" {
		t.Fatalf("failure should reset the streak: %v", reports[1].Diagnostics)
	}
}

func TestWatchWindowExpiresWithBackoffCap(t *testing.T) {
	srv := scriptedServer(t, []int{500})
	clock := newTestClock()
	m := newTestMonitor(clock)

	reports, healthy := m.Watch(context.Background(), "att-1", srv.URL, 0)
	if healthy {
		t.Fatalf("persistently failing endpoint must not be confirmed")
	}
	// Probes at 0s, 2s, 6s, 14s, 30s, 60s, 90s; the next interval would
	// cross the 120s window.
	if len(reports) != 7 {
		t.Fatalf("expected 7 probes in the window, got %d", len(reports))
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	if len(clock.sleeps) != len(want) {
		t.Fatalf("unexpected sleep count: %v", clock.sleeps)
	}
	for i := range want {
		if clock.sleeps[i] != want[i] {
			t.Fatalf("sleep %d: expected %v, got %v", i, want[i], clock.sleeps[i])
		}
	}
}

func TestWatchWindowOverride(t *testing.T) {
	srv := scriptedServer(t, []int{500})
	clock := newTestClock()
	m := newTestMonitor(clock)

	reports, healthy := m.Watch(context.Background(), "att-1", srv.URL, 3*time.Second)
	if healthy {
		t.Fatalf("expected failure within the shortened window")
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 probes in a 3s window, got %d", len(reports))
	}
}

func TestWatchRefusedConnectionIsUnhealthyProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	url := srv.URL
	srv.Close()

	clock := newTestClock()
	m := newTestMonitor(clock)

	reports, healthy := m.Watch(context.Background(), "att-1", url, 3*time.Second)
	if healthy {
		t.Fatalf("unreachable endpoint must not be confirmed")
	}
	if len(reports) == 0 {
		t.Fatalf("refused connections should still produce probe reports")
	}
	if reports[0].Diagnostics["error"] == "" {
		t.Fatalf("probe error should be recorded: %v", reports[0].Diagnostics)
	}
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	srv := scriptedServer(t, []int{500})
	clock := newTestClock()
	m := newTestMonitor(clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, healthy := m.Watch(ctx, "att-1", srv.URL, 0)
	if healthy {
		t.Fatalf("cancelled watch must not confirm")
	}
}
