package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/ndovu/selfheal/internal/domain"
	"github.com/ndovu/selfheal/internal/journal"
	"github.com/ndovu/selfheal/internal/orchestrator"
	"github.com/ndovu/selfheal/internal/repository"
	"github.com/ndovu/selfheal/internal/ws"
	"github.com/ndovu/selfheal/pkg/crypto"
)

type deployStub struct {
	mu        sync.Mutex
	requests  []orchestrator.Request
	nextErr   error
	cancelled []string
	cancelOK  bool
}

func (d *deployStub) Request(_ context.Context, req orchestrator.Request) (*domain.Attempt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.nextErr != nil {
		return nil, d.nextErr
	}
	now := time.Now().UTC()
	return &domain.Attempt{
		ID:            "att-1",
		Target:        req.Target,
		Revision:      req.Revision,
		Status:        domain.StatusPending,
		AttemptNumber: 1,
		MaxRetries:    3,
		StartedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (d *deployStub) Cancel(attemptID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, attemptID)
	return d.cancelOK
}

type storeStub struct {
	mu       sync.Mutex
	attempts map[string]domain.Attempt
	targets  []domain.Target
	upserted []domain.Target
}

func (s *storeStub) GetAttemptByID(_ context.Context, id string) (*domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &attempt, nil
}

func (s *storeStub) ListAttemptsByTarget(_ context.Context, target string, _ int) ([]domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Attempt
	for _, attempt := range s.attempts {
		if target == "" || attempt.Target == target {
			out = append(out, attempt)
		}
	}
	return out, nil
}

func (s *storeStub) ListTargets(context.Context) ([]domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targets, nil
}

func (s *storeStub) UpsertTarget(_ context.Context, target *domain.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserted = append(s.upserted, *target)
	return nil
}

type journalStub struct {
	records map[string][]journal.Record
}

func (j *journalStub) Read(attemptID string) ([]journal.Record, error) {
	return j.records[attemptID], nil
}

const (
	testSecret   = "test-secret"
	testPassword = "correct-horse"
)

func setupRouter(t *testing.T, deploy *deployStub, store *storeStub) *Router {
	t.Helper()
	hash, err := crypto.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	hub := ws.NewHub()
	t.Cleanup(hub.Shutdown)
	router := NewRouter(slog.New(slog.DiscardHandler), deploy, store, &journalStub{records: map[string][]journal.Record{}}, hub, Options{
		JWTSecret:         testSecret,
		AdminPasswordHash: string(hash),
		SessionTTL:        time.Hour,
	})
	t.Cleanup(router.Close)
	return router
}

func loginToken(t *testing.T, router *Router) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"operator": "jess", "password": testPassword})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.Token
}

func TestLoginRejectsBadPassword(t *testing.T) {
	router := setupRouter(t, &deployStub{}, &storeStub{})
	body, _ := json.Marshal(map[string]string{"operator": "jess", "password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestDeploymentsRequireAuth(t *testing.T) {
	router := setupRouter(t, &deployStub{}, &storeStub{})
	req := httptest.NewRequest(http.MethodPost, "/api/deployments", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
}

func TestTriggerDeploymentAccepted(t *testing.T) {
	deploy := &deployStub{}
	router := setupRouter(t, deploy, &storeStub{})
	token := loginToken(t, router)

	body, _ := json.Marshal(map[string]any{"target": "web", "revision": "v2", "max_retries": 5})
	req := httptest.NewRequest(http.MethodPost, "/api/deployments", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(deploy.requests) != 1 {
		t.Fatalf("expected one deploy request, got %d", len(deploy.requests))
	}
	if got := deploy.requests[0]; got.Target != "web" || got.Revision != "v2" || got.MaxRetries != 5 {
		t.Fatalf("unexpected request %+v", got)
	}
	var attempt domain.Attempt
	if err := json.Unmarshal(rr.Body.Bytes(), &attempt); err != nil {
		t.Fatalf("decode attempt: %v", err)
	}
	if attempt.Status != domain.StatusPending {
		t.Fatalf("expected pending attempt, got %s", attempt.Status)
	}
}

func TestTriggerDeploymentForwardsHealthTimeout(t *testing.T) {
	deploy := &deployStub{}
	router := setupRouter(t, deploy, &storeStub{})
	token := loginToken(t, router)

	body, _ := json.Marshal(map[string]any{"target": "web", "revision": "v2", "health_timeout_ms": 45000})
	req := httptest.NewRequest(http.MethodPost, "/api/deployments", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(deploy.requests) != 1 {
		t.Fatalf("expected one deploy request, got %d", len(deploy.requests))
	}
	if got := deploy.requests[0].HealthTimeout; got != 45*time.Second {
		t.Fatalf("health timeout not forwarded: got %s", got)
	}

	// A negative override is rejected before reaching the orchestrator.
	body, _ = json.Marshal(map[string]any{"target": "web", "revision": "v2", "health_timeout_ms": -1})
	req = httptest.NewRequest(http.MethodPost, "/api/deployments", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative timeout, got %d", rr.Code)
	}
	if len(deploy.requests) != 1 {
		t.Fatalf("negative timeout should not reach the orchestrator")
	}
}

func TestTriggerBusyTargetConflicts(t *testing.T) {
	deploy := &deployStub{nextErr: orchestrator.ErrTargetBusy}
	router := setupRouter(t, deploy, &storeStub{})
	token := loginToken(t, router)

	body, _ := json.Marshal(map[string]string{"target": "web", "revision": "v2"})
	req := httptest.NewRequest(http.MethodPost, "/api/deployments", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for busy target, got %d", rr.Code)
	}
}

func TestGetAttemptAndNotFound(t *testing.T) {
	store := &storeStub{attempts: map[string]domain.Attempt{
		"att-1": {ID: "att-1", Target: "web", Status: domain.StatusSucceeded},
	}}
	router := setupRouter(t, &deployStub{}, store)
	token := loginToken(t, router)

	req := httptest.NewRequest(http.MethodGet, "/api/deployments/att-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/deployments/ghost", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestCancelAttempt(t *testing.T) {
	deploy := &deployStub{cancelOK: true}
	router := setupRouter(t, deploy, &storeStub{})
	token := loginToken(t, router)

	req := httptest.NewRequest(http.MethodDelete, "/api/deployments/att-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if len(deploy.cancelled) != 1 || deploy.cancelled[0] != "att-1" {
		t.Fatalf("cancel not forwarded: %v", deploy.cancelled)
	}

	deploy.cancelOK = false
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/api/deployments/att-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for finished attempt, got %d", rr.Code)
	}
}

func TestUpsertTargetValidatesBackend(t *testing.T) {
	store := &storeStub{}
	router := setupRouter(t, &deployStub{}, store)
	token := loginToken(t, router)

	body, _ := json.Marshal(map[string]string{"name": "web", "backend": "mainframe"})
	req := httptest.NewRequest(http.MethodPost, "/api/targets", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown backend, got %d", rr.Code)
	}

	body, _ = json.Marshal(map[string]string{"name": "web", "backend": "container", "image_repo": "registry/web"})
	req = httptest.NewRequest(http.MethodPost, "/api/targets", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(store.upserted) != 1 || store.upserted[0].Name != "web" {
		t.Fatalf("target not stored: %v", store.upserted)
	}
}

func TestHealthzReportsDatabaseState(t *testing.T) {
	deploy := &deployStub{}
	store := &storeStub{}
	hash, _ := crypto.HashPassword(testPassword)
	hub := ws.NewHub()
	t.Cleanup(hub.Shutdown)
	router := NewRouter(slog.New(slog.DiscardHandler), deploy, store, &journalStub{}, hub, Options{
		JWTSecret:         testSecret,
		AdminPasswordHash: string(hash),
		DBHealth:          func(context.Context) error { return errors.New("connection lost") },
	})
	t.Cleanup(router.Close)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when database is down, got %d", rr.Code)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if payload.Status != "degraded" {
		t.Fatalf("expected degraded, got %q", payload.Status)
	}
}

func TestJournalEndpoint(t *testing.T) {
	router := setupRouter(t, &deployStub{}, &storeStub{})
	token := loginToken(t, router)

	req := httptest.NewRequest(http.MethodGet, "/api/deployments/att-1/journal", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var records []journal.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &records); err != nil {
		t.Fatalf("journal should return a JSON array: %v", err)
	}
}
