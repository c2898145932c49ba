package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ndovu/selfheal/internal/domain"
	"github.com/ndovu/selfheal/internal/journal"
	"github.com/ndovu/selfheal/internal/orchestrator"
	"github.com/ndovu/selfheal/internal/repository"
	"github.com/ndovu/selfheal/internal/ws"
	"github.com/ndovu/selfheal/pkg/crypto"
	"github.com/ndovu/selfheal/pkg/token"
)

// DeployService triggers and cancels deployment attempts.
type DeployService interface {
	Request(ctx context.Context, req orchestrator.Request) (*domain.Attempt, error)
	Cancel(attemptID string) bool
}

// Store is the read/write surface the API exposes.
type Store interface {
	GetAttemptByID(ctx context.Context, id string) (*domain.Attempt, error)
	ListAttemptsByTarget(ctx context.Context, target string, limit int) ([]domain.Attempt, error)
	ListTargets(ctx context.Context) ([]domain.Target, error)
	UpsertTarget(ctx context.Context, target *domain.Target) error
}

// JournalReader exposes the append-only audit trail.
type JournalReader interface {
	Read(attemptID string) ([]journal.Record, error)
}

// Router wires HTTP endpoints to the orchestrator and its stores.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	deploy   DeployService
	store    Store
	journal  JournalReader
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter

	jwtSecret         string
	adminPasswordHash string
	sessionTTL        time.Duration
	dbHealth          func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitLogin     = 12
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// Options carries the router's auth and limiter configuration.
type Options struct {
	JWTSecret         string
	AdminPasswordHash string
	SessionTTL        time.Duration
	Limiter           RateLimiter
	DBHealth          func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc DeployService, store Store, jr JournalReader, hub *ws.Hub, opts Options) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		deploy:  deploySvc,
		store:   store,
		journal: jr,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:           opts.Limiter,
		jwtSecret:         opts.JWTSecret,
		adminPasswordHash: strings.TrimSpace(opts.AdminPasswordHash),
		sessionTTL:        opts.SessionTTL,
		dbHealth:          opts.DBHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.sessionTTL <= 0 {
		r.sessionTTL = time.Hour
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/auth/login", r.audit("auth_login", r.withRateLimit("auth_login", rateLimitLogin, rateWindowDefault, r.handleLogin)))
	r.mux.HandleFunc("/api/deployments", r.audit("deployments", r.handlerAuthRate("deployments", rateLimitWrite, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/api/deployments/", r.audit("deployment", r.handlerAuthRate("deployment", rateLimitRead, rateWindowDefault, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/api/targets", r.audit("targets", r.handlerAuthRate("targets", rateLimitWrite, rateWindowDefault, r.handleTargets)))
	r.mux.HandleFunc("/ws/events", r.audit("events_ws", r.handlerAuthRate("events_ws", rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS)))
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Operator string `json:"operator"`
		Password string `json:"password"`
	}
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload.Operator = strings.TrimSpace(payload.Operator)
	if payload.Operator == "" || payload.Password == "" {
		writeError(w, http.StatusBadRequest, "operator and password are required")
		return
	}
	if r.adminPasswordHash == "" {
		r.logger.Error("admin password hash not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authentication misconfigured")
		return
	}
	if err := crypto.ComparePassword([]byte(r.adminPasswordHash), payload.Password); err != nil {
		r.logger.Warn("login rejected", "operator", payload.Operator)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	session, err := token.Generate(payload.Operator, r.jwtSecret, r.sessionTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue session token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operator":   payload.Operator,
		"token":      session,
		"expires_in": int(r.sessionTTL.Seconds()),
	})
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Target          string `json:"target"`
			Revision        string `json:"revision"`
			MaxRetries      int    `json:"max_retries"`
			HealthTimeoutMS int64  `json:"health_timeout_ms"`
		}
		if err := decodeJSON(req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.HealthTimeoutMS < 0 {
			writeError(w, http.StatusBadRequest, "health_timeout_ms must not be negative")
			return
		}
		attempt, err := r.deploy.Request(req.Context(), orchestrator.Request{
			Target:        payload.Target,
			Revision:      payload.Revision,
			MaxRetries:    payload.MaxRetries,
			HealthTimeout: time.Duration(payload.HealthTimeoutMS) * time.Millisecond,
		})
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, orchestrator.ErrTargetBusy) {
				status = http.StatusConflict
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, attempt)
	case http.MethodGet:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		attempts, err := r.store.ListAttemptsByTarget(req.Context(), req.URL.Query().Get("target"), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if attempts == nil {
			attempts = []domain.Attempt{}
		}
		writeJSON(w, http.StatusOK, attempts)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/deployments/")
	parts := strings.Split(trimmed, "/")
	attemptID := parts[0]
	if attemptID == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 2 && parts[1] == "journal" {
		r.handleJournal(w, req, attemptID)
		return
	}
	if len(parts) == 2 && parts[1] == "events" {
		r.serveEvents(w, req, attemptID)
		return
	}
	if len(parts) > 1 {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		attempt, err := r.store.GetAttemptByID(req.Context(), attemptID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				r.notFound(w)
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, attempt)
	case http.MethodDelete:
		if !r.deploy.Cancel(attemptID) {
			writeError(w, http.StatusConflict, "attempt is not running")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleJournal(w http.ResponseWriter, req *http.Request, attemptID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	records, err := r.journal.Read(attemptID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Router) handleTargets(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		targets, err := r.store.ListTargets(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if targets == nil {
			targets = []domain.Target{}
		}
		writeJSON(w, http.StatusOK, targets)
	case http.MethodPost:
		var target domain.Target
		if err := decodeJSON(req, &target); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		target.Name = strings.TrimSpace(target.Name)
		if target.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		switch target.Backend {
		case domain.BackendContainer, domain.BackendStatic:
		default:
			writeError(w, http.StatusBadRequest, "backend must be container or static")
			return
		}
		if err := r.store.UpsertTarget(req.Context(), &target); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, target)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	stream := req.URL.Query().Get("attempt_id")
	if stream == "" {
		stream = ws.StreamAll
	}
	r.serveEvents(w, req, stream)
}

func (r *Router) serveEvents(w http.ResponseWriter, req *http.Request, stream string) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for events websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(stream, client)
	go func() {
		defer func() {
			r.hub.Unregister(stream, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "operator"
			fields = append(fields, "operator", info.Operator)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
