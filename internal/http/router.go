package httpx

import (
	"bufio"
	"context"
	"encoding/json"
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

	"github.com/pagewright/pagewright/internal/repository"
	"github.com/pagewright/pagewright/internal/service/deploy"
	"github.com/pagewright/pagewright/internal/service/events"
	"github.com/pagewright/pagewright/internal/service/logs"
	"github.com/pagewright/pagewright/internal/service/sites"
	"github.com/pagewright/pagewright/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	sites    sites.Service
	deploy   deploy.Service
	logs     logs.Service
	events   events.Service
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeatEvery  = 25 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, siteSvc sites.Service, deploySvc deploy.Service, logSvc logs.Service, eventSvc events.Service, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		sites:  siteSvc,
		deploy: deploySvc,
		logs:   logSvc,
		events: eventSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
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
	r.mux.HandleFunc("/healthz", r.audit(r.instrument("/healthz", r.handleHealthz)))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/sites", r.audit(r.instrument("/sites", r.withRateLimit(rateLimitWrite, rateWindowDefault, r.handleSites))))
	r.mux.HandleFunc("/sites/", r.audit(r.instrument("/sites/{id}", r.withRateLimit(rateLimitRead, rateWindowDefault, r.handleSiteSubroutes))))
	r.mux.HandleFunc("/deploy/", r.audit(r.instrument("/deploy/{id}", r.withRateLimit(rateLimitWrite, rateWindowDefault, r.handleDeploy))))
	r.mux.HandleFunc("/jobs/", r.audit(r.instrument("/jobs/{id}", r.withRateLimit(rateLimitRead, rateWindowDefault, r.handleJob))))
	r.mux.HandleFunc("/logs/", r.audit(r.instrument("/logs/{repo}", r.withRateLimit(rateLimitRead, rateWindowDefault, r.handleLogs))))
	r.mux.HandleFunc("/ws/events", r.audit(r.withRateLimit(rateLimitStream, rateWindowRealtime, r.handleEventsWS)))
	r.mux.HandleFunc("/events/", r.audit(r.withRateLimit(rateLimitStream, rateWindowRealtime, r.handleEventsSSE)))
}

func (r *Router) handleSites(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload sites.CreateInput
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	site, err := r.sites.Create(req.Context(), payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      site.ID,
		"name":    site.Name,
		"repo_id": site.RepoID,
	})
}

func (r *Router) handleSiteSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/sites/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	siteID := parts[0]
	switch {
	case len(parts) == 1:
		r.handleSiteGet(w, req, siteID)
	case len(parts) == 2 && parts[1] == "jobs":
		r.handleSiteJobs(w, req, siteID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleSiteGet(w http.ResponseWriter, req *http.Request, siteID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	site, err := r.sites.Get(req.Context(), siteID)
	if err != nil {
		r.respondLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         site.ID,
		"name":       site.Name,
		"repo_id":    site.RepoID,
		"created_at": site.CreatedAt,
	})
}

func (r *Router) handleSiteJobs(w http.ResponseWriter, req *http.Request, siteID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	jobs, err := r.deploy.ListBySite(req.Context(), siteID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/deploy/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		job, err := r.deploy.Trigger(req.Context(), parts[0])
		if err != nil {
			r.respondLookupError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	case len(parts) == 2 && parts[1] == "domain":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		record, err := r.deploy.DomainRecord(req.Context(), parts[0])
		if err != nil {
			r.respondLookupError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case len(parts) == 2 && parts[1] == "poll":
		if req.Method != http.MethodDelete {
			r.methodNotAllowed(w)
			return
		}
		r.deploy.CancelPolling(parts[0])
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelled"})
	default:
		r.notFound(w)
	}
}

func (r *Router) handleJob(w http.ResponseWriter, req *http.Request) {
	jobID := strings.TrimPrefix(req.URL.Path, "/jobs/")
	if jobID == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	job, err := r.deploy.Job(req.Context(), jobID)
	if err != nil {
		r.respondLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	repoID := strings.TrimPrefix(req.URL.Path, "/logs/")
	if repoID == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	entries, err := r.logs.List(req.Context(), repoID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	repoID := req.URL.Query().Get("repo_id")
	if repoID == "" {
		writeError(w, http.StatusBadRequest, "repo_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.events.Hub().Register(repoID, client)
	go func() {
		defer func() {
			r.events.Hub().Unregister(repoID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	repoID := strings.TrimPrefix(req.URL.Path, "/events/")
	if repoID == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.events.Hub().Register(repoID, client)
	defer func() {
		r.events.Hub().Unregister(repoID, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
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

func (r *Router) respondLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		r.notFound(w)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (r *Router) withRateLimit(limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		decision := r.limiter.Allow(rateLimitKeyIP(req), limit, window)
		r.applyRateHeaders(w, limit, decision)
		if !decision.allowed {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
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

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
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

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			if ip := strings.TrimSpace(parts[0]); ip != "" {
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

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
