package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-harvester/internal/config"
	"github.com/JakeFAU/scholar-harvester/internal/harvest"
	"github.com/JakeFAU/scholar-harvester/internal/metrics"
)

const requestTimeout = 90 * time.Second

// Harvester runs one harvest invocation.
type Harvester interface {
	Run(ctx context.Context, adapterKey string, params harvest.Params) (harvest.RunLog, error)
}

// Catalog lists the registered sources.
type Catalog interface {
	Sources() []harvest.SourceConfig
}

// RunReader reads run logs.
type RunReader interface {
	GetRun(ctx context.Context, id int64) (harvest.RunLog, error)
	ListRuns(ctx context.Context, adapter string, limit int) ([]harvest.RunLog, error)
}

// RobotsReviewer inspects and resets cached robots decisions.
type RobotsReviewer interface {
	Lookup(ctx context.Context, rawURL string) (harvest.RobotsDecision, bool, error)
	Refresh(ctx context.Context, rawURL string) (harvest.RobotsDecision, error)
	Invalidate(ctx context.Context, rawURL string) error
}

// Admission decides whether a client may submit another harvest now.
type Admission interface {
	Allow(key string) bool
	RetryAfter(key string) time.Duration
}

// Deps bundles the collaborators the handlers call.
type Deps struct {
	Harvester Harvester
	Catalog   Catalog
	Runs      RunReader
	Robots    RobotsReviewer
	Admission Admission
	// Ready reports downstream readiness; nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the harvest pipeline.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/adapters", s.listAdapters)
		r.Post("/harvests", s.submitHarvest)
		r.Get("/runs", s.listRuns)
		r.Get("/runs/{run_id}", s.getRun)
		r.Get("/robots", s.reviewRobots)
		r.Delete("/robots", s.invalidateRobots)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type adapterView struct {
	Key             string   `json:"key"`
	Name            string   `json:"name"`
	Publisher       string   `json:"publisher,omitempty"`
	BaseURL         string   `json:"base_url"`
	TermsURL        string   `json:"terms_url,omitempty"`
	ThrottleSeconds float64  `json:"throttle_seconds"`
	AllowedMIME     []string `json:"allowed_mime,omitempty"`
}

func (s *Server) listAdapters(w http.ResponseWriter, _ *http.Request) {
	sources := s.deps.Catalog.Sources()
	out := make([]adapterView, 0, len(sources))
	for _, src := range sources {
		out = append(out, adapterView{
			Key:             src.Key,
			Name:            src.Name,
			Publisher:       src.Publisher,
			BaseURL:         src.BaseURL,
			TermsURL:        src.TermsURL,
			ThrottleSeconds: src.Throttle.Seconds(),
			AllowedMIME:     src.AllowedMIME,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"adapters": out})
}

type harvestRequest struct {
	Adapter string            `json:"adapter"`
	Params  map[string]string `json:"params"`
}

func (s *Server) submitHarvest(w http.ResponseWriter, r *http.Request) {
	var req harvestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Adapter = strings.TrimSpace(req.Adapter)
	if req.Adapter == "" {
		s.writeError(w, http.StatusBadRequest, "adapter is required")
		return
	}
	if s.deps.Admission != nil {
		client := clientKey(r)
		if !s.deps.Admission.Allow(client) {
			metrics.ObserveAdmissionDenied()
			retry := int(math.Ceil(s.deps.Admission.RetryAfter(client).Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			s.writeError(w, http.StatusTooManyRequests, "harvest submission rate exceeded")
			return
		}
	}

	run, err := s.deps.Harvester.Run(r.Context(), req.Adapter, harvest.Params(req.Params))
	if err != nil {
		body := map[string]any{"error": err.Error(), "kind": harvest.KindLabel(err)}
		if run.ID != 0 {
			body["run"] = run
		}
		s.writeJSON(w, statusFor(err), body)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"run": run})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	runs, err := s.deps.Runs.ListRuns(r.Context(), r.URL.Query().Get("adapter"), limit)
	if err != nil {
		s.writeError(w, statusFor(err), "failed to list runs")
		return
	}
	if runs == nil {
		runs = []harvest.RunLog{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "run_id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "run_id must be a positive integer")
		return
	}
	run, err := s.deps.Runs.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, harvest.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) reviewRobots(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		decision, err := s.deps.Robots.Refresh(r.Context(), target)
		if err != nil {
			s.writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "kind": harvest.KindLabel(err)})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"decision": decision})
		return
	}
	decision, ok, err := s.deps.Robots.Lookup(r.Context(), target)
	if err != nil {
		s.writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "kind": harvest.KindLabel(err)})
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "no cached decision")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"decision": decision})
}

func (s *Server) invalidateRobots(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := s.deps.Robots.Invalidate(r.Context(), target); err != nil {
		s.writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "kind": harvest.KindLabel(err)})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps the harvest error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, harvest.ErrUnknownAdapter), errors.Is(err, harvest.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, harvest.ErrPolicyViolation), errors.Is(err, harvest.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, harvest.ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, harvest.ErrHarvestFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// clientKey identifies the submitter for admission. Only a key that passed
// authentication is trusted; everyone else is keyed by remote address.
func clientKey(r *http.Request) string {
	if key, ok := r.Context().Value(authenticatedKey{}).(string); ok && key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("panic", rec),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

type authenticatedKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeJSONTo(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authenticatedKey{}, key)))
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSONTo(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSONTo(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
