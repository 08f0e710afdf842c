package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
	"github.com/JakeFAU/novel-crawler/internal/metrics"
	"github.com/JakeFAU/novel-crawler/internal/orchestrator"
	"github.com/JakeFAU/novel-crawler/internal/progress"
)

// Service is the orchestrator surface the API needs.
type Service interface {
	Sites() []string
	Info(ctx context.Context, site string) (crawler.SiteStats, error)
	Book(ctx context.Context, site string, num int) (crawler.BookRecord, error)
	Search(ctx context.Context, site, title, writer string, page int) ([]crawler.BookRecord, error)
	Launch(ctx context.Context, sweep orchestrator.Sweep, site string, opts orchestrator.Options) (string, error)
}

// Config tunes the HTTP layer.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	InfoCacheSize  int
	InfoCacheTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.InfoCacheSize <= 0 {
		c.InfoCacheSize = 128
	}
	if c.InfoCacheTTL <= 0 {
		c.InfoCacheTTL = 30 * time.Second
	}
	return c
}

// Server wires HTTP handlers to the orchestrator and run repository.
type Server struct {
	router chi.Router
	svc    Service
	runs   *RunHandler
	info   *expirable.LRU[string, crawler.SiteStats]
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. runs may be nil,
// in which case the run endpoints answer 503.
func NewServer(svc Service, runs progress.RunRepository, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	s := &Server{
		svc:    svc,
		runs:   NewRunHandler(runs, logger),
		info:   expirable.NewLRU[string, crawler.SiteStats](cfg.InfoCacheSize, nil, cfg.InfoCacheTTL),
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/sites", s.listSites)
		r.Route("/sites/{site}", func(r chi.Router) {
			r.Get("/info", s.siteInfo)
			r.Get("/books/{num}", s.getBook)
			r.Get("/search", s.search)
			r.Post("/sweeps/{kind}", s.launchSweep)
		})
		r.Get("/runs", s.runs.ListRuns)
		r.Get("/runs/{run_id}", s.runs.GetRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.svc == nil || len(s.svc.Sites()) == 0 {
		writeError(w, http.StatusServiceUnavailable, "no sites configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSites(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sites": s.svc.Sites()})
}

func (s *Server) siteInfo(w http.ResponseWriter, r *http.Request) {
	site := crawler.NormalizeSite(chi.URLParam(r, "site"))
	if stats, ok := s.info.Get(site); ok {
		writeJSON(w, http.StatusOK, stats)
		return
	}
	stats, err := s.svc.Info(r.Context(), site)
	if err != nil {
		s.writeServiceError(w, "site info", err)
		return
	}
	s.info.Add(site, stats)
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	num, err := strconv.Atoi(chi.URLParam(r, "num"))
	if err != nil || num <= 0 {
		writeError(w, http.StatusBadRequest, "invalid book number")
		return
	}
	rec, err := s.svc.Book(r.Context(), chi.URLParam(r, "site"), num)
	if err != nil {
		s.writeServiceError(w, "get book", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := 1
	if raw := q.Get("page"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 1 {
			writeError(w, http.StatusBadRequest, "invalid page")
			return
		}
		page = val
	}
	books, err := s.svc.Search(r.Context(), chi.URLParam(r, "site"), q.Get("title"), q.Get("writer"), page)
	if err != nil {
		s.writeServiceError(w, "search", err)
		return
	}
	if books == nil {
		books = []crawler.BookRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": page, "books": books})
}

func (s *Server) launchSweep(w http.ResponseWriter, r *http.Request) {
	sweep, ok := orchestrator.ParseSweep(chi.URLParam(r, "kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown sweep")
		return
	}
	opts, err := sweepOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	site := chi.URLParam(r, "site")
	runID, err := s.svc.Launch(r.Context(), sweep, site, opts)
	if err != nil {
		s.writeServiceError(w, "launch sweep", err)
		return
	}
	s.info.Remove(crawler.NormalizeSite(site))
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "sweep": string(sweep)})
}

func sweepOptions(r *http.Request) (orchestrator.Options, error) {
	q := r.URL.Query()
	var opts orchestrator.Options
	if raw := q.Get("start"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 1 {
			return opts, errors.New("invalid start")
		}
		opts.StartNum = val
	}
	if raw := q.Get("max_errors"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 1 {
			return opts, errors.New("invalid max_errors")
		}
		opts.MaxErrors = val
	}
	if raw := q.Get("all"); raw != "" {
		val, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, errors.New("invalid all")
		}
		opts.All = val
	}
	return opts, nil
}

func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, crawler.ErrUnknownSite):
		writeError(w, http.StatusNotFound, "site not found")
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "book not found")
	case errors.Is(err, orchestrator.ErrSweepRunning):
		writeError(w, http.StatusConflict, "sweep already running")
	case errors.Is(err, orchestrator.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
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

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
