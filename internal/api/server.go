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
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcrawler/internal/config"
	"github.com/JakeFAU/feedcrawler/internal/crawler"
	"github.com/JakeFAU/feedcrawler/internal/metrics"
	"github.com/JakeFAU/feedcrawler/internal/proxy"
	"github.com/JakeFAU/feedcrawler/internal/scheduler"
)

const requestTimeout = 2 * time.Minute

// Scheduler is the slice of *scheduler.Scheduler the handlers use.
type Scheduler interface {
	IsRunning() bool
	GetSchedulerStats() scheduler.Stats
	GetJobStatus() []scheduler.JobInfo
	PauseJob(jobID string) error
	ResumeJob(jobID string) error
	TriggerImmediateCrawl(ctx context.Context, sourceID int64) crawler.CrawlResult
}

// Proxies is the slice of *proxy.Manager the handlers use.
type Proxies interface {
	GetProxyStats() proxy.Stats
	HealthCheckProxies(ctx context.Context) (proxy.HealthReport, error)
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server wires HTTP handlers to the scheduler and proxy pool.
type Server struct {
	router    chi.Router
	scheduler Scheduler
	proxies   Proxies
	checks    []ReadinessCheck
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	sched Scheduler,
	proxies Proxies,
	cfg config.Config,
	logger *zap.Logger,
	checks ...ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scheduler: sched,
		proxies:   proxies,
		checks:    checks,
		logger:    logger.Named("api"),
	}
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
		r.Get("/scheduler", s.schedulerStats)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/{job_id}/pause", s.pauseJob)
			r.Post("/{job_id}/resume", s.resumeJob)
		})
		r.Post("/sources/{source_id}/crawl", s.crawlSource)
		r.Route("/proxies", func(r chi.Router) {
			r.Get("/", s.proxyStats)
			r.Post("/health-check", s.healthCheck)
		})
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
	failing := map[string]string{}
	for _, c := range s.checks {
		if err := c.Check(r.Context()); err != nil {
			failing[c.Name] = err.Error()
		}
	}
	if len(failing) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failing})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"scheduler_running": s.scheduler.IsRunning(),
	})
}

func (s *Server) schedulerStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scheduler.GetSchedulerStats())
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": s.scheduler.GetJobStatus()})
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.toggleJob(w, chi.URLParam(r, "job_id"), "paused", s.scheduler.PauseJob)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.toggleJob(w, chi.URLParam(r, "job_id"), "resumed", s.scheduler.ResumeJob)
}

func (s *Server) toggleJob(w http.ResponseWriter, jobID, status string, op func(string) error) {
	if err := op(jobID); err != nil {
		if errors.Is(err, crawler.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": status})
}

func (s *Server) crawlSource(w http.ResponseWriter, r *http.Request) {
	sourceID, err := strconv.ParseInt(chi.URLParam(r, "source_id"), 10, 64)
	if err != nil || sourceID <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	result := s.scheduler.TriggerImmediateCrawl(r.Context(), sourceID)
	if errors.Is(result.Err, crawler.ErrSourceNotFound) {
		s.writeError(w, http.StatusNotFound, "source not found")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) proxyStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.proxies.GetProxyStats())
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	report, err := s.proxies.HealthCheckProxies(r.Context())
	switch {
	case errors.Is(err, proxy.ErrHealthCheckRunning):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, report)
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

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				_ = writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := writeJSON(w, status, payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
