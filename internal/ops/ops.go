// Package ops serves the read-only operations API around a running
// middleware: health, stats, pricing, audit exports, a live event
// stream and prometheus metrics. It carries no auth; bind it to
// loopback unless the network is trusted.
package ops

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amerfu/spendgate/internal/config"
	"github.com/amerfu/spendgate/internal/metrics"
	"github.com/amerfu/spendgate/pkg/spendgate"
)

func NewRouter(cfg *config.Config, logger *zap.Logger, mw *spendgate.Middleware) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	h := &handlers{mw: mw, logger: logger}
	r.Get("/healthz", h.Health)
	r.Get("/stats", h.Stats)
	r.Get("/pricing", h.Pricing)
	r.Get("/audit/export", h.AuditExport)
	r.Get("/events", h.Events)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// requestLogger logs one line per request and feeds the http request
// series. Health and metrics probes are skipped to keep the log
// readable under scraping.
func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := newResponseWriter(w)

			defer func() {
				endpoint := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					if pattern := rctx.RoutePattern(); pattern != "" {
						endpoint = pattern
					}
				}
				metrics.RecordHTTPRequest(r.Method, endpoint, ww.StatusCode(), time.Since(start))
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.StatusCode()),
					zap.Duration("duration", time.Since(start)),
					zap.String("remote", r.RemoteAddr),
					zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// responseWriter captures the status code while keeping the Flusher
// and Hijacker interfaces reachable; the websocket upgrade on /events
// needs Hijack through the middleware chain.
type responseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

func (w *responseWriter) StatusCode() int {
	return w.status
}
