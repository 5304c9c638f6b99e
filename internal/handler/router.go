package handler

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/efreitasn/marketsim/internal/server"
	"github.com/efreitasn/marketsim/internal/service"
	"github.com/go-chi/chi/v5"
)

// ServerMonitor exposes the connection server's live state.
type ServerMonitor interface {
	Stats() server.Stats
	Sessions() []server.ClientInfo
}

// NewRouter creates the read-only admin API router. feed, when non-nil,
// is mounted at /feed.
func NewRouter(marketSvc *service.MarketService, monitor ServerMonitor, feed http.Handler, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogging(logger))

	marketH := NewMarketHandler(marketSvc)
	serverH := NewServerHandler(monitor)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Market routes.
	r.Get("/items", marketH.ListItems)
	r.Get("/sellers/{seller_id}/stock", marketH.GetStock)
	r.Get("/sellers/{seller_id}/history", marketH.GetHistory)

	// Server routes.
	r.Get("/sessions", serverH.ListSessions)
	r.Get("/stats", serverH.GetStats)

	if feed != nil {
		r.Get("/feed", feed.ServeHTTP)
	}

	return r
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
