package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChrisB0-2/extension-guard/internal/logger"
)

// observe records request metrics by route pattern and writes an access
// log line whose level follows the status class. Handlers find a logger
// tagged with the request ID in the request context.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		reqLog := s.log
		if id := middleware.GetReqID(r.Context()); id != "" {
			reqLog = s.log.WithFields(logger.F("request_id", id))
			ww.Header().Set(middleware.RequestIDHeader, id)
		}
		r = r.WithContext(logger.NewContext(r.Context(), reqLog))

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		route := routePattern(r)
		s.metrics.ObserveHTTPRequest(r.Method, route, status, elapsed)

		log := reqLog.Info
		switch {
		case status >= http.StatusInternalServerError:
			log = reqLog.Error
		case status >= http.StatusBadRequest:
			log = reqLog.Warn
		}
		log("http request",
			logger.F("method", r.Method),
			logger.F("route", route),
			logger.F("path", r.URL.Path),
			logger.F("status", status),
			logger.F("bytes", ww.BytesWritten()),
			logger.F("duration_ms", elapsed.Milliseconds()),
			logger.F("client_ip", ClientIP(r)))
	})
}

// routePattern keeps the metric label set bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
