package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTPProtocolMiddleware keeps browsers off HTTP/3 so the event stream
// survives proxies that break QUIC
func HTTPProtocolMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Alt-Svc", "clear")

		if strings.HasPrefix(r.URL.Path, "/events") {
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Force-HTTP1", "true")
			w.Header().Set("Upgrade", "")
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps the wrapped writer usable for streaming
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger logs every request except health probes
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health/") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.Debug().
			Str("module", "http").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

// WrapMuxWithMiddleware wraps an HTTP mux with the protocol and logging middleware
func WrapMuxWithMiddleware(mux *http.ServeMux) http.Handler {
	return HTTPProtocolMiddleware(RequestLogger(mux))
}
