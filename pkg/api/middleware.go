package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/classmind/kbengine/pkg/log"
	"github.com/classmind/kbengine/pkg/metrics"
)

type ctxKey int

const (
	ctxUser ctxKey = iota
	ctxLang
)

// tenant resolves the caller's identity from X-User-ID. Auth proper is
// an external collaborator; this is the development identity layer.
func (s *Server) tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "missing X-User-ID header",
			})
			return
		}
		ctx := context.WithValue(r.Context(), ctxUser, userID)
		ctx = context.WithValue(ctx, ctxLang, langFrom(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxUser).(string)
	return v
}

func langOf(ctx context.Context) string {
	v, _ := ctx.Value(ctxLang).(string)
	if v == "" {
		return "en"
	}
	return v
}

func langFrom(r *http.Request) string {
	accept := strings.ToLower(r.Header.Get("Accept-Language"))
	if strings.HasPrefix(accept, "zh") || strings.Contains(accept, ",zh") || strings.Contains(accept, " zh") {
		return "zh"
	}
	return "en"
}

// deadline bounds each request's context by the configured timeout.
// Streaming routes stay off this middleware so open streams are not
// cut short.
func (s *Server) deadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RequestTimeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

// Flush passes streaming support through to SSE handlers.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument records request counts, latency and an access log line
// keyed by the chi route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}

		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		log.WithComponent("api").Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
