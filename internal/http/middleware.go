package httpapi

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/quickrun-notify/internal/observability"
)

type contextKey string

const requestMetaKey contextKey = "request-meta"

// requestMeta is shared by every layer handling one request. Inner
// middleware fills in what the access log reports.
type requestMeta struct {
	id  string
	uid string
}

// InternalTokenHeader carries the shared secret for /internal routes.
const InternalTokenHeader = "X-Internal-Token"

// Route surfaces, used as a log attribute.
const (
	surfaceWebhook  = "webhook"
	surfaceCallable = "callable"
	surfaceInternal = "internal"
	surfacePush     = "ws"
	surfaceOps      = "ops"
)

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.requestIDMiddleware)
	s.mux.Use(s.observabilityMiddleware)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestMetaKey, &requestMeta{id: reqID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// observabilityMiddleware records route metrics and one access line per
// request. Health and metrics scrapes log at debug.
func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := routeTemplate(r)
		status := strconv.Itoa(ww.status)
		elapsed := time.Since(start)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		surface := routeSurface(route)
		args := []any{
			"surface", surface,
			"method", r.Method,
			"route", route,
			"status", ww.status,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", remoteIP(r),
			"request_id", requestIDFromContext(r.Context()),
		}
		if uid := callerUID(r.Context()); uid != "" {
			args = append(args, "uid", uid)
		}
		switch {
		case surface == surfaceOps:
			s.logger.Debug("http_request", args...)
		case ww.status >= http.StatusInternalServerError:
			s.logger.Error("http_request", args...)
		default:
			s.logger.Info("http_request", args...)
		}
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "error", rec, "route", routeTemplate(r), "stack", string(debug.Stack()))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// callableAuthMiddleware verifies an optional Firebase ID token on callable
// routes. An absent token is allowed; an invalid one gets UNAUTHENTICATED.
func (s *Server) callableAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" || s.deps.Tokens == nil {
			next.ServeHTTP(w, r)
			return
		}
		id, err := s.deps.Tokens.VerifyIDToken(r.Context(), tok)
		if err != nil {
			s.logger.Warn("callable token rejected", "route", routeTemplate(r), "error", err)
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": callableError{Status: "UNAUTHENTICATED", Message: "Unauthenticated"},
			})
			return
		}
		if m := metaFromContext(r.Context()); m != nil {
			m.uid = id.UID
		}
		next.ServeHTTP(w, r)
	})
}

// internalAuthMiddleware guards service-to-service routes with a shared
// token when one is configured.
func (s *Server) internalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.deps.InternalToken
		if want != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(InternalTokenHeader)), []byte(want)) != 1 {
			s.logger.Warn("internal call rejected", "route", routeTemplate(r), "remote_addr", remoteIP(r))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades through the wrapper.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(requestMetaKey).(*requestMeta)
	return m
}

func requestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.id
	}
	return ""
}

func callerUID(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.uid
	}
	return ""
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func routeSurface(route string) string {
	switch {
	case strings.HasPrefix(route, "/webhooks/"):
		return surfaceWebhook
	case strings.HasPrefix(route, "/callable/"):
		return surfaceCallable
	case strings.HasPrefix(route, "/internal/"):
		return surfaceInternal
	case strings.HasPrefix(route, "/ws/"):
		return surfacePush
	default:
		return surfaceOps
	}
}

func remoteIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		first, _, _ := strings.Cut(ip, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
