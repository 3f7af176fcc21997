package transport

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/model"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	exposedHeaders      = headerCorrelationID + ", " + replayHeader
)

type (
	correlationKey struct{}
	tokenClaimsKey struct{}
)

// CorrelationIDFrom returns the ID assigned by RequestID.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// WithClaims attaches verified token claims to ctx.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, tokenClaimsKey{}, claims)
}

// ClaimsFrom returns the claims attached by the authenticator.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(tokenClaimsKey{}).(map[string]any)
	return claims
}

// Recovery turns a handler panic into a logged 500 with the standard
// error body.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("panic recovered",
					zap.Any("panic", v),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Stack("stacktrace"),
				)
				WriteError(w, model.NewInternalError())
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS answers preflight requests and decorates responses for the
// configured origins. Other origins get no CORS headers at all.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	allowed := slices.Clone(cfg.AllowedOrigins)
	granted := http.Header{}
	granted.Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
	granted.Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
	granted.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
	granted.Set("Access-Control-Expose-Headers", exposedHeaders)
	granted.Set("Vary", "Origin")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && slices.Contains(allowed, origin) {
				for k, v := range granted {
					w.Header()[k] = v
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID propagates the caller's X-Correlation-Id, minting a UUID when
// the header is absent.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

var securityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Cache-Control", "no-store"},
	{"Referrer-Policy", "no-referrer"},
}

// SecurityHeaders marks every response as non-cacheable and non-embeddable.
func SecurityHeaders(next http.Handler) http.Handler {
	for _, h := range securityHeaders {
		next = middleware.SetHeader(h[0], h[1])(next)
	}
	return next
}

// BuildRequestContextMiddleware turns verified claims into the caller's
// model.RequestContext. claimPaths maps subject_id, email and role to claim
// names, dotted for nested claims. Role comes from the token alone; request
// headers never contribute to it.
func BuildRequestContextMiddleware(claimPaths map[string]string) func(http.Handler) http.Handler {
	claimFor := func(field string) string {
		if p := claimPaths[field]; p != "" {
			return p
		}
		return field
	}
	subjectPath, emailPath, rolePath := claimFor("subject_id"), claimFor("email"), claimFor("role")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			claims := ClaimsFrom(ctx)
			caller := &model.RequestContext{
				SubjectID:     claimString(claims, subjectPath),
				Email:         claimString(claims, emailPath),
				Role:          claimString(claims, rolePath),
				Claims:        claims,
				CorrelationID: CorrelationIDFrom(ctx),
				TraceID:       observability.TraceIDFromContext(ctx),
				SpanID:        observability.SpanIDFromContext(ctx),
			}
			if caller.Validate() != nil {
				WriteError(w, model.NewUnauthorizedError("Token has no subject"))
				return
			}
			next.ServeHTTP(w, r.WithContext(model.WithRequestContext(ctx, caller)))
		})
	}
}

// HandlerTimeout bounds the request context by d. A non-positive d leaves
// the request unbounded.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	if d <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging puts a caller-tagged logger on the context and writes one
// "request" entry per response: error for 5xx, warn for 4xx, info otherwise.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			reqLogger := observability.RequestLogger(r.Context(), logger)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(observability.WithLogger(r.Context(), reqLogger)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := zap.InfoLevel
			switch {
			case status >= http.StatusInternalServerError:
				level = zap.ErrorLevel
			case status >= http.StatusBadRequest:
				level = zap.WarnLevel
			}
			reqLogger.Log(level, "request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(began)),
			)
		})
	}
}

// claimString walks a dotted path such as "realm_access.role" and returns
// the string found there, or "".
func claimString(claims map[string]any, path string) string {
	var node any = claims
	for part := range strings.SplitSeq(path, ".") {
		obj, ok := node.(map[string]any)
		if !ok {
			return ""
		}
		node = obj[part]
	}
	s, _ := node.(string)
	return s
}
