package gateway

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/cmdcenter/internal/audit"
	"github.com/basket/cmdcenter/internal/bus"
	"github.com/basket/cmdcenter/internal/otel"
	"github.com/basket/cmdcenter/internal/ratelimit"
	"github.com/basket/cmdcenter/internal/store"
)

// requestIDContextKey is the context key type for request correlation ids.
type requestIDContextKey struct{}

// RequestIDMiddleware assigns every request a correlation id, honoring a
// caller-provided X-Request-ID. The id flows into audit entries and logs.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDContextKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request correlation id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return id
	}
	return ""
}

// RateLimitMiddleware enforces the per-client sliding window. Rejections are
// security-relevant: each one lands in the audit log and the event log.
type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	store   *store.Store
	audit   *audit.Logger
	metrics *otel.Metrics
	logger  *slog.Logger
}

// NewRateLimitMiddleware creates a rate limit middleware. A nil limiter
// disables limiting entirely.
func NewRateLimitMiddleware(limiter *ratelimit.Limiter, st *store.Store, auditLog *audit.Logger, metrics *otel.Metrics, logger *slog.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimitMiddleware{
		limiter: limiter,
		store:   st,
		audit:   auditLog,
		metrics: metrics,
		logger:  logger,
	}
}

// Wrap wraps an http.Handler with rate limiting.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if rl.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		// Bucket by token when present, else by source IP.
		key := ExtractToken(r)
		if key == "" {
			key = clientIP(r)
		}

		if !rl.limiter.Allow(key) {
			retryAfter := int(math.Ceil(rl.limiter.RetryAfter(key).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			rl.reject(r, key)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// reject records one rate-limit rejection across audit, events, and metrics.
func (rl *RateLimitMiddleware) reject(r *http.Request, key string) {
	ctx := r.Context()
	if rl.metrics != nil {
		rl.metrics.RateLimitRejects.Add(ctx, 1)
	}
	if rl.store != nil {
		if _, err := rl.store.PublishEvent(ctx, store.Event{
			Type:  bus.TopicSecurityRateLimit,
			Level: store.EventLevelWarn,
			Data:  map[string]any{"path": r.URL.Path, "client_ip": clientIP(r)},
		}); err != nil {
			rl.logger.Error("publish rate limit event", "error", err)
		}
	}
	if rl.audit != nil {
		if _, err := rl.audit.Append(ctx, audit.Entry{
			ActorType: audit.ActorUser,
			ActorIP:   clientIP(r),
			Action:    audit.ActionSecurityRateLimit,
			RequestID: RequestIDFromContext(ctx),
			Channel:   audit.ChannelAPI,
			Status:    audit.StatusDenied,
			Metadata:  map[string]any{"path": r.URL.Path},
		}); err != nil {
			rl.logger.Error("audit rate limit rejection", "error", err)
		}
	}
	rl.logger.Warn("rate limit exceeded", "path", r.URL.Path, "client_ip", clientIP(r))
}

// statusWriter captures the response status code for the request span.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// TracingMiddleware starts a span per request, recording the method, path,
// status code, and correlation id.
func TracingMiddleware(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tracer == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
					attribute.String("request.id", RequestIDFromContext(r.Context())),
				),
			)
			defer span.End()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", sw.status))
			if sw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(sw.status))
			}
		})
	}
}

// MetricsMiddleware records request durations.
func MetricsMiddleware(metrics *otel.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
		})
	}
}
