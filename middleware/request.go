package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/upb/agent-telemetry/internal/observability"
	"github.com/upb/agent-telemetry/utils"
)

// RequestLogger writes one log line per request. The wrapped writer keeps
// http.Hijacker so websocket upgrades pass through.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("request_id", GetRequestIDFromContext(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if claims := GetClaimsFromContext(r.Context()); claims != nil {
				fields = append(fields, zap.String("email", claims.Email))
			}

			switch {
			case status >= http.StatusInternalServerError:
				logger.Error("request completed", fields...)
			case status >= http.StatusBadRequest:
				logger.Warn("request completed", fields...)
			default:
				logger.Info("request completed", fields...)
			}
		})
	}
}

// Limiter is the per-key throttle used by RateLimit
type Limiter interface {
	Allow(key string) bool
	RetryAfter(key string) time.Duration
}

// RateLimit rejects requests from a client IP that has run out of tokens.
// Run chi's RealIP first so proxied clients are keyed correctly.
func RateLimit(limiter Limiter, metrics *observability.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !limiter.Allow(ip) {
				retry := limiter.RetryAfter(ip)
				seconds := int(math.Ceil(retry.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				if metrics != nil {
					metrics.LoginAttempts.WithLabelValues("throttled").Inc()
				}
				logger.Warn("rate limit exceeded",
					zap.String("request_id", GetRequestIDFromContext(r.Context())),
					zap.String("client_ip", ip),
					zap.String("path", r.URL.Path))

				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				_ = utils.WriteTooManyRequests(w, "Too many attempts, slow down",
					map[string]interface{}{"retry_after_seconds": seconds})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
