package middleware

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mwistrand/aussie/internal/logging"
)

var loggingRWPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

// LoggingConfig configures the access log middleware.
type LoggingConfig struct {
	// SkipPaths are paths that should not be logged, typically health
	// probes and the metrics scrape endpoint.
	SkipPaths []string
}

// Logging emits one structured access log line per request.
func Logging(cfg LoggingConfig) Middleware {
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			lrw := loggingRWPool.Get().(*loggingResponseWriter)
			lrw.ResponseWriter = w
			lrw.status = http.StatusOK
			lrw.bytes = 0
			lrw.hijacked = false

			next.ServeHTTP(lrw, r)

			fields := make([]zap.Field, 0, 8)
			fields = append(fields,
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("response_time", time.Since(start)),
			)
			if lrw.hijacked {
				// Hijacked connections (WebSocket upgrades) bypass the
				// ResponseWriter; status and bytes are meaningless.
				fields = append(fields, zap.Bool("hijacked", true))
			} else {
				fields = append(fields,
					zap.Int("status", lrw.status),
					zap.Int64("body_bytes", lrw.bytes),
				)
			}
			if q := r.URL.RawQuery; q != "" {
				fields = append(fields, zap.String("query", q))
			}
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String("user_agent", ua))
			}
			logging.Info("http request", fields...)

			lrw.ResponseWriter = nil
			loggingRWPool.Put(lrw)
		})
	}
}

// loggingResponseWriter captures status and bytes written. It passes Flush
// and Hijack through so streaming responses and upgrades keep working.
type loggingResponseWriter struct {
	http.ResponseWriter
	status   int
	bytes    int64
	hijacked bool
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	lrw.status = status
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}

func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	lrw.hijacked = true
	return h.Hijack()
}
