package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	gwerrors "github.com/mwistrand/aussie/internal/errors"
	"github.com/mwistrand/aussie/internal/logging"
)

// Recovery converts handler panics into 500 responses. The stack is logged,
// never sent to the client.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logging.Error("panic recovered",
						zap.Any("error", err),
						zap.String("request_id", RequestIDFromContext(r.Context())),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					gwerrors.ErrInternal.WriteProblem(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
