package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/bigocheck/gateway/internal/errors"
	"github.com/bigocheck/gateway/internal/logging"
)

// Recovery converts handler panics into a 500 response. The panic value and
// stack stay in the logs; the client sees only the classified error.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logging.Error("Panic recovered",
						zap.Any("error", err),
						zap.ByteString("stack", debug.Stack()),
					)

					apiErr := errors.ErrInternalServer
					if reqID := RequestIDFromContext(r.Context()); reqID != "" {
						apiErr = apiErr.WithRequestID(reqID)
					}
					apiErr.WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
