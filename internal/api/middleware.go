package api

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// responseWriter wraps http.ResponseWriter to capture status codes
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// requestMiddleware tags every request with an ID, recovers panics and
// logs failed requests.
func requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = ulid.Make().String()
		}
		w.Header().Set(requestIDHeader, requestID)
		r = r.WithContext(logging.ContextWithRequestID(r.Context(), requestID))

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				log.Error("panic in handler",
					"path", r.URL.Path,
					"request_id", requestID,
					"panic", p,
					"stack", string(debug.Stack()))
				if !rw.written {
					writeError(rw, errors.ErrInternal)
				}
			}

			if rw.statusCode >= 400 {
				log.Warn("request failed",
					"path", r.URL.Path,
					"method", r.Method,
					"status", rw.statusCode,
					"request_id", requestID,
					"elapsed", time.Since(start))
			}
		}()

		next.ServeHTTP(rw, r)
	})
}
