package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/TimurManjosov/flaggate/internal/validation"
)

// maxRequestBodySize limits flag update bodies.
const maxRequestBodySize = 1 << 20

// ===== HTTP Helpers =====

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// weakETag derives a weak entity tag from a response body.
func weakETag(body []byte) string {
	return `W/"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
}

// readBody reads a bounded request body. It writes the error response itself
// and reports whether the handler may continue.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			RequestTooLargeError(w, r, "Request body must not exceed 1 MiB")
			return nil, false
		}
		BadRequestErrorWithFields(w, r, ErrCodeBadRequest, "Could not read request body", nil)
		return nil, false
	}
	return body, true
}

// pathParams reads and validates the named URL parameters. It writes a 400
// and returns false when any of them is not a valid path segment.
func pathParams(w http.ResponseWriter, r *http.Request, names ...string) ([]string, bool) {
	values := make([]string, len(names))
	result := validation.NewValidationResult()
	for i, name := range names {
		values[i] = chi.URLParam(r, name)
		result.Merge(validation.ValidateName(name, values[i]))
	}
	if !result.Valid {
		BadRequestErrorWithFields(w, r, ErrCodeInvalidPath, "Invalid path parameters", result.Errors)
		return nil, false
	}
	return values, true
}

// requestLogger logs one line per request with zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			switch {
			case ww.Status() >= 500:
				logger.Warn("request failed", fields...)
			default:
				logger.Info("request", fields...)
			}
		})
	}
}
