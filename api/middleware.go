package api

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/0xShortx/CroGas/log"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.statusCode == 0 {
		rw.statusCode = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}
	return rw.ResponseWriter.Write(b)
}

// loggingMiddleware provides request/response logging for debugging. Bodies
// are only captured at debug level and truncated to maxBodyLog bytes; the
// X-Payment header is never logged since it carries a live authorization.
func loggingMiddleware(maxBodyLog int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if log.Level() != log.LogLevelDebug {
				next.ServeHTTP(w, r)
				return
			}

			var bodySnippet string
			if r.Body != nil && r.ContentLength != 0 {
				body, err := io.ReadAll(io.LimitReader(r.Body, int64(maxBodyLog)+1))
				if err == nil {
					rest, _ := io.ReadAll(r.Body)
					full := append(body, rest...)
					r.Body = io.NopCloser(bytes.NewReader(full))
					if len(body) > maxBodyLog {
						body = append(body[:maxBodyLog], []byte("…")...)
					}
					bodySnippet = string(body)
				}
			}

			rw := &responseWriter{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(rw, r)

			log.Debugw("api request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"duration", time.Since(start).String(),
				"hasPayment", r.Header.Get("X-Payment") != "",
				"body", bodySnippet)
		})
	}
}
