package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Timeout caps request handling at the given duration. Handlers that overrun
// keep running on their goroutine with a cancelled context; the client gets a
// 504 unless the handler already started writing the response.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			dw := &deadlineWriter{inner: w}
			finished := make(chan struct{})
			go func() {
				defer close(finished)
				next.ServeHTTP(dw, r.WithContext(ctx))
			}()

			select {
			case <-finished:
			case <-ctx.Done():
				if dw.started() {
					return
				}
				slog.Warn("request timed out",
					"method", r.Method, "path", r.URL.Path, "timeout", timeout)
				http.Error(w, `{"error":"request timeout"}`, http.StatusGatewayTimeout)
			}
		})
	}
}

// deadlineWriter records whether any part of the response has gone out, so
// the timeout path knows when it is too late to replace the status code.
type deadlineWriter struct {
	inner http.ResponseWriter
	wrote atomic.Bool
}

func (d *deadlineWriter) started() bool { return d.wrote.Load() }

func (d *deadlineWriter) Header() http.Header { return d.inner.Header() }

func (d *deadlineWriter) WriteHeader(code int) {
	d.wrote.Store(true)
	d.inner.WriteHeader(code)
}

func (d *deadlineWriter) Write(b []byte) (int, error) {
	d.wrote.Store(true)
	return d.inner.Write(b)
}
