package middleware

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

// LoggingOption configures the access log.
type LoggingOption func(*accessLog)

// SkipPaths suppresses access log lines for the given exact paths, such as
// health endpoints polled every few seconds.
func SkipPaths(paths ...string) LoggingOption {
	return func(a *accessLog) {
		for _, p := range paths {
			a.skip[p] = struct{}{}
		}
	}
}

type accessLog struct {
	logger observability.Logger
	skip   map[string]struct{}
}

// Logging writes one access log line per request. Server errors are
// logged at error level and client errors at warn. Only the path is
// logged: query strings may carry credentials.
func Logging(logger observability.Logger, opts ...LoggingOption) func(http.Handler) http.Handler {
	a := &accessLog{logger: logger, skip: make(map[string]struct{})}
	for _, opt := range opts {
		opt(a)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := a.skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			a.write(r, sw, time.Since(start))
		})
	}
}

func (a *accessLog) write(r *http.Request, sw *statusWriter, elapsed time.Duration) {
	log := a.logger.WithContext(r.Context())
	fields := []observability.Field{
		observability.String("method", r.Method),
		observability.String("path", r.URL.Path),
		observability.Int("status", sw.status),
		observability.Int("size", sw.size),
		observability.Duration("duration", elapsed),
		observability.String("remote_addr", r.RemoteAddr),
		observability.String("user_agent", r.UserAgent()),
	}

	switch {
	case sw.status >= http.StatusInternalServerError:
		log.Error("http request", fields...)
	case sw.status >= http.StatusBadRequest:
		log.Warn("http request", fields...)
	default:
		log.Info("http request", fields...)
	}
}

// statusWriter records the first status written and the body size.
type statusWriter struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
