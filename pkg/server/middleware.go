package server

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nicktill/flightreduce/pkg/observability"
)

// RequestIDHeader carries a request's ID in both directions.
const RequestIDHeader = "X-Request-ID"

// slowRequestThreshold marks requests worth a log line. Uploads are
// excluded, they are expected to run long.
const slowRequestThreshold = 5 * time.Second

// requestMiddleware tags every request with an ID and records its status
// and latency per route template.
func requestMiddleware(metrics *observability.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 64 {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			elapsed := time.Since(start)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			metrics.HTTPRequest(r.Method, route, rw.statusCode, elapsed.Seconds())

			switch {
			case rw.statusCode >= 500:
				log.Printf("[%s] %s %s -> %d in %v", id, r.Method, r.URL.Path, rw.statusCode, elapsed.Round(time.Millisecond))
			case elapsed > slowRequestThreshold && r.Method != http.MethodPost:
				log.Printf("[%s] slow request %s %s took %v", id, r.Method, r.URL.Path, elapsed.Round(time.Millisecond))
			}
		})
	}
}

// responseWriter captures the status code. Hijack is passed through for
// the WebSocket upgrade.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
