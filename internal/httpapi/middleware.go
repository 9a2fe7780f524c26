package httpapi

import (
	"compress/gzip"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// requestID returns the caller's X-Request-ID when it looks sane, otherwise
// a fresh UUID.
func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(requestIDHeader)); id != "" && len(id) <= 128 {
		return id
	}
	return uuid.NewString()
}

// clientIP is the first X-Forwarded-For hop, or the peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// statusRecorder sits outermost so metrics and the access log see what the
// handler wrote, compressed or not.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// baseWriter returns the connection's own writer, which the WebSocket
// upgrade needs for http.Hijacker.
func baseWriter(w http.ResponseWriter) http.ResponseWriter {
	for {
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return w
		}
		w = u.Unwrap()
	}
}

type gzipWriter struct {
	http.ResponseWriter
	zw *gzip.Writer
}

func (g *gzipWriter) Write(b []byte) (int, error) { return g.zw.Write(b) }

func (g *gzipWriter) Flush() {
	_ = g.zw.Flush()
	if f, ok := g.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (g *gzipWriter) Unwrap() http.ResponseWriter { return g.ResponseWriter }

// wantsGzip skips upgrades, event streams and /metrics (promhttp negotiates
// its own encoding).
func wantsGzip(r *http.Request) bool {
	switch {
	case !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip"):
		return false
	case r.Header.Get("Upgrade") != "":
		return false
	case strings.Contains(r.Header.Get("Accept"), "text/event-stream"),
		strings.HasPrefix(r.URL.Path, "/stream/"):
		return false
	case r.URL.Path == "/metrics":
		return false
	}
	return true
}

// compress routes rec's output through gzip when the client accepts it. The
// returned func terminates the stream.
func compress(rec *statusRecorder, r *http.Request) func() {
	if !wantsGzip(r) {
		return func() {}
	}
	h := rec.Header()
	h.Set("Content-Encoding", "gzip")
	h.Add("Vary", "Accept-Encoding")
	h.Del("Content-Length")
	zw := gzip.NewWriter(rec.ResponseWriter)
	rec.ResponseWriter = &gzipWriter{ResponseWriter: rec.ResponseWriter, zw: zw}
	return func() { _ = zw.Close() }
}
