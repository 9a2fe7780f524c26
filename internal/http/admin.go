// Package httpadmin serves operator endpoints under /admin.
package httpadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/you/livechat-collector/internal/supervisor"
)

type Stopper interface {
	StopAll(ctx context.Context) map[string]supervisor.StopOutcome
}

type Pinger interface {
	Ping(ctx context.Context) error
	Kind() string
}

type Server struct {
	stop  Stopper
	store Pinger
}

// New returns the admin surface. store may be nil when the backend is not
// configured.
func New(stop Stopper, store Pinger) *Server { return &Server{stop: stop, store: store} }

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/collectors/stop_all", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		results := s.stop.StopAll(r.Context())
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{"stopped": results})
	})
	mux.HandleFunc("/admin/store/ping", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.store == nil {
			http.Error(w, "store not configured", http.StatusServiceUnavailable)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		start := time.Now()
		if err := s.store.Ping(ctx); err != nil {
			http.Error(w, "ping failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":         true,
			"store":      s.store.Kind(),
			"latency_ms": time.Since(start).Milliseconds(),
		})
	})
}
