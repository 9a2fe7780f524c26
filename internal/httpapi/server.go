// Package httpapi is the control surface: collector lifecycle, log and store
// queries, reconciliation, and a live tail of collected messages.
package httpapi

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/you/livechat-collector/internal/core"
	"github.com/you/livechat-collector/internal/reconcile"
	"github.com/you/livechat-collector/internal/store"
	"github.com/you/livechat-collector/internal/supervisor"
	"github.com/you/livechat-collector/internal/tail"
	"github.com/you/livechat-collector/internal/telemetry"
)

type Supervisor interface {
	Start(ctx context.Context, streamID string) (supervisor.StartResult, error)
	Stop(ctx context.Context, streamID string) (supervisor.StopResult, error)
	List() map[string]int
	Runs() []supervisor.Run
}

type Reconciler interface {
	ImportLogToStore(ctx context.Context, streamID, runID string) (reconcile.ImportResult, error)
	FetchLatestLogAsRecords(ctx context.Context, streamID, runID string) ([]core.TimedRecord, error)
}

// Deps are the components the handlers drive.
type Deps struct {
	Supervisor Supervisor
	Reconciler Reconciler
	Store      store.Store
	LogDir     string
}

type Options struct {
	Addr            string
	CORSOrigins     []string
	RateLimitRPS    int
	RateLimitBurst  int
	EnableMetrics   bool
	EnableAccessLog bool
	Build           BuildInfo
	ConfigSnapshot  map[string]any
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	deps       Deps
	opts       Options
	metrics    *Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy

	mu      sync.Mutex
	clients map[*liveClient]struct{}
	closed  bool
}

func New(deps Deps, opts Options) *Server {
	srv := &Server{
		mux:     http.NewServeMux(),
		deps:    deps,
		opts:    opts,
		limiter: newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
		clients: make(map[*liveClient]struct{}),
	}
	if opts.EnableMetrics {
		srv.metrics = newMetrics(func() int {
			if deps.Supervisor == nil {
				return 0
			}
			return len(deps.Supervisor.List())
		})
	}

	mux := srv.mux
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("GET /info", srv.handleInfo)
	mux.HandleFunc("GET /config", srv.handleConfig)
	if srv.metrics != nil {
		mux.Handle("GET /metrics", srv.metrics.Handler())
	}

	// Routes whose component is absent are left unregistered (devapi runs
	// without a supervisor).
	if deps.Supervisor != nil {
		mux.HandleFunc("POST /start_chat/{video_id}", srv.handleStart)
		mux.HandleFunc("POST /stop_chat/{video_id}", srv.handleStop)
		mux.HandleFunc("GET /running_collectors", srv.handleRunning)
		mux.HandleFunc("GET /runs", srv.handleRuns)
	}
	mux.HandleFunc("GET /chat_logs", srv.handleChatLogs)
	mux.HandleFunc("GET /chat_log/{filename}", srv.handleChatLog)
	mux.HandleFunc("GET /messages/{video_id}", srv.handleMessages)
	mux.HandleFunc("POST /analyze/{video_id}", srv.handleAnalyze)
	if deps.Reconciler != nil {
		mux.HandleFunc("GET /chat_log_messages/{video_id}", srv.handleChatLogMessages)
		mux.HandleFunc("POST /import_csv_to_mongo/{video_id}", srv.handleImport)
	}

	mux.HandleFunc("GET /stream/{video_id}", srv.handleStream)
	mux.HandleFunc("GET /ws/{video_id}", srv.handleWS)

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Mux exposes the router so other surfaces (admin) can register on it.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// ServeHTTP applies request ids, CORS, rate limiting, gzip, metrics and the
// access log around the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}

	id := requestID(r)
	rec.Header().Set(requestIDHeader, id)
	r = r.WithContext(telemetry.WithRequestID(r.Context(), id))

	defer func() {
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(route, r.Method, rec.Status(), time.Since(start))
		if s.opts.EnableAccessLog {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.Status(),
				"bytes", rec.written,
				"dur_ms", time.Since(start).Milliseconds(),
				"remote", clientIP(r),
				"request_id", id,
			)
		}
	}()

	if s.cors.handlePreflight(rec, r) {
		return
	}
	s.cors.annotate(rec, r)
	if !s.limiter.Allow(clientIP(r)) {
		s.metrics.IncRateLimited()
		writeJSON(rec, http.StatusTooManyRequests, detail("rate limit exceeded"))
		return
	}
	defer compress(rec, r)()
	s.mux.ServeHTTP(rec, r)
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		close(c.ch)
	}
	s.clients = make(map[*liveClient]struct{})
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

// Follow feeds rows appended to any log file into the live tail until ctx is
// done.
func (s *Server) Follow(ctx context.Context, f *tail.Follower) {
	events, cancel := f.Subscribe("")
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Broadcast(core.ChatMessage{
				StreamID:  ev.StreamID,
				Timestamp: ev.Record.Datetime,
				Author:    ev.Record.Author,
				Text:      ev.Record.Message,
				SuperChat: ev.Record.SuperChat,
			})
		}
	}
}
