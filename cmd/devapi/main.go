// Command devapi serves the read side of the control API over a local store
// and accepts synthetic chat messages on POST /emit, so the live tail and
// queries can be exercised without a real stream.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/you/livechat-collector/internal/chatlog"
	"github.com/you/livechat-collector/internal/core"
	"github.com/you/livechat-collector/internal/httpapi"
	"github.com/you/livechat-collector/internal/ingesttrace"
	"github.com/you/livechat-collector/internal/reconcile"
	"github.com/you/livechat-collector/internal/sink"
	"github.com/you/livechat-collector/internal/store"
	"github.com/you/livechat-collector/internal/telemetry"
)

type emitReq struct {
	VideoID   string    `json:"video_id"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	SuperChat string    `json:"superChat,omitempty"`
	Ts        time.Time `json:"ts,omitempty"`
}

// streams lazily opens one log file and sink per video id.
type streams struct {
	mu     sync.Mutex
	dir    string
	st     store.Store
	api    *httpapi.Server
	trace  map[string]*ingesttrace.RunTrace
	sinks  map[string]sink.Writer
	closer []*chatlog.Writer
}

func (s *streams) writer(videoID string) (sink.Writer, *ingesttrace.RunTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.sinks[videoID]; ok {
		return w, s.trace[videoID], nil
	}
	lw, err := chatlog.Create(filepath.Join(s.dir, chatlog.FileName(videoID, time.Now())))
	if err != nil {
		return nil, nil, err
	}
	s.closer = append(s.closer, lw)
	w := sink.WithAPI(sink.NewMessageSink(lw, s.st, videoID, sink.Options{}), s.api)
	s.sinks[videoID] = w
	s.trace[videoID] = ingesttrace.NewRunTrace(videoID, "devapi")
	return w, s.trace[videoID], nil
}

func (s *streams) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lw := range s.closer {
		_ = lw.Close()
	}
	for _, tr := range s.trace {
		tr.LogSummary(nil, "devapi stream summary")
	}
}

func main() {
	telemetry.ConfigureLogging(os.Stderr)

	var (
		addr     string
		storeURI string
		logDir   string
	)
	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.StringVar(&storeURI, "store", "sqlite:devapi.db", "Store URI")
	flag.StringVar(&logDir, "log-dir", "devapi_logs", "Chat log directory")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, storeURI, "devapi")
	if err != nil {
		log.Fatalf("devapi: open store: %v", err)
	}
	defer st.Close(context.Background())
	if err := st.Ping(ctx); err != nil {
		log.Fatalf("devapi: ping: %v", err)
	}

	api := httpapi.New(httpapi.Deps{
		Reconciler: &reconcile.Reconciler{Store: st, LogDir: logDir},
		Store:      st,
		LogDir:     logDir,
	}, httpapi.Options{Addr: addr, EnableMetrics: true, Build: httpapi.CurrentBuild()})

	ss := &streams{
		dir:   logDir,
		st:    st,
		api:   api,
		trace: make(map[string]*ingesttrace.RunTrace),
		sinks: make(map[string]sink.Writer),
	}
	defer ss.close()

	api.Mux().HandleFunc("POST /emit", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req emitReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.VideoID == "" || req.Author == "" || req.Message == "" {
			http.Error(w, "video_id, author, message required", http.StatusBadRequest)
			return
		}
		if req.Ts.IsZero() {
			req.Ts = time.Now()
		}
		msg := core.ChatMessage{
			StreamID:  req.VideoID,
			Timestamp: core.FormatTimestamp(req.Ts),
			Author:    req.Author,
			Text:      req.Message,
			SuperChat: req.SuperChat,
		}
		writer, run, err := ss.writer(req.VideoID)
		if err != nil {
			http.Error(w, "open log: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if err := writer.Write(msg, ingesttrace.NewMessageTrace(run, msg)); err != nil {
			http.Error(w, "write failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "message": msg})
	})

	log.Printf("devapi listening on %s (store=%s, logs=%s)", addr, st.Kind(), logDir)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = api.Shutdown(shutdownCtx)
	}()
	if err := api.Start(); err != nil {
		log.Fatal(err)
	}
}
