package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/you/livechat-collector/internal/chatlog"
	"github.com/you/livechat-collector/internal/core"
)

type errorBody struct {
	Detail string `json:"detail"`
}

func detail(msg string) errorBody { return errorBody{Detail: msg} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, core.ErrStore) {
		s.metrics.IncStoreErrors()
	}
	writeJSON(w, statusFor(err), detail(core.Reason(err)))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	snap := s.opts.ConfigSnapshot
	if snap == nil {
		snap = map[string]any{}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("video_id")
	res, err := s.deps.Supervisor.Start(r.Context(), id)
	if err != nil {
		s.metrics.CollectorOp("start", "error")
		s.writeError(w, err)
		return
	}
	s.metrics.CollectorOp("start", res.Status)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("video_id")
	res, err := s.deps.Supervisor.Stop(r.Context(), id)
	if err != nil {
		outcome := "error"
		if errors.Is(err, core.ErrNotFound) {
			outcome = "not_found"
		}
		s.metrics.CollectorOp("stop", outcome)
		s.writeError(w, err)
		return
	}
	s.metrics.CollectorOp("stop", res.Status)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunning(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running_collectors": s.deps.Supervisor.List()})
}

func (s *Server) handleRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.deps.Supervisor.Runs()})
}

// handleChatLogs lists log file names. A listing failure yields an empty list.
func (s *Server) handleChatLogs(w http.ResponseWriter, _ *http.Request) {
	names, err := chatlog.ListLogFiles(s.deps.LogDir)
	if err != nil {
		log.Printf("httpapi: list chat logs: %v", err)
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleChatLog(w http.ResponseWriter, r *http.Request) {
	path, err := chatlog.Resolve(s.deps.LogDir, r.PathValue("filename"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, detail("File not found"))
		return
	}
	rows, err := chatlog.ReadRecords(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(w, http.StatusNotFound, detail("File not found"))
			return
		}
		log.Printf("httpapi: read %s: %v", path, err)
		writeJSON(w, http.StatusInternalServerError, detail("Error reading file"))
		return
	}
	if rows == nil {
		rows = []core.LogRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": rows})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("video_id")
	filter, err := FiltersFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.deps.Store == nil {
		writeJSON(w, http.StatusInternalServerError, detail("store unavailable"))
		return
	}
	msgs, err := s.deps.Store.Find(r.Context(), core.CollectionName(id), filter)
	if err != nil {
		log.Printf("httpapi: find messages for %s: %v", id, err)
		s.metrics.IncStoreErrors()
		writeJSON(w, http.StatusInternalServerError, detail("Error fetching messages"))
		return
	}
	if msgs == nil {
		msgs = []core.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type analyzeResponse struct {
	VideoID        string `json:"video_id"`
	MessageCount   int64  `json:"message_count"`
	AnalysisStatus string `json:"analysis_status"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("video_id")
	if s.deps.Store == nil {
		writeJSON(w, http.StatusInternalServerError, detail("Error analyzing messages"))
		return
	}
	n, err := s.deps.Store.Count(r.Context(), core.CollectionName(id))
	if err != nil {
		log.Printf("httpapi: count messages for %s: %v", id, err)
		s.metrics.IncStoreErrors()
		writeJSON(w, http.StatusInternalServerError, detail("Error analyzing messages"))
		return
	}
	writeJSON(w, http.StatusOK, analyzeResponse{
		VideoID:        id,
		MessageCount:   n,
		AnalysisStatus: "Placeholder: analysis not yet implemented",
	})
}

func (s *Server) handleChatLogMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("video_id")
	recs, err := s.deps.Reconciler.FetchLatestLogAsRecords(r.Context(), id, r.URL.Query().Get("run_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": recs})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("video_id")
	res, err := s.deps.Reconciler.ImportLogToStore(r.Context(), id, r.URL.Query().Get("run_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.AddImported(res.InsertedCount)
	writeJSON(w, http.StatusOK, res)
}
