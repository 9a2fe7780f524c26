package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/you/livechat-collector/internal/version"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

// CurrentBuild reads the ldflags-injected version metadata.
func CurrentBuild() BuildInfo {
	return BuildInfo{Version: version.Version, Revision: version.Commit, BuiltAt: version.BuiltAt()}
}

type infoResponse struct {
	Version    string `json:"version"`
	Revision   string `json:"rev"`
	BuiltAt    string `json:"built_at,omitempty"`
	Go         string `json:"go"`
	Store      string `json:"store,omitempty"`
	Collectors int    `json:"running_collectors"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Version:  s.opts.Build.Version,
		Revision: s.opts.Build.Revision,
		Go:       runtime.Version(),
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	if s.deps.Store != nil {
		resp.Store = s.deps.Store.Kind()
	}
	if s.deps.Supervisor != nil {
		resp.Collectors = len(s.deps.Supervisor.List())
	}
	writeJSON(w, http.StatusOK, resp)
}
