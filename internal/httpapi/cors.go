package httpapi

import (
	"net/http"
	"strings"
)

const corsAllowMethods = "DELETE, GET, HEAD, OPTIONS, PATCH, POST, PUT"

// corsPolicy answers browsers for the ALLOWED_ORIGINS list. Any method and
// request header is permitted and credentials are allowed. Requests from an
// unlisted origin are still served, just without CORS headers; only their
// preflight is refused. A nil policy adds nothing.
type corsPolicy struct {
	any     bool
	origins map[string]bool
}

func newCORSPolicy(origins []string) *corsPolicy {
	p := &corsPolicy{origins: make(map[string]bool)}
	for _, o := range origins {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			p.any = true
		default:
			p.origins[strings.TrimRight(o, "/")] = true
		}
	}
	if !p.any && len(p.origins) == 0 {
		return nil
	}
	return p
}

func (c *corsPolicy) isAllowed(origin string) bool {
	if c == nil || origin == "" {
		return false
	}
	return c.any || c.origins[origin]
}

// handlePreflight reports whether r was a preflight and has been answered.
func (c *corsPolicy) handlePreflight(w http.ResponseWriter, r *http.Request) bool {
	if c == nil || r.Method != http.MethodOptions {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" || r.Header.Get("Access-Control-Request-Method") == "" {
		return false
	}
	h := w.Header()
	h.Add("Vary", "Origin")
	if !c.isAllowed(origin) {
		http.Error(w, "Disallowed CORS origin", http.StatusBadRequest)
		return true
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	}
	h.Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusOK)
	return true
}

// annotate adds CORS headers to a simple request from an allowed origin.
func (c *corsPolicy) annotate(w http.ResponseWriter, r *http.Request) {
	if c == nil {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	h := w.Header()
	h.Add("Vary", "Origin")
	if !c.isAllowed(origin) {
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
}
