package httpadmin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/you/livechat-collector/internal/supervisor"
)

type fakeStopper struct {
	out map[string]supervisor.StopOutcome
}

func (f fakeStopper) StopAll(context.Context) map[string]supervisor.StopOutcome { return f.out }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }
func (f fakePinger) Kind() string               { return "sqlite" }

func serve(srv *Server, method, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	srv.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestStopAll(t *testing.T) {
	srv := New(fakeStopper{out: map[string]supervisor.StopOutcome{
		"a": {Status: "stopped"},
		"b": {Status: "killed", Detail: "did not stop gracefully"},
	}}, nil)

	rec := serve(srv, http.MethodPost, "/admin/collectors/stop_all")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("unexpected content-type %q", ct)
	}
	var payload struct {
		Stopped map[string]supervisor.StopOutcome `json:"stopped"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Stopped["a"].Status != "stopped" || payload.Stopped["b"].Status != "killed" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	if rec := serve(srv, http.MethodGet, "/admin/collectors/stop_all"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestStorePing(t *testing.T) {
	rec := serve(New(fakeStopper{}, fakePinger{}), http.MethodPost, "/admin/store/ping")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = serve(New(fakeStopper{}, fakePinger{err: errors.New("boom")}), http.MethodPost, "/admin/store/ping")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "ping failed: boom\n" {
		t.Fatalf("unexpected body: %q", body)
	}

	rec = serve(New(fakeStopper{}, nil), http.MethodPost, "/admin/store/ping")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	rec := serve(New(fakeStopper{}, nil), http.MethodGet, "/admin/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz: %d %q", rec.Code, rec.Body.String())
	}
}
