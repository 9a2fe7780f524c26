package ytlive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestLiveState(t *testing.T) {
	pages := map[string]string{
		"live":     `<script>var ytInitialPlayerResponse = {"videoDetails":{"videoId":"live","isLive":true}};</script>`,
		"ended":    `<script>var ytInitialPlayerResponse = {"videoDetails":{"videoId":"ended","isLiveContent":true},"microformat":{"playerMicroformatRenderer":{"liveBroadcastDetails":{"isLiveNow":false,"endTimestamp":"2024-01-01T00:00:00Z"}}}};</script>`,
		"upcoming": `<script>var ytInitialPlayerResponse = {"videoDetails":{"videoId":"upcoming","isLive":false}};</script>`,
		"markers":  `<html>{"isLiveNow":true}</html>`,
	}
	handler := http.NewServeMux()
	handler.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
		page, ok := pages[r.URL.Query().Get("v")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(page))
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	resolver := NewResolver(&http.Client{Transport: rewriteTransport(server.URL), Timeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for id, want := range map[string]bool{"live": true, "ended": false, "upcoming": false, "markers": true} {
		got, err := resolver.LiveState(ctx, id)
		if err != nil {
			t.Fatalf("LiveState(%s) error = %v", id, err)
		}
		if got != want {
			t.Fatalf("LiveState(%s) = %v, want %v", id, got, want)
		}
	}

	if _, err := resolver.LiveState(ctx, "missing"); err == nil {
		t.Fatalf("expected error for 404 watch page")
	}
	if _, err := resolver.LiveState(ctx, " "); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestExtractJSONAssignmentSkipsPropertyAccess(t *testing.T) {
	body := `if (ytInitialData.foo) {} window["ytInitialData"] = {"a":"}{","b":[1,2]};`
	got, ok := extractJSONAssignment(body, "ytInitialData")
	if !ok {
		t.Fatalf("expected assignment to be found")
	}
	if got != `{"a":"}{","b":[1,2]}` {
		t.Fatalf("unexpected json %q", got)
	}
}

func TestChatURL(t *testing.T) {
	got := chatURL("abc")
	if !strings.HasPrefix(got, "https://www.youtube.com/live_chat?") || !strings.Contains(got, "v=abc") {
		t.Fatalf("unexpected chat url %q", got)
	}
	if chatURL("") != "" || watchURL("") != "" {
		t.Fatalf("empty ids must produce empty urls")
	}
}

func rewriteTransport(target string) http.RoundTripper {
	urlTarget, err := url.Parse(target)
	if err != nil {
		panic(err)
	}

	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if strings.HasSuffix(req.URL.Host, "youtube.com") {
			clone := req.Clone(req.Context())
			u := *clone.URL
			u.Scheme = urlTarget.Scheme
			u.Host = urlTarget.Host
			clone.URL = &u
			clone.Host = urlTarget.Host
			return http.DefaultTransport.RoundTrip(clone)
		}
		return http.DefaultTransport.RoundTrip(req)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
