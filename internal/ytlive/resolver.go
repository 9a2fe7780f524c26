package ytlive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"
)

// Resolver checks whether a video is currently broadcasting.
type Resolver struct {
	http *http.Client
}

// NewResolver creates a resolver backed by the provided HTTP client.
// If client is nil a default client with a sane timeout is used.
func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{http: client}
}

// LiveState fetches the watch page of videoID and reports whether it is live.
// Pages that carry no player state fall back to textual live markers.
func (r *Resolver) LiveState(ctx context.Context, videoID string) (bool, error) {
	watch := watchURL(videoID)
	if watch == "" {
		return false, errors.New("ytlive: empty video id")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, watch, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("ytlive: watch page status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return false, err
	}
	rawBody := string(body)
	if _, live, ok := extractInitialPlayerState(rawBody); ok {
		return live, nil
	}
	return containsLiveIndicator(rawBody), nil
}

func watchURL(videoID string) string {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return ""
	}
	values := url.Values{"v": []string{videoID}}
	return (&url.URL{Scheme: "https", Host: "www.youtube.com", Path: "/watch", RawQuery: values.Encode()}).String()
}

func chatURL(videoID string) string {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return ""
	}
	values := url.Values{"v": []string{videoID}, "is_popout": []string{"1"}}
	return (&url.URL{Scheme: "https", Host: "www.youtube.com", Path: "/live_chat", RawQuery: values.Encode()}).String()
}

func extractInitialPlayerState(body string) (string, bool, bool) {
	raw, ok := extractJSONAssignment(body, "ytInitialPlayerResponse")
	if !ok {
		return "", false, false
	}
	videoID, live, hasVideo, err := parseInitialPlayerJSON(raw)
	if err != nil || !hasVideo {
		return "", false, false
	}
	return videoID, live, true
}

// extractJSONAssignment finds `marker = {...}` (or the bracketed
// window["marker"] form) in body and returns the balanced JSON value.
func extractJSONAssignment(body, marker string) (string, bool) {
	search := 0
	for {
		idx := strings.Index(body[search:], marker)
		if idx == -1 {
			return "", false
		}
		idx += search
		pos := idx + len(marker)
		for pos < len(body) {
			ch := body[pos]
			if ch == '=' || ch == ':' {
				pos++
				break
			}
			if unicode.IsSpace(rune(ch)) || ch == ']' || ch == '"' || ch == '\'' {
				pos++
				continue
			}
			pos = -1
			break
		}
		if pos == -1 || pos >= len(body) {
			search = idx + len(marker)
			continue
		}
		for pos < len(body) && unicode.IsSpace(rune(body[pos])) {
			pos++
		}
		if pos >= len(body) {
			return "", false
		}
		if body[pos] != '{' && body[pos] != '[' {
			search = idx + len(marker)
			continue
		}
		jsonSlice, ok := sliceBalancedJSON(body[pos:])
		if !ok {
			search = idx + len(marker)
			continue
		}
		return jsonSlice, true
	}
}

func sliceBalancedJSON(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	stack := make([]rune, 0, 8)
	inString := false
	escape := false
	for i, r := range s {
		if inString {
			if escape {
				escape = false
				continue
			}
			if r == '\\' {
				escape = true
				continue
			}
			if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, r)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			open := stack[len(stack)-1]
			if (open == '{' && r != '}') || (open == '[' && r != ']') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

type playerResponsePayload struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
	} `json:"playabilityStatus"`
	VideoDetails struct {
		VideoID string `json:"videoId"`
		IsLive  bool   `json:"isLive"`
	} `json:"videoDetails"`
	Microformat struct {
		Renderer struct {
			LiveBroadcastDetails *struct {
				IsLiveNow bool   `json:"isLiveNow"`
				EndTime   string `json:"endTimestamp"`
			} `json:"liveBroadcastDetails"`
		} `json:"playerMicroformatRenderer"`
	} `json:"microformat"`
}

// parseInitialPlayerJSON returns the video id and whether it is broadcasting
// now. Finished broadcasts keep isLiveContent but lose isLive, so only the
// current-state fields count.
func parseInitialPlayerJSON(raw string) (string, bool, bool, error) {
	var payload playerResponsePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", false, false, err
	}

	videoID := strings.TrimSpace(payload.VideoDetails.VideoID)
	if videoID == "" {
		return "", false, false, nil
	}

	live := payload.VideoDetails.IsLive
	if details := payload.Microformat.Renderer.LiveBroadcastDetails; details != nil {
		if details.IsLiveNow {
			live = true
		}
		if details.EndTime != "" {
			live = false
		}
	}
	return videoID, live, true, nil
}

func containsLiveIndicator(body string) bool {
	lowered := strings.ToLower(body)
	switch {
	case strings.Contains(lowered, "\"islivenow\":true"):
		return true
	case strings.Contains(lowered, "\"islive\":true"):
		return true
	}
	return false
}
