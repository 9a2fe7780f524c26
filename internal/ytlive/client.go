// Package ytlive reads a YouTube live chat by polling the same endpoints the
// popout chat page uses. No API key is needed.
package ytlive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/livechat-collector/internal/core"
)

const (
	defaultPollTimeout   = 15 * time.Second
	defaultLivePollDelay = 1500 * time.Millisecond
	defaultEndAfter      = 3
	maxBackoff           = 60 * time.Second
	userAgent            = "Mozilla/5.0 (compatible; livechat-collector/1.0)"
)

// errChatClosed reports a chat page without a live continuation: the stream
// has not started, has ended, or has chat disabled.
var errChatClosed = errors.New("ytlive: live chat continuation not found")

type Config struct {
	VideoID         string
	PollTimeoutSecs int
	PollIntervalMS  int
	// EndAfter is how many consecutive closed-chat observations end the feed.
	EndAfter int
	// HTTPClient overrides the client used for every request.
	HTTPClient *http.Client
}

type Handler func(core.ChatMessage)

type Client struct {
	cfg         Config
	handler     Handler
	http        *http.Client
	resolver    *Resolver
	pollTimeout time.Duration
	pollDelay   time.Duration
	endAfter    int
}

func New(cfg Config, handler Handler) *Client {
	pollTimeout := defaultPollTimeout
	if cfg.PollTimeoutSecs > 0 {
		pollTimeout = time.Duration(cfg.PollTimeoutSecs) * time.Second
	}
	pollDelay := defaultLivePollDelay
	if cfg.PollIntervalMS > 0 {
		pollDelay = time.Duration(cfg.PollIntervalMS) * time.Millisecond
	}
	endAfter := cfg.EndAfter
	if endAfter <= 0 {
		endAfter = defaultEndAfter
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: pollTimeout}
	}
	return &Client{
		cfg:         cfg,
		handler:     handler,
		http:        httpClient,
		resolver:    NewResolver(httpClient),
		pollTimeout: pollTimeout,
		pollDelay:   pollDelay,
		endAfter:    endAfter,
	}
}

// Run polls the chat until the broadcast ends (nil) or ctx is cancelled
// (ctx.Err()). Transient failures back off and retry.
func (c *Client) Run(ctx context.Context) error {
	videoID := strings.TrimSpace(c.cfg.VideoID)
	if videoID == "" {
		return errors.New("ytlive: VideoID is required")
	}

	backoff := time.Second
	grow := func() {
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	var (
		apiKey        string
		clientVersion string
		continuation  string
		closedSeen    int
		totalMessages int
		lastLog       = time.Now()
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if continuation == "" {
			var err error
			apiKey, clientVersion, continuation, err = c.bootstrap(ctx, videoID)
			switch {
			case errors.Is(err, errChatClosed):
				closedSeen++
				if c.ended(ctx, videoID, closedSeen) {
					log.Printf("ytlive: chat for %s has ended (total %d messages)", videoID, totalMessages)
					return nil
				}
				if !sleepContext(ctx, backoff) {
					return ctx.Err()
				}
				grow()
				continue
			case err != nil:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("ytlive: bootstrap failed: %v", err)
				if !sleepContext(ctx, backoff) {
					return ctx.Err()
				}
				grow()
				continue
			}
			log.Printf("ytlive: bootstrap succeeded (version=%s)", clientVersion)
			backoff = time.Second
			closedSeen = 0
		}

		messages, summary, nextContinuation, timeout, hasTimeout, err := c.poll(ctx, videoID, apiKey, clientVersion, continuation)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("ytlive: poll error: %v", err)
			if !sleepContext(ctx, backoff) {
				return ctx.Err()
			}
			grow()
			continuation = ""
			continue
		}

		if c.handler != nil {
			for _, msg := range messages {
				c.handler(msg)
			}
		}
		totalMessages += len(messages)
		if time.Since(lastLog) >= 10*time.Second {
			logPollResults(summary, totalMessages)
			lastLog = time.Now()
		}

		continuation = nextContinuation
		if continuation == "" {
			log.Printf("ytlive: missing continuation, re-bootstrap")
		}

		delay, _ := nextLivePollDelay(timeout, hasTimeout, c.pollDelay)
		if !sleepContext(ctx, delay) {
			return ctx.Err()
		}
	}
}

// ended decides whether a closed chat means the broadcast is over. The watch
// page is authoritative when it answers; otherwise repeated closed
// observations end the feed.
func (c *Client) ended(ctx context.Context, videoID string, closedSeen int) bool {
	live, err := c.resolver.LiveState(ctx, videoID)
	if err == nil && !live {
		return true
	}
	if err != nil {
		log.Printf("ytlive: live state check failed: %v", err)
	}
	return closedSeen >= c.endAfter
}

// nextLivePollDelay prefers the server-suggested timeout over the configured delay.
func nextLivePollDelay(timeoutMS int, hasTimeout bool, fallback time.Duration) (time.Duration, bool) {
	if hasTimeout && timeoutMS > 0 {
		return time.Duration(timeoutMS) * time.Millisecond, true
	}
	return fallback, false
}

func (c *Client) bootstrap(ctx context.Context, videoID string) (apiKey, clientVersion, continuation string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, chatURL(videoID), nil)
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return "", "", "", err
	}
	text := string(body)

	apiKey = extractString(text, `"INNERTUBE_API_KEY":"`)
	clientVersion = extractString(text, `"INNERTUBE_CLIENT_VERSION":"`)
	if apiKey == "" || clientVersion == "" {
		return "", "", "", errors.New("ytlive: could not locate api key or client version")
	}

	initJSON, ok := extractJSONAssignment(text, "ytInitialData")
	if !ok {
		return "", "", "", errChatClosed
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(initJSON), &data); err != nil {
		return "", "", "", fmt.Errorf("ytlive: parse initial data: %w", err)
	}

	continuation = findInitialContinuation(data)
	if continuation == "" {
		return "", "", "", errChatClosed
	}
	return apiKey, clientVersion, continuation, nil
}

func (c *Client) poll(ctx context.Context, videoID, apiKey, clientVersion, continuation string) ([]core.ChatMessage, pollSummary, string, int, bool, error) {
	endpoint := "https://www.youtube.com/youtubei/v1/live_chat/get_live_chat?key=" + url.QueryEscape(apiKey)

	payload := map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    "WEB",
				"clientVersion": clientVersion,
				"hl":            "en",
			},
		},
		"continuation": continuation,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, pollSummary{}, continuation, 0, false, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pollCtx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, pollSummary{}, continuation, 0, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, pollSummary{}, continuation, 0, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, pollSummary{}, continuation, 0, false, fmt.Errorf("ytlive: poll status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, pollSummary{}, continuation, 0, false, err
	}

	var payloadResp map[string]any
	if err := json.Unmarshal(body, &payloadResp); err != nil {
		return nil, pollSummary{}, continuation, 0, false, fmt.Errorf("ytlive: decode poll response: %w", err)
	}

	next, timeout, hasTimeout := extractContinuation(payloadResp)
	messages, summary := extractMessages(videoID, payloadResp)
	return messages, summary, next, timeout, hasTimeout, nil
}

// extractContinuation walks the poll response for the next continuation token
// and its suggested timeout. timeoutMs arrives as a number or a string.
func extractContinuation(payload map[string]any) (string, int, bool) {
	cont := ""
	timeout := 0
	hasTimeout := false

	var walk func(any)
	walk = func(v any) {
		switch val := v.(type) {
		case map[string]any:
			if cont == "" {
				if s, ok := val["continuation"].(string); ok && s != "" {
					cont = s
				}
				if cmd := digMap(val, "continuationEndpoint", "continuationCommand"); cmd != nil {
					if s, ok := cmd["token"].(string); ok && s != "" {
						cont = s
					}
				}
			}
			if !hasTimeout {
				switch tm := val["timeoutMs"].(type) {
				case float64:
					if tm > 0 {
						timeout, hasTimeout = int(tm), true
					}
				case string:
					if n, err := strconv.Atoi(tm); err == nil && n > 0 {
						timeout, hasTimeout = n, true
					}
				}
			}
			for _, child := range val {
				walk(child)
			}
		case []any:
			for _, child := range val {
				walk(child)
			}
		}
	}

	walk(payload)
	return cont, timeout, hasTimeout
}

type pollSummary struct {
	actions      int
	chatMessages int
	paidMessages int
	skipped      int
}

// extractMessages converts chat actions into messages for videoID. Plain text
// and paid messages are kept; every other action is counted as skipped.
func extractMessages(videoID string, payload map[string]any) ([]core.ChatMessage, pollSummary) {
	var (
		messages []core.ChatMessage
		summary  pollSummary
	)
	handleItem := func(item map[string]any) bool {
		if renderer, ok := item["liveChatTextMessageRenderer"].(map[string]any); ok {
			if msg, ok := buildMessage(videoID, renderer); ok {
				messages = append(messages, msg)
				summary.chatMessages++
				return true
			}
		}
		if renderer, ok := item["liveChatPaidMessageRenderer"].(map[string]any); ok {
			if msg, ok := buildMessage(videoID, renderer); ok {
				messages = append(messages, msg)
				summary.paidMessages++
				return true
			}
		}
		return false
	}

	for _, action := range gatherActions(payload) {
		summary.actions++
		handled := false
		if item := digMap(action, "addChatItemAction", "item"); item != nil {
			handled = handleItem(item)
		}
		if appendAction := digMap(action, "appendContinuationItemsAction"); appendAction != nil {
			if items, ok := appendAction["continuationItems"].([]any); ok {
				for _, raw := range items {
					itemMap, ok := raw.(map[string]any)
					if !ok {
						continue
					}
					if handleItem(itemMap) {
						handled = true
					}
				}
			}
		}
		if !handled {
			summary.skipped++
		}
	}
	return messages, summary
}

func logPollResults(summary pollSummary, total int) {
	log.Printf("ytlive: poll summary actions=%d chat_messages=%d paid_messages=%d skipped=%d total=%d",
		summary.actions, summary.chatMessages, summary.paidMessages, summary.skipped, total)
}

func gatherActions(payload map[string]any) []map[string]any {
	var out []map[string]any
	collect := func(arr []any) {
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	if arr, ok := payload["actions"].([]any); ok {
		collect(arr)
	}
	if arr, ok := payload["onResponseReceivedActions"].([]any); ok {
		collect(arr)
	}
	if lc := digMap(payload, "continuationContents", "liveChatContinuation"); lc != nil {
		if arr, ok := lc["actions"].([]any); ok {
			collect(arr)
		}
	}
	return out
}

func buildMessage(videoID string, renderer map[string]any) (core.ChatMessage, bool) {
	msg := core.ChatMessage{
		StreamID:  videoID,
		Author:    textField(renderer, "authorName"),
		Text:      textField(renderer, "message"),
		SuperChat: textField(renderer, "purchaseAmountText"),
		Timestamp: core.FormatTimestamp(timestampField(renderer, "timestampUsec")),
	}
	// paid messages may carry no text
	if msg.Text == "" && msg.SuperChat == "" {
		return core.ChatMessage{}, false
	}
	return msg, true
}

func textField(m map[string]any, key string) string {
	if nested, ok := m[key].(map[string]any); ok {
		if s, ok := nested["simpleText"].(string); ok {
			return s
		}
	}
	return runsField(m, key)
}

// runsField joins text runs; emoji runs contribute their shortcut.
func runsField(m map[string]any, key string) string {
	nested, ok := m[key].(map[string]any)
	if !ok {
		return ""
	}
	runs, ok := nested["runs"].([]any)
	if !ok {
		return ""
	}
	var builder strings.Builder
	for _, run := range runs {
		part, ok := run.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := part["text"].(string); ok {
			builder.WriteString(text)
			continue
		}
		if emoji, ok := part["emoji"].(map[string]any); ok {
			if shortcuts, ok := emoji["shortcuts"].([]any); ok && len(shortcuts) > 0 {
				if s, ok := shortcuts[0].(string); ok {
					builder.WriteString(s)
				}
			}
		}
	}
	return builder.String()
}

func timestampField(m map[string]any, key string) time.Time {
	var ts time.Time
	switch v := m[key].(type) {
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			ts = time.UnixMicro(n)
		}
	case float64:
		ts = time.UnixMicro(int64(v))
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return ts
}

func extractString(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	start := idx + len(marker)
	end := strings.Index(text[start:], "\"")
	if end == -1 {
		return ""
	}
	return text[start : start+end]
}

func digMap(m map[string]any, keys ...string) map[string]any {
	current := m
	for _, key := range keys {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

func findInitialContinuation(data map[string]any) string {
	type queueItem struct {
		value      any
		inLiveChat bool
	}

	queue := []queueItem{{value: data}}
	for len(queue) > 0 {
		var item queueItem
		item, queue = queue[0], queue[1:]
		switch v := item.value.(type) {
		case map[string]any:
			currentLiveChat := item.inLiveChat || mapHasLiveChatKey(v)
			if currentLiveChat {
				if cont := continuationFromNode(v); cont != "" {
					return cont
				}
			}
			for key, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: currentLiveChat || isLiveChatKey(key)})
			}
		case []any:
			for _, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: item.inLiveChat})
			}
		}
	}
	return ""
}

func isLiveChatKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "livechat")
}

func mapHasLiveChatKey(m map[string]any) bool {
	for key := range m {
		if isLiveChatKey(key) {
			return true
		}
	}
	return false
}

func continuationFromNode(node map[string]any) string {
	if arr, ok := node["continuations"].([]any); ok {
		for _, elem := range arr {
			m, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			for _, key := range []string{"invalidationContinuationData", "timedContinuationData", "reloadContinuationData"} {
				if next := digMap(m, key); next != nil {
					if s, ok := next["continuation"].(string); ok && s != "" {
						return s
					}
				}
			}
		}
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
