// Package ytapi reads a live chat through the YouTube Data API v3. It needs an
// API key and spends quota on every poll.
package ytapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/you/livechat-collector/internal/core"
)

const (
	defaultMinInterval = 2 * time.Second
	maxBackoff         = time.Minute
)

// ErrNoLiveChat is returned when the video exists but has no active chat and
// never had one.
var ErrNoLiveChat = errors.New("ytapi: video has no active live chat")

type Config struct {
	APIKey  string
	VideoID string
	// MinInterval floors the server-suggested polling interval.
	MinInterval time.Duration
	// Endpoint overrides the API base URL.
	Endpoint   string
	HTTPClient *http.Client
}

type Handler func(core.ChatMessage)

type Client struct {
	cfg     Config
	svc     *yt.Service
	handler Handler
}

func New(ctx context.Context, cfg Config, handler Handler) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ytapi: api key is required")
	}
	if cfg.VideoID == "" {
		return nil, errors.New("ytapi: video id is required")
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ytapi: create service: %w", err)
	}
	return &Client{cfg: cfg, svc: svc, handler: handler}, nil
}

// Run pages through the chat until it goes offline (nil) or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	chatID, ended, err := c.liveChatID(ctx)
	if err != nil {
		return err
	}
	if ended {
		log.Printf("ytapi: broadcast %s already ended", c.cfg.VideoID)
		return nil
	}

	var (
		pageToken string
		backoff   = time.Second
		total     int
	)
	for {
		call := c.svc.LiveChatMessages.List(chatID, []string{"snippet", "authorDetails"}).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if chatGone(err) {
				log.Printf("ytapi: chat %s closed (total %d messages)", c.cfg.VideoID, total)
				return nil
			}
			log.Printf("ytapi: poll error: %v", err)
			if !sleepContext(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, item := range resp.Items {
			if msg, ok := c.buildMessage(item); ok && c.handler != nil {
				c.handler(msg)
				total++
			}
		}
		if resp.OfflineAt != "" {
			log.Printf("ytapi: chat %s went offline at %s (total %d messages)", c.cfg.VideoID, resp.OfflineAt, total)
			return nil
		}
		pageToken = resp.NextPageToken

		wait := time.Duration(resp.PollingIntervalMillis) * time.Millisecond
		if wait < c.cfg.MinInterval {
			wait = c.cfg.MinInterval
		}
		if !sleepContext(ctx, wait) {
			return ctx.Err()
		}
	}
}

// liveChatID resolves the active chat of the configured video. ended is true
// when the broadcast has an actual end time.
func (c *Client) liveChatID(ctx context.Context) (string, bool, error) {
	resp, err := c.svc.Videos.List([]string{"liveStreamingDetails"}).Id(c.cfg.VideoID).Context(ctx).Do()
	if err != nil {
		return "", false, fmt.Errorf("ytapi: videos.list: %w", err)
	}
	if len(resp.Items) == 0 {
		return "", false, fmt.Errorf("ytapi: video %s: %w", c.cfg.VideoID, core.ErrNotFound)
	}
	details := resp.Items[0].LiveStreamingDetails
	if details == nil {
		return "", false, ErrNoLiveChat
	}
	if details.ActiveLiveChatId != "" {
		return details.ActiveLiveChatId, false, nil
	}
	if details.ActualEndTime != "" {
		return "", true, nil
	}
	return "", false, ErrNoLiveChat
}

func (c *Client) buildMessage(item *yt.LiveChatMessage) (core.ChatMessage, bool) {
	if item == nil || item.Snippet == nil {
		return core.ChatMessage{}, false
	}
	msg := core.ChatMessage{
		StreamID:  c.cfg.VideoID,
		Text:      item.Snippet.DisplayMessage,
		Timestamp: core.FormatTimestamp(publishedAt(item.Snippet.PublishedAt)),
	}
	if item.AuthorDetails != nil {
		msg.Author = item.AuthorDetails.DisplayName
	}
	if sc := item.Snippet.SuperChatDetails; sc != nil {
		msg.SuperChat = sc.AmountDisplayString
		if msg.Text == "" {
			msg.Text = sc.UserComment
		}
	}
	if msg.Text == "" && msg.SuperChat == "" {
		return core.ChatMessage{}, false
	}
	return msg, true
}

func publishedAt(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	return time.Now()
}

func chatGone(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "liveChatEnded", "liveChatNotFound", "liveChatDisabled":
			return true
		}
	}
	return apiErr.Code == http.StatusNotFound
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
