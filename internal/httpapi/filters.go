package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/livechat-collector/internal/core"
	"github.com/you/livechat-collector/internal/store"
)

const maxLimit = 10000

// ParseFilters parses message query parameters. Without any, every message
// of the stream is returned in stored order.
//
//	author  repeatable or comma separated, case-insensitive substring
//	since   RFC 3339, unix seconds, a duration ("15m") or "2006-01-02 15:04:05"
//	limit   positive integer, capped at 10000
//	order   asc or desc by timestamp
func ParseFilters(values url.Values) (store.Filter, error) {
	var f store.Filter

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return store.Filter{}, errors.Wrap(core.ErrInvalidInput, "limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = store.OrderDesc
		case "asc":
			f.Order = store.OrderAsc
		default:
			return store.Filter{}, errors.Wrap(core.ErrInvalidInput, "order must be asc or desc")
		}
	}

	if raw := values.Get("since"); raw != "" {
		since, err := parseSince(raw)
		if err != nil {
			return store.Filter{}, err
		}
		f.Since = since
	}

	seen := make(map[string]struct{})
	for _, raw := range values["author"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			lowered := strings.ToLower(part)
			if _, exists := seen[lowered]; !exists {
				f.Authors = append(f.Authors, lowered)
				seen[lowered] = struct{}{}
			}
		}
	}

	return f, nil
}

func FiltersFromRequest(r *http.Request) (store.Filter, error) {
	return ParseFilters(r.URL.Query())
}

// parseSince returns the bound in core.TimestampLayout, which compares
// lexically in time order.
func parseSince(raw string) (string, error) {
	if _, err := time.ParseInLocation(core.TimestampLayout, raw, time.Local); err == nil {
		return raw, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return core.FormatTimestamp(t), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return core.FormatTimestamp(time.Unix(n, 0)), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return core.FormatTimestamp(time.Now().Add(-d)), nil
	}
	return "", errors.Wrap(core.ErrInvalidInput, "invalid since parameter")
}
