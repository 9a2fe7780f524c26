package config

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/livechat-collector/internal/core"
)

type Config struct {
	Store     StoreConfig
	HTTP      HTTPConfig
	Logs      LogConfig
	Collector CollectorConfig
	Sink      SinkConfig
	YouTube   YouTubeConfig
}

type StoreConfig struct {
	URI    string
	DBName string
}

type HTTPConfig struct {
	Addr           string
	AllowedOrigins []string
	RateLimitRPS   int
	RateLimitBurst int
	Metrics        bool
	AccessLog      bool
}

type LogConfig struct {
	Dir string
}

type CollectorConfig struct {
	PrimaryBin   string
	FallbackBin  string
	StopGraceSec int
	StopKillSec  int
}

type SinkConfig struct {
	BatchSize  int
	FlushMaxMS int
}

type YouTubeConfig struct {
	APIKey          string
	PollTimeoutSecs int
	PollIntervalMS  int
}

const (
	defaultDBName         = "yt_live_chat"
	defaultLogDir         = "chat_csv_files"
	defaultHTTPAddr       = ":8000"
	defaultRateRPS        = 20
	defaultRateBurst      = 40
	defaultStopGraceSecs  = 5
	defaultStopKillSecs   = 2
	defaultBatchSize      = 1
	defaultFlushMS        = 0
	defaultPollTimeoutSec = 15
	defaultPollIntervalMS = 1500
	collectorBinName      = "collector"
)

func Load() Config {
	cfg := Config{}

	cfg.Store.URI = strings.TrimSpace(os.Getenv("MONGO_URI"))
	cfg.Store.DBName = readString("CHAT_DB_NAME", defaultDBName)

	cfg.HTTP.Addr = readString("CHAT_HTTP_ADDR", defaultHTTPAddr)
	cfg.HTTP.AllowedOrigins = splitList(os.Getenv("ALLOWED_ORIGINS"))
	cfg.HTTP.RateLimitRPS = readInt("CHAT_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateLimitBurst = readInt("CHAT_HTTP_RATE_BURST", defaultRateBurst)
	cfg.HTTP.Metrics = readBool("CHAT_HTTP_METRICS", true)
	cfg.HTTP.AccessLog = readBool("CHAT_HTTP_ACCESS_LOG", true)

	cfg.Logs.Dir = readString("CHAT_LOG_DIR", defaultLogDir)

	cfg.Collector.PrimaryBin = readString("CHAT_COLLECTOR_BIN", defaultPrimaryBin())
	cfg.Collector.FallbackBin = readString("CHAT_COLLECTOR_FALLBACK_BIN", defaultFallbackBin())
	cfg.Collector.StopGraceSec = readInt("CHAT_STOP_GRACE_SECS", defaultStopGraceSecs)
	cfg.Collector.StopKillSec = readInt("CHAT_STOP_KILL_SECS", defaultStopKillSecs)

	cfg.Sink.BatchSize = readInt("CHAT_SINK_BATCH_SIZE", defaultBatchSize)
	cfg.Sink.FlushMaxMS = readInt("CHAT_SINK_FLUSH_MAX_MS", defaultFlushMS)

	cfg.YouTube.APIKey = strings.TrimSpace(os.Getenv("CHAT_YT_API_KEY"))
	cfg.YouTube.PollTimeoutSecs = readInt("CHAT_YT_POLL_TIMEOUT_SECS", defaultPollTimeoutSec)
	cfg.YouTube.PollIntervalMS = readInt("CHAT_YT_POLL_INTERVAL_MS", defaultPollIntervalMS)

	return cfg
}

// Validate reports missing configuration the binaries cannot start without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Store.URI) == "" {
		return errors.Wrap(core.ErrConfiguration, "MONGO_URI environment variable not set")
	}
	if strings.TrimSpace(c.Logs.Dir) == "" {
		return errors.Wrap(core.ErrConfiguration, "CHAT_LOG_DIR is empty")
	}
	return nil
}

// defaultPrimaryBin anchors the worker binary next to the running executable.
func defaultPrimaryBin() string {
	exe, err := os.Executable()
	if err != nil {
		return collectorBinName
	}
	return filepath.Join(filepath.Dir(exe), collectorBinName)
}

// defaultFallbackBin anchors the worker binary under the working directory.
func defaultFallbackBin() string {
	wd, err := os.Getwd()
	if err != nil {
		return filepath.Join("bin", collectorBinName)
	}
	return filepath.Join(wd, "bin", collectorBinName)
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func readString(name, def string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	return raw
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (c Config) StopGrace() time.Duration {
	if c.Collector.StopGraceSec <= 0 {
		return defaultStopGraceSecs * time.Second
	}
	return time.Duration(c.Collector.StopGraceSec) * time.Second
}

func (c Config) StopKill() time.Duration {
	if c.Collector.StopKillSec <= 0 {
		return defaultStopKillSecs * time.Second
	}
	return time.Duration(c.Collector.StopKillSec) * time.Second
}

func (c Config) FlushInterval() time.Duration {
	if c.Sink.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Sink.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Sink.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Sink.BatchSize
}

type Summary struct {
	StoreURI       string   `json:"store_uri"`
	DBName         string   `json:"db_name"`
	LogDir         string   `json:"log_dir"`
	HTTPAddr       string   `json:"http_addr"`
	AllowedOrigins []string `json:"allowed_origins"`
	CollectorBin   string   `json:"collector_bin"`
	FallbackBin    string   `json:"collector_fallback_bin"`
	StopGraceSecs  int      `json:"stop_grace_secs"`
	StopKillSecs   int      `json:"stop_kill_secs"`
	BatchSize      int      `json:"batch"`
	FlushMaxMS     int      `json:"flush_ms"`
	YouTubeAPIKey  string   `json:"yt_api_key,omitempty"`
	Feed           string   `json:"feed"`
}

func (c Config) Summary() Summary {
	feed := "scrape"
	if c.YouTube.APIKey != "" {
		feed = "data-api"
	}
	return Summary{
		StoreURI:       redactURI(c.Store.URI),
		DBName:         c.Store.DBName,
		LogDir:         c.Logs.Dir,
		HTTPAddr:       c.HTTP.Addr,
		AllowedOrigins: append([]string(nil), c.HTTP.AllowedOrigins...),
		CollectorBin:   c.Collector.PrimaryBin,
		FallbackBin:    c.Collector.FallbackBin,
		StopGraceSecs:  c.Collector.StopGraceSec,
		StopKillSecs:   c.Collector.StopKillSec,
		BatchSize:      c.Sink.BatchSize,
		FlushMaxMS:     c.Sink.FlushMaxMS,
		YouTubeAPIKey:  redactString(c.YouTube.APIKey),
		Feed:           feed,
	}
}

// Redacted returns a snapshot safe to expose over the admin surface.
func (c Config) Redacted() map[string]any {
	s := c.Summary()
	return map[string]any{
		"store": map[string]any{
			"uri":     s.StoreURI,
			"db_name": s.DBName,
		},
		"http": map[string]any{
			"addr":            s.HTTPAddr,
			"allowed_origins": s.AllowedOrigins,
			"rate_rps":        c.HTTP.RateLimitRPS,
			"rate_burst":      c.HTTP.RateLimitBurst,
		},
		"collector": map[string]any{
			"bin":             s.CollectorBin,
			"fallback_bin":    s.FallbackBin,
			"stop_grace_secs": s.StopGraceSecs,
			"stop_kill_secs":  s.StopKillSecs,
		},
		"logs": map[string]any{"dir": s.LogDir},
		"feed": s.Feed,
	}
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

// redactURI hides the password portion of a connection string.
func redactURI(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redactString(raw)
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "REDACTED")
		}
	}
	return u.String()
}
