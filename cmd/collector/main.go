package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"

	"github.com/you/livechat-collector/internal/chatlog"
	"github.com/you/livechat-collector/internal/collector"
	"github.com/you/livechat-collector/internal/config"
	"github.com/you/livechat-collector/internal/core"
	"github.com/you/livechat-collector/internal/sink"
	"github.com/you/livechat-collector/internal/store"
	"github.com/you/livechat-collector/internal/supervisor"
	"github.com/you/livechat-collector/internal/telemetry"
	"github.com/you/livechat-collector/internal/version"
	"github.com/you/livechat-collector/internal/ytapi"
	"github.com/you/livechat-collector/internal/ytlive"
)

func main() {
	os.Exit(run())
}

func run() int {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	_ = godotenv.Load()
	logger := telemetry.ConfigureLogging(os.Stderr)

	var (
		versionFlag bool
		logFile     string
		logDir      string
		runID       string
		storeURI    string
	)
	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&logFile, "log-file", "", "Log file to append to (default: a new file in the log dir)")
	flag.StringVar(&logDir, "log-dir", "", "Chat log directory (overrides CHAT_LOG_DIR)")
	flag.StringVar(&runID, "run-id", "", "Run identifier assigned by the supervisor")
	flag.StringVar(&storeURI, "store", "", "Store URI (overrides MONGO_URI)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <video_id>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if versionFlag {
		fmt.Printf("collector version: %s\n", version.String())
		return 0
	}
	if flag.NArg() < 1 {
		flag.Usage()
		return 2
	}
	streamID := strings.TrimSpace(flag.Arg(0))
	if err := supervisor.ValidStreamID(streamID); err != nil {
		fmt.Fprintf(os.Stderr, "collector: %s\n", core.Reason(err))
		return 2
	}

	cfg := config.Load()
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-dir":
			cfg.Logs.Dir = strings.TrimSpace(logDir)
		case "store":
			cfg.Store.URI = strings.TrimSpace(storeURI)
		}
	})
	if runID == "" {
		runID = ulid.Make().String()
	}
	if logFile == "" {
		logFile = filepath.Join(cfg.Logs.Dir, chatlog.FileName(streamID, time.Now()))
	}

	shutdownTracing, err := telemetry.InitTracing("livechat-collector", version.Version)
	if err != nil {
		logger.Warn("tracing init failed; continuing without tracing", "err", err)
		shutdownTracing = func() {}
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lw, err := chatlog.Create(logFile)
	if err != nil {
		log.Printf("collector: create log file: %v", err)
		return 1
	}
	defer func() {
		if err := lw.Close(); err != nil {
			log.Printf("collector: close log file: %v", err)
		}
	}()

	st := openStore(ctx, cfg)
	if st != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := st.Close(closeCtx); err != nil {
				log.Printf("collector: closing store: %v", err)
			}
		}()
	}

	var writer sink.Writer = sink.NewMessageSink(lw, st, streamID, sink.Options{})
	var buffered *sink.BufferedWriter
	if cfg.Batch() > 1 || cfg.FlushInterval() > 0 {
		buffered = sink.NewBufferedWriter(writer, sink.BufferedOptions{
			BatchSize:     cfg.Batch(),
			FlushInterval: cfg.FlushInterval(),
		})
		writer = buffered
	}

	c, err := collector.New(collector.Options{
		StreamID: streamID,
		RunID:    runID,
		Sink:     writer,
		NewFeed:  feedFactory(ctx, cfg, streamID),
		Logger:   logger.With("run_id", runID),
	})
	if err != nil {
		log.Printf("collector: %v", err)
		return 1
	}

	fmt.Printf("Storing chat messages in %s\n", logFile)
	runErr := c.Run(ctx)
	if buffered != nil {
		if err := buffered.Close(); err != nil {
			log.Printf("collector: flush buffered sink: %v", err)
		}
	}
	fmt.Printf("\nChat messages have been saved to %s\n", logFile)

	if runErr != nil {
		log.Printf("collector: %v", runErr)
		return 1
	}
	return 0
}

// openStore connects to the configured store. Without one the worker still
// collects to the log file; the log can be imported later.
func openStore(ctx context.Context, cfg config.Config) store.Store {
	if cfg.Store.URI == "" {
		slog.Warn("collector: MONGO_URI not set; writing to the log file only")
		return nil
	}
	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	st, err := store.Open(openCtx, cfg.Store.URI, cfg.Store.DBName)
	if err != nil {
		slog.Warn("collector: store unavailable; writing to the log file only", "err", err)
		return nil
	}
	return st
}

func feedFactory(ctx context.Context, cfg config.Config, streamID string) collector.FeedFactory {
	return func(handle func(core.ChatMessage)) (collector.Feed, error) {
		if cfg.YouTube.APIKey != "" {
			slog.Info("collector: using YouTube Data API feed", "video_id", streamID)
			return ytapi.New(ctx, ytapi.Config{APIKey: cfg.YouTube.APIKey, VideoID: streamID}, handle)
		}
		return ytlive.New(ytlive.Config{
			VideoID:         streamID,
			PollTimeoutSecs: cfg.YouTube.PollTimeoutSecs,
			PollIntervalMS:  cfg.YouTube.PollIntervalMS,
		}, handle), nil
	}
}
