package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/you/livechat-collector/internal/config"
	httpadmin "github.com/you/livechat-collector/internal/http"
	"github.com/you/livechat-collector/internal/httpapi"
	"github.com/you/livechat-collector/internal/reconcile"
	"github.com/you/livechat-collector/internal/store"
	"github.com/you/livechat-collector/internal/supervisor"
	"github.com/you/livechat-collector/internal/tail"
	"github.com/you/livechat-collector/internal/telemetry"
	"github.com/you/livechat-collector/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code.
func run(args []string) int {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	_ = godotenv.Load()
	telemetry.ConfigureLogging(os.Stderr)

	var (
		versionFlag   bool
		storeURI      string
		logDir        string
		collectorBin  string
		httpAddr      string
		corsOrigins   string
		httpRateRPS   int
		httpRateBurst int
		httpMetrics   bool
		httpAccessLog bool
		stopOnExit    bool
	)

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	fs.StringVar(&storeURI, "store", "", "Store URI (overrides MONGO_URI)")
	fs.StringVar(&logDir, "log-dir", "", "Chat log directory (overrides CHAT_LOG_DIR)")
	fs.StringVar(&collectorBin, "collector-bin", "", "Collector worker binary (overrides CHAT_COLLECTOR_BIN)")
	fs.StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides CHAT_HTTP_ADDR)")
	fs.StringVar(&corsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	fs.IntVar(&httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	fs.IntVar(&httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	fs.BoolVar(&httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	fs.BoolVar(&httpAccessLog, "http-access-log", true, "Log HTTP access records")
	fs.BoolVar(&stopOnExit, "stop-collectors-on-exit", false, "Stop every tracked collector when the server shuts down")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if versionFlag {
		fmt.Printf("server version: %s\n", version.String())
		return 0
	}

	cfg := config.Load()
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "store":
			cfg.Store.URI = strings.TrimSpace(storeURI)
		case "log-dir":
			cfg.Logs.Dir = strings.TrimSpace(logDir)
		case "collector-bin":
			cfg.Collector.PrimaryBin = strings.TrimSpace(collectorBin)
		case "http-addr":
			cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
		case "http-cors-origins":
			cfg.HTTP.AllowedOrigins = nil
			for _, o := range strings.Split(corsOrigins, ",") {
				if o = strings.TrimSpace(o); o != "" {
					cfg.HTTP.AllowedOrigins = append(cfg.HTTP.AllowedOrigins, o)
				}
			}
		case "http-rate-rps":
			cfg.HTTP.RateLimitRPS = httpRateRPS
		case "http-rate-burst":
			cfg.HTTP.RateLimitBurst = httpRateBurst
		case "http-metrics":
			cfg.HTTP.Metrics = httpMetrics
		case "http-access-log":
			cfg.HTTP.AccessLog = httpAccessLog
		}
	})

	if err := cfg.Validate(); err != nil {
		log.Printf("server: %v", err)
		return 1
	}
	log.Printf("%s", cfg.SummaryJSON())

	if err := os.MkdirAll(cfg.Logs.Dir, 0o755); err != nil {
		log.Printf("server: create log dir: %v", err)
		return 1
	}

	shutdownTracing, err := telemetry.InitTracing("livechat-server", version.Version)
	if err != nil {
		slog.Warn("tracing init failed; continuing without tracing", "err", err)
		shutdownTracing = func() {}
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancelOpen := context.WithTimeout(ctx, 15*time.Second)
	st, err := store.Open(openCtx, cfg.Store.URI, cfg.Store.DBName)
	cancelOpen()
	if err != nil {
		log.Printf("server: store connection error: %v", err)
		return 1
	}
	log.Printf("server: connected to %s store", st.Kind())
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			log.Printf("server: closing store: %v", err)
		}
	}()

	sup := supervisor.New(supervisor.Options{
		EntryPoints:  []string{cfg.Collector.PrimaryBin, cfg.Collector.FallbackBin},
		LogDir:       cfg.Logs.Dir,
		GraceTimeout: cfg.StopGrace(),
		KillTimeout:  cfg.StopKill(),
	})
	rec := &reconcile.Reconciler{Store: st, LogDir: cfg.Logs.Dir, Runs: sup}

	api := httpapi.New(httpapi.Deps{
		Supervisor: sup,
		Reconciler: rec,
		Store:      st,
		LogDir:     cfg.Logs.Dir,
	}, httpapi.Options{
		Addr:            cfg.HTTP.Addr,
		CORSOrigins:     cfg.HTTP.AllowedOrigins,
		RateLimitRPS:    cfg.HTTP.RateLimitRPS,
		RateLimitBurst:  cfg.HTTP.RateLimitBurst,
		EnableMetrics:   cfg.HTTP.Metrics,
		EnableAccessLog: cfg.HTTP.AccessLog,
		Build:           httpapi.CurrentBuild(),
		ConfigSnapshot:  cfg.Redacted(),
	})
	httpadmin.New(sup, st).Register(api.Mux())

	follower := tail.New(cfg.Logs.Dir)
	go func() {
		if err := follower.Run(ctx); err != nil {
			slog.Error("server: log follower stopped", "err", err)
		}
	}()
	go api.Follow(ctx, follower)

	errCh := make(chan error, 1)
	go func() { errCh <- api.Start() }()

	code := 0
	select {
	case <-ctx.Done():
		log.Printf("server: shutting down")
	case err := <-errCh:
		if err != nil {
			log.Printf("server: http api: %v", err)
			code = 1
		}
	}

	if stopOnExit {
		for id, out := range sup.StopAll(context.Background()) {
			log.Printf("server: stop %s on exit: %s %s", id, out.Status, out.Detail)
		}
	} else if running := sup.List(); len(running) > 0 {
		log.Printf("server: leaving %d collector(s) running untracked: %v", len(running), running)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: http api shutdown: %v", err)
	}
	log.Printf("server: shutdown complete")
	return code
}
