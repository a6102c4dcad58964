package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/basket/hivegate/internal/bus"
	"github.com/basket/hivegate/internal/channels"
	"github.com/basket/hivegate/internal/config"
	"github.com/basket/hivegate/internal/gateway"
	"github.com/basket/hivegate/internal/heartbeat"
	otelPkg "github.com/basket/hivegate/internal/otel"
	"github.com/basket/hivegate/internal/persistence"
	"github.com/basket/hivegate/internal/shared"
	"github.com/basket/hivegate/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

// busDispatcher is the engine seam: it assigns run ids and relies on the
// run.dispatched bus event (published by the gateway surfaces, prompt
// included) to hand work to the attached agent engine.
type busDispatcher struct{}

func (busDispatcher) Dispatch(_ context.Context, _, _, _ string) (string, error) {
	return shared.NewRunID(), nil
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println("hivegate", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_hash", cfg.Fingerprint())

	if host, _, splitErr := net.SplitHostPort(cfg.BindAddr); splitErr == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		if err := writeMinimalConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with a generated gateway token", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: "hivegate",
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "hivegate.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	srv, err := gateway.NewServer(gateway.ServerConfig{
		AuthToken:         cfg.Auth.Token,
		TrustedProxies:    cfg.Auth.TrustedProxies,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         cfg.RateLimit,
		Hooks:             cfg.Hooks,
		QueueDepth:        cfg.BroadcastQueueDepth,
		ConfigFingerprint: cfg.Fingerprint(),
		HomeDir:           cfg.HomeDir,
		Store:             store,
		Bus:               eventBus,
		Dispatcher:        busDispatcher{},
		Metrics:           metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	defer srv.Close()
	go srv.Start(ctx)

	hb, err := heartbeat.NewRunner(heartbeat.Config{
		Bus:             eventBus,
		Logger:          logger,
		IntervalMinutes: cfg.HeartbeatIntervalMinutes,
	})
	if err != nil {
		fatalStartup(logger, "E_HEARTBEAT_INIT", err)
	}
	hb.Start(ctx)
	defer hb.Stop()

	var tg *channels.TelegramChannel
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg = channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				busDispatcher{},
				logger,
				eventBus,
			)
			tg.SetWebhookSecret(cfg.Channels.Telegram.WebhookSecret)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	// Config edits on disk need a restart to apply; the watcher only surfaces
	// the drift.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-watcher.Events():
					if !ok {
						return
					}
					logger.Warn("config changed on disk; restart to apply", "path", ev.Path, "op", ev.Op)
				}
			}
		}()
	}

	router := gateway.NewRouter(srv.Stages()...)
	if tg != nil {
		router.Append(tg.WebhookStage)
	}
	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: router,
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws", "hooks", cfg.Hooks.BasePath)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("hivegate %s listening on %s\n", Version, cfg.BindAddr)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// writeMinimalConfig bootstraps config.yaml on first run. The generated
// gateway token is the only credential remote clients can use until the
// operator edits the file.
func writeMinimalConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}

	token := make([]byte, 24)
	if _, err := rand.Read(token); err != nil {
		return fmt.Errorf("generate gateway token: %w", err)
	}

	cfg := config.Config{
		BindAddr: "127.0.0.1:18890",
		LogLevel: "info",
		Auth: config.AuthConfig{
			Token: hex.EncodeToString(token),
		},
		RateLimit: config.RateLimitConfig{
			Limit:         20,
			WindowSeconds: 60,
			MaxKeys:       2048,
		},
		Hooks: config.HooksConfig{
			BasePath:          "/hooks",
			MaxBodyBytes:      1 << 20,
			BodyReadTimeoutMS: 5000,
		},
		BroadcastQueueDepth:      64,
		HeartbeatIntervalMinutes: 30,
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(homeDir), data, 0o600); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
