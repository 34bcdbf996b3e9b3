package main

import (
	"context"
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

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/cache"
	"github.com/basket/clawdeck/internal/claw"
	"github.com/basket/clawdeck/internal/config"
	"github.com/basket/clawdeck/internal/orchestrator"
	otelPkg "github.com/basket/clawdeck/internal/otel"
	"github.com/basket/clawdeck/internal/persistence"
	"github.com/basket/clawdeck/internal/recovery"
	"github.com/basket/clawdeck/internal/server"
	"github.com/basket/clawdeck/internal/telemetry"
	"github.com/basket/clawdeck/internal/transcript"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the dashboard backend

SUBCOMMANDS:
  %s status                   Show daemon health (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CLAWDECK_HOME               Data directory (default: ~/.clawdeck)
  CLAWDECK_BIND_ADDR          Listen address override
  CLAWDECK_AUTH_TOKEN         Dashboard API bearer token override
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

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
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "tenants", len(cfg.Tenants))

	if cfg.AuthToken == "" {
		if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
			h := strings.TrimSpace(strings.ToLower(host))
			if h != "127.0.0.1" && h != "localhost" && h != "::1" {
				logger.Warn("auth_token is empty on a non-loopback bind; the dashboard API is open", "bind_addr", cfg.BindAddr)
			}
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "clawdeck.db")
	store, err := persistence.Open(dbPath, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	// Per-tenant gateway clients and transcript readers.
	rpcTimeout := time.Duration(cfg.Exec.RPCTimeoutSeconds) * time.Second
	clients := make(map[string]*claw.Client, len(cfg.Tenants))
	transcripts := make(map[string]*transcript.Reader, len(cfg.Tenants))
	execTenants := make(map[string]orchestrator.Tenant, len(cfg.Tenants))
	histories := make(map[string]server.HistoryClient, len(cfg.Tenants))
	tenantIDs := make([]string, 0, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		client := claw.New(claw.Config{
			BaseURL:    t.GatewayURL,
			Token:      t.GatewayToken,
			RPCTimeout: rpcTimeout,
			Logger:     logger.With("tenant_id", t.ID),
			Tracer:     otelProvider.Tracer,
			Metrics:    metrics,
		})
		reader := transcript.NewReader(t.TranscriptDir)
		clients[t.ID] = client
		transcripts[t.ID] = reader
		histories[t.ID] = client
		execTenants[t.ID] = orchestrator.Tenant{Client: client, Transcripts: reader, Model: t.Model}
		tenantIDs = append(tenantIDs, t.ID)
	}

	cacheSvc, err := cache.New(cache.Config{
		TTLs:       cacheTTLs(cfg.Cache),
		Fetchers:   cacheFetchers(clients),
		MaxTenants: cfg.Cache.MaxTenants,
		Bus:        eventBus,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_CACHE_INIT", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:          store,
		Tenants:        execTenants,
		Bus:            eventBus,
		Logger:         logger,
		Tracer:         otelProvider.Tracer,
		Metrics:        metrics,
		PollInterval:   cfg.PollInterval(),
		Deadline:       cfg.Deadline(),
		SpawnTimeout:   time.Duration(cfg.Exec.SpawnTimeoutSeconds) * time.Second,
		IdleThreshold:  time.Duration(cfg.Exec.IdleThresholdSeconds) * time.Second,
		ResultMaxBytes: cfg.Exec.ResultMaxBytes,
	})

	// Repair tasks stranded by the previous process. Best effort, off the
	// startup path: the listener does not wait for it.
	scanner := recovery.New(recovery.Config{
		Store:          store,
		Transcripts:    transcripts,
		Bus:            eventBus,
		Logger:         logger,
		Metrics:        metrics,
		ResultMaxBytes: cfg.Exec.ResultMaxBytes,
	})
	go func() {
		if err := scanner.Run(ctx); err != nil {
			logger.Error("recovery scan finished with errors", "error", err)
		} else {
			logger.Info("startup phase", "phase", "recovery_scan_completed")
		}
	}()

	if cfg.Cache.WarmSchedule != "" {
		warmer, err := cache.NewWarmer(cache.WarmerConfig{
			Cache:    cacheSvc,
			Tenants:  tenantIDs,
			Schedule: cfg.Cache.WarmSchedule,
			Logger:   logger,
		})
		if err != nil {
			fatalStartup(logger, "E_WARMER_INIT", err)
		}
		warmer.Start(ctx)
		defer warmer.Stop()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				// Tenant set and bind address need a restart; say so once
				// per change instead of half-applying.
				logger.Info("config.yaml changed; restart to apply")
			}
		}()
	}

	srv := server.New(server.Config{
		Store:             store,
		Cache:             cacheSvc,
		Executor:          orch,
		Gateways:          histories,
		Bus:               eventBus,
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		AuthToken:         cfg.AuthToken,
		TenantIDs:         tenantIDs,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		DBPath:            dbPath,
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("dashboard listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("dashboard server error", "error", err)
	}

	// Stop intake first, then drain supervisors. Tasks still in flight stay
	// inProgress and are repaired by the recovery scan next boot.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	orch.Close()
	cacheSvc.Wait()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"deck","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
