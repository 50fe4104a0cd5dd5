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

	"github.com/basket/cmdcenter/internal/audit"
	"github.com/basket/cmdcenter/internal/bus"
	"github.com/basket/cmdcenter/internal/config"
	"github.com/basket/cmdcenter/internal/gateway"
	"github.com/basket/cmdcenter/internal/monitor"
	otelPkg "github.com/basket/cmdcenter/internal/otel"
	"github.com/basket/cmdcenter/internal/ratelimit"
	"github.com/basket/cmdcenter/internal/retention"
	"github.com/basket/cmdcenter/internal/scrub"
	"github.com/basket/cmdcenter/internal/store"
	"github.com/basket/cmdcenter/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the coordination server
  %s status                   Show server health status (/healthz)
  %s verify                   Verify the audit hash chain and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CMDCENTER_HOME              Data directory (default: ~/.cmdcenter)
  CMDCENTER_LISTEN_ADDR       Override listen address
  CMDCENTER_LOG_LEVEL         Override log level
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
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "verify":
			os.Exit(runVerifyCommand(ctx))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	scrubber := scrub.New(cfg.SecretMinLength)
	for _, tc := range cfg.Auth.Tokens {
		scrubber.AddSecret(tc.Token)
	}
	for _, s := range cfg.KnownSecrets {
		scrubber.AddSecret(s)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false, scrubber)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config_fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: "cmdcenter",
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()

	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	st.SetMaxRetries(cfg.MaxRetryCount)
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	auditKey, err := audit.LoadOrCreateKey(filepath.Join(cfg.HomeDir, "data", "audit.key"))
	if err != nil {
		fatalStartup(logger, "E_AUDIT_KEY", err)
	}
	auditLog, err := audit.New(st.DB(), auditKey, scrubber)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}

	// Verify the surviving chain before accepting writes so tampering during
	// downtime is caught at the earliest possible moment.
	if err := auditLog.VerifyAll(ctx); err != nil {
		fatalStartup(logger, "E_AUDIT_CHAIN", err)
	}
	logger.Info("startup phase", "phase", "audit_chain_verified")

	staleness := time.Duration(cfg.StalenessThresholdSeconds) * time.Second
	mon := monitor.New(monitor.Config{
		Store:     st,
		Audit:     auditLog,
		Metrics:   metrics,
		Logger:    logger,
		Interval:  time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		Staleness: staleness,
	})
	mon.Start(ctx)
	defer mon.Stop()

	sweeper, err := retention.New(retention.Config{
		Store:        st,
		Audit:        auditLog,
		Logger:       logger,
		Schedule:     cfg.Retention.SweepSchedule,
		DetailedDays: cfg.Retention.DetailedDays,
		MaxEventRows: cfg.Retention.MaxEventRows,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.RateLimit.RequestsPerMinute)
		limiter.StartEviction(ctx, 5*time.Minute, 10*time.Minute)
	}

	authMW, err := gateway.NewAuthMiddleware(cfg.Auth, auditLog, logger)
	if err != nil {
		fatalStartup(logger, "E_AUTH_INIT", err)
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			// Token, schedule, and bind changes need a restart. Surfacing the
			// fingerprint drift in /healthz is enough to make that visible.
			logger.Info("config file changed on disk; restart to apply", "path", ev.Path, "op", ev.Op.String())
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:             st,
		Audit:             auditLog,
		Bus:               eventBus,
		Limiter:           limiter,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		Logger:            logger,
		Auth:              authMW,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.ListenAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if _, err := auditLog.Append(ctx, audit.Entry{
		ActorType: audit.ActorSystem,
		ActorID:   "cmdcenter",
		Action:    audit.ActionServerStarted,
		Channel:   audit.ChannelAPI,
		Metadata:  map[string]any{"version": Version, "listen_addr": cfg.ListenAddr},
	}); err != nil {
		fatalStartup(logger, "E_AUDIT_APPEND", err)
	}
	logger.Info("startup phase", "phase", "server_started", "addr", cfg.ListenAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	mon.Stop()
	sweeper.Stop()

	if _, err := auditLog.Append(context.Background(), audit.Entry{
		ActorType: audit.ActorSystem,
		ActorID:   "cmdcenter",
		Action:    audit.ActionServerStopped,
		Channel:   audit.ChannelAPI,
	}); err != nil {
		logger.Error("audit server stop", "error", err)
	}
	logger.Info("shutdown complete")
}

// runVerifyCommand opens the database read-path and walks the full audit
// chain, printing the first break if one exists.
func runVerifyCommand(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	st, err := store.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	key, err := audit.LoadOrCreateKey(filepath.Join(cfg.HomeDir, "data", "audit.key"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load audit key: %v\n", err)
		return 1
	}
	auditLog, err := audit.New(st.DB(), key, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init audit: %v\n", err)
		return 1
	}
	if err := auditLog.VerifyAll(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "audit chain verification FAILED: %v\n", err)
		return 1
	}
	fmt.Println("audit chain OK")
	return 0
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
			`{"timestamp":"%s","level":"ERROR","component":"cmdcenter","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
