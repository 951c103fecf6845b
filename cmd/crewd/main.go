package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/crewline/crewd/internal/audit"
	"github.com/crewline/crewd/internal/config"
	"github.com/crewline/crewd/internal/core"
	otelPkg "github.com/crewline/crewd/internal/otel"
	"github.com/crewline/crewd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON (default):
  %s                          Run the orchestration daemon in the foreground

SUBCOMMANDS:
  %s status [-json]           Show daemon and scheduler health over the gateway
  %s approvals                Review pending tool approvals
                              (interactive console on a TTY, plain list when piped)
  %s doctor [-json]           Run diagnostic checks
  %s trust pin|verify|list    Manage pinned tool binary checksums
  %s backup <dest>            Write a consistent snapshot of the event log
  %s version                  Print the build version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CREWD_HOME                  Data directory (default: ~/.crewd)
  CREWD_BIND_ADDR             Gateway bind address (default: 127.0.0.1:18790)
  CREWD_AUTH_TOKEN            Gateway bearer token (default: minted on first run)

EXAMPLES:
  Run the daemon:             %s
  Check health:               %s status
  Review approvals:           %s approvals
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "approvals":
			os.Exit(runApprovalsCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "trust":
			os.Exit(runTrustCommand(ctx, args[1:]))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx))
}

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger failures are audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected",
				"bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		if err := config.WriteStarter(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("starter config written; accounts need vault refs before dispatch works",
			"path", config.ConfigPath(cfg.HomeDir))
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	daemon, err := core.New(cfg)
	if err != nil {
		fatalStartup(logger, "E_CORE_INIT", err)
	}
	audit.SetDB(daemon.Store.DB())

	if err := daemon.Start(ctx); err != nil {
		fatalStartup(logger, "E_CORE_START", err)
	}
	logger.Info("crewd ready",
		"addr", daemon.Addr(),
		"version", Version,
		"config", daemon.Config.Fingerprint(),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	daemon.Drain()
	audit.SetDB(nil)
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	_ = audit.Close()
	os.Exit(1)
}

// loadDotEnv applies KEY=VALUE lines from path without overriding variables
// already set in the environment. A missing file is not an error.
func loadDotEnv(path string) {
	_ = godotenv.Load(path)
}
