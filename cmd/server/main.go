package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zerologlog "github.com/rs/zerolog/log"

	"github.com/kiliankoe/pokerdash/internal/backup"
	"github.com/kiliankoe/pokerdash/internal/config"
	"github.com/kiliankoe/pokerdash/internal/facilitator"
	"github.com/kiliankoe/pokerdash/internal/httpapi"
	"github.com/kiliankoe/pokerdash/internal/janitor"
	"github.com/kiliankoe/pokerdash/internal/poker"
	"github.com/kiliankoe/pokerdash/internal/router"
	"github.com/kiliankoe/pokerdash/internal/ws"
)

const version = "v1.0.0-dev"

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		portFlag    = flag.String("port", "", "Port to listen on (overrides PORT env var)")
	)
	flag.BoolVar(showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showHelp {
		fmt.Printf(`Pokerdash - Real-time planning poker

Usage: %s [options]

Options:
  -h, --help      Show this help message
  -v, --version   Show version information
  --port PORT     Port to listen on (default: 8080 or PORT env var)

Environment Variables:
  PORT                  Port to listen on (default: 8080)
  LOG_LEVEL             debug, info, warn or error (default: info)
  FACILITATOR_GRACE     Wait before volunteers may take over (default: 2m)
  SESSION_IDLE_TIMEOUT  Idle time before a session is deleted (default: 2h)
  JANITOR_INTERVAL      How often idle sessions are swept (default: 1m)
  CODE_LENGTH           Share code length (default: 5)
  CODE_ATTEMPTS         Code collision retries (default: 16)
  BACKUP_DRIVER         "none", "redis" or "sqlite" (default: none)
  REDIS_URL             Redis backend URL (default: redis://localhost:6379/0)
  SQLITE_PATH           SQLite backend file (default: data/pokerdash.db)
  BACKUP_RESTORE        Restore sessions from the backend at boot (default: true)
  EXPORT_ENABLED        Append results to a file on every final estimate (default: false)
  EXPORT_FILE           Path to export results (default: ./pokerdash-results.txt)
  CORS_ORIGIN           Allowed origin for browser clients (default: *)

Examples:
  %s                  Start server with default settings
  %s --port 3000      Start server on port 3000
`, os.Args[0], os.Args[0], os.Args[0])
		return
	}

	if *showVersion {
		fmt.Printf("Pokerdash %s\n", version)
		return
	}

	cfg := config.FromEnv()
	if *portFlag != "" {
		cfg.Port = *portFlag
	}

	// zerolog setup (human-friendly console)
	zerolog.TimeFieldFormat = time.RFC3339
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	zerologlog.Logger = zerologlog.Output(cw)
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		zerologlog.Warn().Str("level", cfg.LogLevel).Msg("unknown LOG_LEVEL, using info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Core: store -> facilitator lifecycle -> router
	store := poker.NewStore(
		poker.WithIdleTimeout(cfg.IdleTimeout),
		poker.WithCodeLength(cfg.CodeLength, cfg.CodeAttempts),
	)
	fac := facilitator.NewManager(facilitator.WithGrace(cfg.FacilitatorGrace))
	rt := router.New(store, fac)

	exportDone := make(chan struct{})
	if cfg.ExportEnabled {
		x := poker.NewExporter(cfg.ExportFile, poker.DefaultExportQueueLimit)
		store.Observe(x)
		go func() {
			x.Run(ctx)
			close(exportDone)
		}()
		zerologlog.Info().Str("file", x.Path()).Msg("exporting final estimates")
	} else {
		close(exportDone)
	}

	// Write-behind backup
	backend, err := backup.Open(cfg)
	if err != nil {
		zerologlog.Fatal().Err(err).Str("driver", cfg.BackupDriver).Msg("open backup backend")
	}
	writerDone := make(chan struct{})
	if backend != nil {
		defer backend.Close()
		if cfg.BackupRestore {
			ids, err := backup.Restore(ctx, backend, store)
			if err != nil {
				zerologlog.Error().Err(err).Msg("restore from backup failed")
			}
			for _, id := range ids {
				fac.Seed(id)
			}
		}
		w := backup.NewWriter(backend, backup.DefaultQueueLimit)
		store.Observe(w)
		go func() {
			w.Run(ctx)
			close(writerDone)
		}()
		zerologlog.Info().Str("driver", cfg.BackupDriver).Msg("backup enabled")
	} else {
		close(writerDone)
	}

	go janitor.New(store, cfg.JanitorInterval).Run(ctx)

	// Gin setup with custom logger (skip transport noise)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/socket.io") || path == "/ws" {
			return
		}
		status := c.Writer.Status()
		dur := time.Since(start)
		zerologlog.Info().Str("path", path).Int("status", status).Dur("dur", dur).Msg("http")
	})

	httpapi.New(store, fac, rt).Mount(r)
	io := ws.New(rt, cfg).Mount(r)
	defer io.Close()
	ws.NewWebSocketHandler(rt, cfg).Mount(r)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}
	go func() {
		zerologlog.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerologlog.Error().Err(err).Msg("server stopped unexpectedly")
			stop()
		}
	}()

	<-ctx.Done()
	zerologlog.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zerologlog.Error().Err(err).Msg("failed to shutdown server")
	}
	<-writerDone
	<-exportDone
	zerologlog.Info().Msg("server stopped")
}
