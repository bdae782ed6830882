package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aspect-build/sealvault/internal/logx"
	"github.com/aspect-build/sealvault/internal/redact"
	"github.com/aspect-build/sealvault/internal/server"
	"github.com/aspect-build/sealvault/internal/version"
	"github.com/gin-gonic/gin"
)

const shutdownGrace = 30 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	verbose := flag.Bool("verbose", false, "Enable verbose debug logs (same as --log-level debug)")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error (or SEALVAULT_LOG_LEVEL)")
	envFile := flag.String("env-file", ".env", "Load environment variables from this file if it exists")
	flag.BoolVar(showVersion, "v", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", version.String("sealvault-server"))
		fmt.Fprintf(os.Stderr, "SealVault captures signed documents from eSignature platforms and proves their integrity.\n\n")
		fmt.Fprintf(os.Stderr, "Environment variables:\n")
		fmt.Fprintf(os.Stderr, "  SEALVAULT_MASTER_KEY      Master encryption key (64 hex chars, required)\n")
		fmt.Fprintf(os.Stderr, "  SEALVAULT_ADMIN_TOKEN     Admin Bearer token for management APIs (min 16 chars, required)\n")
		fmt.Fprintf(os.Stderr, "  SEALVAULT_DB_DRIVER       sqlite|pgx (default: sqlite)\n")
		fmt.Fprintf(os.Stderr, "  SEALVAULT_DB_DSN          Database path or connection string (default: sealvault.db)\n")
		fmt.Fprintf(os.Stderr, "  SEALVAULT_LISTEN_ADDR     Listen address (default: :8080)\n")
		fmt.Fprintf(os.Stderr, "  SEALVAULT_BASE_URL        Public base URL for OAuth callbacks (default: http://localhost:8080)\n")
		fmt.Fprintf(os.Stderr, "  SEALVAULT_COMPLETION_URL  Where the browser lands after an OAuth callback\n")
		fmt.Fprintf(os.Stderr, "  SEALVAULT_STORAGE         fs|s3 (default: fs)\n")
		fmt.Fprintf(os.Stderr, "  SEALVAULT_FS_ROOT         Document directory for fs storage (default: vault-data)\n")
		fmt.Fprintf(os.Stderr, "  SEALVAULT_S3_BUCKET       Bucket for s3 storage; see also SEALVAULT_S3_{REGION,ENDPOINT,ACCESS_KEY,SECRET_KEY}\n")
		fmt.Fprintf(os.Stderr, "  SEALVAULT_WORKERS         Ingestion workers (default: 4)\n")
		fmt.Fprintf(os.Stderr, "  SEALVAULT_QUEUE_SIZE      Ingestion queue capacity (default: 64)\n")
		fmt.Fprintf(os.Stderr, "  SEALVAULT_JOB_TIMEOUT     Deadline per ingestion job (default: 2m)\n")
		fmt.Fprintf(os.Stderr, "  SEALVAULT_LOG_LEVEL       Log level: debug|info|warn|error (default: info)\n")
		fmt.Fprintf(os.Stderr, "  <P>_CLIENT_ID, <P>_CLIENT_SECRET, <P>_WEBHOOK_SECRET, <P>_WEBHOOK_POLICY, <P>_AUTH_URL, <P>_API_URL\n")
		fmt.Fprintf(os.Stderr, "                            per provider, P in DOCUSIGN|SIGNNOW|PANDADOC\n")
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("sealvault-server"))
		os.Exit(0)
	}

	if err := server.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("load env file: %v", err)
	}
	if err := logx.Configure(*logLevel, *verbose); err != nil {
		log.Fatalf("configure logging: %v", err)
	}
	defer logx.Sync()

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	app.Start(context.WithoutCancel(ctx))

	if !logx.IsDebug() {
		gin.SetMode(gin.ReleaseMode)
	}
	masker := redact.New(cfg.Secrets()...)
	accessLog, errorLog := masker.Writer(os.Stdout), masker.Writer(os.Stderr)
	gin.DefaultWriter, gin.DefaultErrorWriter = accessLog, errorLog
	defer func() {
		_ = accessLog.Flush()
		_ = errorLog.Flush()
	}()
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logx.Infof("server config: db=%s storage=%s providers=%d base_url=%s",
		cfg.DBDriver, cfg.Storage, len(cfg.Providers), cfg.BaseURL)

	errCh := make(chan error, 1)
	go func() {
		logx.Infof("sealvault-server listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logx.Errorf("server error: %v", err)
		}
	case <-ctx.Done():
		logx.Infof("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.Warnf("http shutdown: %v", err)
	}
	if err := app.Shutdown(shutdownCtx); err != nil {
		logx.Warnf("pipeline shutdown: %v", err)
	}
}
