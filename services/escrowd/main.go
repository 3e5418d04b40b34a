package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"gigvault/gateway/auth"
	"gigvault/gateway/middleware"
	"gigvault/native/escrow"
	"gigvault/observability/logging"
	telemetry "gigvault/observability/otel"
	"gigvault/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "escrowd.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		// The logger is configured from this file, so fall back to stderr.
		os.Stderr.WriteString("escrowd: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.Setup("escrowd", cfg.Environment)

	otlpInsecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			otlpInsecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "escrowd",
		Environment: cfg.Environment,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    otlpInsecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		logger.Error("initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open ledger database", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open sqlite store", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ledger := escrow.NewLedger(db)
	engine := escrow.NewEngine()
	engine.SetState(ledger)
	engine.SetGateway(escrow.NewLedgerGateway(ledger))
	if err := engine.InitPlatform(escrow.PlatformConfig{
		Owner:          cfg.OwnerAddress(),
		PlatformWallet: cfg.PlatformWalletAddress(),
		FeeBps:         cfg.FeeBps,
	}); err != nil {
		logger.Error("initialise platform", "error", err)
		os.Exit(1)
	}
	for _, token := range cfg.Tokens {
		if err := engine.SetSupportedToken(cfg.OwnerAddress(), token, true); err != nil {
			logger.Error("register token", "token", token, "error", err)
			os.Exit(1)
		}
	}

	queueOpts := []WebhookQueueOption{}
	if cfg.Queue.Capacity > 0 {
		queueOpts = append(queueOpts, WithWebhookTaskCapacity(cfg.Queue.Capacity))
	}
	if cfg.Queue.HistorySize > 0 {
		queueOpts = append(queueOpts, WithWebhookHistoryCapacity(cfg.Queue.HistorySize))
	}
	if cfg.queueTTL > 0 {
		queueOpts = append(queueOpts, WithWebhookTTL(cfg.queueTTL))
	}
	queue := NewWebhookQueue(queueOpts...)
	hub := NewEventHub(logger)
	recorder, err := NewEventRecorder(store, queue, hub, logger)
	if err != nil {
		logger.Error("initialise event recorder", "error", err)
		os.Exit(1)
	}
	engine.SetEmitter(recorder)

	credentials := make(map[string]auth.Credential, len(cfg.APIKeys))
	for _, entry := range cfg.APIKeys {
		credentials[entry.Key] = auth.Credential{Secret: entry.Secret, Account: entry.Account}
	}
	authenticator := auth.NewAuthenticator(credentials, cfg.timestampSkew, cfg.nonceTTL, nil)
	admin := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Admin.JWTSecret != "",
		HMACSecret: cfg.Admin.JWTSecret,
		Issuer:     cfg.Admin.Issuer,
		Audience:   cfg.Admin.Audience,
	}, logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimitRules(), logger)

	server := NewServer(engine, authenticator, admin, limiter, store, queue, hub, logger)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	worker := NewWebhookWorker(store, queue, cfg.Webhooks, logger)
	go worker.Run(workerCtx)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: otelhttp.NewHandler(server.Router(), "escrowd"),
	}
	go func() {
		logger.Info("escrowd listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down escrowd")
	stopWorker()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
