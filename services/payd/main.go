package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"interpay/gateway/middleware"
	"interpay/ledger"
	"interpay/observability"
	"interpay/observability/logging"
	telemetry "interpay/observability/otel"
	"interpay/pay"
	"interpay/services/payd/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/payd/config.yaml", "path to payd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("INTERPAY_ENV"))
	logger := logging.Setup("payd", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "payd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("payd: load config: %v", err)
	}

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("payd: open sqlite store: %v", err)
	}
	defer store.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := ledger.NewClient(cfg.Ledger.RPCURL, cfg.Ledger.AuthToken)
	stream := ledger.NewStream(cfg.Ledger.WSURL, cfg.Ledger.AuthToken, logger).
		WithDisconnectHook(observability.Payments().RecordStreamReconnect)
	go func() {
		if err := stream.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("fulfillment stream stopped", "error", err)
			stop()
		}
	}()

	quoter := pay.NewQuoter(client).WithMaxHoldDuration(cfg.Quote.MaxHold.Duration)
	executor := pay.NewPayExecutor(client, stream)

	server := NewServer(ServerConfig{
		BearerToken: cfg.Auth.BearerToken,
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		LogRequests: env == "dev",
	}, quoter, executor, store, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(server, "payd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("payd listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down payd")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
