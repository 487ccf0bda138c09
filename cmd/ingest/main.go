package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/heraldbot/herald/internal/auth"
	"github.com/heraldbot/herald/internal/config"
	"github.com/heraldbot/herald/internal/db"
	"github.com/heraldbot/herald/internal/health"
	"github.com/heraldbot/herald/internal/ingest"
	"github.com/heraldbot/herald/internal/logging"
	"github.com/heraldbot/herald/internal/metrics"
	"github.com/heraldbot/herald/internal/store"
	"github.com/heraldbot/herald/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("herald-ingest")

	shutdown, err := tracing.InitTracing(ctx, "herald-ingest")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("schema setup failed")
	}

	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer prod.Stop()

	events := store.NewWebhookEvents(pool)
	repos := store.NewRepos(pool)
	tasks := store.NewTasks(pool)

	svc := ingest.NewService(cfg.Ingest.WebhookSecret, cfg.Ingest.MaxBodyBytes,
		cfg.NSQ.EventsTopic, events, repos, tasks, prod, logger)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler("herald-ingest", pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	admin := svc.Routes(mux)
	if cfg.Admin.JWTPublicKeyPEM != "" {
		validator, err := auth.NewJWTValidator(cfg.Admin.JWTPublicKeyPEM, cfg.Admin.JWTIssuer, cfg.Admin.JWTAudience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator setup failed")
		}
		admin = validator.HTTPMiddleware(admin)
	} else {
		logger.Plain().Warn("admin API running without authentication")
	}
	mux.Handle("/admin/", admin)

	httpSrv := &http.Server{Addr: cfg.Ingest.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("ingest HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("ingest HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down ingest")
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("ingest stopped")
}
