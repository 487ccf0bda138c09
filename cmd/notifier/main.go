package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/heraldbot/herald/internal/config"
	"github.com/heraldbot/herald/internal/db"
	"github.com/heraldbot/herald/internal/health"
	"github.com/heraldbot/herald/internal/listener"
	"github.com/heraldbot/herald/internal/logging"
	"github.com/heraldbot/herald/internal/metrics"
	"github.com/heraldbot/herald/internal/processor"
	"github.com/heraldbot/herald/internal/sink"
	"github.com/heraldbot/herald/internal/store"
	"github.com/heraldbot/herald/internal/tracing"
)

// restartBackoff is how long the supervisor waits before re-establishing
// a failed notification session.
const restartBackoff = 5 * time.Second

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("herald-notifier")

	shutdown, err := tracing.InitTracing(ctx, "herald-notifier")
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
	if err := db.EnsureTriggers(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("trigger setup failed")
	}

	events := store.NewWebhookEvents(pool)
	repos := store.NewRepos(pool)
	discord := sink.NewDiscordSink(cfg.Sink.BaseURL, cfg.Sink.BotToken, cfg.Sink.Timeout)
	proc := processor.New(discord, repos, events, logger)

	lst := listener.New(pool, cfg.Listener.QueueCapacity, cfg.Listener.KeepAliveInterval, logger)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Listener.Dispatchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-lst.Events():
					if err := proc.HandleChange(ctx, ev); err != nil {
						logger.WithContext(ctx).WithChannel(string(ev.Channel)).WithError(err).
							Error("change delivery failed")
					}
				}
			}
		}()
	}

	// Supervisor: the listener stops on any connection or keep-alive
	// failure, so re-establish the session until shutdown.
	go func() {
		for {
			err := lst.Start(ctx)
			if ctx.Err() != nil {
				return
			}
			logger.Plain().WithError(err).Error("notification session ended, restarting")
			select {
			case <-time.After(restartBackoff):
			case <-ctx.Done():
				return
			}
		}
	}()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler("herald-notifier", pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("notifier HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("notifier HTTP server failed")
		}
	}()

	logger.Plain().Info("notifier started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down notifier")
	cancel()
	wg.Wait()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("notifier stopped")
}
