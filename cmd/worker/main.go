package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/heraldbot/herald/internal/config"
	"github.com/heraldbot/herald/internal/db"
	"github.com/heraldbot/herald/internal/event"
	"github.com/heraldbot/herald/internal/health"
	"github.com/heraldbot/herald/internal/logging"
	"github.com/heraldbot/herald/internal/metrics"
	"github.com/heraldbot/herald/internal/processor"
	"github.com/heraldbot/herald/internal/redrive"
	"github.com/heraldbot/herald/internal/sink"
	"github.com/heraldbot/herald/internal/store"
	"github.com/heraldbot/herald/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("herald-worker")

	shutdown, err := tracing.InitTracing(ctx, "herald-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	events := store.NewWebhookEvents(pool)
	repos := store.NewRepos(pool)
	discord := sink.NewDiscordSink(cfg.Sink.BaseURL, cfg.Sink.BotToken, cfg.Sink.Timeout)
	proc := processor.New(discord, repos, events, logger)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler("herald-worker", pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	conf := nsq.NewConfig()
	conf.MaxInFlight = 64
	consumer, err := nsq.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.ProcessorChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	sweeper := redrive.New(events, producer, cfg.NSQ.EventsTopic,
		cfg.Worker.SweepInterval, cfg.Worker.MaxAttempts, cfg.Worker.SweepBatchSize, logger)
	go sweeper.Run(ctx)

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse() // requeue and finish are decided explicitly
		defer func() {
			if !m.HasResponded() {
				m.Finish()
			}
		}()

		var t event.Task
		if err := json.Unmarshal(m.Body, &t); err != nil {
			logger.Plain().WithError(err).Error("bad task payload, dropping")
			m.Finish()
			return nil
		}

		ctx := tracing.ExtractTraceFromNSQ(ctx, t.TraceHeaders)
		ctx, span := tracing.StartSpan(ctx, "worker.process",
			attribute.String("delivery_id", t.DeliveryID),
			attribute.String("event_type", t.EventType),
			attribute.String("repo", t.RepoFullName),
			attribute.Int("attempt", t.Attempt),
		)
		defer span.End()

		// Re-read the stored event so replays and requeues see current
		// processed/retry state rather than the snapshot in the message.
		ev, err := events.GetByDeliveryID(ctx, t.DeliveryID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				logger.WithContext(ctx).WithDelivery(t.DeliveryID).Warn("task references unknown event, dropping")
				m.Finish()
				return nil
			}
			tracing.SetSpanError(ctx, err)
			logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithError(err).Error("event lookup failed, requeueing")
			m.Requeue(computeDelay(t.Attempt+1, cfg.Worker.BackoffSchedule, cfg.Worker.JitterPercent))
			return nil
		}

		if err := proc.ProcessWebhook(ctx, ev); err != nil {
			tracing.SetSpanError(ctx, err)
			metrics.RecordProcessRetry(classifyReason(err))

			// MarkFailed already bumped retry_count in the store
			attempt := ev.RetryCount + 1
			if attempt >= cfg.Worker.MaxAttempts {
				span.SetAttributes(attribute.String("final_status", "parked"))
				logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithField("attempt", attempt).
					Error("retry budget exhausted, parking event")
				m.Finish()
				return nil
			}

			delay := computeDelay(attempt, cfg.Worker.BackoffSchedule, cfg.Worker.JitterPercent)
			span.SetAttributes(
				attribute.String("final_status", "requeued"),
				attribute.String("delay", delay.String()),
			)
			logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithFields(map[string]any{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Info("requeueing event")
			m.Requeue(delay)
			return nil
		}

		m.Finish()
		return nil
	}))

	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().Info("worker started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker")
	consumer.Stop()
	<-consumer.StopChan
	cancel()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker stopped")
}

// computeDelay picks the backoff for a 1-based attempt and applies jitter.
func computeDelay(attempt int, schedule []time.Duration, jitterPct float64) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	j := 1 + (rand.Float64()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

func classifyReason(err error) string {
	if err == nil {
		return "other"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
		return "dns_error"
	case strings.Contains(msg, "status 429"):
		return "rate_limited"
	case strings.Contains(msg, "status 5"):
		return "upstream_5xx"
	case strings.Contains(msg, "not found"):
		return "target_missing"
	default:
		return "other"
	}
}
