package redrive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/heraldbot/herald/internal/event"
	"github.com/heraldbot/herald/internal/logging"
	"github.com/heraldbot/herald/internal/metrics"
)

// eventLister is the slice of store.WebhookEvents the sweeper needs.
type eventLister interface {
	ListUnprocessed(ctx context.Context, maxRetries, limit int) ([]*event.WebhookEvent, error)
}

// publisher matches nsq.Producer.Publish.
type publisher interface {
	Publish(topic string, body []byte) error
}

// Sweeper periodically re-publishes unprocessed webhook events that still
// have retry budget. It covers the gap left by lost queue messages and by
// ingest-time publish failures.
type Sweeper struct {
	events     eventLister
	prod       publisher
	topic      string
	interval   time.Duration
	maxRetries int
	batchSize  int
	log        *logging.Logger
}

func New(events eventLister, prod publisher, topic string, interval time.Duration, maxRetries, batchSize int, log *logging.Logger) *Sweeper {
	return &Sweeper{
		events:     events,
		prod:       prod,
		topic:      topic,
		interval:   interval,
		maxRetries: maxRetries,
		batchSize:  batchSize,
		log:        log,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.log.Plain().WithError(err).Error("re-drive sweep failed")
				continue
			}
			if n > 0 {
				s.log.Plain().WithField("redriven", n).Info("re-drive sweep republished events")
			}
		}
	}
}

// Sweep runs one pass and returns how many events were republished.
// Least-retried and oldest events go first.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	metrics.RedriveSweepsTotal.Inc()

	pending, err := s.events.ListUnprocessed(ctx, s.maxRetries, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending events: %w", err)
	}

	var republished int
	for _, ev := range pending {
		task := event.Task{
			DeliveryID:   ev.DeliveryID,
			EventType:    string(ev.EventType),
			RepoFullName: ev.RepoFullName,
			Attempt:      ev.RetryCount,
			PublishedAt:  time.Now().UTC().Format(time.RFC3339),
		}
		b, err := json.Marshal(task)
		if err != nil {
			return republished, err
		}
		if err := s.prod.Publish(s.topic, b); err != nil {
			// Stop the pass; the next sweep retries from the top.
			return republished, fmt.Errorf("publish %s: %w", ev.DeliveryID, err)
		}
		republished++
	}

	metrics.RedrivenEventsTotal.Add(float64(republished))
	return republished, nil
}
