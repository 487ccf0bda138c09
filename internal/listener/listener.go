package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heraldbot/herald/internal/event"
	"github.com/heraldbot/herald/internal/logging"
	"github.com/heraldbot/herald/internal/metrics"
)

// notifyConn is the slice of *pgx.Conn the listener needs. Narrowed so the
// receive loop can be driven by a fake in tests.
type notifyConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// Listener holds one dedicated Postgres connection subscribed to the task
// notify channels and feeds parsed events into a bounded queue.
//
// It does not reconnect. On connection or keep-alive failure Start returns
// the error and the supervisor in cmd/notifier decides what to do.
type Listener struct {
	queue     chan event.ChangeEvent
	log       *logging.Logger
	keepAlive time.Duration

	acquire func(ctx context.Context) (notifyConn, func(), error)

	mu        sync.Mutex
	listening bool
}

// New creates a listener backed by pool. Parsed events are buffered in a
// queue of the given capacity; enqueueing blocks when it is full.
func New(pool *pgxpool.Pool, queueCapacity int, keepAlive time.Duration, log *logging.Logger) *Listener {
	return &Listener{
		queue:     make(chan event.ChangeEvent, queueCapacity),
		log:       log,
		keepAlive: keepAlive,
		acquire: func(ctx context.Context) (notifyConn, func(), error) {
			c, err := pool.Acquire(ctx)
			if err != nil {
				return nil, nil, err
			}
			return c.Conn(), c.Release, nil
		},
	}
}

// Events returns the queue dispatchers consume from.
func (l *Listener) Events() <-chan event.ChangeEvent {
	return l.queue
}

// Listening reports whether the receive loop is running.
func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listening
}

// Start subscribes and runs the receive loop until ctx is cancelled or the
// connection fails. Calling Start while already listening logs a warning
// and returns immediately.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.listening {
		l.mu.Unlock()
		l.log.Plain().Warn("already listening for notifications")
		return nil
	}
	l.listening = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.listening = false
		l.mu.Unlock()
	}()

	conn, release, err := l.acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer release()

	for _, channel := range event.ChangeChannels {
		if _, err := conn.Exec(ctx, "LISTEN "+string(channel)); err != nil {
			return fmt.Errorf("listen on %s: %w", channel, err)
		}
	}
	l.log.Plain().WithField("channels", len(event.ChangeChannels)).Info("listening for task notifications")

	return l.receive(ctx, conn)
}

func (l *Listener) receive(ctx context.Context, conn notifyConn) error {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, l.keepAlive)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Quiet interval: round-trip on the listening session so
				// the server and any middleboxes keep it open.
				if _, err := conn.Exec(ctx, "SELECT 1"); err != nil {
					l.log.Plain().WithError(err).Error("keep-alive failed, stopping listener")
					return fmt.Errorf("keep-alive: %w", err)
				}
				continue
			}
			l.log.Plain().WithError(err).Error("notification wait failed, stopping listener")
			return fmt.Errorf("wait for notification: %w", err)
		}

		l.handle(ctx, n)
	}
}

func (l *Listener) handle(ctx context.Context, n *pgconn.Notification) {
	ev, err := event.ParseChangeNotification(event.ChangeChannel(n.Channel), n.Payload)
	if err != nil {
		metrics.RecordChangeEvent(n.Channel, "parse_error")
		l.log.Plain().
			WithChannel(n.Channel).
			WithField("payload", n.Payload).
			WithError(err).
			Error("dropping unparseable notification")
		return
	}

	metrics.RecordChangeEvent(n.Channel, "received")

	// Blocking enqueue: a full queue slows the receive loop down instead
	// of dropping events or spawning unbounded work.
	select {
	case l.queue <- ev:
		metrics.DispatchQueueDepth.Set(float64(len(l.queue)))
	case <-ctx.Done():
	}
}
