package docstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"scoping/cmd/internal/history"
)

// Listener forwards Postgres notifications on NotifyChannel to a Notifier.
//
// It holds one dedicated connection. After every (re)connect it wakes all
// watchers, since notifications sent while disconnected are lost.
type Listener struct {
	log      *slog.Logger
	pool     *pgxpool.Pool
	notifier *Notifier
	backoff  history.Backoff

	ready chan struct{}
}

func NewListener(log *slog.Logger, pool *pgxpool.Pool, notifier *Notifier) (*Listener, error) {
	if pool == nil {
		return nil, errors.New("docstore: nil pool")
	}
	if notifier == nil {
		return nil, errors.New("docstore: nil notifier")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		log:      log,
		pool:     pool,
		notifier: notifier,
		backoff:  history.Backoff{Min: 200 * time.Millisecond, Max: 10 * time.Second},
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once the first LISTEN succeeded.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

// Run listens until ctx ends, reconnecting with backoff.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	first := true
	for {
		err := l.listen(ctx, func() {
			attempt = 0
			if first {
				first = false
				close(l.ready)
			}
		})
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		l.log.Warn("docstore.listener.fail", "attempt", attempt, "err", err)

		t := time.NewTimer(l.backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (l *Listener) listen(ctx context.Context, connected func()) error {
	pc, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// A LISTENing connection must not go back to the pool.
	conn := pc.Hijack()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return err
	}
	connected()
	l.log.Info("docstore.listener.ready", "channel", NotifyChannel)
	l.notifier.PublishAll()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.notifier.Publish(n.Payload)
	}
}
