package history

import (
	"context"
	"log/slog"
)

// SessionSource opens live subscriptions to single session records.
type SessionSource interface {
	WatchSession(ctx context.Context, sessionLink string) (SessionWatch, error)
}

// SessionWatch delivers the linked record every time it changes.
// Next blocks until the record exists.
type SessionWatch interface {
	Next(ctx context.Context) (SessionRecord, error)
	Close() error
}

// deepFetcher is the reconciler's handle on one per-item session subscription.
type deepFetcher struct {
	gen    uint64
	itemID string
	link   string
	token  uint64
	cancel context.CancelFunc

	// item is the latest summary payload seen for itemID; enrichment merges
	// session records over it.
	item Item
}

// runDeepFetch keeps a session subscription alive until ctx ends,
// resubscribing after transient errors.
func runDeepFetch(ctx context.Context, log *slog.Logger, src SessionSource, backoff Backoff, metrics *Metrics, f *deepFetcher, post func(inboxMsg) bool) {
	attempt := 0
	for {
		w, err := src.WatchSession(ctx, f.link)
		if err == nil {
			for {
				rec, nerr := w.Next(ctx)
				if nerr != nil {
					err = nerr
					break
				}
				attempt = 0
				if !post(sessionUpdate{gen: f.gen, itemID: f.itemID, token: f.token, record: rec}) {
					_ = w.Close()
					return
				}
			}
			_ = w.Close()
		}

		if ctx.Err() != nil {
			return
		}

		attempt++
		metrics.resubscribed("session")
		log.Info("history.deepfetch.resubscribe", "item_id", f.itemID, "link", f.link, "attempt", attempt, "err", err)
		if !backoff.wait(ctx, attempt) {
			return
		}
	}
}
