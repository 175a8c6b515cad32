package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FeedSource opens live queries against the remote summary collection.
type FeedSource interface {
	WatchHistory(ctx context.Context, q Query) (QueryWatch, error)
}

// QueryWatch is one live query subscription.
//
// The first batch returned by Next is the full current window as Added
// changes; later batches are diffs. SetLimit widens the window without
// tearing the subscription down and must not block on network I/O; the next
// batch after it reflects the new limit even when nothing changed.
type QueryWatch interface {
	Next(ctx context.Context) ([]Change, error)
	SetLimit(limit int) error
	Close() error
}

// Backoff is a capped exponential delay between resubscribe attempts.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// Delay returns the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = 100 * time.Millisecond
	}
	if hi < lo {
		hi = lo
	}
	d := lo
	for i := 1; i < attempt && d < hi; i++ {
		d *= 2
	}
	if d > hi {
		d = hi
	}
	return d
}

// wait sleeps for the attempt's delay and reports false when ctx ends first.
func (b Backoff) wait(ctx context.Context, attempt int) bool {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// changeFeed drives one primary subscription for a feed generation.
//
// It resubscribes after transient errors and converts the full snapshot a
// new subscription starts with into a diff against what was delivered.
type changeFeed struct {
	log     *slog.Logger
	src     FeedSource
	backoff Backoff
	metrics *Metrics
	gen     uint64

	mu    sync.Mutex
	query Query
	watch QueryWatch

	// known is the last delivered state per id; owned by run.
	known map[string]Item
}

func newChangeFeed(log *slog.Logger, src FeedSource, q Query, backoff Backoff, metrics *Metrics, gen uint64) *changeFeed {
	return &changeFeed{
		log:     log,
		src:     src,
		backoff: backoff,
		metrics: metrics,
		gen:     gen,
		query:   q,
		known:   make(map[string]Item),
	}
}

// extend raises the window limit. Smaller limits are ignored.
func (f *changeFeed) extend(limit int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if limit <= f.query.Limit {
		return
	}
	f.query.Limit = limit
	if f.watch != nil {
		if err := f.watch.SetLimit(limit); err != nil {
			f.log.Info("history.feed.extend.fail", "gen", f.gen, "limit", limit, "err", err)
		}
	}
}

func (f *changeFeed) currentQuery() Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.query
}

func (f *changeFeed) setWatch(w QueryWatch) {
	f.mu.Lock()
	f.watch = w
	f.mu.Unlock()
}

// run delivers batches through post until ctx ends. post returns false once
// the consumer is gone.
func (f *changeFeed) run(ctx context.Context, post func(inboxMsg) bool) {
	delivered := false
	attempt := 0

	for {
		q := f.currentQuery()
		w, err := f.src.WatchHistory(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !delivered {
				post(feedFailed{gen: f.gen, err: err})
				return
			}
			attempt++
			f.metrics.resubscribed("feed")
			f.log.Info("history.feed.resubscribe", "gen", f.gen, "attempt", attempt, "err", err)
			if !f.backoff.wait(ctx, attempt) {
				return
			}
			continue
		}

		f.setWatch(w)
		// A limit raised while no watch was attached still has to reach this one.
		if cur := f.currentQuery(); cur.Limit != q.Limit {
			_ = w.SetLimit(cur.Limit)
		}

		resync := delivered
		for {
			changes, err := w.Next(ctx)
			if err != nil {
				if ctx.Err() == nil && !delivered {
					f.setWatch(nil)
					_ = w.Close()
					post(feedFailed{gen: f.gen, err: err})
					return
				}
				if ctx.Err() == nil {
					f.log.Info("history.feed.watch.fail", "gen", f.gen, "err", err)
				}
				break
			}
			attempt = 0

			if resync {
				changes = f.resync(changes)
				resync = false
			} else {
				f.track(changes)
			}

			if !post(feedBatch{gen: f.gen, changes: changes, initial: !delivered}) {
				f.setWatch(nil)
				_ = w.Close()
				return
			}
			delivered = true
		}

		f.setWatch(nil)
		_ = w.Close()
		if ctx.Err() != nil {
			return
		}

		attempt++
		f.metrics.resubscribed("feed")
		f.log.Info("history.feed.resubscribe", "gen", f.gen, "attempt", attempt)
		if !f.backoff.wait(ctx, attempt) {
			return
		}
	}
}

func (f *changeFeed) track(changes []Change) {
	for _, c := range changes {
		if c.Kind == Removed {
			delete(f.known, c.Item.ID)
			continue
		}
		f.known[c.Item.ID] = c.Item
	}
}

// resync rewrites the full snapshot of a fresh subscription as a diff:
// already delivered ids become Modified, ids missing from it become Removed.
func (f *changeFeed) resync(snapshot []Change) []Change {
	seen := make(map[string]Item, len(snapshot))
	out := make([]Change, 0, len(snapshot))

	for _, c := range snapshot {
		if c.Kind == Removed {
			continue
		}
		seen[c.Item.ID] = c.Item
		if _, ok := f.known[c.Item.ID]; ok {
			c.Kind = Modified
		} else {
			c.Kind = Added
		}
		out = append(out, c)
	}

	var removed []Change
	for id, it := range f.known {
		if _, ok := seen[id]; !ok {
			removed = append(removed, Change{Kind: Removed, Item: it})
		}
	}

	f.known = seen
	return append(removed, out...)
}
