package docstore

import (
	"context"
	"slices"
	"sync"

	"scoping/cmd/internal/history"
)

// queryWatch re-runs a windowed history query on every wake-up and reports
// the difference to the previous result.
type queryWatch struct {
	list  func(ctx context.Context, limit int) ([]history.Item, error)
	wake  <-chan struct{}
	unsub func()

	force     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	limit int

	// Owned by Next.
	started bool
	prev    []history.Item
}

func newQueryWatch(list func(ctx context.Context, limit int) ([]history.Item, error), wake <-chan struct{}, unsub func(), limit int) *queryWatch {
	return &queryWatch{
		list:   list,
		wake:   wake,
		unsub:  unsub,
		force:  make(chan struct{}, 1),
		closed: make(chan struct{}),
		limit:  limit,
	}
}

// Next blocks until the window changes. The first call returns the full
// window as Added changes, possibly none. A SetLimit always yields a batch.
func (w *queryWatch) Next(ctx context.Context) ([]history.Change, error) {
	forced := false
	for {
		if w.started {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-w.closed:
				return nil, ErrClosed
			case <-w.wake:
			case <-w.force:
				forced = true
			}
		}
		select {
		case <-w.force:
			forced = true
		default:
		}

		items, err := w.list(ctx, w.currentLimit())
		if err != nil {
			return nil, err
		}

		if !w.started {
			w.started = true
			w.prev = items
			out := make([]history.Change, 0, len(items))
			for _, it := range items {
				out = append(out, history.Change{Kind: history.Added, Item: it})
			}
			return out, nil
		}

		changes := diffWindow(w.prev, items)
		w.prev = items
		if len(changes) > 0 || forced {
			return changes, nil
		}
	}
}

func (w *queryWatch) SetLimit(limit int) error {
	if limit <= 0 {
		return invalid("docstore.SetLimit", "limit must be positive")
	}
	if limit > maxWindow {
		limit = maxWindow
	}
	w.mu.Lock()
	w.limit = limit
	w.mu.Unlock()
	signal(w.force)
	return nil
}

func (w *queryWatch) currentLimit() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limit
}

func (w *queryWatch) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.unsub()
	})
	return nil
}

// diffWindow returns the removals from prev first, then additions and
// modifications in cur's order.
func diffWindow(prev, cur []history.Item) []history.Change {
	before := make(map[string]history.Item, len(prev))
	for _, it := range prev {
		before[it.ID] = it
	}
	now := make(map[string]struct{}, len(cur))
	for _, it := range cur {
		now[it.ID] = struct{}{}
	}

	var out []history.Change
	for _, it := range prev {
		if _, ok := now[it.ID]; !ok {
			out = append(out, history.Change{Kind: history.Removed, Item: it})
		}
	}
	for _, it := range cur {
		old, ok := before[it.ID]
		switch {
		case !ok:
			out = append(out, history.Change{Kind: history.Added, Item: it})
		case !itemEqual(old, it):
			out = append(out, history.Change{Kind: history.Modified, Item: it})
		}
	}
	return out
}

func itemEqual(a, b history.Item) bool {
	return a.ID == b.ID &&
		a.SessionID == b.SessionID &&
		a.SessionLink == b.SessionLink &&
		a.AccessCode == b.AccessCode &&
		a.Title == b.Title &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.Status == b.Status &&
		floatPtrEqual(a.Estimate, b.Estimate)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sessionWatch emits the session record whenever it changes. A missing
// record is waited for rather than reported.
type sessionWatch struct {
	get   func(ctx context.Context) (history.SessionRecord, error)
	wake  <-chan struct{}
	unsub func()

	closed    chan struct{}
	closeOnce sync.Once

	// Owned by Next.
	started bool
	has     bool
	prev    history.SessionRecord
}

func (w *sessionWatch) Next(ctx context.Context) (history.SessionRecord, error) {
	for {
		if w.started {
			select {
			case <-ctx.Done():
				return history.SessionRecord{}, ctx.Err()
			case <-w.closed:
				return history.SessionRecord{}, ErrClosed
			case <-w.wake:
			}
		}
		w.started = true

		rec, err := w.get(ctx)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return history.SessionRecord{}, err
		}
		if w.has && recordEqual(w.prev, rec) {
			continue
		}
		w.prev, w.has = rec, true
		return rec, nil
	}
}

func (w *sessionWatch) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.unsub()
	})
	return nil
}

func recordEqual(a, b history.SessionRecord) bool {
	return a.SessionID == b.SessionID &&
		a.Link == b.Link &&
		a.Title == b.Title &&
		a.AccessCode == b.AccessCode &&
		a.Status == b.Status &&
		floatPtrEqual(a.FinalEstimate, b.FinalEstimate) &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		slices.EqualFunc(a.Votes, b.Votes, func(x, y history.Vote) bool {
			return x.UserID == y.UserID && x.TaskID == y.TaskID && x.Value == y.Value && x.CastAt.Equal(y.CastAt)
		})
}
