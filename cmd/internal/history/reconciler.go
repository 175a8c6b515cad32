package history

import (
	"context"
	"log/slog"
)

// sink receives the reconciler's output in emission order.
type sink interface {
	has(id string) bool
	apply(m Mutation)
	noItems()
	loaded()
}

// reconciler translates one feed generation into store mutations and owns
// the deep fetchers spawned for it. It runs on the engine loop only.
type reconciler struct {
	log      *slog.Logger
	sessions SessionSource
	backoff  Backoff
	metrics  *Metrics
	gen      uint64

	// ctx is the feed generation's context; every fetcher derives from it.
	ctx   context.Context
	post  func(ctx context.Context, m inboxMsg) bool
	spawn func(fn func()) bool
	token func() uint64

	fetchers map[string]*deepFetcher
}

// onBatch emits the mutations for one primary-feed batch and reports whether
// the feed must be reopened at the first page.
func (r *reconciler) onBatch(b feedBatch, s sink) (reload bool) {
	if b.initial && len(b.changes) == 0 {
		s.noItems()
		return false
	}

	for _, c := range b.changes {
		switch c.Kind {
		case Removed:
			r.stopFetcher(c.Item.ID)
			s.apply(Mutation{Kind: MutationRemove, Key: c.Item.SessionID})
			reload = true

		case Added, Modified:
			if c.Kind == Added && !s.has(c.Item.ID) {
				s.apply(Mutation{Kind: MutationInsert, Key: c.Item.ID, Item: c.Item})
			} else {
				s.apply(Mutation{Kind: MutationPatch, Key: c.Item.ID, Patch: PatchFrom(c.Item)})
			}
			r.ensureFetcher(c.Item)

		default:
			r.metrics.anomaly("unknown_change")
			r.log.Warn("history.reconcile.unknown_change", "gen", r.gen, "kind", c.Kind.String(), "item_id", c.Item.ID)
		}
	}

	if !reload {
		s.loaded()
	}
	return reload
}

// onSession merges a deep-fetch emission over the item it was spawned for.
func (r *reconciler) onSession(u sessionUpdate, s sink) {
	f := r.fetchers[u.itemID]
	if f == nil || f.token != u.token {
		r.metrics.staleDelivery()
		r.log.Debug("history.deepfetch.stale", "gen", r.gen, "item_id", u.itemID)
		return
	}
	merged := PatchFrom(f.item).Merge(PatchFromSession(u.record))
	s.apply(Mutation{Kind: MutationPatch, Key: u.itemID, Patch: merged})
}

func (r *reconciler) ensureFetcher(it Item) {
	if r.sessions == nil || it.ID == "" || it.SessionLink == "" {
		return
	}

	if f := r.fetchers[it.ID]; f != nil {
		if f.link == it.SessionLink {
			f.item = it
			return
		}
		r.stopFetcher(it.ID)
	}

	ctx, cancel := context.WithCancel(r.ctx)
	f := &deepFetcher{
		gen:    r.gen,
		itemID: it.ID,
		link:   it.SessionLink,
		token:  r.token(),
		cancel: cancel,
		item:   it,
	}
	post := func(m inboxMsg) bool { return r.post(ctx, m) }

	ok := r.spawn(func() {
		r.metrics.fetcherOpened()
		defer r.metrics.fetcherClosed()
		runDeepFetch(ctx, r.log, r.sessions, r.backoff, r.metrics, f, post)
	})
	if !ok {
		cancel()
		return
	}
	r.fetchers[it.ID] = f
}

// stopFetcher is a no-op for ids without a fetcher.
func (r *reconciler) stopFetcher(id string) {
	f := r.fetchers[id]
	if f == nil {
		return
	}
	f.cancel()
	delete(r.fetchers, id)
}

func (r *reconciler) close() {
	for id, f := range r.fetchers {
		f.cancel()
		delete(r.fetchers, id)
	}
}
