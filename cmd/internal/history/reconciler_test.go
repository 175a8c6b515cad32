package history

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingSink struct {
	present map[string]bool
	muts    []Mutation
	empties int
	loads   int
}

func newRecordingSink(ids ...string) *recordingSink {
	s := &recordingSink{present: make(map[string]bool)}
	for _, id := range ids {
		s.present[id] = true
	}
	return s
}

func (s *recordingSink) has(id string) bool { return s.present[id] }

func (s *recordingSink) apply(m Mutation) {
	s.muts = append(s.muts, m)
	if m.Kind == MutationInsert {
		s.present[m.Key] = true
	}
}

func (s *recordingSink) noItems() { s.empties++ }
func (s *recordingSink) loaded()  { s.loads++ }

func newTestReconciler(sessions SessionSource, metrics *Metrics) (*reconciler, *int) {
	spawned := 0
	var tok uint64
	r := &reconciler{
		log:      discardLogger(),
		sessions: sessions,
		metrics:  metrics,
		gen:      1,
		ctx:      context.Background(),
		post:     func(context.Context, inboxMsg) bool { return true },
		spawn: func(func()) bool {
			spawned++
			return true
		},
		token: func() uint64 {
			tok++
			return tok
		},
		fetchers: make(map[string]*deepFetcher),
	}
	return r, &spawned
}

func TestReconcilerEmptyOnlyOnInitialBatch(t *testing.T) {
	t.Parallel()

	r, _ := newTestReconciler(nil, nil)
	s := newRecordingSink()

	r.onBatch(feedBatch{gen: 1, initial: true}, s)
	r.onBatch(feedBatch{gen: 1}, s)

	if s.empties != 1 {
		t.Fatalf("noItems=%d want=1", s.empties)
	}
	if s.loads != 1 {
		t.Fatalf("loaded=%d want=1", s.loads)
	}
	if len(s.muts) != 0 {
		t.Fatalf("muts=%v want none", s.muts)
	}
}

func TestReconcilerBatchMutations(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r, _ := newTestReconciler(nil, nil)
	s := newRecordingSink("b")

	reload := r.onBatch(feedBatch{gen: 1, initial: true, changes: []Change{
		{Kind: Added, Item: testItem("a", "s1", base)},
		{Kind: Added, Item: testItem("b", "s2", base)},
		{Kind: Modified, Item: testItem("c", "s3", base)},
	}}, s)

	if reload {
		t.Fatalf("reload requested without removals")
	}
	want := []MutationKind{MutationInsert, MutationPatch, MutationPatch}
	if len(s.muts) != len(want) {
		t.Fatalf("muts=%v", s.muts)
	}
	for i, k := range want {
		if s.muts[i].Kind != k {
			t.Fatalf("muts[%d].Kind=%v want=%v", i, s.muts[i].Kind, k)
		}
	}
	if s.muts[0].Key != "a" || s.muts[1].Key != "b" || s.muts[2].Key != "c" {
		t.Fatalf("keys out of order: %v", s.muts)
	}
	if s.loads != 1 {
		t.Fatalf("loaded=%d want=1", s.loads)
	}
}

func TestReconcilerRemovedKeysBySessionAndReloads(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r, _ := newTestReconciler(newFakeSessions(), nil)
	s := newRecordingSink()

	r.onBatch(feedBatch{gen: 1, initial: true, changes: []Change{{Kind: Added, Item: testItem("a", "s1", base)}}}, s)
	if r.fetchers["a"] == nil {
		t.Fatalf("no fetcher for a")
	}

	reload := r.onBatch(feedBatch{gen: 1, changes: []Change{{Kind: Removed, Item: testItem("a", "s1", base)}}}, s)
	if !reload {
		t.Fatalf("Removed did not request reload")
	}
	last := s.muts[len(s.muts)-1]
	if last.Kind != MutationRemove || last.Key != "s1" {
		t.Fatalf("last=%+v want Remove{s1}", last)
	}
	if r.fetchers["a"] != nil {
		t.Fatalf("fetcher for a still open")
	}
	if s.loads != 1 {
		t.Fatalf("loaded=%d want=1 (reload batch must not mark loaded)", s.loads)
	}

	// Removing an id with no fetcher is fine.
	r.onBatch(feedBatch{gen: 1, changes: []Change{{Kind: Removed, Item: testItem("zz", "s9", base)}}}, s)
}

func TestReconcilerFetcherLifecycle(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r, spawned := newTestReconciler(newFakeSessions(), nil)
	s := newRecordingSink()

	it := testItem("a", "s1", base)
	r.onBatch(feedBatch{gen: 1, initial: true, changes: []Change{{Kind: Added, Item: it}}}, s)
	first := r.fetchers["a"]

	it.Title = "renamed"
	r.onBatch(feedBatch{gen: 1, changes: []Change{{Kind: Modified, Item: it}}}, s)
	if r.fetchers["a"] != first || *spawned != 1 {
		t.Fatalf("fetcher replaced on same link (spawned=%d)", *spawned)
	}
	if first.item.Title != "renamed" {
		t.Fatalf("fetcher item not refreshed: %+v", first.item)
	}

	it.SessionLink = SessionLink("s1-moved")
	r.onBatch(feedBatch{gen: 1, changes: []Change{{Kind: Modified, Item: it}}}, s)
	second := r.fetchers["a"]
	if second == first || second.token == first.token || *spawned != 2 {
		t.Fatalf("fetcher not replaced on link change")
	}

	r.close()
	if len(r.fetchers) != 0 {
		t.Fatalf("fetchers=%d after close", len(r.fetchers))
	}
}

func TestReconcilerRejectsStaleSessionUpdate(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewMetrics(prometheus.NewRegistry())
	r, _ := newTestReconciler(newFakeSessions(), m)
	s := newRecordingSink()

	r.onBatch(feedBatch{gen: 1, initial: true, changes: []Change{{Kind: Added, Item: testItem("a", "s1", base)}}}, s)
	f := r.fetchers["a"]
	n := len(s.muts)

	r.onSession(sessionUpdate{gen: 1, itemID: "a", token: f.token + 100, record: SessionRecord{Title: "late"}}, s)
	r.onSession(sessionUpdate{gen: 1, itemID: "gone", token: f.token, record: SessionRecord{Title: "late"}}, s)
	if len(s.muts) != n {
		t.Fatalf("stale update applied: %v", s.muts[n:])
	}
	if got := testutil.ToFloat64(m.staleDeliveries); got != 2 {
		t.Fatalf("stale_deliveries=%v want=2", got)
	}

	est := 13.0
	r.onSession(sessionUpdate{gen: 1, itemID: "a", token: f.token, record: SessionRecord{Title: "live", FinalEstimate: &est}}, s)
	got := s.muts[len(s.muts)-1]
	if got.Kind != MutationPatch || got.Key != "a" {
		t.Fatalf("got=%+v want Patch{a}", got)
	}
	applied := got.Patch.ApplyTo(Item{ID: "a"})
	if applied.Title != "live" || *applied.Estimate != 13 || applied.SessionID != "s1" {
		t.Fatalf("merged=%+v", applied)
	}
}
