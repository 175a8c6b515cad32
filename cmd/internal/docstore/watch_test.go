package docstore

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"scoping/cmd/internal/history"
)

func TestDiffWindow(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := history.Item{ID: "a", Title: "a", CreatedAt: at}
	b := history.Item{ID: "b", Title: "b", CreatedAt: at}
	c := history.Item{ID: "c", Title: "c", CreatedAt: at}
	b2 := b
	b2.Estimate = f64(5)

	tests := []struct {
		name string
		prev []history.Item
		cur  []history.Item
		want []string
	}{
		{name: "no change", prev: []history.Item{a, b}, cur: []history.Item{a, b}, want: []string{}},
		{name: "added", prev: []history.Item{a}, cur: []history.Item{c, a}, want: []string{"added:c"}},
		{name: "removed first", prev: []history.Item{a, b}, cur: []history.Item{c, b}, want: []string{"removed:a", "added:c"}},
		{name: "modified", prev: []history.Item{a, b}, cur: []history.Item{a, b2}, want: []string{"modified:b"}},
		{name: "from empty", prev: nil, cur: []history.Item{a}, want: []string{"added:a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := changeSummary(diffWindow(tt.prev, tt.cur))
			if !slices.Equal(got, tt.want) {
				t.Fatalf("diffWindow = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueryWatch_InitialEmptyThenAdded(t *testing.T) {
	t.Parallel()

	d, st, _ := newMemoryDocs(t)
	w, err := d.WatchHistory(context.Background(), historyQuery("u1", 10))
	if err != nil {
		t.Fatalf("WatchHistory: %v", err)
	}
	defer w.Close()

	if got := nextChanges(t, w); len(got) != 0 {
		t.Fatalf("initial batch = %v, want empty", changeSummary(got))
	}

	mustCreate(t, st, "u1", "planning", time.Now().UTC())
	if got := changeSummary(nextChanges(t, w)); !slices.Equal(got, []string{"added:planning"}) {
		t.Fatalf("after create = %v", got)
	}
}

func TestQueryWatch_SetLimitAlwaysYieldsBatch(t *testing.T) {
	t.Parallel()

	d, st, _ := newMemoryDocs(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mustCreate(t, st, "u1", "older", base)
	mustCreate(t, st, "u1", "newer", base.Add(time.Minute))

	w, err := d.WatchHistory(context.Background(), historyQuery("u1", 1))
	if err != nil {
		t.Fatalf("WatchHistory: %v", err)
	}
	defer w.Close()

	if got := changeSummary(nextChanges(t, w)); !slices.Equal(got, []string{"added:newer"}) {
		t.Fatalf("initial = %v", got)
	}

	if err := w.SetLimit(2); err != nil {
		t.Fatalf("SetLimit: %v", err)
	}
	if got := changeSummary(nextChanges(t, w)); !slices.Equal(got, []string{"added:older"}) {
		t.Fatalf("after widen = %v", got)
	}

	// Same window again: the batch is forced even though nothing moved.
	if err := w.SetLimit(2); err != nil {
		t.Fatalf("SetLimit: %v", err)
	}
	if got := nextChanges(t, w); len(got) != 0 {
		t.Fatalf("forced batch = %v, want empty", changeSummary(got))
	}

	if err := w.SetLimit(0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("SetLimit(0) err = %v, want ErrInvalidInput", err)
	}
}

func TestQueryWatch_CloseUnsubscribes(t *testing.T) {
	t.Parallel()

	d, _, n := newMemoryDocs(t)
	w, err := d.WatchHistory(context.Background(), historyQuery("u1", 5))
	if err != nil {
		t.Fatalf("WatchHistory: %v", err)
	}
	nextChanges(t, w)

	if got := n.Subscribers(HistoryTopic("u1")); got != 1 {
		t.Fatalf("Subscribers = %d, want 1", got)
	}
	_ = w.Close()
	_ = w.Close()
	if got := n.Subscribers(HistoryTopic("u1")); got != 0 {
		t.Fatalf("Subscribers after close = %d, want 0", got)
	}

	if _, err := w.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Next after close err = %v, want ErrClosed", err)
	}
}

func TestWatchHistory_RejectsInvalidQuery(t *testing.T) {
	t.Parallel()

	d, _, _ := newMemoryDocs(t)
	_, err := d.WatchHistory(context.Background(), history.Query{UserID: "u1", OrderBy: "title", Limit: 5})
	if !errors.Is(err, history.ErrInvalidQuery) {
		t.Fatalf("err = %v, want ErrInvalidQuery", err)
	}
}

func TestSessionWatch_WaitsForRecordAndSkipsUnchanged(t *testing.T) {
	t.Parallel()

	wake := make(chan struct{}, 1)
	present := make(chan history.SessionRecord, 1)
	var current *history.SessionRecord

	w := &sessionWatch{
		get: func(ctx context.Context) (history.SessionRecord, error) {
			select {
			case rec := <-present:
				current = &rec
			default:
			}
			if current == nil {
				return history.SessionRecord{}, notFound("test", "missing")
			}
			return *current, nil
		},
		wake:   wake,
		unsub:  func() {},
		closed: make(chan struct{}),
	}

	// A missing record blocks until a wake finds it.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := w.Next(ctx)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next on missing record err = %v, want deadline", err)
	}

	present <- history.SessionRecord{SessionID: "s1", Title: "t"}
	wake <- struct{}{}
	if rec := nextRecord(t, w); rec.SessionID != "s1" {
		t.Fatalf("record = %+v", rec)
	}

	// A wake without a change emits nothing.
	wake <- struct{}{}
	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = w.Next(ctx)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next on unchanged record err = %v, want deadline", err)
	}

	present <- history.SessionRecord{SessionID: "s1", Title: "t", Votes: []history.Vote{{UserID: "u1", Value: 3}}}
	wake <- struct{}{}
	if rec := nextRecord(t, w); len(rec.Votes) != 1 {
		t.Fatalf("record votes = %+v", rec.Votes)
	}
}
