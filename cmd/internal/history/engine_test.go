package history

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewEngineRequiresFeedAndUser(t *testing.T) {
	t.Parallel()

	if _, err := NewEngine(nil, Config{UserID: "u1"}, Deps{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err=%v want ErrNotConfigured", err)
	}
	if _, err := NewEngine(nil, Config{}, Deps{Feed: newFakeFeed()}); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("err=%v want ErrInvalidQuery", err)
	}
}

func TestEngineInitialEmptyThenAdded(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed()
	e := startEngine(t, Deps{Feed: feed})
	if got := e.UIState().Phase; got != PhaseIdle {
		t.Fatalf("phase=%v want=idle", got)
	}

	if err := e.LoadHistory(context.Background()); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	w := feed.next(t)
	if w.query.UserID != "u1" || w.query.Limit != 10 || !w.query.Descending {
		t.Fatalf("query=%+v", w.query)
	}

	w.batches <- nil
	waitView(t, e, "empty", phaseIs(PhaseEmpty))

	w.batches <- []Change{{Kind: Added, Item: testItem("a", "s1", time.Now())}}
	v := waitView(t, e, "loaded", phaseIs(PhaseLoaded))
	if len(v.Items) != 1 || v.Items[0].ID != "a" {
		t.Fatalf("items=%v", v.Items)
	}
}

func TestEngineInitialOpenFailureIsError(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed()
	feed.failOpens(errors.New("dial tcp: connection refused"))
	e := startEngine(t, Deps{Feed: feed})

	_ = e.LoadHistory(context.Background())
	v := waitView(t, e, "error", phaseIs(PhaseError))
	if v.UI.Message == "" {
		t.Fatalf("error without message")
	}

	// Nothing is loading once the error is dismissed.
	_ = e.ClearError(context.Background())
	waitView(t, e, "idle after clear", phaseIs(PhaseIdle))

	// Retrying after the error reopens the feed.
	_ = e.LoadHistory(context.Background())
	w := feed.next(t)
	w.batches <- nil
	waitView(t, e, "empty after retry", phaseIs(PhaseEmpty))
}

func TestEngineLaterChangeForSameIDWins(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed()
	e := startEngine(t, Deps{Feed: feed})
	_ = e.LoadHistory(context.Background())
	w := feed.next(t)

	added := testItem("a", "s1", time.Now())
	added.Title = "added"
	modified := added
	modified.Title = "modified"
	w.batches <- []Change{{Kind: Added, Item: added}, {Kind: Modified, Item: modified}}

	v := waitView(t, e, "loaded", phaseIs(PhaseLoaded))
	if len(v.Items) != 1 || v.Items[0].Title != "modified" {
		t.Fatalf("items=%+v want one item titled modified", v.Items)
	}
}

func TestEngineEnrichesFromSession(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed()
	sessions := newFakeSessions()
	e := startEngine(t, Deps{Feed: feed, Sessions: sessions})

	_ = e.LoadHistory(context.Background())
	w := feed.next(t)
	w.batches <- []Change{{Kind: Added, Item: testItem("a", "s1", time.Now())}}
	waitView(t, e, "loaded", phaseIs(PhaseLoaded))

	sw := sessions.next(t)
	if sw.link != "sessions/s1" {
		t.Fatalf("link=%q want sessions/s1", sw.link)
	}

	est := 5.0
	sw.records <- SessionRecord{SessionID: "s1", Link: sw.link, Title: "from session", Status: StatusClosed, FinalEstimate: &est}
	v := waitView(t, e, "enriched", func(v *View) bool {
		return len(v.Items) == 1 && v.Items[0].Title == "from session"
	})
	it := v.Items[0]
	if it.Status != StatusClosed || it.Estimate == nil || *it.Estimate != 5 || it.AccessCode != "123456" {
		t.Fatalf("item=%+v", it)
	}
}

func TestEngineRemovedReloadsFirstPage(t *testing.T) {
	t.Parallel()

	base := time.Now()
	feed := newFakeFeed()
	sessions := newFakeSessions()
	e := startEngine(t, Deps{Feed: feed, Sessions: sessions})

	_ = e.LoadHistory(context.Background())
	w1 := feed.next(t)
	w1.batches <- []Change{
		{Kind: Added, Item: testItem("a", "s1", base)},
		{Kind: Added, Item: testItem("b", "s2", base.Add(-time.Minute))},
	}
	waitView(t, e, "two items", func(v *View) bool { return len(v.Items) == 2 })
	sa := sessions.next(t)
	sessions.next(t)

	_ = e.LoadMoreHistory(context.Background())
	waitView(t, e, "two pages", func(v *View) bool { return v.Pages == 2 })

	w1.batches <- []Change{{Kind: Removed, Item: testItem("a", "s1", base)}}
	w2 := feed.next(t)
	if w2.query.Limit != 10 {
		t.Fatalf("reload limit=%d want first page", w2.query.Limit)
	}
	v := waitView(t, e, "a removed", func(v *View) bool { return len(v.Items) == 1 })
	if v.Items[0].ID != "b" || v.Pages != 1 || v.UI.Phase != PhaseLoading {
		t.Fatalf("view=%+v", v)
	}

	// The old generation's fetcher is closed by the reload.
	deadline := time.After(2 * time.Second)
	for !sa.isClosed() {
		select {
		case <-deadline:
			t.Fatalf("fetcher for removed item still open")
		case <-time.After(5 * time.Millisecond):
		}
	}

	w2.batches <- []Change{{Kind: Added, Item: testItem("b", "s2", base.Add(-time.Minute))}}
	waitView(t, e, "loaded after reload", phaseIs(PhaseLoaded))
}

func TestEngineLoadMoreExtendsWindow(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed()
	e := startEngine(t, Deps{Feed: feed})

	_ = e.LoadHistory(context.Background())
	w := feed.next(t)
	w.batches <- []Change{{Kind: Added, Item: testItem("a", "s1", time.Now())}}
	waitView(t, e, "loaded", phaseIs(PhaseLoaded))

	_ = e.LoadMoreHistory(context.Background())
	select {
	case got := <-w.limits:
		if got != 20 {
			t.Fatalf("SetLimit(%d) want 20", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("window not extended")
	}
	waitView(t, e, "loading more", phaseIs(PhaseLoading))

	w.batches <- nil
	v := waitView(t, e, "loaded page 2", phaseIs(PhaseLoaded))
	if v.Pages != 2 || len(v.Items) != 1 {
		t.Fatalf("view=%+v", v)
	}
}

func TestEngineDeleteSession(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed()
	cmds := &fakeCommands{}
	e := startEngine(t, Deps{Feed: feed, Commands: cmds})

	_ = e.LoadHistory(context.Background())
	w := feed.next(t)
	w.batches <- []Change{{Kind: Added, Item: testItem("a", "s1", time.Now())}}
	waitView(t, e, "loaded", phaseIs(PhaseLoaded))

	e.DeleteSession("sessions/s1")
	waitView(t, e, "removed", func(v *View) bool { return len(v.Items) == 0 })

	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	if len(cmds.deleted) != 1 || cmds.deleted[0] != "sessions/s1" {
		t.Fatalf("deleted=%v", cmds.deleted)
	}
}

func TestEngineDeleteFailureKeepsItem(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed()
	cmds := &fakeCommands{deleteErr: errors.New("permission denied")}
	e := startEngine(t, Deps{Feed: feed, Commands: cmds})

	_ = e.LoadHistory(context.Background())
	w := feed.next(t)
	w.batches <- []Change{{Kind: Added, Item: testItem("a", "s1", time.Now())}}
	waitView(t, e, "loaded", phaseIs(PhaseLoaded))

	e.DeleteSession("sessions/s1")
	v := waitView(t, e, "error", phaseIs(PhaseError))
	if v.UI.Message != "permission denied" || len(v.Items) != 1 {
		t.Fatalf("view=%+v", v)
	}

	_ = e.ClearError(context.Background())
	waitView(t, e, "cleared", phaseIs(PhaseLoaded))
}

func TestEngineRefreshAccessCode(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed()
	cmds := &fakeCommands{refreshErr: errors.New("not found")}
	e := startEngine(t, Deps{Feed: feed, Commands: cmds})

	e.RefreshAccessCode("s1")
	v := waitView(t, e, "error", phaseIs(PhaseError))
	if v.UI.Message != "not found" {
		t.Fatalf("message=%q", v.UI.Message)
	}
}

func TestEngineExchangeFailureIsGeneric(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed()
	e := startEngine(t, Deps{Feed: feed, Auth: authFunc(func(ctx context.Context, code string) error {
		return errors.New("upstream said 422: already connected")
	})})

	e.ExchangeExternalAuth("abc")
	v := waitView(t, e, "error", phaseIs(PhaseError))
	if v.UI.Message != ExchangeFailedMessage {
		t.Fatalf("message=%q want=%q", v.UI.Message, ExchangeFailedMessage)
	}
}

func TestEngineCommandsWithoutCollaborators(t *testing.T) {
	t.Parallel()

	e := startEngine(t, Deps{Feed: newFakeFeed()})
	e.DeleteSession("sessions/s1")
	v := waitView(t, e, "error", phaseIs(PhaseError))
	if v.UI.Message == "" {
		t.Fatalf("expected a message")
	}
}

func TestEngineStopsCleanly(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed()
	sessions := newFakeSessions()
	e, err := NewEngine(discardLogger(), Config{UserID: "u1"}, Deps{Feed: feed, Sessions: sessions})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()

	_ = e.LoadHistory(context.Background())
	w := feed.next(t)
	w.batches <- []Change{{Kind: Added, Item: testItem("a", "s1", time.Now())}}
	sw := sessions.next(t)

	cancel()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}

	// Run waits for every producer, so the fetcher has exited by now and a
	// late record is never applied.
	sw.records <- SessionRecord{Title: "late"}
	if got := e.Items(); len(got) == 1 && got[0].Title == "late" {
		t.Fatalf("late record applied")
	}
	if !sw.isClosed() {
		t.Fatalf("session watch not closed")
	}
	if err := e.LoadHistory(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("LoadHistory after stop err=%v want ErrClosed", err)
	}
	if err := e.Run(context.Background()); err == nil {
		t.Fatalf("second Run succeeded")
	}
}
