package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errWatchClosed = errors.New("watch closed")

type fakeQueryWatch struct {
	query   Query
	batches chan []Change
	errs    chan error
	limits  chan int
	closed  chan struct{}
	once    sync.Once
}

func newFakeQueryWatch(q Query) *fakeQueryWatch {
	return &fakeQueryWatch{
		query:   q,
		batches: make(chan []Change, 16),
		errs:    make(chan error, 1),
		limits:  make(chan int, 16),
		closed:  make(chan struct{}),
	}
}

func (w *fakeQueryWatch) Next(ctx context.Context) ([]Change, error) {
	select {
	case b := <-w.batches:
		return b, nil
	case err := <-w.errs:
		return nil, err
	case <-w.closed:
		return nil, errWatchClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *fakeQueryWatch) SetLimit(limit int) error {
	select {
	case w.limits <- limit:
	default:
	}
	return nil
}

func (w *fakeQueryWatch) Close() error {
	w.once.Do(func() { close(w.closed) })
	return nil
}

type fakeFeed struct {
	mu      sync.Mutex
	openErr []error
	opened  chan *fakeQueryWatch
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{opened: make(chan *fakeQueryWatch, 16)}
}

// failOpens makes the next len(errs) opens fail in order.
func (f *fakeFeed) failOpens(errs ...error) {
	f.mu.Lock()
	f.openErr = append(f.openErr, errs...)
	f.mu.Unlock()
}

func (f *fakeFeed) WatchHistory(ctx context.Context, q Query) (QueryWatch, error) {
	f.mu.Lock()
	if len(f.openErr) > 0 {
		err := f.openErr[0]
		f.openErr = f.openErr[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	w := newFakeQueryWatch(q)
	f.opened <- w
	return w, nil
}

func (f *fakeFeed) next(t *testing.T) *fakeQueryWatch {
	t.Helper()
	select {
	case w := <-f.opened:
		return w
	case <-time.After(2 * time.Second):
		t.Fatalf("no history watch opened")
		return nil
	}
}

type fakeSessionWatch struct {
	link    string
	records chan SessionRecord
	closed  chan struct{}
	once    sync.Once
}

func (w *fakeSessionWatch) Next(ctx context.Context) (SessionRecord, error) {
	select {
	case r := <-w.records:
		return r, nil
	case <-w.closed:
		return SessionRecord{}, errWatchClosed
	case <-ctx.Done():
		return SessionRecord{}, ctx.Err()
	}
}

func (w *fakeSessionWatch) Close() error {
	w.once.Do(func() { close(w.closed) })
	return nil
}

func (w *fakeSessionWatch) isClosed() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}

type fakeSessions struct {
	opened chan *fakeSessionWatch
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{opened: make(chan *fakeSessionWatch, 32)}
}

func (s *fakeSessions) WatchSession(ctx context.Context, link string) (SessionWatch, error) {
	w := &fakeSessionWatch{
		link:    link,
		records: make(chan SessionRecord, 16),
		closed:  make(chan struct{}),
	}
	s.opened <- w
	return w, nil
}

func (s *fakeSessions) next(t *testing.T) *fakeSessionWatch {
	t.Helper()
	select {
	case w := <-s.opened:
		return w
	case <-time.After(2 * time.Second):
		t.Fatalf("no session watch opened")
		return nil
	}
}

type fakeCommands struct {
	mu         sync.Mutex
	deleteErr  error
	refreshErr error
	deleted    []string
	refreshed  []string
}

func (c *fakeCommands) DeleteSession(ctx context.Context, link string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, link)
	return c.deleteErr
}

func (c *fakeCommands) RefreshAccessCode(ctx context.Context, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshed = append(c.refreshed, code)
	return c.refreshErr
}

type authFunc func(ctx context.Context, code string) error

func (f authFunc) ExchangeExternalAuth(ctx context.Context, code string) error { return f(ctx, code) }

func startEngine(t *testing.T, deps Deps) *Engine {
	t.Helper()

	e, err := NewEngine(discardLogger(), Config{
		UserID:   "u1",
		PageSize: 10,
		Backoff:  Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond},
	}, deps)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-e.Done():
		case <-time.After(2 * time.Second):
			t.Errorf("engine did not stop")
		}
	})
	return e
}

func waitView(t *testing.T, e *Engine, what string, cond func(v *View) bool) *View {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if v := e.Snapshot(); cond(v) {
			return v
		}
		select {
		case <-e.Updates():
		case <-deadline:
			v := e.Snapshot()
			t.Fatalf("timed out waiting for %s: ui=%+v items=%v", what, v.UI, v.Items)
			return nil
		}
	}
}

func phaseIs(p Phase) func(v *View) bool {
	return func(v *View) bool { return v.UI.Phase == p }
}
