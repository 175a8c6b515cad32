package history

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultPageSize       = 10
	DefaultCommandTimeout = 15 * time.Second
	DefaultInboxSize      = 256
)

// Config tunes an Engine. Zero fields take the package defaults.
type Config struct {
	UserID         string
	PageSize       int
	CommandTimeout time.Duration
	InboxSize      int
	Backoff        Backoff
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	if c.Backoff.Min <= 0 {
		c.Backoff.Min = 250 * time.Millisecond
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 10 * time.Second
	}
	return c
}

// Deps are the remote collaborators of an Engine. Only Feed is required;
// without Sessions items are never enriched, and commands whose collaborator
// is missing fail with ErrNotConfigured.
type Deps struct {
	Feed     FeedSource
	Sessions SessionSource
	Commands SessionCommands
	Auth     AuthExchanger
	Metrics  *Metrics
}

// View is an immutable snapshot of the engine's state.
type View struct {
	Items []Item
	UI    UIState
	Pages int
}

// Engine keeps a local mirror of one user's history in sync with the remote
// collections.
//
// All state changes happen on the goroutine running Run. Commands and
// selectors are safe for concurrent use.
type Engine struct {
	log  *slog.Logger
	cfg  Config
	deps Deps

	inbox   chan inboxMsg
	updates chan struct{}
	view    atomic.Pointer[View]
	running atomic.Bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closed     chan struct{}
	closeOnce  sync.Once

	spawnMu  sync.Mutex
	stopping bool
	wg       sync.WaitGroup

	// Owned by Run.
	store      *Store
	gen        uint64
	pages      int
	tokens     uint64
	feed       *changeFeed
	feedCancel context.CancelFunc
	rec        *reconciler
}

// NewEngine constructs an idle Engine. Call Run to start processing.
func NewEngine(log *slog.Logger, cfg Config, deps Deps) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	cfg.UserID = strings.TrimSpace(cfg.UserID)
	if cfg.UserID == "" {
		return nil, OpError{Op: "history.NewEngine", Kind: ErrInvalidQuery, Msg: "missing user id"}
	}
	if deps.Feed == nil {
		return nil, OpError{Op: "history.NewEngine", Kind: ErrNotConfigured, Msg: "feed source is required"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		log:        log,
		cfg:        cfg,
		deps:       deps,
		inbox:      make(chan inboxMsg, cfg.InboxSize),
		updates:    make(chan struct{}, 1),
		baseCtx:    ctx,
		baseCancel: cancel,
		closed:     make(chan struct{}),
		store:      NewStore(log, deps.Metrics),
	}
	e.view.Store(&View{UI: UIState{Phase: PhaseIdle}})
	return e, nil
}

// Run processes commands and remote events until ctx ends. It stops every
// subscription and effect before returning. An Engine runs at most once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("history: engine already running")
	}
	defer e.shutdown()

	e.log.Info("history.engine.start", "user_id", e.cfg.UserID, "page_size", e.cfg.PageSize)
	e.publish()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("history.engine.stop", "user_id", e.cfg.UserID)
			return nil
		case m := <-e.inbox:
			e.handle(m)
			e.publish()
		}
	}
}

// shutdown cancels every producer and waits for them. Producers blocked on
// the inbox unblock through their cancelled contexts.
func (e *Engine) shutdown() {
	e.spawnMu.Lock()
	e.stopping = true
	e.spawnMu.Unlock()

	e.closeFeed()
	e.baseCancel()
	e.wg.Wait()
	e.closeOnce.Do(func() { close(e.closed) })
}

// LoadHistory (re)opens the feed at the first page.
func (e *Engine) LoadHistory(ctx context.Context) error {
	return e.send(ctx, loadCmd{})
}

// LoadMoreHistory widens the window by one page. Without an open feed it
// behaves like LoadHistory.
func (e *Engine) LoadMoreHistory(ctx context.Context) error {
	return e.send(ctx, loadCmd{more: true})
}

// ClearError dismisses the current error, if any.
func (e *Engine) ClearError(ctx context.Context) error {
	return e.send(ctx, clearErrorCmd{})
}

// Items returns the mirrored history, newest first.
func (e *Engine) Items() []Item {
	return slices.Clone(e.view.Load().Items)
}

// UIState returns the current load state.
func (e *Engine) UIState() UIState {
	return e.view.Load().UI
}

// Snapshot returns the latest published view. Callers must not modify it.
func (e *Engine) Snapshot() *View {
	return e.view.Load()
}

// Updates signals after state changes. Signals coalesce: a receiver that
// falls behind gets one notification for many changes.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.closed
}

func (e *Engine) send(ctx context.Context, m inboxMsg) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	select {
	case e.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return ErrClosed
	}
}

// post is the producer side of the inbox. It gives up when ctx ends or the
// engine stops.
func (e *Engine) post(ctx context.Context, m inboxMsg) bool {
	select {
	case e.inbox <- m:
		return true
	case <-ctx.Done():
		return false
	case <-e.closed:
		return false
	}
}

// spawn runs fn on a goroutine tracked by shutdown. It refuses once the
// engine is stopping.
func (e *Engine) spawn(fn func()) bool {
	e.spawnMu.Lock()
	defer e.spawnMu.Unlock()
	if e.stopping {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

func (e *Engine) publish() {
	e.view.Store(&View{
		Items: e.store.AllItems(),
		UI:    e.store.UIState(),
		Pages: e.pages,
	})
	select {
	case e.updates <- struct{}{}:
	default:
	}
}

func (e *Engine) handle(m inboxMsg) {
	switch m := m.(type) {
	case loadCmd:
		if m.more && e.feed != nil {
			e.loadMore()
			return
		}
		e.reload("load")

	case clearErrorCmd:
		e.store.ClearError()

	case feedBatch:
		if m.gen != e.gen || e.rec == nil {
			e.deps.Metrics.staleDelivery()
			return
		}
		if e.rec.onBatch(m, storeSink{e.store}) {
			e.reload("removed")
		}

	case feedFailed:
		if m.gen != e.gen {
			e.deps.Metrics.staleDelivery()
			return
		}
		e.log.Warn("history.feed.open.fail", "gen", m.gen, "err", m.err)
		e.closeFeed()
		e.store.Settle()
		e.store.Fail("could not load history: " + m.err.Error())

	case sessionUpdate:
		if m.gen != e.gen || e.rec == nil {
			e.deps.Metrics.staleDelivery()
			return
		}
		e.rec.onSession(m, storeSink{e.store})

	case effectResult:
		if m.err != nil {
			e.store.Fail(m.message)
			return
		}
		if m.mutation != nil {
			e.store.Apply(*m.mutation)
		}
	}
}

// reload tears the current feed generation down and opens a new one at the
// first page.
func (e *Engine) reload(reason string) {
	e.closeFeed()
	e.gen++
	e.pages = 1
	e.store.Loading()

	q := Query{
		UserID:     e.cfg.UserID,
		OrderBy:    OrderCreatedAt,
		Descending: true,
		Limit:      e.cfg.PageSize,
	}
	if err := q.Validate(); err != nil {
		e.store.Settle()
		e.store.Fail(err.Error())
		return
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	gen := e.gen
	feed := newChangeFeed(e.log, e.deps.Feed, q, e.cfg.Backoff, e.deps.Metrics, gen)
	e.feed = feed
	e.feedCancel = cancel
	e.rec = &reconciler{
		log:      e.log,
		sessions: e.deps.Sessions,
		backoff:  e.cfg.Backoff,
		metrics:  e.deps.Metrics,
		gen:      gen,
		ctx:      ctx,
		post:     e.post,
		spawn:    e.spawn,
		token:    e.nextToken,
		fetchers: make(map[string]*deepFetcher),
	}

	e.log.Debug("history.feed.open", "gen", gen, "reason", reason, "limit", q.Limit)
	e.spawn(func() {
		feed.run(ctx, func(m inboxMsg) bool { return e.post(ctx, m) })
	})
}

func (e *Engine) loadMore() {
	e.pages++
	e.store.Loading()
	limit := e.pages * e.cfg.PageSize
	e.log.Debug("history.feed.extend", "gen", e.gen, "pages", e.pages, "limit", limit)
	e.feed.extend(limit)
}

func (e *Engine) closeFeed() {
	if e.feedCancel == nil {
		return
	}
	e.feedCancel()
	e.rec.close()
	e.feed = nil
	e.feedCancel = nil
	e.rec = nil
}

func (e *Engine) nextToken() uint64 {
	e.tokens++
	return e.tokens
}

// storeSink adapts a Store to the reconciler's output.
type storeSink struct{ s *Store }

func (k storeSink) has(id string) bool { return k.s.Has(id) }
func (k storeSink) apply(m Mutation)   { k.s.Apply(m) }
func (k storeSink) noItems()           { k.s.Empty() }
func (k storeSink) loaded()            { k.s.Loaded() }

// inboxMsg is everything the run loop consumes.
type inboxMsg interface{ inbox() }

type loadCmd struct{ more bool }

type clearErrorCmd struct{}

type feedBatch struct {
	gen     uint64
	changes []Change
	initial bool
}

type feedFailed struct {
	gen uint64
	err error
}

type sessionUpdate struct {
	gen    uint64
	itemID string
	token  uint64
	record SessionRecord
}

type effectResult struct {
	command  string
	mutation *Mutation
	err      error
	message  string
}

func (loadCmd) inbox()       {}
func (clearErrorCmd) inbox() {}
func (feedBatch) inbox()     {}
func (feedFailed) inbox()    {}
func (sessionUpdate) inbox() {}
func (effectResult) inbox()  {}
