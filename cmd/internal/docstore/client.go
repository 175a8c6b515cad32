package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"scoping/cmd/internal/history"
	v1 "scoping/shared/contracts/docs/v1"
)

const (
	clientDefaultDialTimeout  = 10 * time.Second
	clientDefaultWriteTimeout = 5 * time.Second
	clientSendQueueSize       = 64
	clientSubQueueSize        = 64
)

// ErrUnauthorized is returned when the gateway rejects the bearer token.
var ErrUnauthorized = errors.New("unauthorized")

var errQueueFull = errors.New("send queue full")

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the gateway endpoint, e.g. ws://localhost:8080/ws.
	URL   string
	Token string
	// Origin is sent on the handshake when non-empty.
	Origin string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ClientName   string
}

// Client speaks the document protocol to a Gateway. It implements
// history.FeedSource, history.SessionSource and history.SessionCommands,
// so an Engine can run against a remote store.
//
// The connection is dialled lazily and redialled by the next call after it
// drops. Watches opened on a dropped connection fail with ErrDisconnected.
type Client struct {
	log *slog.Logger
	cfg ClientConfig

	mu     sync.Mutex
	cur    *clientConn
	closed bool
}

var (
	_ history.FeedSource      = (*Client)(nil)
	_ history.SessionSource   = (*Client)(nil)
	_ history.SessionCommands = (*Client)(nil)
)

// NewClient validates cfg. It does not dial.
func NewClient(log *slog.Logger, cfg ClientConfig) (*Client, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, invalid("docstore.NewClient", "missing url")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, invalid("docstore.NewClient", "missing token")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = clientDefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = clientDefaultWriteTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "scoping"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{log: log, cfg: cfg}, nil
}

// Connect dials if needed and returns the authenticated user id.
func (c *Client) Connect(ctx context.Context) (string, error) {
	cc, err := c.conn(ctx)
	if err != nil {
		return "", err
	}
	return cc.userID, nil
}

// Close ends the current connection. Later calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cur != nil {
		c.cur.fail(ErrClosed)
		c.cur = nil
	}
	return nil
}

func (c *Client) conn(ctx context.Context) (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.cur != nil && !c.cur.isDone() {
		return c.cur, nil
	}
	cc, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.cur = cc
	return cc, nil
}

func (c *Client) dial(parent context.Context) (*clientConn, error) {
	ctx, cancel := context.WithTimeout(parent, c.cfg.DialTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.Token)
	if c.cfg.Origin != "" {
		h.Set("Origin", c.cfg.Origin)
	}

	ws, resp, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, OpError{Op: "docstore.Client.dial", Kind: ErrUnauthorized}
		}
		return nil, fmt.Errorf("%w: dial: %v", ErrDisconnected, err)
	}
	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("%w: server chose subprotocol %q", ErrDisconnected, sp)
	}
	ws.SetReadLimit(maxFrameBytes)

	hello, err := buildEnvelope(v1.TypeHello, uuid.NewString(), v1.HelloPayload{Client: c.cfg.ClientName}, time.Now().UTC())
	if err != nil {
		_ = ws.Close(websocket.StatusInternalError, "internal error")
		return nil, err
	}
	if err := writeEnvelope(ctx, ws, hello, c.cfg.WriteTimeout); err != nil {
		_ = ws.Close(websocket.StatusAbnormalClosure, "write failed")
		return nil, fmt.Errorf("%w: hello: %v", ErrDisconnected, err)
	}

	var ack v1.HelloAckPayload
	for {
		env, err := readEnvelope(ctx, ws)
		if err != nil {
			_ = ws.Close(websocket.StatusAbnormalClosure, "read failed")
			return nil, fmt.Errorf("%w: hello_ack: %v", ErrDisconnected, err)
		}
		if env.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			_ = ws.Close(websocket.StatusNormalClosure, "bye")
			return nil, fmt.Errorf("%w: hello rejected: %s: %s", ErrDisconnected, ep.Code, ep.Message)
		}
		if env.Type != v1.TypeHelloAck {
			continue
		}
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			_ = ws.Close(websocket.StatusProtocolError, "bad hello_ack")
			return nil, fmt.Errorf("%w: hello_ack: %v", ErrDisconnected, err)
		}
		break
	}

	cctx, ccancel := context.WithCancel(context.Background())
	cc := &clientConn{
		log:          c.log,
		ws:           ws,
		userID:       ack.UserID,
		connID:       ack.ConnID,
		writeTimeout: c.cfg.WriteTimeout,
		ctx:          cctx,
		cancel:       ccancel,
		out:          make(chan v1.Envelope, clientSendQueueSize),
		done:         make(chan struct{}),
		subs:         make(map[string]chan v1.Envelope),
		pending:      make(map[string]chan v1.CommandResultPayload),
	}
	go cc.readLoop()
	go cc.writeLoop()

	c.log.Info("docstore.client.connect", "conn_id", cc.connID, "user_id", cc.userID)
	return cc, nil
}

// WatchHistory opens a remote history window. The gateway scopes it to the
// authenticated user.
func (c *Client) WatchHistory(ctx context.Context, q history.Query) (history.QueryWatch, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	cc, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	subID := uuid.NewString()
	ch := cc.addSub(subID)
	err = cc.sendWait(ctx, v1.TypeHistoryWatch, v1.HistoryWatchPayload{SubID: subID, Limit: q.Limit, Descending: q.Descending})
	if err != nil {
		cc.removeSub(subID)
		return nil, err
	}
	return &remoteQueryWatch{remoteSub: newRemoteSub(cc, subID, ch)}, nil
}

// WatchSession subscribes to the linked session record remotely.
func (c *Client) WatchSession(ctx context.Context, sessionLink string) (history.SessionWatch, error) {
	if strings.TrimSpace(sessionLink) == "" {
		return nil, invalid("docstore.Client.WatchSession", "empty session link")
	}
	cc, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	subID := uuid.NewString()
	ch := cc.addSub(subID)
	if err := cc.sendWait(ctx, v1.TypeSessionWatch, v1.SessionWatchPayload{SubID: subID, Link: sessionLink}); err != nil {
		cc.removeSub(subID)
		return nil, err
	}
	return &remoteSessionWatch{remoteSub: newRemoteSub(cc, subID, ch)}, nil
}

// DeleteSession deletes the linked session remotely.
func (c *Client) DeleteSession(ctx context.Context, sessionLink string) error {
	return c.command(ctx, v1.TypeDeleteSession, v1.DeleteSessionPayload{Link: sessionLink})
}

// RefreshAccessCode rotates the session's access code remotely.
func (c *Client) RefreshAccessCode(ctx context.Context, sessionCode string) error {
	return c.command(ctx, v1.TypeRefreshAccessCode, v1.RefreshAccessCodePayload{SessionCode: sessionCode})
}

func (c *Client) command(ctx context.Context, typ string, payload any) error {
	cc, err := c.conn(ctx)
	if err != nil {
		return err
	}
	env, err := buildEnvelope(typ, uuid.NewString(), payload, time.Now().UTC())
	if err != nil {
		return err
	}
	res := cc.addPending(env.ID)
	defer cc.removePending(env.ID)

	if err := cc.enqueueWait(ctx, env); err != nil {
		return err
	}
	select {
	case r := <-res:
		if r.OK {
			return nil
		}
		return errorFromCode("docstore.Client."+typ, r.Code, r.Message)
	case <-cc.done:
		return cc.cause()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clientConn is one established connection.
type clientConn struct {
	log          *slog.Logger
	ws           *websocket.Conn
	userID       string
	connID       string
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	out    chan v1.Envelope

	done     chan struct{}
	doneOnce sync.Once
	err      error

	mu      sync.Mutex
	subs    map[string]chan v1.Envelope
	pending map[string]chan v1.CommandResultPayload
}

func (cc *clientConn) fail(err error) {
	cc.doneOnce.Do(func() {
		cc.err = err
		close(cc.done)
		cc.cancel()
		_ = cc.ws.Close(websocket.StatusNormalClosure, "bye")
	})
}

func (cc *clientConn) isDone() bool {
	select {
	case <-cc.done:
		return true
	default:
		return false
	}
}

func (cc *clientConn) cause() error {
	<-cc.done
	if errors.Is(cc.err, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, cc.err)
}

func (cc *clientConn) readLoop() {
	for {
		env, err := readEnvelope(cc.ctx, cc.ws)
		if err != nil {
			if classifyReadErr(err) == readErrBadJSON {
				cc.log.Info("docstore.client.bad_json", "conn_id", cc.connID, "err", err)
				continue
			}
			cc.fail(err)
			return
		}
		cc.dispatch(env)
	}
}

func (cc *clientConn) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeHistoryBatch, v1.TypeSessionRecord, v1.TypeWatchError:
		var ref struct {
			SubID string `json:"sub_id"`
		}
		if err := json.Unmarshal(env.Payload, &ref); err != nil {
			cc.log.Info("docstore.client.bad_payload", "type", env.Type, "err", err)
			return
		}
		cc.mu.Lock()
		defer cc.mu.Unlock()
		ch := cc.subs[ref.SubID]
		if ch == nil {
			return
		}
		select {
		case ch <- env:
		default:
			// The watch stopped reading; end it instead of blocking the connection.
			cc.log.Warn("docstore.client.sub_overflow", "conn_id", cc.connID, "sub_id", ref.SubID)
			delete(cc.subs, ref.SubID)
			close(ch)
		}

	case v1.TypeCommandResult:
		var res v1.CommandResultPayload
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			cc.log.Info("docstore.client.bad_payload", "type", env.Type, "err", err)
			return
		}
		cc.mu.Lock()
		ch := cc.pending[res.RequestID]
		delete(cc.pending, res.RequestID)
		cc.mu.Unlock()
		if ch != nil {
			ch <- res
		}

	case v1.TypeError:
		var ep v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		cc.log.Warn("docstore.client.server_error", "conn_id", cc.connID, "code", ep.Code, "message", ep.Message)
	}
}

func (cc *clientConn) writeLoop() {
	for {
		select {
		case <-cc.ctx.Done():
			return
		case env := <-cc.out:
			if err := writeEnvelope(cc.ctx, cc.ws, env, cc.writeTimeout); err != nil {
				cc.fail(err)
				return
			}
		}
	}
}

// enqueue never blocks.
func (cc *clientConn) enqueue(env v1.Envelope) error {
	select {
	case <-cc.done:
		return cc.cause()
	default:
	}
	select {
	case cc.out <- env:
		return nil
	case <-cc.done:
		return cc.cause()
	default:
		return errQueueFull
	}
}

func (cc *clientConn) enqueueWait(ctx context.Context, env v1.Envelope) error {
	select {
	case cc.out <- env:
		return nil
	case <-cc.done:
		return cc.cause()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cc *clientConn) sendWait(ctx context.Context, typ string, payload any) error {
	env, err := buildEnvelope(typ, uuid.NewString(), payload, time.Now().UTC())
	if err != nil {
		return err
	}
	return cc.enqueueWait(ctx, env)
}

func (cc *clientConn) addSub(id string) chan v1.Envelope {
	ch := make(chan v1.Envelope, clientSubQueueSize)
	cc.mu.Lock()
	cc.subs[id] = ch
	cc.mu.Unlock()
	return ch
}

func (cc *clientConn) removeSub(id string) {
	cc.mu.Lock()
	delete(cc.subs, id)
	cc.mu.Unlock()
}

func (cc *clientConn) addPending(id string) chan v1.CommandResultPayload {
	ch := make(chan v1.CommandResultPayload, 1)
	cc.mu.Lock()
	cc.pending[id] = ch
	cc.mu.Unlock()
	return ch
}

func (cc *clientConn) removePending(id string) {
	cc.mu.Lock()
	delete(cc.pending, id)
	cc.mu.Unlock()
}

// remoteSub is the client half of one gateway subscription.
type remoteSub struct {
	cc        *clientConn
	subID     string
	ch        chan v1.Envelope
	closeOnce sync.Once
	closed    chan struct{}
}

func newRemoteSub(cc *clientConn, subID string, ch chan v1.Envelope) *remoteSub {
	return &remoteSub{cc: cc, subID: subID, ch: ch, closed: make(chan struct{})}
}

func (s *remoteSub) next(ctx context.Context, op string) (v1.Envelope, error) {
	select {
	case env, ok := <-s.ch:
		if !ok {
			return v1.Envelope{}, OpError{Op: op, Kind: ErrDisconnected, Msg: "subscription overflowed"}
		}
		if env.Type == v1.TypeWatchError {
			var we v1.WatchErrorPayload
			_ = json.Unmarshal(env.Payload, &we)
			return v1.Envelope{}, errorFromCode(op, we.Code, we.Message)
		}
		return env, nil
	case <-s.closed:
		return v1.Envelope{}, ErrClosed
	case <-s.cc.done:
		return v1.Envelope{}, s.cc.cause()
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	}
}

func (s *remoteSub) close() error {
	first := false
	s.closeOnce.Do(func() {
		first = true
		close(s.closed)
	})
	if !first {
		return nil
	}
	s.cc.removeSub(s.subID)
	env, err := buildEnvelope(v1.TypeWatchCancel, uuid.NewString(), v1.WatchCancelPayload{SubID: s.subID}, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := s.cc.enqueue(env); err != nil && !errors.Is(err, ErrDisconnected) && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

type remoteQueryWatch struct {
	*remoteSub
}

func (w *remoteQueryWatch) Next(ctx context.Context) ([]history.Change, error) {
	env, err := w.next(ctx, "docstore.Client.WatchHistory")
	if err != nil {
		return nil, err
	}
	var b v1.HistoryBatchPayload
	if err := json.Unmarshal(env.Payload, &b); err != nil {
		return nil, fmt.Errorf("history_batch: %w", err)
	}
	return changesFromWire(b.Changes), nil
}

// SetLimit never blocks; a full send queue reports an error and the
// caller's next resubscribe carries the new limit.
func (w *remoteQueryWatch) SetLimit(limit int) error {
	if limit <= 0 {
		return invalid("docstore.Client.SetLimit", "limit must be positive")
	}
	env, err := buildEnvelope(v1.TypeHistoryLimit, uuid.NewString(), v1.HistoryLimitPayload{SubID: w.subID, Limit: limit}, time.Now().UTC())
	if err != nil {
		return err
	}
	return w.cc.enqueue(env)
}

func (w *remoteQueryWatch) Close() error { return w.close() }

type remoteSessionWatch struct {
	*remoteSub
}

func (w *remoteSessionWatch) Next(ctx context.Context) (history.SessionRecord, error) {
	env, err := w.next(ctx, "docstore.Client.WatchSession")
	if err != nil {
		return history.SessionRecord{}, err
	}
	var r v1.SessionRecordPayload
	if err := json.Unmarshal(env.Payload, &r); err != nil {
		return history.SessionRecord{}, fmt.Errorf("session_record: %w", err)
	}
	return recordFromWire(r.Record), nil
}

func (w *remoteSessionWatch) Close() error { return w.close() }
