package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"scoping/cmd/identity/ids"
	"scoping/cmd/internal/history"
	v1 "scoping/shared/contracts/docs/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout   = 5 * time.Second
	wsDefaultReadIdle       = 2 * time.Minute
	wsDefaultCommandTimeout = 10 * time.Second
	wsCloseGrace            = 1 * time.Second

	wsMaxPingFailures = 3
)

// UserVerifier resolves a bearer token to the user it was issued for.
type UserVerifier interface {
	VerifyUser(raw string, now time.Time) (string, error)
}

// GatewayConfig tunes a Gateway. Zero fields take the package defaults.
type GatewayConfig struct {
	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool
	AllowedOrigins []string
	// InsecureSkipVerify disables websocket.Accept's origin check. Dev only.
	InsecureSkipVerify bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration

	CommandTimeout time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = wsDefaultCommandTimeout
	}
	return c
}

// GatewayMetrics are the gateway's Prometheus collectors.
// A nil *GatewayMetrics is valid and records nothing.
type GatewayMetrics struct {
	connections   prometheus.Gauge
	subscriptions *prometheus.GaugeVec
	commands      *prometheus.CounterVec
}

// NewGatewayMetrics creates the collectors and registers them on reg when reg is non-nil.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scoping",
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "scoping",
			Subsystem: "gateway",
			Name:      "subscriptions",
			Help:      "Open live subscriptions, by kind.",
		}, []string{"kind"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scoping",
			Subsystem: "gateway",
			Name:      "commands_total",
			Help:      "Commands handled, by type and result code.",
		}, []string{"type", "code"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.subscriptions, m.commands)
	}
	return m
}

func (m *GatewayMetrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *GatewayMetrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *GatewayMetrics) subOpened(kind string) {
	if m != nil {
		m.subscriptions.WithLabelValues(kind).Inc()
	}
}

func (m *GatewayMetrics) subClosed(kind string) {
	if m != nil {
		m.subscriptions.WithLabelValues(kind).Dec()
	}
}

func (m *GatewayMetrics) command(typ, code string) {
	if m != nil {
		m.commands.WithLabelValues(typ, code).Inc()
	}
}

// Gateway is the WebSocket entrypoint of the document protocol.
//
// It authenticates the handshake, enforces origin policy, subprotocol
// selection, rate limits and heartbeats, and serves history and session
// watches plus session commands from Docs.
type Gateway struct {
	log     *slog.Logger
	docs    *Docs
	auth    UserVerifier
	cfg     GatewayConfig
	metrics *GatewayMetrics

	// Derived for websocket.Accept origin checks.
	originPatterns []string
}

// NewGateway constructs a gateway serving docs to users authenticated by auth.
func NewGateway(log *slog.Logger, docs *Docs, auth UserVerifier, cfg GatewayConfig, metrics *GatewayMetrics) (*Gateway, error) {
	if docs == nil {
		return nil, errors.New("docstore: nil docs")
	}
	if auth == nil {
		return nil, errors.New("docstore: nil user verifier")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:            log,
		docs:           docs,
		auth:           auth,
		cfg:            cfg,
		metrics:        metrics,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP upgrades an authenticated request and runs the connection loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	raw, ok := bearerToken(r)
	if !ok {
		g.log.Info("ws.reject.auth", "reason", "missing bearer", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID, err := g.auth.VerifyUser(raw, time.Now().UTC())
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	connID, err := ids.NewULID(now)
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	p := &peer{
		g:      g,
		id:     connID,
		userID: userID,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan v1.Envelope, g.cfg.SendQueueSize),
		subs:   make(map[string]*subscription),
	}

	g.metrics.connOpened()
	defer g.metrics.connClosed()
	g.log.Info("ws.conn.open", "conn_id", p.id, "user_id", userID, "remote", r.RemoteAddr)

	p.serve()

	g.log.Info("ws.conn.close", "conn_id", p.id, "user_id", userID)
}

// subscription is one live watch owned by a peer.
type subscription struct {
	kind   string
	cancel context.CancelFunc
	query  history.QueryWatch
}

// peer is the server side of one connection.
type peer struct {
	g      *Gateway
	id     string
	userID string
	conn   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	send   chan v1.Envelope

	closeOnce sync.Once
	subsWG    sync.WaitGroup

	mu   sync.Mutex
	subs map[string]*subscription
}

// shutdown is idempotent. Subscriptions end through the cancelled context.
func (p *peer) shutdown(code websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		_ = p.conn.Close(code, reason)
		p.cancel()
	})
}

func (p *peer) serve() {
	g := p.g
	rl := newRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-p.ctx.Done():
				return
			case env := <-p.send:
				if err := writeEnvelope(p.ctx, p.conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", p.id, "close_status", websocket.CloseStatus(err), "err", err)
					p.shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(p.ctx, g.cfg.HeartbeatTimeout)
				err := p.conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", p.id, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						p.shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(p.ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, p.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				p.shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				p.shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				p.shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				p.trySendError("bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", p.id, "err", err)
				p.shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.allow(time.Now().UTC()) {
			p.trySendError("rate_limited", "too many events")
			p.shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			p.trySendError("bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := p.onHello(env); err != nil {
				p.trySendError("hello_failed", err.Error())
				p.shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
		case v1.TypeHistoryWatch:
			if subID, err := p.onHistoryWatch(env); err != nil {
				p.watchFailed(subID, err)
			}
		case v1.TypeHistoryLimit:
			if err := p.onHistoryLimit(env); err != nil {
				p.trySendError("limit_failed", err.Error())
			}
		case v1.TypeSessionWatch:
			if subID, err := p.onSessionWatch(env); err != nil {
				p.watchFailed(subID, err)
			}
		case v1.TypeWatchCancel:
			if err := p.onWatchCancel(env); err != nil {
				p.trySendError("cancel_failed", err.Error())
			}
		case v1.TypeDeleteSession, v1.TypeRefreshAccessCode:
			if strings.TrimSpace(env.ID) == "" {
				p.trySendError("bad_envelope", "missing field: id")
				continue readLoop
			}
			p.onCommand(env)
		default:
			p.trySendError("unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	p.shutdown(websocket.StatusNormalClosure, "bye")
	p.subsWG.Wait()
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (p *peer) onHello(env v1.Envelope) error {
	var hp v1.HelloPayload
	if err := decodePayload(env, &hp); err != nil {
		return err
	}
	return p.emit(v1.TypeHelloAck, v1.HelloAckPayload{ConnID: p.id, UserID: p.userID})
}

func (p *peer) onHistoryWatch(env v1.Envelope) (string, error) {
	var hp v1.HistoryWatchPayload
	if err := decodePayload(env, &hp); err != nil {
		return "", err
	}
	subID := strings.TrimSpace(hp.SubID)
	if subID == "" {
		return "", errors.New("missing sub_id")
	}

	// Users only ever watch their own history.
	q := history.Query{
		UserID:     p.userID,
		OrderBy:    history.OrderCreatedAt,
		Descending: hp.Descending,
		Limit:      min(hp.Limit, maxWindow),
	}

	ctx, cancel := context.WithCancel(p.ctx)
	w, err := p.g.docs.WatchHistory(ctx, q)
	if err != nil {
		cancel()
		return subID, err
	}
	s := &subscription{kind: "history", cancel: cancel, query: w}
	if err := p.addSub(subID, s); err != nil {
		cancel()
		_ = w.Close()
		if errors.Is(err, errDuplicateSub) {
			// The id belongs to a live watch; a watch_error would end it.
			return "", err
		}
		return subID, err
	}

	p.subsWG.Add(1)
	go func() {
		defer p.subsWG.Done()
		defer p.removeSub(subID, s)
		defer func() { _ = w.Close() }()

		for {
			changes, err := w.Next(ctx)
			if err != nil {
				p.endSub(ctx, subID, err)
				return
			}
			if !p.enqueueOrDrop(v1.TypeHistoryBatch, v1.HistoryBatchPayload{SubID: subID, Changes: changesToWire(changes)}) {
				return
			}
		}
	}()
	return subID, nil
}

func (p *peer) onHistoryLimit(env v1.Envelope) error {
	var hp v1.HistoryLimitPayload
	if err := decodePayload(env, &hp); err != nil {
		return err
	}
	p.mu.Lock()
	s := p.subs[hp.SubID]
	p.mu.Unlock()
	if s == nil || s.query == nil {
		return fmt.Errorf("unknown history sub_id: %q", hp.SubID)
	}
	if hp.Limit <= 0 {
		return errors.New("limit must be positive")
	}
	return s.query.SetLimit(hp.Limit)
}

func (p *peer) onSessionWatch(env v1.Envelope) (string, error) {
	var sp v1.SessionWatchPayload
	if err := decodePayload(env, &sp); err != nil {
		return "", err
	}
	subID := strings.TrimSpace(sp.SubID)
	if subID == "" {
		return "", errors.New("missing sub_id")
	}

	ctx, cancel := context.WithCancel(p.ctx)
	if err := p.g.docs.Authorize(ctx, p.userID, history.SessionIDFromLink(sp.Link)); err != nil {
		cancel()
		p.g.log.Info("ws.session_watch.deny", "conn_id", p.id, "user_id", p.userID, "err", err)
		return subID, err
	}
	w, err := p.g.docs.WatchSession(ctx, sp.Link)
	if err != nil {
		cancel()
		return subID, err
	}
	s := &subscription{kind: "session", cancel: cancel}
	if err := p.addSub(subID, s); err != nil {
		cancel()
		_ = w.Close()
		if errors.Is(err, errDuplicateSub) {
			// The id belongs to a live watch; a watch_error would end it.
			return "", err
		}
		return subID, err
	}

	p.subsWG.Add(1)
	go func() {
		defer p.subsWG.Done()
		defer p.removeSub(subID, s)
		defer func() { _ = w.Close() }()

		for {
			rec, err := w.Next(ctx)
			if err != nil {
				p.endSub(ctx, subID, err)
				return
			}
			if !p.enqueueOrDrop(v1.TypeSessionRecord, v1.SessionRecordPayload{SubID: subID, Record: recordToWire(rec)}) {
				return
			}
		}
	}()
	return subID, nil
}

func (p *peer) onWatchCancel(env v1.Envelope) error {
	var cp v1.WatchCancelPayload
	if err := decodePayload(env, &cp); err != nil {
		return err
	}
	p.mu.Lock()
	s := p.subs[cp.SubID]
	p.mu.Unlock()
	if s == nil {
		// Already ended; cancelling twice is fine.
		return nil
	}
	s.cancel()
	return nil
}

func (p *peer) onCommand(env v1.Envelope) {
	ctx, cancel := context.WithTimeout(p.ctx, p.g.cfg.CommandTimeout)
	defer cancel()

	var err error
	switch env.Type {
	case v1.TypeDeleteSession:
		var dp v1.DeleteSessionPayload
		if err = decodePayload(env, &dp); err == nil {
			err = p.g.docs.Authorize(ctx, p.userID, history.SessionIDFromLink(dp.Link))
			if isNotFound(err) {
				// Already gone; deleting a missing session succeeds.
				err = nil
			} else if err == nil {
				err = p.g.docs.DeleteSession(ctx, dp.Link)
			}
		}
	case v1.TypeRefreshAccessCode:
		var rp v1.RefreshAccessCodePayload
		if err = decodePayload(env, &rp); err == nil {
			err = p.g.docs.Authorize(ctx, p.userID, rp.SessionCode)
		}
		if err == nil {
			err = p.g.docs.RefreshAccessCode(ctx, rp.SessionCode)
		}
	}

	res := v1.CommandResultPayload{RequestID: env.ID, OK: err == nil}
	code := "ok"
	if err != nil {
		code = errorCode(err)
		res.Code = code
		res.Message = err.Error()
		if code == "internal" {
			p.g.log.Error("ws.command.fail", "conn_id", p.id, "type", env.Type, "err", err)
			res.Message = "internal error"
		} else {
			p.g.log.Info("ws.command.fail", "conn_id", p.id, "type", env.Type, "code", code, "err", err)
		}
	}
	p.g.metrics.command(env.Type, code)

	if err := p.emit(v1.TypeCommandResult, res); err != nil {
		p.g.log.Info("ws.command.result.drop", "conn_id", p.id, "request_id", env.ID, "err", err)
	}
}

// ---- subscriptions ----

var errDuplicateSub = errors.New("duplicate sub_id")

func (p *peer) addSub(id string, s *subscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[id]; ok {
		return fmt.Errorf("%w: %q", errDuplicateSub, id)
	}
	if len(p.subs) >= maxSubscriptions {
		return fmt.Errorf("too many subscriptions: max=%d", maxSubscriptions)
	}
	p.subs[id] = s
	p.g.metrics.subOpened(s.kind)
	return nil
}

func (p *peer) removeSub(id string, s *subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs[id] == s {
		delete(p.subs, id)
		p.g.metrics.subClosed(s.kind)
	}
	s.cancel()
}

// watchFailed answers a watch that could not be opened. Without a sub id
// there is nothing to end, so a generic error goes out instead.
func (p *peer) watchFailed(subID string, err error) {
	if subID == "" {
		p.trySendError("watch_failed", err.Error())
		return
	}
	_ = p.emit(v1.TypeWatchError, v1.WatchErrorPayload{SubID: subID, Code: errorCode(err), Message: err.Error()})
}

// endSub reports a watch failure. Cancelled watches end silently.
func (p *peer) endSub(ctx context.Context, subID string, err error) {
	if ctx.Err() != nil {
		return
	}
	p.g.log.Info("ws.watch.fail", "conn_id", p.id, "sub_id", subID, "err", err)
	_ = p.emit(v1.TypeWatchError, v1.WatchErrorPayload{SubID: subID, Code: errorCode(err), Message: err.Error()})
}

// enqueueOrDrop queues a subscription delivery. A consumer too slow to keep
// up loses the connection rather than a delivery.
func (p *peer) enqueueOrDrop(typ string, payload any) bool {
	if p.ctx.Err() != nil {
		return false
	}
	if err := p.emit(typ, payload); err != nil {
		p.g.log.Info("ws.slow_consumer", "conn_id", p.id, "type", typ, "err", err)
		p.shutdown(websocket.StatusPolicyViolation, "slow consumer")
		return false
	}
	return true
}

// ---- send helpers ----

func (p *peer) emit(typ string, payload any) error {
	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return err
	}
	env, err := buildEnvelope(typ, id, payload, now)
	if err != nil {
		return err
	}
	if !p.enqueue(env) {
		return fmt.Errorf("backpressure: %s", typ)
	}
	return nil
}

func (p *peer) trySendError(code, msg string) {
	_ = p.emit(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

func (p *peer) enqueue(env v1.Envelope) bool {
	select {
	case <-p.ctx.Done():
		return false
	case p.send <- env:
		return true
	default:
		return false
	}
}

func decodePayload(env v1.Envelope, v any) error {
	if len(env.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", false
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into websocket.Accept host
// patterns so both origin checks agree.
func deriveOriginPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
