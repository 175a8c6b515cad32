package docstore

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"scoping/cmd/internal/history"
)

// Docs serves live watches and session commands from a Backend.
// It implements history.FeedSource, history.SessionSource and
// history.SessionCommands.
type Docs struct {
	log      *slog.Logger
	backend  Backend
	notifier *Notifier
	now      func() time.Time
}

// NewDocs wires a backend to the notifier its writes are announced on.
func NewDocs(log *slog.Logger, backend Backend, notifier *Notifier) (*Docs, error) {
	if backend == nil {
		return nil, errors.New("docstore: nil backend")
	}
	if notifier == nil {
		return nil, errors.New("docstore: nil notifier")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Docs{
		log:      log,
		backend:  backend,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// WatchHistory opens a live window over the user's history rows.
func (d *Docs) WatchHistory(ctx context.Context, q history.Query) (history.QueryWatch, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := min(q.Limit, maxWindow)

	// Subscribe before the first read so no write slips between them.
	wake, unsub := d.notifier.Subscribe(HistoryTopic(q.UserID))
	list := func(ctx context.Context, limit int) ([]history.Item, error) {
		return d.backend.ListHistory(ctx, q.UserID, limit, q.Descending)
	}
	return newQueryWatch(list, wake, unsub, limit), nil
}

// WatchSession opens a live subscription to the linked session record.
func (d *Docs) WatchSession(ctx context.Context, sessionLink string) (history.SessionWatch, error) {
	id := history.SessionIDFromLink(sessionLink)
	if id == "" {
		return nil, invalid("docstore.WatchSession", "empty session link")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wake, unsub := d.notifier.Subscribe(SessionTopic(id))
	return &sessionWatch{
		get:    func(ctx context.Context) (history.SessionRecord, error) { return d.backend.GetSession(ctx, id) },
		wake:   wake,
		unsub:  unsub,
		closed: make(chan struct{}),
	}, nil
}

// Authorize fails with ErrForbidden unless userID has a history row for the
// session. A session that does not exist is ErrNotFound.
func (d *Docs) Authorize(ctx context.Context, userID, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return invalid("docstore.Authorize", "empty session id")
	}
	ok, err := d.backend.HasHistoryRow(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := d.backend.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return forbidden("docstore.Authorize", "session "+sessionID+" is not in the caller's history")
}

// DeleteSession removes the linked session and every history row of it.
func (d *Docs) DeleteSession(ctx context.Context, sessionLink string) error {
	id := history.SessionIDFromLink(sessionLink)
	if id == "" {
		return invalid("docstore.DeleteSession", "empty session link")
	}
	if err := d.backend.DeleteSession(ctx, id); err != nil {
		return err
	}
	d.log.Info("docstore.session.delete", "session_id", id)
	return nil
}

// RefreshAccessCode assigns a new access code to the session whose id is
// sessionCode.
func (d *Docs) RefreshAccessCode(ctx context.Context, sessionCode string) error {
	id := strings.TrimSpace(sessionCode)
	if id == "" {
		return invalid("docstore.RefreshAccessCode", "empty session code")
	}
	code, err := NewAccessCode()
	if err != nil {
		return err
	}
	if err := d.backend.SetAccessCode(ctx, id, code, d.now()); err != nil {
		return err
	}
	d.log.Info("docstore.session.refresh_code", "session_id", id)
	return nil
}

// CreateSession starts a session owned by in.OwnerID.
func (d *Docs) CreateSession(ctx context.Context, in CreateSessionInput) (history.SessionRecord, error) {
	if in.Now.IsZero() {
		in.Now = d.now()
	}
	return d.backend.CreateSession(ctx, in)
}

// JoinSession adds the session to userID's history.
func (d *Docs) JoinSession(ctx context.Context, sessionID, userID string) (history.Item, error) {
	return d.backend.JoinSession(ctx, sessionID, userID, d.now())
}

// CastVote records a participant's estimate.
func (d *Docs) CastVote(ctx context.Context, sessionID string, v history.Vote) error {
	if v.CastAt.IsZero() {
		v.CastAt = d.now()
	}
	return d.backend.CastVote(ctx, sessionID, v)
}

// CloseSession ends voting with an optional final estimate.
func (d *Docs) CloseSession(ctx context.Context, sessionID string, final *float64) error {
	return d.backend.CloseSession(ctx, sessionID, final, d.now())
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, ErrNotFound)
}
