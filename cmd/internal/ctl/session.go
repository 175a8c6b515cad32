package ctl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"scoping/cmd/internal/connections"
	"scoping/cmd/internal/docstore"
	"scoping/cmd/internal/history"
)

// session is one connected engine plus the remote client it runs on.
type session struct {
	log     *slog.Logger
	opts    Options
	client  *docstore.Client
	engine  *history.Engine
	cancel  context.CancelFunc
	results chan error
}

func openSession(ctx context.Context, log *slog.Logger, opts Options, raw string) (*session, error) {
	client, err := docstore.NewClient(log, docstore.ClientConfig{
		URL:        opts.URL,
		Token:      raw,
		Origin:     opts.Origin,
		ClientName: "scopingctl",
	})
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	userID, err := client.Connect(dialCtx)
	cancel()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect %s: %w", opts.URL, err)
	}

	results := make(chan error, 1)
	eng, err := history.NewEngine(log, history.Config{
		UserID:         userID,
		CommandTimeout: opts.Timeout,
	}, history.Deps{
		Feed:     client,
		Sessions: client,
		Commands: observedCommands{inner: client, results: results},
		Auth: observedAuth{
			inner: &connections.HTTPExchanger{
				URL:   opts.ConnectionsURL,
				Token: raw,
				Type:  opts.ConnectionType,
			},
			results: results,
		},
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	runCtx, runCancel := context.WithCancel(ctx)
	go func() { _ = eng.Run(runCtx) }()

	log.Debug("ctl.session.open", "user_id", userID, "url", opts.URL)
	return &session{
		log:     log,
		opts:    opts,
		client:  client,
		engine:  eng,
		cancel:  runCancel,
		results: results,
	}, nil
}

func (s *session) close() {
	s.cancel()
	<-s.engine.Done()
	_ = s.client.Close()
}

func (s *session) watch(ctx context.Context, w io.Writer) error {
	v, err := s.load(ctx, s.opts.Pages)
	if err != nil {
		return err
	}
	if s.opts.Once {
		if err := Render(w, v, time.Now()); err != nil {
			return err
		}
		if v.UI.Phase == history.PhaseError {
			return fmt.Errorf("history: %s", v.UI.Message)
		}
		return nil
	}

	var last string
	for {
		out := renderString(v, time.Now())
		if out != last {
			if _, err := io.WriteString(w, out+"\n"); err != nil {
				return err
			}
			last = out
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.engine.Done():
			return history.ErrClosed
		case <-s.engine.Updates():
			v = s.engine.Snapshot()
		}
	}
}

func (s *session) deleteSession(ctx context.Context, w io.Writer, link string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	if _, err := s.load(ctx, s.opts.Pages); err != nil {
		return err
	}
	s.engine.DeleteSession(link)
	if err := s.waitResult(ctx); err != nil {
		return fmt.Errorf("delete %s: %w", link, err)
	}

	id := history.SessionIDFromLink(link)
	v, err := s.waitView(ctx, func(v *history.View) bool {
		return phaseSettled(v.UI.Phase) && findSession(v, id) == nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "deleted session %s\n", id)
	return Render(w, v, time.Now())
}

func (s *session) refreshAccessCode(ctx context.Context, w io.Writer, code string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	v, err := s.load(ctx, s.opts.Pages)
	if err != nil {
		return err
	}
	var before string
	if it := findSession(v, code); it != nil {
		before = it.AccessCode
	}

	s.engine.RefreshAccessCode(code)
	if err := s.waitResult(ctx); err != nil {
		return fmt.Errorf("refresh %s: %w", code, err)
	}

	if before == "" {
		fmt.Fprintf(w, "access code rotated for session %s\n", code)
		return nil
	}
	v, err = s.waitView(ctx, func(v *history.View) bool {
		it := findSession(v, code)
		return it == nil || it.AccessCode != before
	})
	if err != nil {
		return err
	}
	if it := findSession(v, code); it != nil {
		fmt.Fprintf(w, "access code for session %s: %s\n", code, it.AccessCode)
		return nil
	}
	fmt.Fprintf(w, "access code rotated for session %s\n", code)
	return nil
}

func (s *session) connect(ctx context.Context, w io.Writer, code string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	s.engine.ExchangeExternalAuth(code)
	if err := s.waitResult(ctx); err != nil {
		return fmt.Errorf("%s: %w", history.ExchangeFailedMessage, err)
	}
	fmt.Fprintf(w, "connected %s\n", s.opts.ConnectionType)
	return nil
}

// load opens the feed and widens it page by page until pages are loaded or
// the window holds every row.
func (s *session) load(ctx context.Context, pages int) (*history.View, error) {
	if err := s.engine.LoadHistory(ctx); err != nil {
		return nil, err
	}
	v, err := s.waitView(ctx, func(v *history.View) bool {
		return v.Pages >= 1 && phaseSettled(v.UI.Phase)
	})
	if err != nil {
		return nil, err
	}

	for p := 2; p <= pages; p++ {
		if v.UI.Phase != history.PhaseLoaded || len(v.Items) < v.Pages*history.DefaultPageSize {
			break
		}
		if err := s.engine.LoadMoreHistory(ctx); err != nil {
			return nil, err
		}
		want := p
		v, err = s.waitView(ctx, func(v *history.View) bool {
			return v.Pages >= want && phaseSettled(v.UI.Phase)
		})
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (s *session) waitView(ctx context.Context, pred func(*history.View) bool) (*history.View, error) {
	for {
		v := s.engine.Snapshot()
		if pred(v) {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-s.engine.Done():
			return v, history.ErrClosed
		case <-s.engine.Updates():
		}
	}
}

func (s *session) waitResult(ctx context.Context) error {
	select {
	case err := <-s.results:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.engine.Done():
		return history.ErrClosed
	}
}

func findSession(v *history.View, sessionID string) *history.Item {
	for i := range v.Items {
		if v.Items[i].SessionID == sessionID {
			return &v.Items[i]
		}
	}
	return nil
}

func renderString(v *history.View, now time.Time) string {
	var b strings.Builder
	_ = Render(&b, v, now)
	return b.String()
}

// observedCommands reports every remote command outcome on results.
type observedCommands struct {
	inner   history.SessionCommands
	results chan<- error
}

func (o observedCommands) DeleteSession(ctx context.Context, sessionLink string) error {
	err := o.inner.DeleteSession(ctx, sessionLink)
	report(o.results, err)
	return err
}

func (o observedCommands) RefreshAccessCode(ctx context.Context, sessionCode string) error {
	err := o.inner.RefreshAccessCode(ctx, sessionCode)
	report(o.results, err)
	return err
}

type observedAuth struct {
	inner   history.AuthExchanger
	results chan<- error
}

func (o observedAuth) ExchangeExternalAuth(ctx context.Context, code string) error {
	err := o.inner.ExchangeExternalAuth(ctx, code)
	report(o.results, err)
	return err
}

func report(results chan<- error, err error) {
	select {
	case results <- err:
	default:
	}
}
