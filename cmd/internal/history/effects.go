package history

import (
	"context"
	"strings"
)

// SessionCommands are the remote session operations the engine can issue.
type SessionCommands interface {
	DeleteSession(ctx context.Context, sessionLink string) error
	RefreshAccessCode(ctx context.Context, sessionCode string) error
}

// AuthExchanger forwards an external authorization code to the integration
// endpoint.
type AuthExchanger interface {
	ExchangeExternalAuth(ctx context.Context, code string) error
}

const (
	commandDeleteSession     = "delete_session"
	commandRefreshAccessCode = "refresh_access_code"
	commandExchangeAuth      = "exchange_external_auth"
)

// ExchangeFailedMessage is shown for every failed external auth exchange.
const ExchangeFailedMessage = "external authorization failed"

// DeleteSession deletes the linked session remotely. On success every local
// item of that session is removed; on failure an error is shown and the
// store is left untouched.
func (e *Engine) DeleteSession(sessionLink string) {
	link := strings.TrimSpace(sessionLink)
	e.runEffect(commandDeleteSession, func(ctx context.Context) (*Mutation, error) {
		if link == "" {
			return nil, ErrEmptyLink
		}
		if e.deps.Commands == nil {
			return nil, OpError{Op: "history.DeleteSession", Kind: ErrNotConfigured}
		}
		if err := e.deps.Commands.DeleteSession(ctx, link); err != nil {
			return nil, err
		}
		return &Mutation{Kind: MutationRemove, Key: SessionIDFromLink(link)}, nil
	}, nil)
}

// RefreshAccessCode rotates the session's access code. The new code reaches
// the store through the feed.
func (e *Engine) RefreshAccessCode(sessionCode string) {
	code := strings.TrimSpace(sessionCode)
	e.runEffect(commandRefreshAccessCode, func(ctx context.Context) (*Mutation, error) {
		if code == "" {
			return nil, OpError{Op: "history.RefreshAccessCode", Kind: ErrInvalidQuery, Msg: "empty session code"}
		}
		if e.deps.Commands == nil {
			return nil, OpError{Op: "history.RefreshAccessCode", Kind: ErrNotConfigured}
		}
		return nil, e.deps.Commands.RefreshAccessCode(ctx, code)
	}, nil)
}

// ExchangeExternalAuth forwards code to the integration endpoint.
func (e *Engine) ExchangeExternalAuth(code string) {
	code = strings.TrimSpace(code)
	e.runEffect(commandExchangeAuth, func(ctx context.Context) (*Mutation, error) {
		if e.deps.Auth == nil {
			return nil, OpError{Op: "history.ExchangeExternalAuth", Kind: ErrNotConfigured}
		}
		return nil, e.deps.Auth.ExchangeExternalAuth(ctx, code)
	}, func(error) string { return ExchangeFailedMessage })
}

// runEffect runs fn off the loop and posts its outcome. message renders a
// failure for display; nil uses the error text.
func (e *Engine) runEffect(command string, fn func(ctx context.Context) (*Mutation, error), message func(error) string) {
	ok := e.spawn(func() {
		ctx, cancel := context.WithTimeout(e.baseCtx, e.cfg.CommandTimeout)
		defer cancel()

		mut, err := fn(ctx)
		res := effectResult{command: command, mutation: mut, err: err}
		if err != nil {
			e.deps.Metrics.commandFailed(command)
			e.log.Info("history.command.fail", "command", command, "err", err)
			if message != nil {
				res.message = message(err)
			} else {
				res.message = err.Error()
			}
		}
		e.post(e.baseCtx, res)
	})
	if !ok {
		e.log.Debug("history.command.drop", "command", command)
	}
}
