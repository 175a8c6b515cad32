package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/coder/websocket"

	"scoping/cmd/internal/history"
	v1 "scoping/shared/contracts/docs/v1"
)

func buildEnvelope(typ, id string, v any, ts time.Time) (v1.Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}, nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "invalid JSON: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || strings.Contains(err.Error(), "use of closed network connection") {
		return readErrConnClosed
	}
	return readErrUnknown
}

// errorCode maps an operation error onto a wire error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, history.ErrInvalidQuery):
		return "invalid"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

// errorFromCode is the client-side inverse of errorCode.
func errorFromCode(op, code, msg string) error {
	switch code {
	case "not_found":
		return OpError{Op: op, Kind: ErrNotFound, Msg: msg}
	case "forbidden":
		return OpError{Op: op, Kind: ErrForbidden, Msg: msg}
	case "invalid":
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
	case "timeout":
		return OpError{Op: op, Kind: context.DeadlineExceeded, Msg: msg}
	default:
		return OpError{Op: op, Kind: errRemote, Msg: strings.TrimSpace(code + ": " + msg)}
	}
}

var errRemote = errors.New("remote error")
