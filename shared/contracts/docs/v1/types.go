// Package v1 defines the scoping document protocol v1.
//
// The gateway serves a user's history collection and the session records it
// links to as live subscriptions over one WebSocket connection. This package
// is shared between server and clients and holds wire types only.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "scoping.docs.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts the connection (client -> server).
	TypeHello = "hello"
	// TypeHelloAck carries the authenticated user (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeHistoryWatch opens a live window over the user's history (client -> server).
	TypeHistoryWatch = "history_watch"
	// TypeHistoryLimit widens an open history window (client -> server).
	TypeHistoryLimit = "history_limit"
	// TypeHistoryBatch delivers changes of a history window (server -> client).
	TypeHistoryBatch = "history_batch"

	// TypeSessionWatch subscribes to one session record (client -> server).
	TypeSessionWatch = "session_watch"
	// TypeSessionRecord delivers the current session record (server -> client).
	TypeSessionRecord = "session_record"

	// TypeWatchCancel ends a subscription (client -> server).
	TypeWatchCancel = "watch_cancel"
	// TypeWatchError ends a subscription with an error (server -> client).
	TypeWatchError = "watch_error"

	// TypeDeleteSession deletes a session (client -> server).
	TypeDeleteSession = "delete_session"
	// TypeRefreshAccessCode rotates a session's access code (client -> server).
	TypeRefreshAccessCode = "refresh_access_code"
	// TypeCommandResult answers a command; its payload names the request id (server -> client).
	TypeCommandResult = "command_result"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeHistoryWatch,
		TypeHistoryLimit,
		TypeHistoryBatch,
		TypeSessionWatch,
		TypeSessionRecord,
		TypeWatchCancel,
		TypeWatchError,
		TypeDeleteSession,
		TypeRefreshAccessCode,
		TypeCommandResult,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client after the handshake.
type HelloPayload struct {
	Client string `json:"client,omitempty"`
}

// HelloAckPayload identifies the connection and its authenticated user.
type HelloAckPayload struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
}

// HistoryWatchPayload opens a history window, ordered by created_at.
type HistoryWatchPayload struct {
	SubID      string `json:"sub_id"`
	Limit      int    `json:"limit"`
	Descending bool   `json:"descending"`
}

// HistoryLimitPayload sets a new window size for SubID.
type HistoryLimitPayload struct {
	SubID string `json:"sub_id"`
	Limit int    `json:"limit"`
}

// Change kinds of a ChangePayload.
const (
	ChangeAdded    = "added"
	ChangeModified = "modified"
	ChangeRemoved  = "removed"
)

// ItemPayload is one history summary row.
type ItemPayload struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	SessionLink string    `json:"session_link"`
	AccessCode  string    `json:"access_code"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
	Status      string    `json:"status"`
	Estimate    *float64  `json:"estimate,omitempty"`
}

// ChangePayload is one delta of a history window.
type ChangePayload struct {
	Kind string      `json:"kind"`
	Item ItemPayload `json:"item"`
}

// HistoryBatchPayload delivers one batch; the first batch of a watch is the
// full window.
type HistoryBatchPayload struct {
	SubID   string          `json:"sub_id"`
	Changes []ChangePayload `json:"changes"`
}

// SessionWatchPayload subscribes SubID to the session at Link.
type SessionWatchPayload struct {
	SubID string `json:"sub_id"`
	Link  string `json:"link"`
}

// VotePayload is one participant's estimate.
type VotePayload struct {
	UserID string    `json:"user_id"`
	TaskID string    `json:"task_id,omitempty"`
	Value  float64   `json:"value"`
	CastAt time.Time `json:"cast_at"`
}

// SessionPayload is a full session record.
type SessionPayload struct {
	SessionID     string        `json:"session_id"`
	Link          string        `json:"link"`
	Title         string        `json:"title,omitempty"`
	AccessCode    string        `json:"access_code,omitempty"`
	Status        string        `json:"status,omitempty"`
	Votes         []VotePayload `json:"votes,omitempty"`
	FinalEstimate *float64      `json:"final_estimate,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// SessionRecordPayload delivers the record for SubID.
type SessionRecordPayload struct {
	SubID  string         `json:"sub_id"`
	Record SessionPayload `json:"record"`
}

// WatchCancelPayload ends SubID.
type WatchCancelPayload struct {
	SubID string `json:"sub_id"`
}

// WatchErrorPayload reports that SubID ended with an error.
type WatchErrorPayload struct {
	SubID   string `json:"sub_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DeleteSessionPayload deletes the session at Link.
type DeleteSessionPayload struct {
	Link string `json:"link"`
}

// RefreshAccessCodePayload rotates the access code of SessionCode.
type RefreshAccessCodePayload struct {
	SessionCode string `json:"session_code"`
}

// CommandResultPayload answers the command envelope with id RequestID.
type CommandResultPayload struct {
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
