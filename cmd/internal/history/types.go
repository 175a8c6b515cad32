package history

import (
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle state of an estimation session.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusClosed
}

// Item is one summary row of a user's session history.
// ID is assigned by the remote collection and is the local identity.
type Item struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	SessionLink string    `json:"session_link"`
	AccessCode  string    `json:"access_code"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
	Status      Status    `json:"status"`
	Estimate    *float64  `json:"estimate,omitempty"`
}

// Vote is a single participant's estimate for a task.
type Vote struct {
	UserID string    `json:"user_id"`
	TaskID string    `json:"task_id,omitempty"`
	Value  float64   `json:"value"`
	CastAt time.Time `json:"cast_at"`
}

// SessionRecord is the full voting session linked from an Item.
type SessionRecord struct {
	SessionID     string    `json:"session_id"`
	Link          string    `json:"link"`
	Title         string    `json:"title,omitempty"`
	AccessCode    string    `json:"access_code,omitempty"`
	Status        Status    `json:"status,omitempty"`
	Votes         []Vote    `json:"votes,omitempty"`
	FinalEstimate *float64  `json:"final_estimate,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ChangeKind tags a change reported by a feed.
type ChangeKind uint8

const (
	Added ChangeKind = iota + 1
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// ParseChangeKind is the inverse of ChangeKind.String.
func ParseChangeKind(s string) (ChangeKind, bool) {
	switch s {
	case "added":
		return Added, true
	case "modified":
		return Modified, true
	case "removed":
		return Removed, true
	default:
		return 0, false
	}
}

// Change is one delta of a live query relative to its previous result.
type Change struct {
	Kind ChangeKind
	Item Item
}

// OrderCreatedAt is the only ordering supported by the summary collection.
const OrderCreatedAt = "created_at"

// Query selects a window of a user's summary collection.
type Query struct {
	UserID     string
	OrderBy    string
	Descending bool
	Limit      int
}

// Validate checks the query shape before a watch is opened.
func (q Query) Validate() error {
	if strings.TrimSpace(q.UserID) == "" {
		return OpError{Op: "history.Query", Kind: ErrInvalidQuery, Msg: "missing user id"}
	}
	if q.OrderBy != OrderCreatedAt {
		return OpError{Op: "history.Query", Kind: ErrInvalidQuery, Msg: "unsupported order " + q.OrderBy}
	}
	if q.Limit <= 0 {
		return OpError{Op: "history.Query", Kind: ErrInvalidQuery, Msg: "limit must be positive"}
	}
	return nil
}

const sessionLinkPrefix = "sessions/"

// SessionLink returns the remote path of a session record.
func SessionLink(sessionID string) string {
	return sessionLinkPrefix + sessionID
}

// SessionIDFromLink extracts the session id from a link built by SessionLink.
// Links without the prefix are returned unchanged.
func SessionIDFromLink(link string) string {
	link = strings.TrimSpace(link)
	if i := strings.LastIndexByte(link, '/'); i >= 0 {
		return link[i+1:]
	}
	return link
}

// ErrEmptyLink is returned by commands given a blank session link.
var ErrEmptyLink = errors.New("empty session link")
