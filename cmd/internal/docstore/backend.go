package docstore

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"scoping/cmd/identity/ids"
	"scoping/cmd/internal/history"
)

// Backend persists the history and session collections. Every write must
// announce the affected HistoryTopic and SessionTopic values once it is
// durable.
type Backend interface {
	// ListHistory returns the user's rows ordered by created_at (then id),
	// newest first when descending, at most limit rows.
	ListHistory(ctx context.Context, userID string, limit int, descending bool) ([]history.Item, error)
	GetSession(ctx context.Context, sessionID string) (history.SessionRecord, error)
	// HasHistoryRow reports whether userID has a history row for the session.
	HasHistoryRow(ctx context.Context, userID, sessionID string) (bool, error)

	CreateSession(ctx context.Context, in CreateSessionInput) (history.SessionRecord, error)
	JoinSession(ctx context.Context, sessionID, userID string, now time.Time) (history.Item, error)
	CastVote(ctx context.Context, sessionID string, v history.Vote) error
	CloseSession(ctx context.Context, sessionID string, final *float64, now time.Time) error
	SetAccessCode(ctx context.Context, sessionID, code string, now time.Time) error
	// DeleteSession removes the session and every row linking to it.
	// Deleting a missing session succeeds.
	DeleteSession(ctx context.Context, sessionID string) error
}

// CreateSessionInput describes a new session and its owner's history row.
type CreateSessionInput struct {
	OwnerID string
	Title   string
	Now     time.Time
}

func (in CreateSessionInput) normalize() (CreateSessionInput, error) {
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	in.Title = strings.TrimSpace(in.Title)
	if in.OwnerID == "" {
		return in, invalid("docstore.CreateSession", "missing owner id")
	}
	if in.Title == "" {
		return in, invalid("docstore.CreateSession", "missing title")
	}
	if len([]rune(in.Title)) > maxTitleChars {
		return in, invalid("docstore.CreateSession", fmt.Sprintf("title too long: max=%d chars", maxTitleChars))
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, nil
}

// NewAccessCode returns a random 6-digit join code.
func NewAccessCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func newSessionRecord(in CreateSessionInput) (history.SessionRecord, error) {
	id, err := ids.NewULID(in.Now)
	if err != nil {
		return history.SessionRecord{}, err
	}
	code, err := NewAccessCode()
	if err != nil {
		return history.SessionRecord{}, err
	}
	return history.SessionRecord{
		SessionID:  id,
		Link:       history.SessionLink(id),
		Title:      in.Title,
		AccessCode: code,
		Status:     history.StatusOpen,
		UpdatedAt:  in.Now,
	}, nil
}

func newHistoryRow(rec history.SessionRecord, now time.Time) (history.Item, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return history.Item{}, err
	}
	it := history.Item{
		ID:          id,
		SessionID:   rec.SessionID,
		SessionLink: rec.Link,
		AccessCode:  rec.AccessCode,
		Title:       rec.Title,
		CreatedAt:   now,
		Status:      rec.Status,
	}
	if rec.FinalEstimate != nil {
		v := *rec.FinalEstimate
		it.Estimate = &v
	}
	return it, nil
}

// upsertVote replaces the vote of the same user and task, or appends.
func upsertVote(votes []history.Vote, v history.Vote) []history.Vote {
	for i := range votes {
		if votes[i].UserID == v.UserID && votes[i].TaskID == v.TaskID {
			votes[i] = v
			return votes
		}
	}
	return append(votes, v)
}

func validateVote(sessionID string, v history.Vote) error {
	if strings.TrimSpace(sessionID) == "" {
		return invalid("docstore.CastVote", "missing session id")
	}
	if strings.TrimSpace(v.UserID) == "" {
		return invalid("docstore.CastVote", "missing user id")
	}
	if v.Value < 0 {
		return invalid("docstore.CastVote", "negative estimate")
	}
	return nil
}
