package docstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"scoping/cmd/internal/history"
)

// MemoryStore is an in-process Backend for dev and tests.
type MemoryStore struct {
	notifier *Notifier

	mu       sync.RWMutex
	sessions map[string]history.SessionRecord
	// rows maps user id -> item id -> summary row.
	rows map[string]map[string]history.Item
}

var _ Backend = (*MemoryStore)(nil)

// NewMemoryStore announces writes on notifier.
func NewMemoryStore(notifier *Notifier) *MemoryStore {
	return &MemoryStore{
		notifier: notifier,
		sessions: make(map[string]history.SessionRecord),
		rows:     make(map[string]map[string]history.Item),
	}
}

func (s *MemoryStore) ListHistory(ctx context.Context, userID string, limit int, descending bool) ([]history.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, invalid("docstore.ListHistory", "limit must be positive")
	}

	s.mu.RLock()
	out := make([]history.Item, 0, len(s.rows[userID]))
	for _, it := range s.rows[userID] {
		out = append(out, cloneItem(it))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b history.Item) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if descending {
			return -c
		}
		return c
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (history.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return history.SessionRecord{}, err
	}
	s.mu.RLock()
	rec, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return history.SessionRecord{}, notFound("docstore.GetSession", sessionID)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) HasHistoryRow(ctx context.Context, userID, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, it := range s.rows[userID] {
		if it.SessionID == sessionID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, in CreateSessionInput) (history.SessionRecord, error) {
	in, err := in.normalize()
	if err != nil {
		return history.SessionRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return history.SessionRecord{}, err
	}

	rec, err := newSessionRecord(in)
	if err != nil {
		return history.SessionRecord{}, err
	}
	row, err := newHistoryRow(rec, in.Now)
	if err != nil {
		return history.SessionRecord{}, err
	}

	s.mu.Lock()
	s.sessions[rec.SessionID] = rec
	s.putRowLocked(in.OwnerID, row)
	s.mu.Unlock()

	s.notifier.Publish(HistoryTopic(in.OwnerID), SessionTopic(rec.SessionID))
	return cloneRecord(rec), nil
}

func (s *MemoryStore) JoinSession(ctx context.Context, sessionID, userID string, now time.Time) (history.Item, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return history.Item{}, invalid("docstore.JoinSession", "missing user id")
	}
	if err := ctx.Err(); err != nil {
		return history.Item{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return history.Item{}, notFound("docstore.JoinSession", sessionID)
	}
	for _, it := range s.rows[userID] {
		if it.SessionID == sessionID {
			s.mu.Unlock()
			return cloneItem(it), nil
		}
	}
	row, err := newHistoryRow(rec, now)
	if err != nil {
		s.mu.Unlock()
		return history.Item{}, err
	}
	s.putRowLocked(userID, row)
	s.mu.Unlock()

	s.notifier.Publish(HistoryTopic(userID))
	return cloneItem(row), nil
}

func (s *MemoryStore) CastVote(ctx context.Context, sessionID string, v history.Vote) error {
	if err := validateVote(sessionID, v); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.CastAt.IsZero() {
		v.CastAt = time.Now().UTC()
	}

	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return notFound("docstore.CastVote", sessionID)
	}
	if rec.Status == history.StatusClosed {
		s.mu.Unlock()
		return invalid("docstore.CastVote", "session closed")
	}
	rec.Votes = upsertVote(slices.Clone(rec.Votes), v)
	rec.UpdatedAt = v.CastAt
	s.sessions[sessionID] = rec
	s.mu.Unlock()

	s.notifier.Publish(SessionTopic(sessionID))
	return nil
}

func (s *MemoryStore) CloseSession(ctx context.Context, sessionID string, final *float64, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return notFound("docstore.CloseSession", sessionID)
	}
	rec.Status = history.StatusClosed
	rec.FinalEstimate = cloneFloat(final)
	rec.UpdatedAt = now
	s.sessions[sessionID] = rec
	users := s.updateRowsLocked(sessionID, func(it *history.Item) {
		it.Status = history.StatusClosed
		it.Estimate = cloneFloat(final)
	})
	s.mu.Unlock()

	s.notifier.Publish(append(historyTopics(users), SessionTopic(sessionID))...)
	return nil
}

func (s *MemoryStore) SetAccessCode(ctx context.Context, sessionID, code string, now time.Time) error {
	if strings.TrimSpace(code) == "" {
		return invalid("docstore.SetAccessCode", "empty code")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return notFound("docstore.SetAccessCode", sessionID)
	}
	rec.AccessCode = code
	rec.UpdatedAt = now
	s.sessions[sessionID] = rec
	users := s.updateRowsLocked(sessionID, func(it *history.Item) { it.AccessCode = code })
	s.mu.Unlock()

	s.notifier.Publish(append(historyTopics(users), SessionTopic(sessionID))...)
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	var users []string
	for uid, rows := range s.rows {
		for id, it := range rows {
			if it.SessionID == sessionID {
				delete(rows, id)
				users = append(users, uid)
			}
		}
		if len(rows) == 0 {
			delete(s.rows, uid)
		}
	}
	s.mu.Unlock()

	s.notifier.Publish(append(historyTopics(users), SessionTopic(sessionID))...)
	return nil
}

func (s *MemoryStore) putRowLocked(userID string, it history.Item) {
	rows := s.rows[userID]
	if rows == nil {
		rows = make(map[string]history.Item)
		s.rows[userID] = rows
	}
	rows[it.ID] = it
}

// updateRowsLocked applies fn to every row of sessionID and returns the
// affected users.
func (s *MemoryStore) updateRowsLocked(sessionID string, fn func(it *history.Item)) []string {
	var users []string
	for uid, rows := range s.rows {
		for id, it := range rows {
			if it.SessionID != sessionID {
				continue
			}
			fn(&it)
			rows[id] = it
			users = append(users, uid)
		}
	}
	return users
}

func historyTopics(users []string) []string {
	out := make([]string, 0, len(users)+1)
	for _, u := range users {
		out = append(out, HistoryTopic(u))
	}
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneItem(it history.Item) history.Item {
	it.Estimate = cloneFloat(it.Estimate)
	return it
}

func cloneRecord(rec history.SessionRecord) history.SessionRecord {
	rec.Votes = slices.Clone(rec.Votes)
	rec.FinalEstimate = cloneFloat(rec.FinalEstimate)
	return rec
}
