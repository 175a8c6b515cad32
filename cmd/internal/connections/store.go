package connections

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Store persists connections. Create must fail with ErrConflict when the
// (UserID, Type, ExternalID) triple exists.
type Store interface {
	Create(ctx context.Context, c Connection) error
	List(ctx context.Context, userID string) ([]Connection, error)
}

// MemoryStore is an in-process Store for dev and tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string][]Connection
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]Connection)}
}

func (s *MemoryStore) Create(ctx context.Context, c Connection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.rows[c.UserID] {
		if strings.EqualFold(have.Type, c.Type) && have.ExternalID == c.ExternalID {
			return ErrConflict
		}
	}
	s.rows[c.UserID] = append(s.rows[c.UserID], c)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, userID string) ([]Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rows[userID]), nil
}
