package docstore

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"scoping/cmd/internal/history"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemoryDocs(t *testing.T) (*Docs, *MemoryStore, *Notifier) {
	t.Helper()
	n := NewNotifier()
	st := NewMemoryStore(n)
	d, err := NewDocs(discardLogger(), st, n)
	if err != nil {
		t.Fatalf("NewDocs: %v", err)
	}
	return d, st, n
}

// mustCreate creates a session for owner at base+offset.
func mustCreate(t *testing.T, b Backend, owner, title string, at time.Time) history.SessionRecord {
	t.Helper()
	rec, err := b.CreateSession(context.Background(), CreateSessionInput{OwnerID: owner, Title: title, Now: at})
	if err != nil {
		t.Fatalf("CreateSession(%q): %v", title, err)
	}
	return rec
}

func historyQuery(user string, limit int) history.Query {
	return history.Query{UserID: user, OrderBy: history.OrderCreatedAt, Descending: true, Limit: limit}
}

func nextChanges(t *testing.T, w history.QueryWatch) []history.Change {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	changes, err := w.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return changes
}

func nextRecord(t *testing.T, w history.SessionWatch) history.SessionRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rec, err := w.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return rec
}

func changeSummary(changes []history.Change) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Kind.String()+":"+c.Item.Title)
	}
	return out
}

func f64(v float64) *float64 { return &v }
