package app

import (
	"context"
	"fmt"
	"time"

	"scoping/cmd/internal/docstore"
	"scoping/cmd/internal/history"
)

// demoHost owns the seeded session the demo user only joined.
const demoHost = "demo-host"

// seedDemo gives userID a small history: one closed session with a final
// estimate, one open session with votes and one joined session. A user that
// already has history is left alone.
func seedDemo(ctx context.Context, b docstore.Backend, userID string, now time.Time) error {
	existing, err := b.ListHistory(ctx, userID, 1, true)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	closed, err := b.CreateSession(ctx, docstore.CreateSessionInput{OwnerID: userID, Title: "Sprint 41 grooming", Now: now.Add(-72 * time.Hour)})
	if err != nil {
		return fmt.Errorf("seed closed session: %w", err)
	}
	for i, v := range []float64{3, 5, 5} {
		vote := history.Vote{UserID: fmt.Sprintf("peer-%d", i), TaskID: "checkout-api", Value: v, CastAt: now.Add(-71 * time.Hour)}
		if err := b.CastVote(ctx, closed.SessionID, vote); err != nil {
			return fmt.Errorf("seed vote: %w", err)
		}
	}
	final := 5.0
	if err := b.CloseSession(ctx, closed.SessionID, &final, now.Add(-70*time.Hour)); err != nil {
		return fmt.Errorf("seed close: %w", err)
	}

	open, err := b.CreateSession(ctx, docstore.CreateSessionInput{OwnerID: userID, Title: "Payments backlog", Now: now.Add(-2 * time.Hour)})
	if err != nil {
		return fmt.Errorf("seed open session: %w", err)
	}
	if err := b.CastVote(ctx, open.SessionID, history.Vote{UserID: userID, TaskID: "refunds", Value: 8, CastAt: now.Add(-time.Hour)}); err != nil {
		return fmt.Errorf("seed vote: %w", err)
	}

	joined, err := b.CreateSession(ctx, docstore.CreateSessionInput{OwnerID: demoHost, Title: "Platform planning", Now: now.Add(-30 * time.Minute)})
	if err != nil {
		return fmt.Errorf("seed joined session: %w", err)
	}
	if _, err := b.JoinSession(ctx, joined.SessionID, userID, now.Add(-20*time.Minute)); err != nil {
		return fmt.Errorf("seed join: %w", err)
	}
	return nil
}
