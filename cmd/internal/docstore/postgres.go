package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"scoping/cmd/internal/history"
)

// NotifyChannel is the Postgres channel writes are announced on. Payloads
// are topic names.
const NotifyChannel = "scoping_docs"

// PostgresStore is a Backend on PostgreSQL.
//
// It does not own the pool. Writes announce topics with pg_notify inside
// their transaction; a Listener delivers them to the local Notifier.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

var _ Backend = (*PostgresStore)(nil)

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "scoping").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("docstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("docstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Backend.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "scoping",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("docstore: nil pool")
	}
	return st, nil
}

// ApplySchema creates the store's tables when missing.
func (s *PostgresStore) ApplySchema(ctx context.Context) error {
	sessions := pgIdent(s.schema, "sessions")
	rows := pgIdent(s.schema, "history_items")
	idx := pgx.Identifier{s.schema + "_history_items_user_created"}.Sanitize()

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id             TEXT PRIMARY KEY,
  title          TEXT NOT NULL,
  access_code    TEXT NOT NULL,
  status         TEXT NOT NULL CHECK (status IN ('open', 'closed')),
  final_estimate DOUBLE PRECISION NULL,
  votes          JSONB NOT NULL DEFAULT '[]'::jsonb,
  created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  id          TEXT PRIMARY KEY,
  user_id     TEXT NOT NULL,
  session_id  TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  title       TEXT NOT NULL,
  access_code TEXT NOT NULL,
  status      TEXT NOT NULL,
  estimate    DOUBLE PRECISION NULL,
  created_at  TIMESTAMPTZ NOT NULL,
  UNIQUE (user_id, session_id)
);

CREATE INDEX IF NOT EXISTS %s ON %s (user_id, created_at, id);
`, pgx.Identifier{s.schema}.Sanitize(), sessions, rows, sessions, idx, rows)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) ListHistory(ctx context.Context, userID string, limit int, descending bool) ([]history.Item, error) {
	if limit <= 0 {
		return nil, invalid("docstore.ListHistory", "limit must be positive")
	}
	order := "ASC"
	if descending {
		order = "DESC"
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, access_code, title, created_at, status, estimate
		   FROM `+pgIdent(s.schema, "history_items")+`
		  WHERE user_id = $1
		  ORDER BY created_at `+order+`, id `+order+`
		  LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]history.Item, 0, limit)
	for rows.Next() {
		var (
			it     history.Item
			status string
		)
		if err := rows.Scan(&it.ID, &it.SessionID, &it.AccessCode, &it.Title, &it.CreatedAt, &status, &it.Estimate); err != nil {
			return nil, err
		}
		it.SessionLink = history.SessionLink(it.SessionID)
		it.Status = history.Status(status)
		it.CreatedAt = it.CreatedAt.UTC()
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (history.SessionRecord, error) {
	rec, err := readSession(ctx, s.pool, pgIdent(s.schema, "sessions"), sessionID, false)
	if errors.Is(err, pgx.ErrNoRows) {
		return history.SessionRecord{}, notFound("docstore.GetSession", sessionID)
	}
	return rec, err
}

func (s *PostgresStore) HasHistoryRow(ctx context.Context, userID, sessionID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+pgIdent(s.schema, "history_items")+` WHERE user_id = $1 AND session_id = $2)`,
		userID, sessionID,
	).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) CreateSession(ctx context.Context, in CreateSessionInput) (history.SessionRecord, error) {
	in, err := in.normalize()
	if err != nil {
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

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+pgIdent(s.schema, "sessions")+` (id, title, access_code, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $5)`,
			rec.SessionID, rec.Title, rec.AccessCode, string(rec.Status), in.Now,
		); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if err := s.insertRow(ctx, tx, in.OwnerID, row); err != nil {
			return err
		}
		return notifyTopics(ctx, tx, HistoryTopic(in.OwnerID), SessionTopic(rec.SessionID))
	})
	if err != nil {
		return history.SessionRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) JoinSession(ctx context.Context, sessionID, userID string, now time.Time) (history.Item, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return history.Item{}, invalid("docstore.JoinSession", "missing user id")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var out history.Item
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rec, err := readSession(ctx, tx, pgIdent(s.schema, "sessions"), sessionID, true)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("docstore.JoinSession", sessionID)
		}
		if err != nil {
			return err
		}

		row, err := newHistoryRow(rec, now)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO `+pgIdent(s.schema, "history_items")+` (id, user_id, session_id, title, access_code, status, estimate, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (user_id, session_id) DO NOTHING`,
			row.ID, userID, row.SessionID, row.Title, row.AccessCode, string(row.Status), row.Estimate, row.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert history row: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Already joined; the existing row is read after commit.
			return nil
		}
		out = row
		return notifyTopics(ctx, tx, HistoryTopic(userID))
	})
	if err != nil {
		return history.Item{}, err
	}
	if out.ID == "" {
		return s.rowFor(ctx, userID, sessionID)
	}
	return out, nil
}

func (s *PostgresStore) CastVote(ctx context.Context, sessionID string, v history.Vote) error {
	if err := validateVote(sessionID, v); err != nil {
		return err
	}
	if v.CastAt.IsZero() {
		v.CastAt = time.Now().UTC()
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		sessions := pgIdent(s.schema, "sessions")
		rec, err := readSession(ctx, tx, sessions, sessionID, true)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("docstore.CastVote", sessionID)
		}
		if err != nil {
			return err
		}
		if rec.Status == history.StatusClosed {
			return invalid("docstore.CastVote", "session closed")
		}

		votes, err := json.Marshal(upsertVote(rec.Votes, v))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE `+sessions+` SET votes = $2::jsonb, updated_at = $3 WHERE id = $1`,
			sessionID, string(votes), v.CastAt,
		); err != nil {
			return fmt.Errorf("update votes: %w", err)
		}
		return notifyTopics(ctx, tx, SessionTopic(sessionID))
	})
}

func (s *PostgresStore) CloseSession(ctx context.Context, sessionID string, final *float64, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE `+pgIdent(s.schema, "sessions")+`
			    SET status = 'closed', final_estimate = $2, updated_at = $3
			  WHERE id = $1`,
			sessionID, final, now,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return notFound("docstore.CloseSession", sessionID)
		}
		users, err := collectUsers(tx.Query(ctx,
			`UPDATE `+pgIdent(s.schema, "history_items")+`
			    SET status = 'closed', estimate = $2
			  WHERE session_id = $1
			RETURNING user_id`,
			sessionID, final,
		))
		if err != nil {
			return err
		}
		return notifyTopics(ctx, tx, append(historyTopics(users), SessionTopic(sessionID))...)
	})
}

func (s *PostgresStore) SetAccessCode(ctx context.Context, sessionID, code string, now time.Time) error {
	if strings.TrimSpace(code) == "" {
		return invalid("docstore.SetAccessCode", "empty code")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE `+pgIdent(s.schema, "sessions")+` SET access_code = $2, updated_at = $3 WHERE id = $1`,
			sessionID, code, now,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return notFound("docstore.SetAccessCode", sessionID)
		}
		users, err := collectUsers(tx.Query(ctx,
			`UPDATE `+pgIdent(s.schema, "history_items")+` SET access_code = $2 WHERE session_id = $1 RETURNING user_id`,
			sessionID, code,
		))
		if err != nil {
			return err
		}
		return notifyTopics(ctx, tx, append(historyTopics(users), SessionTopic(sessionID))...)
	})
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		users, err := collectUsers(tx.Query(ctx,
			`DELETE FROM `+pgIdent(s.schema, "history_items")+` WHERE session_id = $1 RETURNING user_id`,
			sessionID,
		))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "sessions")+` WHERE id = $1`, sessionID); err != nil {
			return err
		}
		return notifyTopics(ctx, tx, append(historyTopics(users), SessionTopic(sessionID))...)
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) insertRow(ctx context.Context, tx pgx.Tx, userID string, it history.Item) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "history_items")+` (id, user_id, session_id, title, access_code, status, estimate, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		it.ID, userID, it.SessionID, it.Title, it.AccessCode, string(it.Status), it.Estimate, it.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert history row: %w", err)
	}
	return nil
}

func (s *PostgresStore) rowFor(ctx context.Context, userID, sessionID string) (history.Item, error) {
	var (
		it     history.Item
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, access_code, title, created_at, status, estimate
		   FROM `+pgIdent(s.schema, "history_items")+`
		  WHERE user_id = $1 AND session_id = $2`,
		userID, sessionID,
	).Scan(&it.ID, &it.SessionID, &it.AccessCode, &it.Title, &it.CreatedAt, &status, &it.Estimate)
	if errors.Is(err, pgx.ErrNoRows) {
		return history.Item{}, notFound("docstore.JoinSession", sessionID)
	}
	if err != nil {
		return history.Item{}, err
	}
	it.SessionLink = history.SessionLink(it.SessionID)
	it.Status = history.Status(status)
	it.CreatedAt = it.CreatedAt.UTC()
	return it, nil
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readSession(ctx context.Context, q queryer, table, sessionID string, forUpdate bool) (history.SessionRecord, error) {
	sql := `SELECT id, title, access_code, status, final_estimate, votes, updated_at FROM ` + table + ` WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	var (
		rec    history.SessionRecord
		status string
		votes  []byte
	)
	if err := q.QueryRow(ctx, sql, sessionID).Scan(
		&rec.SessionID, &rec.Title, &rec.AccessCode, &status, &rec.FinalEstimate, &votes, &rec.UpdatedAt,
	); err != nil {
		return history.SessionRecord{}, err
	}
	if len(votes) > 0 {
		if err := json.Unmarshal(votes, &rec.Votes); err != nil {
			return history.SessionRecord{}, fmt.Errorf("decode votes: %w", err)
		}
	}
	if len(rec.Votes) == 0 {
		rec.Votes = nil
	}
	for i := range rec.Votes {
		rec.Votes[i].CastAt = rec.Votes[i].CastAt.UTC()
	}
	rec.Link = history.SessionLink(rec.SessionID)
	rec.Status = history.Status(status)
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func collectUsers(rows pgx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return users, nil
}

func notifyTopics(ctx context.Context, tx pgx.Tx, topics ...string) error {
	seen := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, t); err != nil {
			return fmt.Errorf("notify %s: %w", t, err)
		}
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
