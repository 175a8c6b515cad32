package connections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresStore is a Store on PostgreSQL. It does not own the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

var _ Store = (*PostgresStore)(nil)

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresStore uses schema, or "scoping" when empty.
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("connections: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "scoping"
	}
	if !pgIdentRE.MatchString(schema) {
		return nil, errors.New("connections: invalid schema identifier")
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "connections"}.Sanitize()
}

// ApplySchema creates the connections table when missing.
func (s *PostgresStore) ApplySchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id            TEXT PRIMARY KEY,
  user_id       TEXT NOT NULL,
  type          TEXT NOT NULL,
  external_id   TEXT NOT NULL,
  sealed_token  TEXT NOT NULL,
  token_fp      TEXT NOT NULL,
  external_data JSONB NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL,
  UNIQUE (user_id, type, external_id)
);
`, pgx.Identifier{s.schema}.Sanitize(), s.table())
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, c Connection) error {
	ext, err := json.Marshal(c.External)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (id, user_id, type, external_id, sealed_token, token_fp, external_data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.UserID, strings.ToLower(c.Type), c.ExternalID, c.SealedToken, c.TokenFingerprint, ext, c.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) List(ctx context.Context, userID string) ([]Connection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, external_id, sealed_token, token_fp, external_data, created_at
		   FROM `+s.table()+`
		  WHERE user_id = $1
		  ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Connection, error) {
		var (
			c   Connection
			ext []byte
		)
		if err := row.Scan(&c.ID, &c.UserID, &c.Type, &c.ExternalID, &c.SealedToken, &c.TokenFingerprint, &ext, &c.CreatedAt); err != nil {
			return Connection{}, err
		}
		if err := json.Unmarshal(ext, &c.External); err != nil {
			return Connection{}, fmt.Errorf("external_data: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		return c, nil
	})
}
