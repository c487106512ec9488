package flagstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	dErrors "calculaconfia/pkg/domain-errors"
)

// PostgresStore is the durable flavor for deploys without redis. Expiry is
// lazy: expired rows read as absent and are reaped on the next write.
type PostgresStore struct {
	notifier
	db *sql.DB
}

// NewPostgresStore opens a postgres-backed store and ensures its table.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "open postgres")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "ping postgres")
	}

	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS funnel_flags (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at TIMESTAMPTZ
		)`)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "create funnel_flags table")
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM funnel_flags WHERE key = $1`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, dErrors.Wrap(err, dErrors.CodeUnavailable, "flag read failed")
	}
	if expiresAt.Valid && !expiresAt.Time.After(time.Now()) {
		return "", false, nil
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funnel_flags (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3`,
		key, value, expiresAt)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "flag write failed")
	}

	// Reap whatever expired; cheap enough at this table's size.
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM funnel_flags WHERE expires_at IS NOT NULL AND expires_at <= now()`)

	s.notify(Change{Key: key, Value: value, Present: true})
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM funnel_flags WHERE key = $1`, key); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "flag delete failed")
	}
	s.notify(Change{Key: key, Present: false})
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
