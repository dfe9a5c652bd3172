package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

// LedgerStore implements domain.LedgerStore on the ledger_entries table.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Get returns the value stored under key.
func (s *LedgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM ledger_entries WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: get %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get %s: %w", key, err)
	}
	return value, nil
}

// Put upserts value under key.
func (s *LedgerStore) Put(ctx context.Context, key string, value []byte) error {
	const query = `
		INSERT INTO ledger_entries (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("postgres: put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are ignored.
func (s *LedgerStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM ledger_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres: delete %s: %w", key, err)
	}
	return nil
}

// List returns every entry whose key starts with prefix, ordered by key.
func (s *LedgerStore) List(ctx context.Context, prefix string) ([]domain.LedgerEntry, error) {
	const query = `
		SELECT key, value FROM ledger_entries
		WHERE key LIKE $1 ESCAPE '\'
		ORDER BY key`
	rows, err := s.pool.Query(ctx, query, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("postgres: scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list %s rows: %w", prefix, err)
	}
	return out, nil
}

// likePrefix turns prefix into a LIKE pattern matching it literally.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
