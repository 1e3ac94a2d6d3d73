package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Trust records key as trusted. Trusting an already trusted key is a no-op.
func (s *Store) Trust(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("trust: begin tx: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSeq(ctx, tx, "trusted")
	if err != nil {
		return fmt.Errorf("trust: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trusted (key, seq) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, seq); err != nil {
		return fmt.Errorf("trust: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("trust: commit: %w", err)
	}
	return nil
}

// Untrust removes key from the trusted set.
func (s *Store) Untrust(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM trusted WHERE key = ?`, key); err != nil {
		return fmt.Errorf("untrust: %w", err)
	}
	return nil
}

// IsTrusted reports whether key has been trusted.
func (s *Store) IsTrusted(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM trusted WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is trusted: %w", err)
	}
	return true, nil
}

// TrustedKeys returns every trusted key in the order it was trusted.
// Returns an empty slice (not nil) when nothing is trusted.
func (s *Store) TrustedKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM trusted ORDER BY seq ASC, key COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("query trusted: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan trusted: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
