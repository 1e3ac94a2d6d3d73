package store

import (
	"context"
	"fmt"
)

// Appling is an OS-level shortcut pointing at an application key.
type Appling struct {
	Path string `json:"path"`
	Key  string `json:"key"`
}

// SetAppling records (or repoints) the appling at path.
func (s *Store) SetAppling(ctx context.Context, a Appling) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set appling: begin tx: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSeq(ctx, tx, "applings")
	if err != nil {
		return fmt.Errorf("set appling: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO applings (path, key, seq) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET key = excluded.key
	`, a.Path, a.Key, seq); err != nil {
		return fmt.Errorf("set appling: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set appling: commit: %w", err)
	}
	return nil
}

// Applings returns every appling in registration order. With a non-empty
// key only that key's applings are returned.
func (s *Store) Applings(ctx context.Context, key string) ([]Appling, error) {
	query := `SELECT path, key FROM applings ORDER BY seq ASC, path COLLATE BINARY ASC`
	args := []any{}
	if key != "" {
		query = `SELECT path, key FROM applings WHERE key = ? ORDER BY seq ASC, path COLLATE BINARY ASC`
		args = append(args, key)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query applings: %w", err)
	}
	defer rows.Close()

	out := []Appling{}
	for rows.Next() {
		var a Appling
		if err := rows.Scan(&a.Path, &a.Key); err != nil {
			return nil, fmt.Errorf("scan appling: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RemoveAppling deletes the appling at path.
func (s *Store) RemoveAppling(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM applings WHERE path = ?`, path); err != nil {
		return fmt.Errorf("remove appling: %w", err)
	}
	return nil
}
