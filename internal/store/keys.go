package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// ErrNotFound is returned when a named record does not exist.
var ErrNotFound = errors.New("store: not found")

// AddEncryptionKey stores a named secret, replacing any previous value.
// The buffer is not consumed.
func (s *Store) AddEncryptionKey(ctx context.Context, name string, secret *memguard.LockedBuffer) error {
	if secret == nil || !secret.IsAlive() {
		return errors.New("add encryption key: secret is destroyed")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO encryption_keys (name, secret) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET secret = excluded.secret
	`, name, secret.Bytes())
	if err != nil {
		return fmt.Errorf("add encryption key: %w", err)
	}
	return nil
}

// RemoveEncryptionKey deletes a named secret and every drive assignment
// that used it. Removing an unknown name is a no-op.
func (s *Store) RemoveEncryptionKey(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM encryption_keys WHERE name = ?`, name); err != nil {
		return fmt.Errorf("remove encryption key: %w", err)
	}
	return nil
}

// EncryptionKey returns the named secret in a locked buffer the caller must
// destroy.
func (s *Store) EncryptionKey(ctx context.Context, name string) (*memguard.LockedBuffer, error) {
	var secret []byte
	err := s.db.QueryRowContext(ctx, `SELECT secret FROM encryption_keys WHERE name = ?`, name).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("encryption key %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	// NewBufferFromBytes wipes secret.
	return memguard.NewBufferFromBytes(secret), nil
}

// AssignEncryptionKey records that the drive with key is decrypted by the
// named secret.
func (s *Store) AssignEncryptionKey(ctx context.Context, key, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drive_encryption (key, name) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET name = excluded.name
	`, key, name)
	if err != nil {
		return fmt.Errorf("assign encryption key: %w", err)
	}
	return nil
}

// DriveEncryptionKey returns the secret assigned to the drive with key, or
// nil when the drive has none.
func (s *Store) DriveEncryptionKey(ctx context.Context, key string) (*memguard.LockedBuffer, error) {
	var secret []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT k.secret FROM drive_encryption d
		JOIN encryption_keys k ON k.name = d.name
		WHERE d.key = ?
	`, key).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("drive encryption key: %w", err)
	}
	return memguard.NewBufferFromBytes(secret), nil
}
