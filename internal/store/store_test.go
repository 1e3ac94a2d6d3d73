package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "platform.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)
	tests := []struct {
		name string
		want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
		{"user_version", "1"},
	}
	for _, tt := range tests {
		got, err := s.pragma(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestOpen_MigratesOldDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platform.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec("DROP INDEX idx_applings_key")
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 0")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.pragma("user_version")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	var n int
	require.NoError(t, s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_applings_key'").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platform.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Trust(context.Background(), "abc"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	ok, err := s.IsTrusted(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTrust(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	keys, err := s.TrustedKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.NotNil(t, keys)

	require.NoError(t, s.Trust(ctx, "b"))
	require.NoError(t, s.Trust(ctx, "a"))
	require.NoError(t, s.Trust(ctx, "b"))

	keys, err = s.TrustedKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, keys)

	require.NoError(t, s.Untrust(ctx, "b"))
	ok, err := s.IsTrusted(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEncryptionKeys(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	secret := memguard.NewBufferFromBytes([]byte("0123456789abcdef0123456789abcdef"))
	defer secret.Destroy()
	require.NoError(t, s.AddEncryptionKey(ctx, "main", secret))
	require.NoError(t, s.AssignEncryptionKey(ctx, "drivekey", "main"))

	got, err := s.DriveEncryptionKey(ctx, "drivekey")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", string(got.Bytes()))
	got.Destroy()

	none, err := s.DriveEncryptionKey(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = s.EncryptionKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RemoveEncryptionKey(ctx, "main"))
	none, err = s.DriveEncryptionKey(ctx, "drivekey")
	require.NoError(t, err)
	assert.Nil(t, none, "assignment cascades with the key")
}

func TestEncryptionKeys_DestroyedSecret(t *testing.T) {
	s := createTestStore(t)
	secret := memguard.NewBufferFromBytes([]byte("x"))
	secret.Destroy()
	assert.Error(t, s.AddEncryptionKey(context.Background(), "k", secret))
}

func TestPreferences(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	var v map[string]any
	ok, err := s.Preference(ctx, "theme", &v)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetPreference(ctx, "theme", map[string]any{"z": 1, "a": "dark"}))
	ok, err = s.Preference(ctx, "theme", &v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "dark", v["a"])

	all, err := s.Preferences(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"dark","z":1}`, string(all["theme"]))
	assert.Equal(t, `{"a":"dark","z":1}`, string(all["theme"]), "stored canonically")

	require.NoError(t, s.DeletePreference(ctx, "theme"))
	all, err = s.Preferences(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestApplings(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.SetAppling(ctx, Appling{Path: "/apps/one", Key: "k1"}))
	require.NoError(t, s.SetAppling(ctx, Appling{Path: "/apps/two", Key: "k2"}))
	require.NoError(t, s.SetAppling(ctx, Appling{Path: "/apps/one", Key: "k3"}))

	all, err := s.Applings(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []Appling{{"/apps/one", "k3"}, {"/apps/two", "k2"}}, all)

	only, err := s.Applings(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, []Appling{{"/apps/two", "k2"}}, only)

	require.NoError(t, s.RemoveAppling(ctx, "/apps/two"))
	all, err = s.Applings(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
