package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_DebouncesIntoOneBatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "lib"), 0o755))

	w, err := New(dir, Options{
		Debounce: 50 * time.Millisecond,
		Ignore:   func(rel string) bool { return strings.HasPrefix(rel, "/.git") },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batches := make(chan []string, 4)
	go w.Run(ctx, func(paths []string) { batches <- paths })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "x.js"), []byte("b"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !seen["/index.js"] || !seen["/lib/x.js"] {
		select {
		case paths := <-batches:
			for _, p := range paths {
				seen[p] = true
			}
		case <-deadline:
			t.Fatalf("changes not delivered, saw %v", seen)
		}
	}
	assert.False(t, seen["/.git"])
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	w, err := New(t.TempDir(), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func([]string) {}) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
}
