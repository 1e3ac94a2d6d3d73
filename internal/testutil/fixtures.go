package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/pear/internal/drive"
)

// Corestore opens an in-memory corestore closed at test cleanup.
func Corestore(t *testing.T) *drive.Corestore {
	t.Helper()
	cs, err := drive.OpenCorestore(drive.InMemoryCorestoreConfig())
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

// WriteFiles writes files (slash-separated names to contents) under dir.
func WriteFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

// Project writes a minimal two-module app into a new temp dir and returns
// the dir.
func Project(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	WriteFiles(t, dir, map[string]string{
		"package.json": `{"name":"` + name + `","main":"index.js","pear":{"type":"terminal"}}`,
		"index.js":     "const lib = require('./lib')\n",
		"lib/index.js": "module.exports = 1\n",
	})
	return dir
}
