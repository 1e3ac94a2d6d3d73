package linker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pear/internal/drive"
)

func writeFiles(t *testing.T, files map[string]string) drive.Store {
	t.Helper()
	store := drive.NewLocaldrive(t.TempDir())
	for name, body := range files {
		require.NoError(t, store.Put(context.Background(), name, []byte(body)))
	}
	return store
}

func TestSpecifiers(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		source string
		want   []string
	}{
		{
			name:   "commonjs",
			file:   "/index.js",
			source: "const a = require('./a')\nconst b = require(\"b\")\n",
			want:   []string{"./a", "b"},
		},
		{
			name:   "esm",
			file:   "/index.mjs",
			source: "import x from './x.js'\nimport './side'\nexport { y } from \"./y\"\nconst z = await import('./z')\n",
			want:   []string{"./x.js", "./side", "./y", "./z"},
		},
		{
			name:   "duplicates keep first position",
			file:   "/a.js",
			source: "require('./b'); require('./c'); require('./b')",
			want:   []string{"./b", "./c"},
		},
		{
			name:   "html scripts",
			file:   "/index.html",
			source: `<html><script type="module" src="./app.js"></script></html>`,
			want:   []string{"./app.js"},
		},
		{
			name:   "json has none",
			file:   "/data.json",
			source: `{"require('./x')": 1}`,
			want:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Specifiers(tt.file, tt.source))
		})
	}
}

func TestLinker_Resolve(t *testing.T) {
	ctx := context.Background()
	store := writeFiles(t, map[string]string{
		"/index.js":                          "",
		"/lib/util.js":                       "",
		"/lib/dir/index.js":                  "",
		"/node_modules/dep/package.json":     `{"main": "main.js"}`,
		"/node_modules/dep/main.js":          "",
		"/node_modules/@scope/pkg/index.js":  "",
		"/node_modules/@scope/pkg/extra.js":  "",
		"/lib/node_modules/nested/index.js":  "",
	})
	l := New(Options{})

	tests := []struct {
		spec, parent, want string
	}{
		{"./lib/util", "/index.js", "/lib/util.js"},
		{"./dir", "/lib/util.js", "/lib/dir/index.js"},
		{"../index.js", "/lib/util.js", "/index.js"},
		{"dep", "/index.js", "/node_modules/dep/main.js"},
		{"@scope/pkg", "/index.js", "/node_modules/@scope/pkg/index.js"},
		{"@scope/pkg/extra", "/index.js", "/node_modules/@scope/pkg/extra.js"},
		{"nested", "/lib/util.js", "/lib/node_modules/nested/index.js"},
		{"nested", "/index.js", ""},
		{"fs", "/index.js", ""},
		{"node:path", "/index.js", ""},
		{"./missing", "/index.js", ""},
	}
	for _, tt := range tests {
		t.Run(tt.spec+" from "+tt.parent, func(t *testing.T) {
			got, err := l.Resolve(ctx, store, tt.spec, tt.parent)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLinker_Bundle(t *testing.T) {
	ctx := context.Background()
	store := writeFiles(t, map[string]string{
		"/index.js":                "const a = require('./a')\nrequire('fs')\n",
		"/a.js":                    "module.exports = require('dep')",
		"/node_modules/dep/index.js": "module.exports = 1",
		"/unused.js":               "",
	})
	l := New(Options{})

	g, err := l.Bundle(ctx, store, "index.js")
	require.NoError(t, err)
	assert.Equal(t, "/index.js", g.Entrypoint)
	assert.Equal(t, []string{"/a.js", "/index.js", "/node_modules/dep/index.js"}, g.Files())
	assert.Equal(t, map[string]string{"./a": "/a.js", "fs": ""}, g.Resolutions["/index.js"])

	// Bundling again derives the same graph.
	again, err := l.Bundle(ctx, store, "/index.js")
	require.NoError(t, err)
	assert.Equal(t, g, again)

	_, err = l.Bundle(ctx, store, "/nope.js")
	assert.ErrorIs(t, err, ErrEntrypoint)
}

func TestLinker_BundleHandlesCycles(t *testing.T) {
	store := writeFiles(t, map[string]string{
		"/a.js": "require('./b')",
		"/b.js": "require('./a')",
	})
	g, err := New(Options{}).Bundle(context.Background(), store, "/a.js")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a.js", "/b.js"}, g.Files())
}

func TestLinker_Warmup(t *testing.T) {
	store := writeFiles(t, map[string]string{
		"/index.html": `<script src="./app.js"></script>`,
		"/app.js":     "import './b.js'\nimport './a.js'\n",
		"/a.js":       "",
		"/b.js":       "",
		"/worker.js":  "require('./a')",
	})
	w, err := New(Options{}).Warmup(context.Background(), store, []string{"/index.html", "/worker.js", "/missing.js"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/index.html", "/app.js", "/b.js", "/a.js", "/worker.js"}, w.Files)
}
