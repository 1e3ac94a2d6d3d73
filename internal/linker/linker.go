// Package linker resolves an application's module graph out of a drive.
//
// Sources are scanned for require(), import and dynamic import() specifiers
// (and <script src> in HTML entrypoints). Relative specifiers resolve with
// the usual extension and index probing; bare specifiers resolve through
// /node_modules. Specifiers that name builtins or cannot be found are kept
// in the resolution map with an empty target so the runtime can decide.
package linker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/pear/internal/drive"
)

// ErrEntrypoint is returned when the entrypoint does not exist.
var ErrEntrypoint = errors.New("linker: entrypoint not found")

var (
	requireRe = regexp.MustCompile(`\brequire\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	importRe  = regexp.MustCompile(`(?m)^\s*(?:import|export)\s[^'"]*?\bfrom\s*['"]([^'"]+)['"]`)
	bareRe    = regexp.MustCompile(`(?m)^\s*import\s*['"]([^'"]+)['"]`)
	dynamicRe = regexp.MustCompile(`\bimport\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	scriptRe  = regexp.MustCompile(`<script[^>]*\ssrc\s*=\s*['"]([^'"]+)['"]`)
)

var extensions = []string{"", ".js", ".mjs", ".cjs", ".json"}

// Graph is a resolved module graph ready for execution.
type Graph struct {
	Key         string                       `json:"key"`
	Entrypoint  string                       `json:"entrypoint"`
	Sources     map[string]string            `json:"sources"`
	Resolutions map[string]map[string]string `json:"resolutions"`
}

// Files returns the graph's source paths in sorted order.
func (g *Graph) Files() []string {
	files := make([]string, 0, len(g.Sources))
	for f := range g.Sources {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Warmup is the download-range hint stored alongside a release: the files
// every entrypoint needs, in load order.
type Warmup struct {
	Files []string `json:"files"`
}

// Options configures a Linker.
type Options struct {
	// Builtins are specifiers provided by the runtime.
	Builtins []string
	Logger   *slog.Logger
}

// Linker resolves module graphs.
type Linker struct {
	builtins map[string]bool
	logger   *slog.Logger
}

// DefaultBuiltins are the runtime modules apps may import without shipping.
var DefaultBuiltins = []string{
	"pear", "bare", "fs", "path", "os", "events", "crypto", "url", "util",
	"stream", "buffer", "child_process", "net", "http", "https",
}

// New creates a Linker.
func New(opts Options) *Linker {
	if opts.Builtins == nil {
		opts.Builtins = DefaultBuiltins
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	builtins := make(map[string]bool, len(opts.Builtins))
	for _, b := range opts.Builtins {
		builtins[b] = true
	}
	return &Linker{builtins: builtins, logger: opts.Logger}
}

// Resolve maps specifier, imported from parent, to a drive path. It returns
// "" for builtins and for bare specifiers that are not installed.
func (l *Linker) Resolve(ctx context.Context, store drive.Store, specifier, parent string) (string, error) {
	if l.isBuiltin(specifier) {
		return "", nil
	}
	if strings.HasPrefix(specifier, "/") || strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") {
		target := specifier
		if !strings.HasPrefix(specifier, "/") {
			target = path.Join(path.Dir(parent), specifier)
		}
		return l.resolveFile(ctx, store, path.Clean(target))
	}
	return l.resolvePackage(ctx, store, specifier, parent)
}

func (l *Linker) isBuiltin(specifier string) bool {
	name := strings.TrimPrefix(specifier, "node:")
	if i := strings.Index(name, "/"); i > 0 && !strings.HasPrefix(name, "@") {
		name = name[:i]
	}
	return l.builtins[name] || strings.HasPrefix(specifier, "node:")
}

func (l *Linker) resolveFile(ctx context.Context, store drive.Store, target string) (string, error) {
	for _, ext := range extensions {
		ok, err := exists(ctx, store, target+ext)
		if err != nil {
			return "", err
		}
		if ok {
			return target + ext, nil
		}
	}
	if main, err := packageMain(ctx, store, target); err != nil {
		return "", err
	} else if main != "" && path.Join(target, main) != target {
		return l.resolveFile(ctx, store, path.Join(target, main))
	}
	for _, index := range []string{"/index.js", "/index.mjs", "/index.cjs", "/index.json"} {
		ok, err := exists(ctx, store, target+index)
		if err != nil {
			return "", err
		}
		if ok {
			return target + index, nil
		}
	}
	return "", nil
}

func (l *Linker) resolvePackage(ctx context.Context, store drive.Store, specifier, parent string) (string, error) {
	name, sub := splitPackage(specifier)
	for dir := path.Dir(parent); ; dir = path.Dir(dir) {
		root := path.Join(dir, "node_modules", name)
		target := root
		if sub != "" {
			target = path.Join(root, sub)
		}
		resolved, err := l.resolveFile(ctx, store, target)
		if err != nil || resolved != "" {
			return resolved, err
		}
		if dir == "/" {
			return "", nil
		}
	}
}

func splitPackage(specifier string) (name, sub string) {
	parts := strings.SplitN(specifier, "/", 3)
	if strings.HasPrefix(specifier, "@") && len(parts) > 1 {
		name = parts[0] + "/" + parts[1]
		if len(parts) == 3 {
			sub = parts[2]
		}
		return name, sub
	}
	parts = strings.SplitN(specifier, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func packageMain(ctx context.Context, store drive.Store, dir string) (string, error) {
	raw, err := store.Get(ctx, path.Join(dir, "package.json"))
	if errors.Is(err, drive.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var pkg struct {
		Main string `json:"main"`
	}
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return "", nil
	}
	return pkg.Main, nil
}

func exists(ctx context.Context, store drive.Store, name string) (bool, error) {
	if name == "/" || name == "" {
		return false, nil
	}
	_, err := store.Get(ctx, name)
	if errors.Is(err, drive.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Specifiers returns the module specifiers referenced by source, in order
// of first appearance.
func Specifiers(name, source string) []string {
	var res []*regexp.Regexp
	switch path.Ext(name) {
	case ".html", ".htm":
		res = []*regexp.Regexp{scriptRe}
	case ".json":
		return nil
	default:
		res = []*regexp.Regexp{requireRe, importRe, bareRe, dynamicRe}
	}

	type hit struct {
		pos  int
		spec string
	}
	var hits []hit
	for _, re := range res {
		for _, m := range re.FindAllStringSubmatchIndex(source, -1) {
			hits = append(hits, hit{pos: m[2], spec: source[m[2]:m[3]]})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	seen := make(map[string]bool)
	var out []string
	for _, h := range hits {
		if !seen[h.spec] {
			seen[h.spec] = true
			out = append(out, h.spec)
		}
	}
	return out
}

// Bundle walks the graph reachable from entrypoint.
func (l *Linker) Bundle(ctx context.Context, store drive.Store, entrypoint string) (*Graph, error) {
	if !strings.HasPrefix(entrypoint, "/") {
		entrypoint = "/" + entrypoint
	}
	entry, err := l.resolveFile(ctx, store, path.Clean(entrypoint))
	if err != nil {
		return nil, fmt.Errorf("resolve entrypoint: %w", err)
	}
	if entry == "" {
		return nil, fmt.Errorf("%w: %s", ErrEntrypoint, entrypoint)
	}

	g := &Graph{
		Entrypoint:  entry,
		Sources:     make(map[string]string),
		Resolutions: make(map[string]map[string]string),
	}
	queue := []string{entry}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		file := queue[0]
		queue = queue[1:]
		if _, done := g.Sources[file]; done {
			continue
		}

		raw, err := store.Get(ctx, file)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
		source := string(raw)
		g.Sources[file] = source

		specs := Specifiers(file, source)
		if len(specs) == 0 {
			continue
		}
		res := make(map[string]string, len(specs))
		for _, spec := range specs {
			target, err := l.Resolve(ctx, store, spec, file)
			if err != nil {
				return nil, fmt.Errorf("resolve %q from %s: %w", spec, file, err)
			}
			res[spec] = target
			if target == "" {
				l.logger.Debug("unresolved specifier", "specifier", spec, "parent", file)
				continue
			}
			queue = append(queue, target)
		}
		g.Resolutions[file] = res
	}
	return g, nil
}

// Warmup computes the warmup hint for the given entrypoints. Missing
// entrypoints are skipped.
func (l *Linker) Warmup(ctx context.Context, store drive.Store, entrypoints []string) (*Warmup, error) {
	seen := make(map[string]bool)
	w := &Warmup{}
	for _, ep := range entrypoints {
		g, err := l.Bundle(ctx, store, ep)
		if errors.Is(err, ErrEntrypoint) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, f := range g.loadOrder() {
			if !seen[f] {
				seen[f] = true
				w.Files = append(w.Files, f)
			}
		}
	}
	return w, nil
}

// loadOrder is a breadth-first walk from the entrypoint following each
// file's specifiers in source order.
func (g *Graph) loadOrder() []string {
	var order []string
	seen := map[string]bool{g.Entrypoint: true}
	queue := []string{g.Entrypoint}
	for len(queue) > 0 {
		file := queue[0]
		queue = queue[1:]
		order = append(order, file)
		for _, spec := range Specifiers(file, g.Sources[file]) {
			target := g.Resolutions[file][spec]
			if target != "" && !seen[target] {
				seen[target] = true
				queue = append(queue, target)
			}
		}
	}
	return order
}
