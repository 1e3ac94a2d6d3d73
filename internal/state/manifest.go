package state

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/kaptinlin/jsonschema"
	"golang.org/x/mod/semver"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/errs"
)

// App types.
const (
	TypeDesktop  = "desktop"
	TypeTerminal = "terminal"
)

// Manifest is an application's package.json.
type Manifest struct {
	Name         string            `json:"name"`
	Main         string            `json:"main,omitempty"`
	Version      string            `json:"version,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Pear         Options           `json:"pear"`
}

// Options is the manifest's "pear" field with defaults applied.
type Options struct {
	Name                  string         `json:"name,omitempty"`
	Main                  string         `json:"main,omitempty"`
	Type                  string         `json:"type"`
	Channel               string         `json:"channel,omitempty"`
	Links                 []string       `json:"links"`
	Minver                *drive.Version `json:"minver,omitempty"`
	Stage                 StageOptions   `json:"stage"`
	GUI                   map[string]any `json:"gui,omitempty"`
	UnsafeClearAppStorage bool           `json:"unsafeClearAppStorage"`
}

// StageOptions configures what stage puts in a drive.
type StageOptions struct {
	Entrypoints []string `json:"entrypoints"`
	Ignore      []string `json:"ignore"`
	Prefetch    []string `json:"prefetch"`
}

const manifestSchema = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 214},
    "main": {"type": "string"},
    "version": {"type": "string"},
    "dependencies": {"type": "object", "additionalProperties": {"type": "string"}},
    "pear": {"type": "object"}
  }
}`

const optionsSchema = `
#Options: {
	name?:    string
	main?:    string
	type:     *"desktop" | "terminal"
	channel?: string
	links:    [...string] | *[]
	minver?: {
		key:    =~"^[0-9a-f]{64}$"
		length: int & >=0
		fork:   int & >=0 | *0
	}
	stage: {
		entrypoints: [...string] | *[]
		ignore:      [...string] | *[]
		prefetch:    [...string] | *[]
		...
	}
	gui?: {...}
	unsafeClearAppStorage: bool | *false
	...
}
`

var (
	// cue values sharing a context are not safe for concurrent use.
	cueMu sync.Mutex

	schemaOnce sync.Once
	schema     *jsonschema.Schema
	optionsDef cue.Value
	schemaErr  error
)

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	schema, schemaErr = compiler.Compile([]byte(manifestSchema))
	if schemaErr != nil {
		return
	}
	ctx := cuecontext.New()
	v := ctx.CompileString(optionsSchema)
	if err := v.Err(); err != nil {
		schemaErr = err
		return
	}
	optionsDef = v.LookupPath(cue.ParsePath("#Options"))
}

// ParseManifest validates and decodes a package.json.
func ParseManifest(raw []byte) (*Manifest, error) {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return nil, errs.Wrap(errs.ErrInternal, "compile manifest schema", schemaErr)
	}

	result := schema.ValidateJSON(raw)
	if !result.IsValid() {
		return nil, errs.InvalidManifest("package.json does not match schema", fmt.Errorf("%v", result.Errors))
	}

	var doc struct {
		Name         string            `json:"name"`
		Main         string            `json:"main"`
		Version      string            `json:"version"`
		Dependencies map[string]string `json:"dependencies"`
		Pear         json.RawMessage   `json:"pear"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errs.InvalidManifest("decode package.json", err)
	}

	m := &Manifest{
		Name:         doc.Name,
		Main:         doc.Main,
		Version:      doc.Version,
		Dependencies: doc.Dependencies,
	}
	if m.Version != "" && !semver.IsValid("v"+strings.TrimPrefix(m.Version, "v")) {
		return nil, errs.InvalidManifest(fmt.Sprintf("invalid version %q", m.Version), nil)
	}

	opts, err := decodeOptions(doc.Pear)
	if err != nil {
		return nil, errs.InvalidManifest("invalid pear options", err)
	}
	m.Pear = opts

	name := m.Name
	if opts.Name != "" {
		name = opts.Name
	}
	if m.Name, err = NormalizeName(name); err != nil {
		return nil, err
	}
	return m, nil
}

// decodeOptions fills the pear field's defaults.
func decodeOptions(raw json.RawMessage) (Options, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	cueMu.Lock()
	defer cueMu.Unlock()

	v := optionsDef.Context().CompileBytes(raw)
	if err := v.Err(); err != nil {
		return Options{}, err
	}
	unified := optionsDef.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Options{}, err
	}
	var opts Options
	if err := unified.Decode(&opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

var nameRe = regexp.MustCompile(`^[\p{Ll}\p{Lo}\p{N}][\p{Ll}\p{Lo}\p{N}\p{M}._-]*$`)

// NormalizeName returns name in NFC form, or ERR_INVALID_APP_NAME when it is
// not a lowercase package-style name.
func NormalizeName(name string) (string, error) {
	n := norm.NFC.String(strings.TrimSpace(name))
	if n == "" || len(n) > 214 || !nameRe.MatchString(n) {
		return "", errs.New(errs.ErrInvalidAppName, fmt.Sprintf("invalid app name %q", name)).With("name", name)
	}
	return n, nil
}

// EntrypointMain returns the manifest's main file, defaulting by app type.
func (m *Manifest) EntrypointMain() string {
	main := m.Main
	if m.Pear.Main != "" {
		main = m.Pear.Main
	}
	if main != "" {
		return main
	}
	if m.Pear.Type == TypeTerminal {
		return "index.js"
	}
	return "index.html"
}
