package state

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/roach88/pear/internal/errs"
)

// Link protocols.
const (
	ProtocolPear = "pear:"
	ProtocolFile = "file:"
)

// Link is a parsed application link.
//
//	pear://<key>[/path]
//	pear://<fork>.<length>.<key>[/path]
//	pear://<alias>[/path]
//	file:///abs/dir, /abs/dir, ./rel/dir
type Link struct {
	Raw      string
	Protocol string
	Key      []byte
	Alias    string
	Fork     uint64
	Length   uint64
	// Versioned is set when the link pins fork and length.
	Versioned bool
	Pathname  string
}

// HexKey returns the hex drive key, or "" for file links.
func (l *Link) HexKey() string {
	if l.Key == nil {
		return ""
	}
	return hex.EncodeToString(l.Key)
}

// IsFile reports whether the link points at a local directory.
func (l *Link) IsFile() bool { return l.Protocol == ProtocolFile }

func (l *Link) String() string {
	if l.IsFile() {
		return "file://" + filepath.ToSlash(l.Pathname)
	}
	var b strings.Builder
	b.WriteString("pear://")
	if l.Versioned {
		fmt.Fprintf(&b, "%d.%d.", l.Fork, l.Length)
	}
	b.WriteString(l.HexKey())
	if l.Pathname != "" && l.Pathname != "/" {
		b.WriteString(l.Pathname)
	}
	return b.String()
}

// ParseLink parses raw. aliases maps alias names to hex keys.
func ParseLink(raw string, aliases map[string]string) (*Link, error) {
	if raw == "" {
		return nil, errs.InvalidLink(raw)
	}

	if rest, ok := strings.CutPrefix(raw, "file://"); ok {
		if !strings.HasPrefix(rest, "/") {
			return nil, errs.InvalidLink(raw)
		}
		return &Link{Raw: raw, Protocol: ProtocolFile, Pathname: filepath.FromSlash(rest)}, nil
	}
	rest, ok := strings.CutPrefix(raw, "pear://")
	if !ok {
		if strings.Contains(raw, "://") {
			return nil, errs.InvalidLink(raw)
		}
		return &Link{Raw: raw, Protocol: ProtocolFile, Pathname: raw}, nil
	}

	if i := strings.IndexAny(rest, "#?"); i >= 0 {
		rest = rest[:i]
	}
	host, pathname := rest, ""
	if i := strings.Index(rest, "/"); i >= 0 {
		host, pathname = rest[:i], rest[i:]
	}

	l := &Link{Raw: raw, Protocol: ProtocolPear, Pathname: pathname}
	parts := strings.Split(host, ".")
	switch len(parts) {
	case 1:
	case 3:
		fork, ferr := strconv.ParseUint(parts[0], 10, 64)
		length, lerr := strconv.ParseUint(parts[1], 10, 64)
		if ferr != nil || lerr != nil {
			return nil, errs.InvalidLink(raw)
		}
		l.Fork, l.Length, l.Versioned = fork, length, true
		host = parts[2]
	default:
		return nil, errs.InvalidLink(raw)
	}

	if key, ok := decodeKey(host); ok {
		l.Key = key
		return l, nil
	}
	if hexKey, ok := aliases[host]; ok {
		key, ok := decodeKey(hexKey)
		if !ok {
			return nil, errs.InvalidLink(raw).With("alias", host)
		}
		l.Key = key
		l.Alias = host
		return l, nil
	}
	return nil, errs.InvalidLink(raw)
}

func decodeKey(s string) ([]byte, bool) {
	if len(s) != 64 {
		return nil, false
	}
	key, err := hex.DecodeString(s)
	return key, err == nil
}
