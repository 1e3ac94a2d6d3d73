package drive

import (
	"encoding/hex"
	"fmt"
)

// Version identifies a drive state: which drive, how long, which fork.
type Version struct {
	Key    string `json:"key"`
	Length uint64 `json:"length"`
	Fork   uint64 `json:"fork"`
}

// Compare orders versions of the same drive: fork first, then length.
// Returns -1, 0 or 1. Keys are not compared.
func (v Version) Compare(o Version) int {
	switch {
	case v.Fork < o.Fork:
		return -1
	case v.Fork > o.Fork:
		return 1
	case v.Length < o.Length:
		return -1
	case v.Length > o.Length:
		return 1
	}
	return 0
}

// Newer reports whether v is strictly ahead of o.
func (v Version) Newer(o Version) bool {
	return v.Compare(o) > 0
}

// IsZero reports whether v is the zero version.
func (v Version) IsZero() bool {
	return v.Key == "" && v.Length == 0 && v.Fork == 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%s", v.Fork, v.Length, v.Key)
}

// KeyBytes decodes the hex key.
func (v Version) KeyBytes() ([]byte, error) {
	return hex.DecodeString(v.Key)
}
