package drive

import "errors"

var (
	// ErrNotFound is returned by Get when the name has no value at the
	// session's length.
	ErrNotFound = errors.New("drive: not found")

	// ErrDecode indicates the core is encrypted and the session has no key,
	// or the wrong one.
	ErrDecode = errors.New("drive: decoding failed, encryption key required")

	// ErrClosed is returned by operations on a closed session or watcher.
	ErrClosed = errors.New("drive: session closed")

	// ErrReadOnly is returned when writing through a non-writable session.
	ErrReadOnly = errors.New("drive: session is not writable")

	// ErrOutOfRange is returned for a checkout past the core's length.
	ErrOutOfRange = errors.New("drive: checkout beyond drive length")

	// ErrInvalidKey is returned for keys that are not 32 bytes.
	ErrInvalidKey = errors.New("drive: key must be 32 bytes")
)
