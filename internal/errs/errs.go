// Package errs defines the error taxonomy shared by the sidecar, its
// operations and its clients.
//
// Every error that crosses the RPC boundary is an *Error carrying a stable
// Code. Lower layers return plain wrapped errors; the sidecar maps them to a
// Code at the session or app boundary.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error kind on the wire.
type Code string

const (
	// ErrPermissionRequired: untrusted key or missing encryption key.
	ErrPermissionRequired Code = "ERR_PERMISSION_REQUIRED"

	ErrInvalidInput      Code = "ERR_INVALID_INPUT"
	ErrInvalidLink       Code = "ERR_INVALID_LINK"
	ErrInvalidAppName    Code = "ERR_INVALID_APP_NAME"
	ErrInvalidAppStorage Code = "ERR_INVALID_APP_STORAGE"
	ErrInvalidConfig     Code = "ERR_INVALID_CONFIG"
	ErrInvalidManifest   Code = "ERR_INVALID_MANIFEST"
	ErrInvalidProjectDir Code = "ERR_INVALID_PROJECT_DIR"

	ErrUnstaged     Code = "ERR_UNSTAGED"
	ErrTracerFailed Code = "ERR_TRACER_FAILED"
	ErrOpen         Code = "ERR_OPEN"

	// ErrInternal indicates a platform bug.
	ErrInternal Code = "ERR_INTERNAL_ERROR"
)

// Category groups codes by how callers should react.
type Category string

const (
	CategoryPermission  Category = "permission"
	CategoryInput       Category = "input"
	CategoryOperational Category = "operational"
	CategoryInternal    Category = "internal"
)

// Category returns the category a code belongs to.
func (c Code) Category() Category {
	switch c {
	case ErrPermissionRequired:
		return CategoryPermission
	case ErrInvalidInput, ErrInvalidLink, ErrInvalidAppName, ErrInvalidAppStorage,
		ErrInvalidConfig, ErrInvalidManifest, ErrInvalidProjectDir:
		return CategoryInput
	case ErrUnstaged, ErrTracerFailed, ErrOpen:
		return CategoryOperational
	default:
		return CategoryInternal
	}
}

// Error is the structured error returned to clients as {code, message, info}.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Info    map[string]any `json:"info,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code to an underlying error. Returns nil for a nil cause.
func Wrap(code Code, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// With returns a copy of e with info merged in.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Info = make(map[string]any, len(e.Info)+1)
	for k, v := range e.Info {
		cp.Info[k] = v
	}
	cp.Info[key] = value
	return &cp
}

func PermissionRequired(message string, info map[string]any) *Error {
	return &Error{Code: ErrPermissionRequired, Message: message, Info: info}
}

func InvalidInput(message string) *Error {
	return New(ErrInvalidInput, message)
}

func InvalidLink(link string) *Error {
	return New(ErrInvalidLink, fmt.Sprintf("invalid link %q", link)).With("link", link)
}

func InvalidManifest(message string, err error) *Error {
	return &Error{Code: ErrInvalidManifest, Message: message, Err: err}
}

func Unstaged(message string) *Error {
	return New(ErrUnstaged, message)
}

func Open(message string, err error) *Error {
	return &Error{Code: ErrOpen, Message: message, Err: err}
}

func Internal(message string) *Error {
	return New(ErrInternal, message)
}

// CodeOf extracts the code of err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// From converts any error into an *Error, defaulting to ErrInternal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: ErrInternal, Message: err.Error(), Err: err}
}
