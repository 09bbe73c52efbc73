// Package errors provides a structured error system for tiercache with error codes and categories.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Code identifies a class of tiercache failure.
type Code string

const (
	// Configuration errors.
	CodeInvalidConfig Code = "INVALID_CONFIG"
	CodeConfigLoad    Code = "CONFIG_LOAD"

	// Codec errors.
	CodeEncode Code = "CODEC_ENCODE"
	CodeDecode Code = "CODEC_DECODE"

	// Storage errors.
	CodeStorageRead  Code = "STORAGE_READ"
	CodeStorageWrite Code = "STORAGE_WRITE"
	CodeIndexLoad    Code = "INDEX_LOAD"
	CodeIndexSave    Code = "INDEX_SAVE"

	// Data source errors.
	CodeSourceFetch Code = "SOURCE_FETCH"
	CodeNetwork     Code = "NETWORK_ERROR"
	CodeTimeout     Code = "OPERATION_TIMEOUT"

	// Internal errors.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Category groups error codes by subsystem.
type Category string

const (
	CategoryConfiguration Category = "configuration"
	CategoryCodec         Category = "codec"
	CategoryStorage       Category = "storage"
	CategorySource        Category = "source"
	CategoryInternal      Category = "internal"
)

// Error is a structured tiercache error.
type Error struct {
	Code      Code              `json:"code"`
	Category  Category          `json:"category"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Retryable bool              `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		b.WriteString(" (")
		first := true
		for k, v := range e.Context {
			if !first {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, v)
			first = false
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// WithContext attaches a key/value pair to the error and returns it.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// New creates a structured error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Category:  categoryFor(code),
		Message:   message,
		Retryable: retryableFor(code),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error wrapping an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// CodeOf extracts the error code from err, or CodeInternal if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err is worth retrying. Errors without a
// structured code are treated as non-retryable.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

func categoryFor(code Code) Category {
	switch code {
	case CodeInvalidConfig, CodeConfigLoad:
		return CategoryConfiguration
	case CodeEncode, CodeDecode:
		return CategoryCodec
	case CodeStorageRead, CodeStorageWrite, CodeIndexLoad, CodeIndexSave:
		return CategoryStorage
	case CodeSourceFetch, CodeNetwork, CodeTimeout:
		return CategorySource
	default:
		return CategoryInternal
	}
}

func retryableFor(code Code) bool {
	switch code {
	case CodeNetwork, CodeTimeout, CodeSourceFetch:
		return true
	default:
		return false
	}
}
