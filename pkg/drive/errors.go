package drive

import (
	"errors"
	"fmt"

	"github.com/marmos91/dittodrive/pkg/encrypt"
	"github.com/marmos91/dittodrive/pkg/storage"
)

// Error represents a failure of a drive operation.
//
// Validation failures (NotFound, AlreadyExists, PermissionDenied,
// InvalidParameter) are returned before anything is mutated. Storage
// failures carry the underlying cause in Err.
//
// The surrounding shim translates Code to an OS-level error number.
type Error struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path is the drive path related to the error (if applicable)
	Path string

	// Err is the underlying cause (if any)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same Code, so that
// errors.Is(err, &drive.Error{Code: drive.ErrNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// ErrorCode represents the category of a drive error.
type ErrorCode int

const (
	// ErrNotFound indicates the path (or a directory on it) does not exist
	ErrNotFound ErrorCode = iota

	// ErrAlreadyExists indicates an entry with the name already exists
	ErrAlreadyExists

	// ErrPermissionDenied indicates the operation is refused by policy
	// (read-only service, protected path, alias collision)
	ErrPermissionDenied

	// ErrInvalidParameter indicates a malformed path or a disallowed rename
	ErrInvalidParameter

	// ErrNoServiceStorageAllocated indicates the path has no backend
	ErrNoServiceStorageAllocated

	// ErrStorageUnavailable indicates the backend failed
	ErrStorageUnavailable

	// ErrCorrupt indicates persisted data failed to decode or verify
	ErrCorrupt

	// ErrUninitialised indicates a required identity was missing
	ErrUninitialised
)

// String returns the name of the code.
func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "NotFound"
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrInvalidParameter:
		return "InvalidParameter"
	case ErrNoServiceStorageAllocated:
		return "NoServiceStorageAllocated"
	case ErrStorageUnavailable:
		return "StorageUnavailable"
	case ErrCorrupt:
		return "Corrupt"
	case ErrUninitialised:
		return "Uninitialised"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// IsCode reports whether err is (or wraps) a drive *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// CodeOf returns the code of the drive *Error in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

func newError(code ErrorCode, path, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Path: path}
}

// storageError classifies a failure coming out of a backend or the
// encryptor. Errors that already carry a drive code pass through.
func storageError(path, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}

	code := ErrStorageUnavailable
	switch {
	case storage.IsNotFound(err):
		code = ErrNotFound
	case errors.Is(err, encrypt.ErrCorrupt):
		code = ErrCorrupt
	}
	return &Error{Code: code, Message: op + " failed", Path: path, Err: err}
}
