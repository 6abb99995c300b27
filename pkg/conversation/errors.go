package conversation

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCategory classifies failures that cross the conversation tree boundary.
type ErrorCategory string

const (
	CategoryNotInitialized ErrorCategory = "not_initialized"
	CategoryNotFound       ErrorCategory = "not_found"
	CategoryValidation     ErrorCategory = "validation"
	CategoryIntegrity      ErrorCategory = "integrity"
	CategoryIO             ErrorCategory = "io"
)

var (
	ErrNotInitialized = errors.New("conversation tree manager not initialized")
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("invalid operation")
	ErrIntegrity      = errors.New("tree integrity violation")
	ErrCorrupt        = errors.New("corrupt tree data")
	ErrIO             = errors.New("storage failure")
)

// Error is the single user-facing error type of the conversation tree subsystem.
// It carries a category and a hint telling the caller how to recover.
type Error struct {
	Category ErrorCategory
	Op       string
	Message  string
	Hint     string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Cause makes Error play along with errors.Cause from github.com/pkg/errors.
func (e *Error) Cause() error { return e.Err }

// Is matches the category sentinels so that errors.Is(err, ErrNotFound) works
// on any wrapped *Error.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotInitialized:
		return e.Category == CategoryNotInitialized
	case ErrNotFound:
		return e.Category == CategoryNotFound
	case ErrValidation:
		return e.Category == CategoryValidation
	case ErrIntegrity:
		return e.Category == CategoryIntegrity
	case ErrIO:
		return e.Category == CategoryIO
	}
	return false
}

func NewNotInitializedError(op string) *Error {
	return &Error{
		Category: CategoryNotInitialized,
		Op:       op,
		Message:  "manager has not been initialized",
		Hint:     "call Initialize before using the manager",
	}
}

func NewNotFoundError(op string, format string, args ...interface{}) *Error {
	return &Error{
		Category: CategoryNotFound,
		Op:       op,
		Message:  fmt.Sprintf(format, args...),
		Hint:     "list the available trees or nodes and retry with a valid id",
	}
}

func NewValidationError(op string, hint string, format string, args ...interface{}) *Error {
	return &Error{
		Category: CategoryValidation,
		Op:       op,
		Message:  fmt.Sprintf(format, args...),
		Hint:     hint,
	}
}

func NewIntegrityError(op string, err error) *Error {
	return &Error{
		Category: CategoryIntegrity,
		Op:       op,
		Message:  "tree failed integrity validation",
		Hint:     "restore the tree from a backup or export and inspect the reported nodes",
		Err:      err,
	}
}

func NewCorruptError(op string, path string, err error) *Error {
	return &Error{
		Category: CategoryIntegrity,
		Op:       op,
		Message:  fmt.Sprintf("could not parse %s", path),
		Hint:     "the file is corrupt; restore it or delete the tree",
		Err:      errors.Wrap(ErrCorrupt, err.Error()),
	}
}

func NewIOError(op string, err error) *Error {
	return &Error{
		Category: CategoryIO,
		Op:       op,
		Message:  "storage operation failed",
		Hint:     "check that the storage directory exists and is writable",
		Err:      err,
	}
}

func categoryOf(err error) (ErrorCategory, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Category, true
	}
	return "", false
}

func IsNotInitialized(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryNotInitialized
}

func IsNotFound(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryNotFound
}

func IsValidation(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryValidation
}

func IsIntegrity(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryIntegrity
}

func IsIO(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryIO
}

// IsCorrupt reports whether err was produced while decoding on-disk data.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

// Hint returns the resolution hint of err, or an empty string.
func Hint(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}
