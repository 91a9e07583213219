// Package errinfo defines the structured, kind-tagged errors returned by every
// notebook and kernel operation.
package errinfo

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a stable error code surfaced to callers.
type Kind string

const (
	KindSecurityViolation   Kind = "SECURITY_VIOLATION"
	KindValidationFailure   Kind = "VALIDATION_FAILURE"
	KindNotFound            Kind = "NOT_FOUND"
	KindAlreadyExists       Kind = "ALREADY_EXISTS"
	KindStorageFailure      Kind = "STORAGE_FAILURE"
	KindOutOfRange          Kind = "OUT_OF_RANGE"
	KindInvariantViolation  Kind = "INVARIANT_VIOLATION"
	KindExecutionTimeout    Kind = "EXECUTION_TIMEOUT"
	KindSessionStartFailure Kind = "SESSION_START_FAILURE"
	KindExecutionFailure    Kind = "EXECUTION_FAILURE"
	KindCorruptDocument     Kind = "CORRUPT_DOCUMENT"
	KindInvalidArgument     Kind = "INVALID_ARGUMENT"
	KindInternal            Kind = "INTERNAL"
)

// Summary returns the short human-readable description of a kind.
func (k Kind) Summary() string {
	switch k {
	case KindSecurityViolation:
		return "Access denied or invalid path"
	case KindValidationFailure, KindInvalidArgument:
		return "Invalid input or parameters"
	case KindNotFound, KindAlreadyExists, KindStorageFailure:
		return "File system operation failed"
	case KindOutOfRange, KindInvariantViolation, KindCorruptDocument:
		return "Notebook operation failed"
	case KindExecutionTimeout, KindSessionStartFailure, KindExecutionFailure:
		return "Code execution failed"
	default:
		return "An unexpected error occurred"
	}
}

// Error is a structured failure. Path, Index, Field and Op are set where they
// apply to the failing operation.
type Error struct {
	Kind    Kind
	Message string
	Path    string
	Index   *int
	Field   string
	Value   string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	var parts []string
	if e.Op != "" {
		parts = append(parts, "operation: "+e.Op)
	}
	if e.Field != "" {
		if e.Value != "" {
			parts = append(parts, fmt.Sprintf("field: %s, value: %s", e.Field, e.Value))
		} else {
			parts = append(parts, "field: "+e.Field)
		}
	}
	if e.Index != nil && e.Field == "" {
		parts = append(parts, fmt.Sprintf("index: %d", *e.Index))
	}
	if e.Path != "" {
		parts = append(parts, "path: "+e.Path)
	}
	if len(parts) > 0 {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(parts, ", "))
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Details returns the structured fields of the error for external payloads.
func (e *Error) Details() map[string]any {
	d := map[string]any{"message": e.Message}
	if e.Path != "" {
		d["path"] = e.Path
	}
	if e.Index != nil {
		d["index"] = *e.Index
	}
	if e.Field != "" {
		d["field"] = e.Field
	}
	if e.Value != "" {
		d["value"] = e.Value
	}
	if e.Op != "" {
		d["operation"] = e.Op
	}
	if e.Err != nil {
		d["cause"] = e.Err.Error()
	}
	return d
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithPath sets the offending path.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithIndex sets the offending cell index.
func (e *Error) WithIndex(index int) *Error {
	e.Index = &index
	return e
}

// WithField sets the offending argument name and value.
func (e *Error) WithField(field, value string) *Error {
	e.Field = field
	e.Value = value
	return e
}

// WithOp sets the file system operation that failed.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// Wrap attaches an underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func SecurityViolation(message, path string) *Error {
	return New(KindSecurityViolation, message).WithPath(path)
}

func ValidationFailure(message string) *Error {
	return New(KindValidationFailure, message)
}

func NotFound(message, path string) *Error {
	return New(KindNotFound, message).WithPath(path)
}

func AlreadyExists(message, path string) *Error {
	return New(KindAlreadyExists, message).WithPath(path)
}

func StorageFailure(op, path string, err error) *Error {
	return New(KindStorageFailure, fmt.Sprintf("failed to %s", op)).WithOp(op).WithPath(path).Wrap(err)
}

// OutOfRange reports an index argument outside [0, limit).
func OutOfRange(field string, index, limit int) *Error {
	msg := fmt.Sprintf("%s %d out of range (0-%d)", field, index, limit-1)
	if limit <= 0 {
		msg = fmt.Sprintf("%s %d out of range (no cells)", field, index)
	}
	return New(KindOutOfRange, msg).WithIndex(index).WithField(field, fmt.Sprint(index))
}

func InvariantViolation(message string) *Error {
	return New(KindInvariantViolation, message)
}

func ExecutionTimeout(message string) *Error {
	return New(KindExecutionTimeout, message)
}

func SessionStartFailure(message string, err error) *Error {
	return New(KindSessionStartFailure, message).Wrap(err)
}

func ExecutionFailure(message string, err error) *Error {
	return New(KindExecutionFailure, message).Wrap(err)
}

func CorruptDocument(path string, err error) *Error {
	return New(KindCorruptDocument, "failed to parse notebook file").WithPath(path).Wrap(err)
}

func InvalidArgument(field, value, message string) *Error {
	return New(KindInvalidArgument, message).WithField(field, value)
}
