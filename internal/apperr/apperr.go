// Package apperr defines the error taxonomy shared by every clipforge component.
package apperr

import (
	"errors"
	"net/http"
	"strings"
)

// Kind classifies an Error. Callers branch on the kind, never on the message.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindProvider      Kind = "provider"
	KindUpload        Kind = "upload"
	KindPersistence   Kind = "persistence"
	KindNotFound      Kind = "not_found"
	KindUnexpected    Kind = "unexpected"
)

// Sentinels usable with errors.Is against any *Error of the matching kind.
var (
	ErrValidation    = errors.New("validation error")
	ErrAuthorization = errors.New("authorization error")
	ErrProvider      = errors.New("provider error")
	ErrUpload        = errors.New("upload error")
	ErrPersistence   = errors.New("persistence error")
	ErrNotFound      = errors.New("not found")
	ErrUnexpected    = errors.New("unexpected error")
)

var sentinels = map[Kind]error{
	KindValidation:    ErrValidation,
	KindAuthorization: ErrAuthorization,
	KindProvider:      ErrProvider,
	KindUpload:        ErrUpload,
	KindPersistence:   ErrPersistence,
	KindNotFound:      ErrNotFound,
	KindUnexpected:    ErrUnexpected,
}

// Error is a classified failure. Op names the operation that failed,
// Fields lists offending input fields for validation errors and Code keeps
// the raw provider code when one was returned.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Fields  []string
	Code    string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	b.WriteString(msg)
	if len(e.Fields) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Fields, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// Validation reports invalid input. fields names every offending field.
func Validation(op, msg string, fields ...string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: msg, Fields: fields}
}

// Authorization reports a missing identity or access to another user's record.
func Authorization(op, msg string) *Error {
	return &Error{Kind: KindAuthorization, Op: op, Message: msg}
}

// Provider reports a failed or malformed exchange with an external provider.
func Provider(op, code, msg string, err error) *Error {
	return &Error{Kind: KindProvider, Op: op, Code: code, Message: msg, Err: err}
}

// Upload reports a staging failure.
func Upload(op, msg string, err error) *Error {
	return &Error{Kind: KindUpload, Op: op, Message: msg, Err: err}
}

// Persistence reports a store failure.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Op: op, Message: "store unavailable", Err: err}
}

// NotFound reports a missing record.
func NotFound(op, msg string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: msg}
}

// Unexpected wraps a failure that fits no other kind.
func Unexpected(op string, err error) *Error {
	return &Error{Kind: KindUnexpected, Op: op, Message: "unexpected failure", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
// Unclassified errors are KindUnexpected; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// FieldsOf returns the offending fields of a validation error, if any.
func FieldsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// HTTPStatus maps err to the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindProvider, KindUpload:
		return http.StatusBadGateway
	case KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show to API callers.
// Unexpected errors never leak their cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindUnexpected {
		return "internal error"
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// CodeOf returns the provider code carried by err, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
