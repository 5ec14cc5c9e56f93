package saver

import "errors"

// Kind classifies acquisition failures. The string values are stable error
// codes exposed to API clients.
type Kind string

const (
	KindSourceBroken         Kind = "ERR_IMAGE_SOURCE_BROKEN"
	KindSourceCanNotBeLoaded Kind = "ERR_IMAGE_CAN_NOT_BE_LOADED"
	KindFormatUnsupported    Kind = "ERR_IMAGE_FORMAT_UNSUPPORTED"
)

// Error carries a kind and a human readable message. It has no
// Unwrap; the underlying cause is flattened into Message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error of the same kind, so callers can write
// errors.Is(err, saver.ErrSourceBroken).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrSourceBroken         = &Error{Kind: KindSourceBroken, Message: "image source is broken"}
	ErrSourceCanNotBeLoaded = &Error{Kind: KindSourceCanNotBeLoaded, Message: "image can not be loaded"}
	ErrFormatUnsupported    = &Error{Kind: KindFormatUnsupported, Message: "unsupported image format"}
)

// ErrNotAcquired is returned by Process and Validate when no file has been
// acquired yet.
var ErrNotAcquired = errors.New("saver: process called before a successful acquire")

// KindOf reports the kind of err if it is (or wraps) a saver *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func newError(kind Kind, cause error, fallback string) *Error {
	msg := fallback
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Message: msg}
}

func sourceBroken(cause error) *Error {
	return newError(KindSourceBroken, cause, ErrSourceBroken.Message)
}

func canNotBeLoaded(cause error) *Error {
	return newError(KindSourceCanNotBeLoaded, cause, ErrSourceCanNotBeLoaded.Message)
}

func formatUnsupported() *Error {
	return &Error{Kind: KindFormatUnsupported, Message: ErrFormatUnsupported.Message}
}
