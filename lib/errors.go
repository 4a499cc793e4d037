package harborseal

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for the interface boundary. Kinds map to HTTP
// statuses in the REST layer and to retry guidance for clients.
type Kind string

const (
	KindValidation    Kind = "validation_error"
	KindNotFound      Kind = "not_found"
	KindExtraction    Kind = "extraction_error"
	KindStorage       Kind = "storage_error"
	KindEmbedding     Kind = "embedding_service_error"
	KindGeneration    Kind = "generation_service_error"
	KindTimeout       Kind = "upstream_timeout"
	KindPartialDelete Kind = "partial_delete"
	KindConflict      Kind = "concurrency_conflict"
	KindServer        Kind = "server_error"
)

// Error is a kinded error carried across service boundaries.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a kinded error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef creates a kinded error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error. If the cause is
// already kinded its kind wins, so upstream classifications survive the
// pipeline layers.
func Wrap(kind Kind, message string, err error) *Error {
	var inner *Error
	if errors.As(err, &inner) {
		kind = inner.Kind
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind of an error, defaulting to KindServer.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServer
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
