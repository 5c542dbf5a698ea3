// Package fault defines the error taxonomy shared by the ingestion components.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an ingestion failure.
type Kind uint8

const (
	// Unknown is the zero Kind and never produced by this module.
	Unknown Kind = iota
	// FramingAmbiguity: Content-Length and Transfer-Encoding both present, or
	// framing headers that do not determine a single body length.
	FramingAmbiguity
	// MalformedChunkSize: a chunk-size line that is not 1*HEXDIG [";" ext] CRLF.
	MalformedChunkSize
	// MalformedChunkBoundary: chunk data not followed by CRLF.
	MalformedChunkBoundary
	// ChunkTooLarge: declared chunk size or running body size over the limit.
	ChunkTooLarge
	// IncompleteFrame: stream ended or went idle before the frame was sealed.
	IncompleteFrame
	// StaleBuffer: a buffer handle was used after release.
	StaleBuffer
	// InvalidState: an operation on a sealed or failed object.
	InvalidState
	// CapacityExceeded: connection or buffer limits reached; retryable.
	CapacityExceeded
	// NotFound: the connection is unknown or already closed.
	NotFound
	// AlreadyExists: a connection id was registered twice.
	AlreadyExists
)

var kindNames = [...]string{
	Unknown:                "Unknown",
	FramingAmbiguity:       "FramingAmbiguity",
	MalformedChunkSize:     "MalformedChunkSize",
	MalformedChunkBoundary: "MalformedChunkBoundary",
	ChunkTooLarge:          "ChunkTooLarge",
	IncompleteFrame:        "IncompleteFrame",
	StaleBuffer:            "StaleBufferError",
	InvalidState:           "InvalidState",
	CapacityExceeded:       "CapacityExceeded",
	NotFound:               "NotFound",
	AlreadyExists:          "AlreadyExists",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Error implements error so a Kind can be used as a sentinel with errors.Is.
func (k Kind) Error() string { return k.String() }

// Fatal reports whether the failure desynchronizes the peer, in which case
// the owning connection must be closed rather than reused.
func (k Kind) Fatal() bool {
	switch k {
	case FramingAmbiguity, MalformedChunkSize, MalformedChunkBoundary, ChunkTooLarge, IncompleteFrame:
		return true
	}
	return false
}

// Retryable reports whether the caller may retry the same request later.
func (k Kind) Retryable() bool { return k == CapacityExceeded }

// Status maps the kind to the HTTP status code used in rejections.
func (k Kind) Status() int {
	switch k {
	case FramingAmbiguity, MalformedChunkSize, MalformedChunkBoundary:
		return 400
	case ChunkTooLarge:
		return 413
	case IncompleteFrame:
		return 408
	case CapacityExceeded:
		return 503
	case NotFound:
		return 404
	case AlreadyExists:
		return 409
	default:
		return 500
	}
}

// Error is a classified failure. Op names the operation that failed and
// Detail carries a short human readable explanation.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

// New returns an *Error of kind k.
func New(k Kind, op, detail string) *Error {
	return &Error{Kind: k, Op: op, Detail: detail}
}

// Newf is New with a formatted detail.
func Newf(k Kind, op, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind k.
func Wrap(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches both another *Error of the same kind and a bare Kind sentinel.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind of err, or Unknown when err is not classified.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}

// Is reports whether err is classified as kind k.
func Is(err error, k Kind) bool { return KindOf(err) == k }
