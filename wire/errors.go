package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrIncomplete indicates the buffer does not yet hold a whole frame. Hosts keep buffering.
	ErrIncomplete = errors.New("wire: incomplete frame")
	// ErrFrameTooLarge indicates a payload length above MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds max size")
	// ErrUnsupportedVersion indicates a protocol major version mismatch.
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
	// ErrMalformed indicates bytes that do not form a valid message.
	ErrMalformed = errors.New("wire: malformed message")
)

// DecodeErrorKind classifies decode failures.
type DecodeErrorKind int

const (
	KindIncomplete DecodeErrorKind = iota + 1
	KindFrameTooLarge
	KindUnsupportedVersion
	KindMalformed
)

func (k DecodeErrorKind) sentinel() error {
	switch k {
	case KindIncomplete:
		return ErrIncomplete
	case KindFrameTooLarge:
		return ErrFrameTooLarge
	case KindUnsupportedVersion:
		return ErrUnsupportedVersion
	default:
		return ErrMalformed
	}
}

// String returns the kind name.
func (k DecodeErrorKind) String() string {
	switch k {
	case KindIncomplete:
		return "Incomplete"
	case KindFrameTooLarge:
		return "FrameTooLarge"
	case KindUnsupportedVersion:
		return "UnsupportedVersion"
	case KindMalformed:
		return "Malformed"
	default:
		return fmt.Sprintf("DecodeErrorKind(%d)", int(k))
	}
}

// DecodeError reports why bytes could not be turned into a message.
// It matches the package sentinels with errors.Is.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return e.Kind.sentinel().Error()
	}
	return e.Kind.sentinel().Error() + ": " + e.Detail
}

func (e *DecodeError) Unwrap() error {
	return e.Kind.sentinel()
}

func decodeErrorf(kind DecodeErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
