// Package failure classifies the errors produced while probing and encoding.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the class of a failure.
type Kind int

const (
	Unknown Kind = iota
	BinaryNotFound
	InvalidInput
	DecodeFailure
	ExecutionFailure
	EncodingFailure
	Cancelled
)

var kindNames = map[Kind]string{
	Unknown:          "unknown",
	BinaryNotFound:   "binary_not_found",
	InvalidInput:     "invalid_input",
	DecodeFailure:    "decode_failure",
	ExecutionFailure: "execution_failure",
	EncodingFailure:  "encoding_failure",
	Cancelled:        "cancelled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText lets kinds appear by name in JSON payloads.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is a classified failure. Detail carries diagnostic text from the
// external tool when there is any.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrBinaryNotFound   = &Error{Kind: BinaryNotFound}
	ErrInvalidInput     = &Error{Kind: InvalidInput}
	ErrDecodeFailure    = &Error{Kind: DecodeFailure}
	ErrExecutionFailure = &Error{Kind: ExecutionFailure}
	ErrEncodingFailure  = &Error{Kind: EncodingFailure}
	ErrCancelled        = &Error{Kind: Cancelled}
	ErrUnknown          = &Error{Kind: Unknown}
)

// New returns a failure of the given kind.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
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

// Is reports whether target is a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" || t.Detail != "" || t.Err != nil {
		return e == t
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// DetailOf returns the diagnostic text carried by err, falling back to its message.
func DetailOf(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Detail != "" {
		return fe.Detail
	}
	return err.Error()
}
