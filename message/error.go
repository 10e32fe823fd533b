package message

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds carried in failure responses or produced locally by the client.
const (
	KindServiceNotFound = "ServiceNotFound"
	KindMethodNotFound  = "MethodNotFound"
	KindApplication     = "ApplicationError"
	KindBadArguments    = "BadArguments"
	KindPanic           = "Panic"
	KindRateLimited     = "RateLimited"
	KindTimeout         = "Timeout"
	KindConnectionLost  = "ConnectionLost"
	KindDecode          = "DecodeError"
)

// Error is the error descriptor of a failed call. It implements error so the
// stub can hand it straight back to the caller.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *Error) Error() string {
	return e.Kind + ": " + e.Message
}

// Errorf builds an *Error of the given kind.
func Errorf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind string) bool {
	return err != nil && KindOf(err) == kind
}

type kinded interface {
	Kind() string
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// FromError converts a handler error into a descriptor. Errors exposing
// Kind() keep their kind; errors created by pkg/errors keep their stack.
func FromError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	out := &Error{Kind: KindApplication, Message: err.Error()}
	var k kinded
	if errors.As(err, &k) && k.Kind() != "" {
		out.Kind = k.Kind()
	}
	var st stackTracer
	if errors.As(err, &st) {
		out.Stack = fmt.Sprintf("%+v", st.StackTrace())
	}
	return out
}
