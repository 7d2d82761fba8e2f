package remote

import (
	"errors"
	"fmt"
	"strings"
)

// failure kinds. These names are carried on the wire in failure replies.
var (
	ErrDuplicatePath     = errors.New("DuplicatePath")
	ErrTimeout           = errors.New("Timeout")
	ErrCancelled         = errors.New("Cancelled")
	ErrHandlerFault      = errors.New("HandlerFault")
	ErrDecodeFailure     = errors.New("DecodeFailure")
	ErrProtocolViolation = errors.New("ProtocolViolation")
	ErrNotBound          = errors.New("NotBound")
)

// api misuse
var (
	ErrInvalidPath     = errors.New("InvalidPath")
	ErrInvalidParent   = errors.New("InvalidParent")
	ErrWrongSide       = errors.New("WrongSide")
	ErrDestroyed       = errors.New("Destroyed")
	ErrChannelAssigned = errors.New("ChannelAssigned")
)

var callErrorKinds = map[string]error{}

func init() {
	for _, kind := range []error{
		ErrDuplicatePath,
		ErrTimeout,
		ErrCancelled,
		ErrHandlerFault,
		ErrDecodeFailure,
		ErrProtocolViolation,
		ErrNotBound,
		ErrInvalidPath,
		ErrInvalidParent,
		ErrWrongSide,
		ErrDestroyed,
		ErrChannelAssigned,
	} {
		callErrorKinds[kind.Error()] = kind
	}
}

// the failure branch of a call result. `errors.Is(err, ErrTimeout)` etc. match on `Kind`.
type CallError struct {
	Kind    error
	Message string
}

func newCallError(kind error, format string, a ...any) *CallError {
	return &CallError{
		Kind:    kind,
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *CallError) Error() string {
	if self.Message == "" {
		return self.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", self.Kind, self.Message)
}

func (self *CallError) Unwrap() error {
	return self.Kind
}

// the wire form of a failure is "<Kind>: <message>".
// Unrecognized kinds are reported as handler faults with the full text.
func parseCallError(failure string) *CallError {
	kindName, message, _ := strings.Cut(failure, ": ")
	if kind, ok := callErrorKinds[kindName]; ok {
		return &CallError{
			Kind:    kind,
			Message: message,
		}
	}
	return &CallError{
		Kind:    ErrHandlerFault,
		Message: failure,
	}
}

// converts a handler error into a call error, keeping a known kind
func toCallError(err error) *CallError {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr
	}
	for _, kind := range callErrorKinds {
		if errors.Is(err, kind) {
			return &CallError{
				Kind:    kind,
				Message: err.Error(),
			}
		}
	}
	return &CallError{
		Kind:    ErrHandlerFault,
		Message: err.Error(),
	}
}
