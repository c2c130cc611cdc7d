package perp

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so callers can branch on the
// class of failure without string matching.
type ErrorKind int

const (
	KindAuthorization ErrorKind = iota + 1
	KindValidation
	KindState
	KindStaleness
	KindNotLiquidatable
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindStaleness:
		return "staleness"
	case KindNotLiquidatable:
		return "not_liquidatable"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by all engine operations.
type Error struct {
	Kind ErrorKind
	msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// errf builds a typed engine error.
func errf(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// ErrorKindOf extracts the ErrorKind from err, or 0 if err is not an
// engine error.
func ErrorKindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err is an engine error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return ErrorKindOf(err) == kind
}
