// Package cdcerrors defines the typed error kinds the engine core
// raises, per the propagation policy in spec.md's error handling
// design. Each kind wraps its cause with pingcap/errors.Trace so the
// stack survives unwrapping all the way to the completion callback,
// the same way the teacher's dependency on pingcap/tidb's parser
// expects errors to carry a trace.
package cdcerrors

import (
	"fmt"

	"github.com/pingcap/errors"
)

// Kind classifies an engine error for the purposes of the fatal/
// non-fatal policy in spec.md §7.
type Kind string

const (
	KindConfig         Kind = "ConfigError"
	KindStoreUnavail   Kind = "StoreUnavailable"
	KindHistoryWrite   Kind = "HistoryWriteError"
	KindParse          Kind = "ParseError"
	KindTask           Kind = "TaskError"
	KindInterrupted    Kind = "Interrupted"
)

// Error is a typed engine error. Cause is traced with pingcap/errors so
// %+v on the returned error prints a stack.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func wrap(kind Kind, msg string, cause error) *Error {
	var traced error
	if cause != nil {
		traced = errors.Trace(cause)
	}
	return &Error{Kind: kind, Message: msg, Cause: traced}
}

func Config(msg string, cause error) *Error       { return wrap(KindConfig, msg, cause) }
func StoreUnavailable(msg string, cause error) *Error { return wrap(KindStoreUnavail, msg, cause) }
func HistoryWrite(msg string, cause error) *Error  { return wrap(KindHistoryWrite, msg, cause) }
func Parse(msg string, cause error) *Error        { return wrap(KindParse, msg, cause) }
func Task(msg string, cause error) *Error         { return wrap(KindTask, msg, cause) }
func Interrupted(msg string) *Error               { return wrap(KindInterrupted, msg, nil) }

// Is reports whether err (or something it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok && ce.Kind == k {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
