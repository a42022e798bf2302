// Package errors provides the kinded error type the rest of the engine
// builds on. It recreates the contract the teacher's source implicitly
// assumed (agent/errors) but never shipped in the retrieved pack.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way the orchestration engine needs to act on
// it. See spec §7 for the authoritative meaning of each kind.
type Kind int

const (
	// Unknown is never returned by E; it is the zero value for Kind.
	Unknown Kind = iota
	// Transient means: retry in place or via a queue delay.
	Transient
	// AccountFatal means: force the account to suspend, nack to the DLQ.
	AccountFatal
	// TaskFatal means: DLQ the task, do not touch the account.
	TaskFatal
	// Fatal means: the engine itself must shut down.
	Fatal
	// Internal is used for bookkeeping/IO failures that don't map onto the
	// task-lifecycle kinds above (file IO, marshalling, etc).
	Internal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case AccountFatal:
		return "account_fatal"
	case TaskFatal:
		return "task_fatal"
	case Fatal:
		return "fatal"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a kinded, wrappable error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: [%s] %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kinded error. Accepted args: a string op name, an error cause,
// and/or a format message; mirrors the teacher's evident errors.E(kind, ...)
// call sites.
func E(kind Kind, args ...interface{}) *Error {
	e := &Error{Kind: kind}
	for _, a := range args {
		switch v := a.(type) {
		case string:
			if e.Op == "" {
				e.Op = v
			} else if e.Err == nil {
				e.Err = errors.New(v)
			} else {
				e.Err = fmt.Errorf("%s: %w", v, e.Err)
			}
		case error:
			e.Err = v
		}
	}
	if e.Err == nil {
		e.Err = errors.New(e.Kind.String())
	}
	return e
}

// KindOf returns the Kind carried by err, or Unknown if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FieldErrors accumulates per-field validation failures, mirroring the
// teacher's evident ve.Add(field, msg) / ve.Err() call sites.
type FieldErrors struct {
	fields map[string]string
	order  []string
}

// ValidationErrs returns a fresh field-error accumulator.
func ValidationErrs() *FieldErrors {
	return &FieldErrors{fields: make(map[string]string)}
}

// Add records a validation failure for field.
func (v *FieldErrors) Add(field, msg string) {
	if _, ok := v.fields[field]; !ok {
		v.order = append(v.order, field)
	}
	v.fields[field] = msg
}

// Empty reports whether any field errors were recorded.
func (v *FieldErrors) Empty() bool { return len(v.order) == 0 }

func (v *FieldErrors) Error() string {
	s := ""
	for i, f := range v.order {
		if i > 0 {
			s += "; "
		}
		s += f + ": " + v.fields[f]
	}
	return s
}

// Err returns nil if no field errors were recorded, or a *Error of kind
// TaskFatal wrapping the accumulated messages otherwise.
func (v *FieldErrors) Err() error {
	if v.Empty() {
		return nil
	}
	return E(TaskFatal, v)
}
