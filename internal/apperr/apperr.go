// Package apperr defines the error kinds shared across the orchestrator.
//
// Components wrap failures with E so that callers can branch on the kind with
// errors.Is(err, apperr.NotFound) without depending on the component that
// produced them.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how it must be handled.
type Kind string

const (
	Validation      Kind = "validation"       // bad input, nothing was created
	NotFound        Kind = "not_found"        // unknown job or fix id
	Acquisition     Kind = "acquisition"      // clone failed, terminal for the job
	ExternalTool    Kind = "external_tool"    // scanner output unusable, terminal for that scanner
	ExternalService Kind = "external_service" // LLM or hosting API call failed
	Signature       Kind = "signature"        // webhook authenticity check failed
	Config          Kind = "config"           // required integration not configured
)

// Error makes a Kind usable as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Error is a kind-tagged error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// E wraps err with kind. op names the failing operation and may be empty.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kind-tagged error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
