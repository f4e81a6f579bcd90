// Package apperr defines the error kinds that cross package boundaries.
// Callers match them with errors.Is against the exported sentinels.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	Conflict
	Unauthorized
	IngestionFailed
	AnswerGenerationFailed
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation error"
	case NotFound:
		return "not found"
	case Conflict:
		return "conflict"
	case Unauthorized:
		return "unauthorized"
	case IngestionFailed:
		return "ingestion failed"
	case AnswerGenerationFailed:
		return "answer generation failed"
	default:
		return "internal error"
	}
}

var (
	ErrValidation             = &Error{Kind: Validation}
	ErrNotFound               = &Error{Kind: NotFound}
	ErrConflict               = &Error{Kind: Conflict}
	ErrUnauthorized           = &Error{Kind: Unauthorized}
	ErrIngestionFailed        = &Error{Kind: IngestionFailed}
	ErrAnswerGenerationFailed = &Error{Kind: AnswerGenerationFailed}
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match against any *Error of the same kind, so the bare
// sentinels work as kind matchers.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
