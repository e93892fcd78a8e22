package pipeline

import (
	"errors"

	"github.com/loqalabs/loqa-clone/internal/dispatch"
	"github.com/loqalabs/loqa-clone/internal/encode"
	"github.com/loqalabs/loqa-clone/internal/engine"
	"github.com/loqalabs/loqa-clone/internal/ingest"
)

// Kind is the caller-visible failure class.
type Kind string

const (
	KindValidation Kind = "validation_error"
	KindIngest     Kind = "ingest_error"
	KindEngine     Kind = "engine_error"
	KindEncode     Kind = "encode_error"
	KindFatal      Kind = "fatal"
)

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps an error from any stage onto the taxonomy. Unrecognized
// errors are treated as engine failures.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	kind := KindEngine
	var (
		verr *dispatch.ValidationError
		ierr *ingest.Error
		eerr *encode.Error
	)
	switch {
	case errors.As(err, &verr):
		kind = KindValidation
	case errors.Is(err, engine.ErrFatal):
		kind = KindFatal
	case errors.As(err, &ierr):
		kind = KindIngest
	case errors.As(err, &eerr):
		kind = KindEncode
	}
	return &Error{Kind: kind, Msg: err.Error(), Err: err}
}
