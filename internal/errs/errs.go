// Package errs provides the connector's error taxonomy.
//
// Every error that crosses a component boundary carries a Kind so callers can
// decide between retrying, surfacing, or dropping without string matching:
//   - KindTransport: socket or RPC failures, retried by the owning component
//   - KindAuth: user-channel or REST credential rejections, never retried
//   - KindValidation: rejected locally before any network effect
//   - KindClassification: ambiguous on-chain observations, dropped
//   - KindTerminal: reconnect exhaustion, requires caller intervention
//   - KindVenue: the venue processed the request and refused it
//   - KindNotFound: unknown record or resource
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Kind identifies an error category.
type Kind string

const (
	KindUnknown        Kind = "unknown"
	KindTransport      Kind = "transport"
	KindAuth           Kind = "auth"
	KindValidation     Kind = "validation"
	KindClassification Kind = "classification"
	KindTerminal       Kind = "terminal"
	KindVenue          Kind = "venue"
	KindNotFound       Kind = "not_found"
)

// E is a structured error envelope.
type E struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "order.create"
	Field   string // offending field for validation errors
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error of the given kind for op.
func New(kind Kind, op string, opts ...Option) *E {
	e := &E{Kind: kind, Op: strings.TrimSpace(op)}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(msg string) Option {
	trimmed := strings.TrimSpace(msg)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithField names the input field a validation error refers to.
func WithField(field string) Option {
	return func(e *E) {
		e.Field = strings.TrimSpace(field)
	}
}

// WithCause sets the underlying cause.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 5)
	kind := string(e.Kind)
	if kind == "" {
		kind = string(KindUnknown)
	}
	parts = append(parts, "kind="+kind)
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is matches sentinel envelopes by kind and op so errors.Is works against
// package-level sentinels built with New.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// KindOf returns the kind of the first envelope in err's chain.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) || e == nil {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.cause
	}
	return false
}

// Validation is shorthand for a validation error on a field.
func Validation(op, field, msg string) *E {
	return New(KindValidation, op, WithField(field), WithMessage(msg))
}
