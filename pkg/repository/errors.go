package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"recordbridge/pkg/bridge"
	"recordbridge/pkg/graph"
)

// Kind classifies repository failures independently of the engine that
// produced them.
type Kind string

const (
	// KindNoObjectForRef means a durable reference maps to no known record.
	KindNoObjectForRef Kind = "no_object_for_ref"
	// KindObjectDeleted means the reference resolved to a deleted record.
	KindObjectDeleted Kind = "object_deleted"
	// KindTypeMismatch means the record is not what the codec expects.
	KindTypeMismatch Kind = "type_mismatch"
	// KindConstraint means the store rejected a save.
	KindConstraint Kind = "constraint"
	// KindQueryShape means a query or aggregate request does not fit the schema.
	KindQueryShape Kind = "query_shape"
	// KindCanceled means the caller's context ended before the work ran.
	KindCanceled Kind = "canceled"
	// KindUnknown wraps any other lower level failure.
	KindUnknown Kind = "unknown"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrNoObjectForRef = errors.New("repository: no object for ref")
	ErrObjectDeleted  = errors.New("repository: object flagged deleted")
	ErrTypeMismatch   = errors.New("repository: type mismatch")
	ErrConstraint     = errors.New("repository: constraint violation")
	ErrQueryShape     = errors.New("repository: query does not match schema")
	ErrCanceled       = errors.New("repository: canceled")
	ErrUnknown        = errors.New("repository: unknown failure")
)

var kindSentinels = map[Kind]error{
	KindNoObjectForRef: ErrNoObjectForRef,
	KindObjectDeleted:  ErrObjectDeleted,
	KindTypeMismatch:   ErrTypeMismatch,
	KindConstraint:     ErrConstraint,
	KindQueryShape:     ErrQueryShape,
	KindCanceled:       ErrCanceled,
	KindUnknown:        ErrUnknown,
}

// Error is the only error type returned by repository operations. The
// underlying cause remains reachable through errors.Unwrap and errors.As.
type Error struct {
	Kind   Kind
	Op     string
	Entity string
	Ref    graph.Ref
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("repository ")
	b.WriteString(e.Op)
	if e.Entity != "" {
		b.WriteString(" " + e.Entity)
	}
	if !e.Ref.IsZero() {
		b.WriteString(" " + e.Ref.String())
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return target != nil && kindSentinels[e.Kind] == target
}

// KindOf reports the kind of err, KindUnknown for foreign errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	var violation graph.RuleViolationError
	var fieldErr *bridge.FieldError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, graph.ErrUnknownRef):
		return KindNoObjectForRef
	case errors.Is(err, graph.ErrDeleted):
		return KindObjectDeleted
	case errors.Is(err, graph.ErrEntityMismatch):
		return KindTypeMismatch
	case errors.As(err, &violation), errors.Is(err, graph.ErrAttributeType), errors.Is(err, graph.ErrSuperseded):
		return KindConstraint
	case errors.Is(err, graph.ErrInvalidQuery),
		errors.Is(err, graph.ErrUnknownEntity),
		errors.Is(err, graph.ErrUnknownAttribute):
		return KindQueryShape
	case errors.As(err, &fieldErr):
		return KindTypeMismatch
	default:
		return KindUnknown
	}
}

// wrapError maps err into an *Error for op. Errors that already carry a kind
// keep it; missing op, entity or ref details are filled in.
func wrapError(op, entity string, ref graph.Ref, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		out := *re
		if out.Op == "" {
			out.Op = op
		}
		if out.Entity == "" {
			out.Entity = entity
		}
		if out.Ref.IsZero() {
			out.Ref = ref
		}
		return &out
	}
	if ref.IsZero() {
		var refErr *graph.RefError
		if errors.As(err, &refErr) {
			ref = refErr.Ref
		}
	}
	if entity == "" && !ref.IsZero() {
		entity = ref.Entity()
	}
	return &Error{Kind: classify(err), Op: op, Entity: entity, Ref: ref, Err: err}
}

func newError(kind Kind, op, entity string, ref graph.Ref, err error) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity, Ref: ref, Err: err}
}
