package bridge

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"recordbridge/pkg/graph"
)

var (
	// ErrMissingField reports a required attribute that is unset on the record.
	ErrMissingField = errors.New("bridge: missing field")
	// ErrFieldType reports an attribute holding a value of an unexpected type.
	ErrFieldType = errors.New("bridge: field type mismatch")
)

// FieldError pins a mapping failure to one attribute.
type FieldError struct {
	Entity    string
	Attribute string
	Err       error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("bridge %s.%s: %v", e.Entity, e.Attribute, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Lookup reads an optional attribute. ok is false when the attribute is unset.
func Lookup[V any](rec graph.Record, attr string) (V, bool, error) {
	var zero V
	raw, ok := rec.Value(attr)
	if !ok {
		return zero, false, nil
	}
	v, ok := raw.(V)
	if !ok {
		return zero, false, &FieldError{
			Entity:    rec.Entity(),
			Attribute: attr,
			Err:       fmt.Errorf("%w: have %T, want %T", ErrFieldType, raw, zero),
		}
	}
	return v, true, nil
}

// Get reads a required attribute.
func Get[V any](rec graph.Record, attr string) (V, error) {
	v, ok, err := Lookup[V](rec, attr)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, &FieldError{Entity: rec.Entity(), Attribute: attr, Err: ErrMissingField}
	}
	return v, nil
}

// String reads a required string attribute.
func String(rec graph.Record, attr string) (string, error) { return Get[string](rec, attr) }

// Int reads a required integer attribute.
func Int(rec graph.Record, attr string) (int64, error) { return Get[int64](rec, attr) }

// Float reads a required double attribute.
func Float(rec graph.Record, attr string) (float64, error) { return Get[float64](rec, attr) }

// Bool reads a required boolean attribute.
func Bool(rec graph.Record, attr string) (bool, error) { return Get[bool](rec, attr) }

// Time reads a required date attribute.
func Time(rec graph.Record, attr string) (time.Time, error) { return Get[time.Time](rec, attr) }

// UUID reads a required uuid attribute.
func UUID(rec graph.Record, attr string) (uuid.UUID, error) { return Get[uuid.UUID](rec, attr) }

// RefField reads a required to-one relationship.
func RefField(rec graph.Record, attr string) (graph.Ref, error) { return Get[graph.Ref](rec, attr) }

// OptionalString returns "" for an unset attribute.
func OptionalString(rec graph.Record, attr string) (string, error) {
	v, _, err := Lookup[string](rec, attr)
	return v, err
}

// OptionalInt returns nil for an unset attribute.
func OptionalInt(rec graph.Record, attr string) (*int64, error) {
	return optional[int64](rec, attr)
}

// OptionalFloat returns nil for an unset attribute.
func OptionalFloat(rec graph.Record, attr string) (*float64, error) {
	return optional[float64](rec, attr)
}

// OptionalTime returns nil for an unset attribute.
func OptionalTime(rec graph.Record, attr string) (*time.Time, error) {
	return optional[time.Time](rec, attr)
}

// OptionalRef returns the zero ref for an unset relationship.
func OptionalRef(rec graph.Record, attr string) (graph.Ref, error) {
	v, _, err := Lookup[graph.Ref](rec, attr)
	return v, err
}

func optional[V any](rec graph.Record, attr string) (*V, error) {
	v, ok, err := Lookup[V](rec, attr)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

func sortedNames(fields graph.Fields) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
