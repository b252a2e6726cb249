// Package bridge defines the contract that maps caller-owned value types to
// context-confined graph records and back.
//
// A codec never saves: Create and Update only write attributes onto the
// record they are handed, and the repository decides when the work is saved.
package bridge

import (
	"errors"
	"fmt"

	"recordbridge/pkg/graph"
)

// ReadCodec decodes records of one entity into values of type T. Projections
// that share an entity with a writable model implement only this side.
type ReadCodec[T any] interface {
	// Entity names the record type T is stored as.
	Entity() string
	// Decode builds a value from rec, including its ref. It must not return a
	// partially populated value alongside an error.
	Decode(rec graph.Record) (T, error)
	// RefOf returns the durable ref held by v, zero when v was never persisted.
	RefOf(v T) graph.Ref
}

// Codec is the read-write bridging contract.
type Codec[T any] interface {
	ReadCodec[T]
	// Create populates a freshly inserted record from v.
	Create(v T, rec graph.Record) error
	// Update overwrites the mutable attributes of rec with the fields of v.
	Update(v T, rec graph.Record) error
}

// DescriptorProvider is implemented by codecs that want a default predicate
// or sort order for fetches and subscriptions.
type DescriptorProvider interface {
	Descriptor() graph.Query
}

// ErrReadOnly is returned by Funcs adapters that lack a write function.
var ErrReadOnly = errors.New("bridge: codec is read-only")

// Descriptor returns the default fetch query for codec. The entity is always
// the codec's entity, whatever a DescriptorProvider returns.
func Descriptor[T any](codec ReadCodec[T]) graph.Query {
	q := graph.NewQuery(codec.Entity())
	if p, ok := codec.(DescriptorProvider); ok {
		q = p.Descriptor()
		q.Entity = codec.Entity()
	}
	return q
}

// Funcs adapts plain functions into a Codec. CreateFunc falls back to
// UpdateFunc when nil, which suits models whose create and update mappings
// are identical.
type Funcs[T any] struct {
	EntityName string
	DecodeFunc func(graph.Record) (T, error)
	RefFunc    func(T) graph.Ref
	CreateFunc func(T, graph.Record) error
	UpdateFunc func(T, graph.Record) error
	// Query supplies the default descriptor; zero means all records.
	Query graph.Query
}

var _ Codec[struct{}] = Funcs[struct{}]{}

func (f Funcs[T]) Entity() string { return f.EntityName }

func (f Funcs[T]) Decode(rec graph.Record) (T, error) {
	if f.DecodeFunc == nil {
		var zero T
		return zero, fmt.Errorf("bridge: %s has no decode function", f.EntityName)
	}
	return f.DecodeFunc(rec)
}

func (f Funcs[T]) RefOf(v T) graph.Ref {
	if f.RefFunc == nil {
		return graph.Ref{}
	}
	return f.RefFunc(v)
}

func (f Funcs[T]) Create(v T, rec graph.Record) error {
	if f.CreateFunc != nil {
		return f.CreateFunc(v, rec)
	}
	return f.Update(v, rec)
}

func (f Funcs[T]) Update(v T, rec graph.Record) error {
	if f.UpdateFunc == nil {
		return fmt.Errorf("%w: %s", ErrReadOnly, f.EntityName)
	}
	return f.UpdateFunc(v, rec)
}

func (f Funcs[T]) Descriptor() graph.Query {
	q := f.Query
	q.Entity = f.EntityName
	return q
}

// Assign writes every entry of fields onto rec, stopping at the first failure.
func Assign(rec graph.Record, fields graph.Fields) error {
	for _, name := range sortedNames(fields) {
		if err := rec.Set(name, fields[name]); err != nil {
			return &FieldError{Entity: rec.Entity(), Attribute: name, Err: err}
		}
	}
	return nil
}
