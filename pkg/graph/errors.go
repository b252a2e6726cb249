package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRef is returned when a reference cannot be mapped to any record.
	ErrUnknownRef = errors.New("graph: no object for ref")
	// ErrDeleted is returned when a reference resolves to a record flagged deleted.
	ErrDeleted = errors.New("graph: object flagged deleted")
	// ErrEntityMismatch is returned when a record is not of the expected entity.
	ErrEntityMismatch = errors.New("graph: entity mismatch")
	// ErrUnknownEntity is returned for entity names missing from the schema.
	ErrUnknownEntity = errors.New("graph: unknown entity")
	// ErrUnknownAttribute is returned for attribute names missing from an entity.
	ErrUnknownAttribute = errors.New("graph: unknown attribute")
	// ErrAttributeType is returned when a value cannot be stored in an attribute.
	ErrAttributeType = errors.New("graph: attribute type mismatch")
	// ErrInvalidQuery is returned for malformed queries and aggregate requests.
	ErrInvalidQuery = errors.New("graph: invalid query")
	// ErrSuperseded is returned when a record is written while another record
	// of the same ref holds staged changes in the context.
	ErrSuperseded = errors.New("graph: record superseded in context")
	// ErrClosed is returned by contexts and stores after Close.
	ErrClosed = errors.New("graph: context closed")
)

// AttributeError pins an attribute-level failure to its entity.
type AttributeError struct {
	Entity    string
	Attribute string
	Err       error
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Entity, e.Attribute, e.Err)
}

func (e *AttributeError) Unwrap() error { return e.Err }

// RefError pins a resolution failure to the reference that caused it.
type RefError struct {
	Ref Ref
	Err error
}

func (e *RefError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Ref)
}

func (e *RefError) Unwrap() error { return e.Err }
