// Package graph defines the contracts recordbridge consumes from an
// object-graph persistence engine: durable references, thread-confined
// execution contexts, records, declarative queries, bulk requests,
// aggregates, change notifications and the validation rules engine.
package graph

import (
	"fmt"
	"net/url"
	"strings"
)

// RefScheme is the URL scheme used when a Ref is rendered as a string.
const RefScheme = "x-graph"

const (
	permanentPrefix = "p"
	temporaryPrefix = "t"
)

// Ref is an opaque durable reference to a persisted record. It is a comparable
// value that can be shared freely across goroutines and resolved back into a
// record inside any context of the store that issued it.
type Ref struct {
	store     string
	entity    string
	id        string
	temporary bool
}

// NewRef builds a permanent reference. Engines call it when assigning identity.
func NewRef(store, entity, id string) Ref {
	return Ref{store: store, entity: entity, id: id}
}

// NewTemporaryRef builds a reference that is only meaningful in the context that
// inserted the record, until a permanent reference is obtained for it.
func NewTemporaryRef(store, entity, id string) Ref {
	return Ref{store: store, entity: entity, id: id, temporary: true}
}

// ParseRef decodes the URL form produced by Ref.String.
func ParseRef(raw string) (Ref, error) {
	if raw == "" {
		return Ref{}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Ref{}, fmt.Errorf("parse ref %q: %w", raw, err)
	}
	if u.Scheme != RefScheme {
		return Ref{}, fmt.Errorf("parse ref %q: unexpected scheme %q", raw, u.Scheme)
	}
	parts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if u.Host == "" || len(parts) != 2 || parts[0] == "" || len(parts[1]) < 2 {
		return Ref{}, fmt.Errorf("parse ref %q: malformed path", raw)
	}
	ref := Ref{store: u.Host, entity: parts[0], id: parts[1][1:]}
	switch parts[1][:1] {
	case permanentPrefix:
	case temporaryPrefix:
		ref.temporary = true
	default:
		return Ref{}, fmt.Errorf("parse ref %q: unknown id kind", raw)
	}
	return ref, nil
}

// MustParseRef is ParseRef for constants in tests and fixtures.
func MustParseRef(raw string) Ref {
	ref, err := ParseRef(raw)
	if err != nil {
		panic(err)
	}
	return ref
}

// IsZero reports whether the reference is unset (the value was never persisted).
func (r Ref) IsZero() bool { return r == Ref{} }

// Equal reports whether r and other name the same record.
func (r Ref) Equal(other Ref) bool { return r == other }

// IsTemporary reports whether the reference still points at an unsaved insert.
func (r Ref) IsTemporary() bool { return r.temporary }

// Store returns the identifier of the store that issued the reference.
func (r Ref) Store() string { return r.store }

// Entity returns the entity name the reference belongs to.
func (r Ref) Entity() string { return r.entity }

// ID returns the store-local identifier.
func (r Ref) ID() string { return r.id }

// Key returns a string that is unique per record within a store.
func (r Ref) Key() string {
	if r.temporary {
		return temporaryPrefix + r.id
	}
	return permanentPrefix + r.id
}

func (r Ref) String() string {
	if r.IsZero() {
		return ""
	}
	u := url.URL{Scheme: RefScheme, Host: r.store, Path: "/" + r.entity + "/" + r.Key()}
	return u.String()
}

// MarshalText implements encoding.TextMarshaler.
func (r Ref) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Ref) UnmarshalText(text []byte) error {
	parsed, err := ParseRef(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
