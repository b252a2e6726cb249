package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Fields holds attribute values keyed by attribute name. Values use the stored
// representation of their AttributeType (see Coerce).
type Fields map[string]any

// Clone returns a shallow copy; stored values are immutable scalars.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Value implements Getter so Fields can be matched against predicates directly.
func (f Fields) Value(attr string) (any, bool) {
	v, ok := f[attr]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// AttributeType enumerates the stored value kinds an entity attribute may hold.
type AttributeType string

const (
	// TypeString stores string.
	TypeString AttributeType = "string"
	// TypeInteger stores int64.
	TypeInteger AttributeType = "integer"
	// TypeDouble stores float64.
	TypeDouble AttributeType = "double"
	// TypeBoolean stores bool.
	TypeBoolean AttributeType = "boolean"
	// TypeDate stores time.Time in UTC.
	TypeDate AttributeType = "date"
	// TypeUUID stores uuid.UUID.
	TypeUUID AttributeType = "uuid"
	// TypeRelationship stores the Ref of a to-one target.
	TypeRelationship AttributeType = "relationship"
)

// Numeric reports whether the type supports sum and average aggregates.
func (t AttributeType) Numeric() bool {
	return t == TypeInteger || t == TypeDouble
}

// DeleteRule controls what happens to a record when the target of one of its
// relationship attributes is deleted.
type DeleteRule string

const (
	// DeleteNullify clears the relationship (default).
	DeleteNullify DeleteRule = "nullify"
	// DeleteCascade deletes the referencing record too.
	DeleteCascade DeleteRule = "cascade"
	// DeleteDeny refuses to delete the target while it is referenced.
	DeleteDeny DeleteRule = "deny"
)

// Attribute describes a single entity attribute.
type Attribute struct {
	Name     string
	Type     AttributeType
	Optional bool
	// Target names the destination entity for TypeRelationship.
	Target string
	// OnTargetDelete applies to TypeRelationship only.
	OnTargetDelete DeleteRule
}

// Entity describes one record type of the object graph.
type Entity struct {
	Name       string
	Attributes []Attribute
	// Unique lists attribute groups whose combined values must be unique.
	Unique [][]string
	// PrepareForDeletion runs before a record of this entity is deleted and may
	// clean up dependent state or veto the deletion.
	PrepareForDeletion func(Record) error

	index map[string]int
}

// Attribute looks up an attribute definition by name.
func (e *Entity) Attribute(name string) (Attribute, bool) {
	i, ok := e.index[name]
	if !ok {
		return Attribute{}, false
	}
	return e.Attributes[i], true
}

// Schema is the immutable set of entities known to a store.
type Schema struct {
	entities map[string]*Entity
	names    []string
}

// NewSchema validates and indexes the provided entities.
func NewSchema(entities ...Entity) (*Schema, error) {
	s := &Schema{entities: make(map[string]*Entity, len(entities))}
	for _, e := range entities {
		if e.Name == "" {
			return nil, errors.New("schema: entity name required")
		}
		if _, dup := s.entities[e.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate entity %q", e.Name)
		}
		ent := e
		ent.Attributes = append([]Attribute(nil), e.Attributes...)
		ent.index = make(map[string]int, len(ent.Attributes))
		for i, attr := range ent.Attributes {
			if attr.Name == "" {
				return nil, fmt.Errorf("schema: entity %q has an unnamed attribute", e.Name)
			}
			if _, dup := ent.index[attr.Name]; dup {
				return nil, fmt.Errorf("schema: entity %q duplicate attribute %q", e.Name, attr.Name)
			}
			if attr.Type == TypeRelationship && attr.OnTargetDelete == "" {
				ent.Attributes[i].OnTargetDelete = DeleteNullify
			}
			ent.index[attr.Name] = i
		}
		for _, group := range ent.Unique {
			for _, name := range group {
				if _, ok := ent.index[name]; !ok {
					return nil, fmt.Errorf("schema: entity %q unique constraint on unknown attribute %q", e.Name, name)
				}
			}
		}
		s.entities[ent.Name] = &ent
		s.names = append(s.names, ent.Name)
	}
	for _, ent := range s.entities {
		for _, attr := range ent.Attributes {
			if attr.Type != TypeRelationship {
				continue
			}
			if _, ok := s.entities[attr.Target]; !ok {
				return nil, fmt.Errorf("schema: %s.%s targets unknown entity %q", ent.Name, attr.Name, attr.Target)
			}
		}
	}
	sort.Strings(s.names)
	return s, nil
}

// MustSchema panics when NewSchema fails; intended for package-level fixtures.
func MustSchema(entities ...Entity) *Schema {
	s, err := NewSchema(entities...)
	if err != nil {
		panic(err)
	}
	return s
}

// Entity returns the named entity definition.
func (s *Schema) Entity(name string) (*Entity, error) {
	e, ok := s.entities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, name)
	}
	return e, nil
}

// Entities returns entity names in lexical order.
func (s *Schema) Entities() []string {
	return append([]string(nil), s.names...)
}

// Referencing returns the (entity, attribute) pairs whose relationship targets
// the named entity.
func (s *Schema) Referencing(target string) []Reference {
	var out []Reference
	for _, name := range s.names {
		ent := s.entities[name]
		for _, attr := range ent.Attributes {
			if attr.Type == TypeRelationship && attr.Target == target {
				out = append(out, Reference{Entity: ent, Attribute: attr})
			}
		}
	}
	return out
}

// Reference pairs a relationship attribute with its owning entity.
type Reference struct {
	Entity    *Entity
	Attribute Attribute
}

// Coerce converts v into the stored representation of t. nil passes through.
// Values decoded from JSON snapshots (strings, float64) are accepted as well.
func Coerce(t AttributeType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeInteger:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		case float64:
			if n == math.Trunc(n) {
				return int64(n), nil
			}
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
		}
	case TypeDouble:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, nil
			}
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeDate:
		switch d := v.(type) {
		case time.Time:
			return d.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, d)
			if err == nil {
				return parsed.UTC(), nil
			}
		}
	case TypeUUID:
		switch u := v.(type) {
		case uuid.UUID:
			return u, nil
		case string:
			parsed, err := uuid.Parse(u)
			if err == nil {
				return parsed, nil
			}
		}
	case TypeRelationship:
		switch r := v.(type) {
		case Ref:
			if r.IsZero() {
				return nil, nil
			}
			return r, nil
		case string:
			parsed, err := ParseRef(r)
			if err == nil {
				if parsed.IsZero() {
					return nil, nil
				}
				return parsed, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %T is not a %s", ErrAttributeType, v, t)
}
