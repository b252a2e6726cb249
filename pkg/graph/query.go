package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Getter exposes attribute values; both Record and Fields implement it.
type Getter interface {
	Value(attr string) (any, bool)
}

// Predicate is a declarative filter over attribute values. Attributes lists
// every attribute that Evaluate may read so engines can validate query shape.
type Predicate interface {
	Evaluate(Getter) (bool, error)
	Attributes() []string
	String() string
}

// Operator names a comparison predicate.
type Operator string

// Comparison operators.
const (
	OpEq Operator = "=="
	OpNe Operator = "!="
	OpLt Operator = "<"
	OpLe Operator = "<="
	OpGt Operator = ">"
	OpGe Operator = ">="
	OpIn Operator = "IN"
)

type comparison struct {
	attr   string
	op     Operator
	values []any
}

// Eq matches records whose attr equals v. A nil v matches unset attributes.
func Eq(attr string, v any) Predicate { return comparison{attr: attr, op: OpEq, values: []any{v}} }

// Ne matches records whose attr differs from v.
func Ne(attr string, v any) Predicate { return comparison{attr: attr, op: OpNe, values: []any{v}} }

// Lt matches attr < v.
func Lt(attr string, v any) Predicate { return comparison{attr: attr, op: OpLt, values: []any{v}} }

// Le matches attr <= v.
func Le(attr string, v any) Predicate { return comparison{attr: attr, op: OpLe, values: []any{v}} }

// Gt matches attr > v.
func Gt(attr string, v any) Predicate { return comparison{attr: attr, op: OpGt, values: []any{v}} }

// Ge matches attr >= v.
func Ge(attr string, v any) Predicate { return comparison{attr: attr, op: OpGe, values: []any{v}} }

// In matches when attr equals any of vs.
func In(attr string, vs ...any) Predicate { return comparison{attr: attr, op: OpIn, values: vs} }

func (c comparison) Attributes() []string { return []string{c.attr} }

func (c comparison) String() string {
	if c.op == OpIn {
		parts := make([]string, len(c.values))
		for i, v := range c.values {
			parts[i] = fmt.Sprint(v)
		}
		return fmt.Sprintf("%s IN {%s}", c.attr, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s %s %v", c.attr, c.op, c.values[0])
}

func (c comparison) Evaluate(g Getter) (bool, error) {
	actual, ok := g.Value(c.attr)
	switch c.op {
	case OpEq, OpNe:
		eq, err := equalValues(actual, ok, c.values[0])
		if err != nil {
			return false, err
		}
		return eq == (c.op == OpEq), nil
	case OpIn:
		for _, want := range c.values {
			eq, err := equalValues(actual, ok, want)
			if err != nil {
				return false, err
			}
			if eq {
				return true, nil
			}
		}
		return false, nil
	}
	if !ok || c.values[0] == nil {
		return false, nil
	}
	cmp, err := Compare(actual, c.values[0])
	if err != nil {
		return false, fmt.Errorf("%s: %w", c, err)
	}
	switch c.op {
	case OpLt:
		return cmp < 0, nil
	case OpLe:
		return cmp <= 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpGe:
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("unsupported operator %q", c.op)
}

func equalValues(actual any, present bool, want any) (bool, error) {
	if want == nil {
		return !present, nil
	}
	if !present {
		return false, nil
	}
	cmp, err := Compare(actual, want)
	if err != nil {
		return false, err
	}
	return cmp == 0, nil
}

type compound struct {
	op    string
	preds []Predicate
}

// And matches when every predicate matches. An empty And matches everything.
func And(preds ...Predicate) Predicate { return compound{op: "AND", preds: preds} }

// Or matches when any predicate matches. An empty Or matches nothing.
func Or(preds ...Predicate) Predicate { return compound{op: "OR", preds: preds} }

func (c compound) Attributes() []string {
	var out []string
	for _, p := range c.preds {
		out = append(out, p.Attributes()...)
	}
	return out
}

func (c compound) String() string {
	parts := make([]string, len(c.preds))
	for i, p := range c.preds {
		parts[i] = "(" + p.String() + ")"
	}
	return strings.Join(parts, " "+c.op+" ")
}

func (c compound) Evaluate(g Getter) (bool, error) {
	for _, p := range c.preds {
		ok, err := p.Evaluate(g)
		if err != nil {
			return false, err
		}
		if c.op == "AND" && !ok {
			return false, nil
		}
		if c.op == "OR" && ok {
			return true, nil
		}
	}
	return c.op == "AND", nil
}

type negation struct{ p Predicate }

// Not inverts a predicate.
func Not(p Predicate) Predicate { return negation{p: p} }

func (n negation) Attributes() []string { return n.p.Attributes() }
func (n negation) String() string       { return "NOT (" + n.p.String() + ")" }
func (n negation) Evaluate(g Getter) (bool, error) {
	ok, err := n.p.Evaluate(g)
	return !ok, err
}

// Compare orders two stored values of the same kind. Integers and doubles
// compare numerically with each other; booleans order false before true;
// UUIDs and refs order by their string form.
func Compare(a, b any) (int, error) {
	if af, ok := numeric(a); ok {
		bf, ok := numeric(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		}
		return 0, nil
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), nil
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv), nil
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0, nil
			case !av:
				return -1, nil
			}
			return 1, nil
		}
	case uuid.UUID:
		if bv, ok := b.(uuid.UUID); ok {
			return strings.Compare(av.String(), bv.String()), nil
		}
	case Ref:
		if bv, ok := b.(Ref); ok {
			return strings.Compare(av.String(), bv.String()), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// Sort orders fetch results by one attribute.
type Sort struct {
	Attribute  string
	Descending bool
}

// Query describes a fetch scoped to one entity.
type Query struct {
	Entity    string
	Predicate Predicate
	Sort      []Sort
	Offset    int
	Limit     int
}

// NewQuery starts a query for entity.
func NewQuery(entity string) Query { return Query{Entity: entity} }

// Where returns a copy of q filtered by p, AND-ed with any existing predicate.
func (q Query) Where(p Predicate) Query {
	if q.Predicate != nil {
		p = And(q.Predicate, p)
	}
	q.Predicate = p
	return q
}

// OrderBy returns a copy of q with an ascending sort key appended.
func (q Query) OrderBy(attr string) Query {
	q.Sort = append(append([]Sort(nil), q.Sort...), Sort{Attribute: attr})
	return q
}

// OrderByDesc returns a copy of q with a descending sort key appended.
func (q Query) OrderByDesc(attr string) Query {
	q.Sort = append(append([]Sort(nil), q.Sort...), Sort{Attribute: attr, Descending: true})
	return q
}

// WithLimit returns a copy of q that returns at most n records.
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// WithOffset returns a copy of q that skips the first n records.
func (q Query) WithOffset(n int) Query {
	q.Offset = n
	return q
}

// Validate checks that every attribute the query reads exists on its entity.
func (q Query) Validate(s *Schema) (*Entity, error) {
	ent, err := s.Entity(q.Entity)
	if err != nil {
		return nil, err
	}
	var attrs []string
	if q.Predicate != nil {
		attrs = append(attrs, q.Predicate.Attributes()...)
	}
	for _, srt := range q.Sort {
		attrs = append(attrs, srt.Attribute)
	}
	for _, name := range attrs {
		if _, ok := ent.Attribute(name); !ok {
			return nil, &AttributeError{Entity: q.Entity, Attribute: name, Err: ErrUnknownAttribute}
		}
	}
	if q.Offset < 0 || q.Limit < 0 {
		return nil, fmt.Errorf("%w: %s has a negative offset or limit", ErrInvalidQuery, q.Entity)
	}
	return ent, nil
}
