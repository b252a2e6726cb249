package graph

import "fmt"

// AggregateFunc names an aggregate expression.
type AggregateFunc string

// Supported aggregate functions.
const (
	AggregateCount   AggregateFunc = "count"
	AggregateSum     AggregateFunc = "sum"
	AggregateAverage AggregateFunc = "average"
	AggregateMin     AggregateFunc = "min"
	AggregateMax     AggregateFunc = "max"
)

// AggregateRequest evaluates Func over Attribute for records of Entity that
// match Predicate, optionally grouped by GroupBy attributes. Attribute may be
// empty for count.
type AggregateRequest struct {
	Entity    string
	Attribute string
	Func      AggregateFunc
	Predicate Predicate
	GroupBy   []string
}

// AggregateRow is one group of an aggregate result. Count holds the number of
// records in the group that contributed a value; Value is zero when Count is 0.
type AggregateRow struct {
	Group Fields
	Count int
	Value float64
}

// Validate checks the request shape against the schema.
func (r AggregateRequest) Validate(s *Schema) error {
	ent, err := s.Entity(r.Entity)
	if err != nil {
		return err
	}
	switch r.Func {
	case AggregateCount, AggregateSum, AggregateAverage, AggregateMin, AggregateMax:
	default:
		return fmt.Errorf("%w: aggregate %q on %s", ErrInvalidQuery, r.Func, r.Entity)
	}
	if r.Attribute != "" || r.Func != AggregateCount {
		attr, ok := ent.Attribute(r.Attribute)
		if !ok {
			return &AttributeError{Entity: r.Entity, Attribute: r.Attribute, Err: ErrUnknownAttribute}
		}
		if r.Func != AggregateCount && !attr.Type.Numeric() {
			return &AttributeError{Entity: r.Entity, Attribute: r.Attribute, Err: fmt.Errorf("%w: %s is not numeric", ErrAttributeType, attr.Type)}
		}
	}
	if r.Predicate != nil {
		for _, name := range r.Predicate.Attributes() {
			if _, ok := ent.Attribute(name); !ok {
				return &AttributeError{Entity: r.Entity, Attribute: name, Err: ErrUnknownAttribute}
			}
		}
	}
	for _, name := range r.GroupBy {
		if _, ok := ent.Attribute(name); !ok {
			return &AttributeError{Entity: r.Entity, Attribute: name, Err: ErrUnknownAttribute}
		}
	}
	return nil
}
