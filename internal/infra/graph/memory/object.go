package memory

import (
	"fmt"

	"recordbridge/pkg/graph"
)

// object is the identity-mapped record of one ref inside one context.
type object struct {
	owner  *Context
	ref    graph.Ref
	entity *graph.Entity
	fields graph.Fields
	// base holds the values last loaded from, or saved to, the parent.
	base     graph.Fields
	dirty    map[string]struct{}
	inserted bool
	deleted  bool
	// invalid marks inserted objects discarded by delete or rollback.
	invalid bool
}

func (o *object) clean() bool {
	return !o.inserted && !o.deleted && len(o.dirty) == 0
}

func (o *object) staged() bool {
	return !o.invalid && !o.clean()
}

func (o *object) Ref() graph.Ref {
	o.owner.mu.Lock()
	defer o.owner.mu.Unlock()
	return o.ref
}

func (o *object) Entity() string { return o.entity.Name }

func (o *object) Value(attr string) (any, bool) {
	o.owner.mu.Lock()
	defer o.owner.mu.Unlock()
	return o.fields.Value(attr)
}

func (o *object) IsDeleted() bool {
	o.owner.mu.Lock()
	defer o.owner.mu.Unlock()
	return o.deleted || o.invalid
}

func (o *object) Set(attr string, v any) error {
	def, ok := o.entity.Attribute(attr)
	if !ok {
		return &graph.AttributeError{Entity: o.entity.Name, Attribute: attr, Err: graph.ErrUnknownAttribute}
	}
	coerced, err := graph.Coerce(def.Type, v)
	if err != nil {
		return &graph.AttributeError{Entity: o.entity.Name, Attribute: attr, Err: err}
	}
	if def.Type == graph.TypeRelationship && coerced != nil {
		if target := coerced.(graph.Ref); target.Entity() != def.Target {
			return &graph.AttributeError{
				Entity:    o.entity.Name,
				Attribute: attr,
				Err:       fmt.Errorf("%w: %s is not a %s", graph.ErrEntityMismatch, target, def.Target),
			}
		}
	}
	o.owner.mu.Lock()
	defer o.owner.mu.Unlock()
	return o.setLocked(attr, coerced)
}

func (o *object) setLocked(attr string, v any) error {
	if o.deleted || o.invalid {
		return &graph.RefError{Ref: o.ref, Err: graph.ErrDeleted}
	}
	current, present := o.fields.Value(attr)
	if v == nil && !present {
		return nil
	}
	if v != nil && present {
		if cmp, err := graph.Compare(current, v); err == nil && cmp == 0 {
			return nil
		}
	}
	if err := o.owner.adoptLocked(o); err != nil {
		return err
	}
	if o.fields == nil {
		o.fields = graph.Fields{}
	}
	if v == nil {
		delete(o.fields, attr)
	} else {
		o.fields[attr] = v
	}
	if !o.inserted {
		o.dirty[attr] = struct{}{}
	}
	return nil
}

func (o *object) PrepareForDeletion() error {
	if o.entity.PrepareForDeletion == nil {
		return nil
	}
	return o.entity.PrepareForDeletion(o)
}
