package memory

import (
	"context"
	"fmt"
	"sort"

	"recordbridge/pkg/graph"
)

func (c *Context) stagedLocked() []*object {
	var out []*object
	for _, o := range c.objects {
		if o.staged() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ref.String() < out[j].ref.String() })
	return out
}

func changeOf(o *object) graph.Change {
	ch := graph.Change{Entity: o.entity.Name, Ref: o.ref}
	switch {
	case o.inserted:
		ch.Action = graph.ActionInsert
		ch.After = o.fields.Clone()
	case o.deleted:
		ch.Action = graph.ActionDelete
		ch.Before = o.base.Clone()
	default:
		ch.Action = graph.ActionUpdate
		ch.Before = o.base.Clone()
		ch.After = o.fields.Clone()
	}
	return ch
}

// HasChanges reports whether the context holds staged inserts, updates or
// deletes.
func (c *Context) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.objects {
		if o.staged() {
			return true
		}
	}
	return false
}

// Save validates the staged changes against the view of c. A child or
// scratchpad then pushes them into its parent; the root commits them.
func (c *Context) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.usable(); err != nil {
		return err
	}
	if c.parent == nil {
		return c.commit(ctx)
	}
	c.mu.Lock()
	staged := c.stagedLocked()
	changes := make([]graph.Change, len(staged))
	for i, o := range staged {
		changes[i] = changeOf(o)
	}
	c.mu.Unlock()
	if len(changes) == 0 {
		return nil
	}
	res, err := c.store.engine.Evaluate(ctx, ruleView{c: c}, changes)
	if err != nil {
		return fmt.Errorf("memory save rules: %w", err)
	}
	if res.HasBlocking() {
		return graph.RuleViolationError{Result: res}
	}
	return c.push()
}

type pushStep struct {
	o  *object
	po *object
}

// push merges staged objects of c into its parent. Conflicts are detected
// before the parent is touched.
func (c *Context) push() error {
	p := c.parent
	c.mu.Lock()
	defer c.mu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	staged := c.stagedLocked()
	steps := make([]pushStep, 0, len(staged))
	for _, o := range staged {
		if o.inserted {
			steps = append(steps, pushStep{o: o})
			continue
		}
		po, ok := p.objects[o.ref]
		if ok && (po.invalid || p.follows(po)) {
			ok = false
		}
		if ok && po.deleted {
			return &graph.RefError{Ref: o.ref, Err: graph.ErrDeleted}
		}
		if !ok {
			fields, res := p.lookupAbove(o.ref)
			switch res {
			case lookupMissing:
				return &graph.RefError{Ref: o.ref, Err: graph.ErrUnknownRef}
			case lookupDeleted:
				return &graph.RefError{Ref: o.ref, Err: graph.ErrDeleted}
			}
			if po == nil || po.invalid {
				po = &object{owner: p, ref: o.ref, entity: o.entity, dirty: make(map[string]struct{})}
			}
			po.fields = fields
			po.base = fields.Clone()
		}
		steps = append(steps, pushStep{o: o, po: po})
	}

	for _, step := range steps {
		o := step.o
		switch {
		case o.inserted:
			p.objects[o.ref] = &object{
				owner:    p,
				ref:      o.ref,
				entity:   o.entity,
				fields:   o.fields.Clone(),
				dirty:    make(map[string]struct{}),
				inserted: true,
			}
		case o.deleted:
			p.objects[o.ref] = step.po
			if err := p.markDeletedLocked(step.po); err != nil {
				return err
			}
		default:
			p.objects[o.ref] = step.po
			for attr := range o.dirty {
				v, _ := o.fields.Value(attr)
				if err := step.po.setLocked(attr, v); err != nil {
					return err
				}
			}
		}
	}

	for _, step := range steps {
		o := step.o
		if o.deleted {
			delete(c.objects, o.ref)
			continue
		}
		o.inserted = false
		o.dirty = make(map[string]struct{})
		o.base = o.fields.Clone()
	}
	return nil
}

// commit applies the staged root changes to a copy of the store state,
// evaluates the rules engine and the persister against it and swaps it in on
// success. Temporary refs left on inserted records become permanent here.
func (c *Context) commit(ctx context.Context) error {
	s := c.store
	c.mu.Lock()
	staged := c.stagedLocked()
	if len(staged) == 0 {
		c.mu.Unlock()
		return nil
	}

	permanent := make(map[graph.Ref]graph.Ref)
	for _, o := range staged {
		if o.inserted && o.ref.IsTemporary() {
			permanent[o.ref] = graph.NewRef(s.id, o.entity.Name, o.ref.ID())
		}
	}
	rewrite := func(v any) any {
		if r, ok := v.(graph.Ref); ok {
			if p, ok := permanent[r]; ok {
				return p
			}
		}
		return v
	}
	final := func(r graph.Ref) graph.Ref {
		if p, ok := permanent[r]; ok {
			return p
		}
		return r
	}

	s.mu.Lock()
	next := s.state.clone()
	cs := graph.ChangeSet{Author: c.author, At: s.now().UTC()}
	changes := make([]graph.Change, 0, len(staged))
	for _, o := range staged {
		ref := final(o.ref)
		entity := o.entity.Name
		switch {
		case o.inserted:
			after := make(graph.Fields, len(o.fields))
			for k, v := range o.fields {
				after[k] = rewrite(v)
			}
			next.put(entity, ref.ID(), after)
			changes = append(changes, graph.Change{Entity: entity, Action: graph.ActionInsert, Ref: ref, After: after})
			cs.Inserted = append(cs.Inserted, ref)
		case o.deleted:
			before, ok := next.records[entity][ref.ID()]
			if !ok {
				continue
			}
			next.remove(entity, ref.ID())
			changes = append(changes, graph.Change{Entity: entity, Action: graph.ActionDelete, Ref: ref, Before: before})
			cs.Deleted = append(cs.Deleted, ref)
		default:
			before, ok := next.records[entity][ref.ID()]
			if !ok {
				s.mu.Unlock()
				c.mu.Unlock()
				return &graph.RefError{Ref: ref, Err: graph.ErrDeleted}
			}
			after := before.Clone()
			for attr := range o.dirty {
				v, present := o.fields.Value(attr)
				if !present {
					delete(after, attr)
					continue
				}
				after[attr] = rewrite(v)
			}
			next.put(entity, ref.ID(), after)
			changes = append(changes, graph.Change{Entity: entity, Action: graph.ActionUpdate, Ref: ref, Before: before, After: after})
			cs.Updated = append(cs.Updated, ref)
		}
	}

	res, err := s.engine.Evaluate(ctx, stateView{store: s, state: next}, changes)
	if err == nil && res.HasBlocking() {
		err = graph.RuleViolationError{Result: res}
	}
	if err == nil && s.persister != nil {
		if perr := s.persister.Persist(ctx, snapshotOf(s.id, s.seq+1, next)); perr != nil {
			err = fmt.Errorf("memory store persist: %w", perr)
		}
	}
	if err != nil {
		s.mu.Unlock()
		c.mu.Unlock()
		return err
	}
	s.state = next
	s.seq++
	cs.Seq = s.seq
	s.mu.Unlock()

	for _, o := range staged {
		if o.deleted {
			delete(c.objects, o.ref)
			continue
		}
		if p, ok := permanent[o.ref]; ok {
			delete(c.objects, o.ref)
			o.ref = p
			c.objects[p] = o
		}
		o.fields = next.records[o.entity.Name][o.ref.ID()].Clone()
		o.base = o.fields.Clone()
		o.inserted = false
		o.dirty = make(map[string]struct{})
	}
	c.releaseCleanLocked()
	// subMu is taken before the root unlocks so change sets leave in commit order.
	s.subMu.Lock()
	c.mu.Unlock()
	defer s.subMu.Unlock()
	if !cs.Empty() {
		s.publishLocked(cs)
	}
	return nil
}

// releaseCleanLocked drops clean records from the root identity map. The store
// holds their committed state; a released record re-registers when written.
func (c *Context) releaseCleanLocked() {
	for ref, o := range c.objects {
		if o.clean() {
			delete(c.objects, ref)
		}
	}
}

// Rollback discards every staged change of c.
func (c *Context) Rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ref, o := range c.objects {
		switch {
		case o.invalid:
			delete(c.objects, ref)
		case o.inserted:
			o.invalid = true
			delete(c.objects, ref)
		case o.deleted || len(o.dirty) > 0:
			o.deleted = false
			o.fields = o.base.Clone()
			o.dirty = make(map[string]struct{})
		}
	}
}
