package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"recordbridge/pkg/graph"
)

func (c *Context) usable() error {
	if c.isClosed() {
		return graph.ErrClosed
	}
	return nil
}

func (c *Context) own(rec graph.Record) (*object, error) {
	o, ok := rec.(*object)
	if !ok || o.owner != c {
		var ref graph.Ref
		if rec != nil {
			ref = rec.Ref()
		}
		return nil, &graph.RefError{Ref: ref, Err: fmt.Errorf("%w in this context", graph.ErrUnknownRef)}
	}
	return o, nil
}

// Insert creates a record with a temporary ref.
func (c *Context) Insert(entity string) (graph.Record, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	ent, err := c.store.schema.Entity(entity)
	if err != nil {
		return nil, err
	}
	o := &object{
		owner:    c,
		ref:      graph.NewTemporaryRef(c.store.id, entity, uuid.NewString()),
		entity:   ent,
		fields:   graph.Fields{},
		dirty:    make(map[string]struct{}),
		inserted: true,
	}
	c.mu.Lock()
	c.objects[o.ref] = o
	c.mu.Unlock()
	return o, nil
}

// Resolve maps ref to this context's record.
func (c *Context) Resolve(ref graph.Ref) (graph.Record, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if ref.IsZero() || ref.Store() != c.store.id {
		return nil, &graph.RefError{Ref: ref, Err: graph.ErrUnknownRef}
	}
	if _, err := c.store.schema.Entity(ref.Entity()); err != nil {
		return nil, &graph.RefError{Ref: ref, Err: graph.ErrUnknownRef}
	}
	c.mu.Lock()
	if o, ok := c.objects[ref]; ok && !o.invalid && !c.follows(o) {
		deleted := o.deleted
		c.mu.Unlock()
		if deleted {
			return nil, &graph.RefError{Ref: ref, Err: graph.ErrDeleted}
		}
		return o, nil
	}
	c.mu.Unlock()
	fields, res := c.lookupAbove(ref)
	switch res {
	case lookupMissing:
		return nil, &graph.RefError{Ref: ref, Err: graph.ErrUnknownRef}
	case lookupDeleted:
		return nil, &graph.RefError{Ref: ref, Err: graph.ErrDeleted}
	}
	return c.materialize(ref, fields)
}

// ObtainPermanentRefs swaps temporary refs for permanent ones. The id part is
// kept so the ref stays recognisable in logs.
func (c *Context) ObtainPermanentRefs(records ...graph.Record) error {
	objs := make([]*object, 0, len(records))
	for _, rec := range records {
		o, err := c.own(rec)
		if err != nil {
			return err
		}
		objs = append(objs, o)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range objs {
		if !o.ref.IsTemporary() || o.invalid {
			continue
		}
		delete(c.objects, o.ref)
		o.ref = graph.NewRef(c.store.id, o.entity.Name, o.ref.ID())
		c.objects[o.ref] = o
	}
	return nil
}

type nullification struct {
	o    *object
	attr string
}

type deletePlan struct {
	seen    map[graph.Ref]bool
	deletes []*object
	nullify []nullification
}

// Delete flags rec deleted and applies the delete rules of every relationship
// targeting it. A deny rule aborts before anything is changed.
func (c *Context) Delete(rec graph.Record) error {
	if err := c.usable(); err != nil {
		return err
	}
	o, err := c.own(rec)
	if err != nil {
		return err
	}
	if o.IsDeleted() {
		return &graph.RefError{Ref: o.Ref(), Err: graph.ErrDeleted}
	}
	plan := &deletePlan{seen: make(map[graph.Ref]bool)}
	if err := c.planDelete(o, plan); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range plan.nullify {
		if plan.seen[n.o.ref] {
			continue
		}
		if err := n.o.setLocked(n.attr, nil); err != nil {
			return err
		}
	}
	for _, d := range plan.deletes {
		if err := c.markDeletedLocked(d); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) planDelete(o *object, plan *deletePlan) error {
	if plan.seen[o.ref] {
		return nil
	}
	plan.seen[o.ref] = true
	plan.deletes = append(plan.deletes, o)
	for _, ref := range c.store.schema.Referencing(o.entity.Name) {
		view := c.view(ref.Entity.Name)
		for _, r := range sortedRefs(view) {
			fields := view[r]
			if v, ok := fields[ref.Attribute.Name]; !ok || v != any(o.ref) {
				continue
			}
			switch ref.Attribute.OnTargetDelete {
			case graph.DeleteDeny:
				if plan.seen[r] {
					continue
				}
				return graph.RuleViolationError{Result: graph.Result{Violations: []graph.Violation{{
					Rule:     "delete_deny",
					Severity: graph.SeverityBlock,
					Message:  fmt.Sprintf("%s is referenced by %s.%s of %s", o.ref, ref.Entity.Name, ref.Attribute.Name, r),
					Entity:   o.entity.Name,
					Ref:      o.ref,
				}}}}
			case graph.DeleteCascade:
				dep, err := c.materialize(r, fields)
				if err != nil {
					return err
				}
				if err := c.planDelete(dep, plan); err != nil {
					return err
				}
			default:
				dep, err := c.materialize(r, fields)
				if err != nil {
					return err
				}
				plan.nullify = append(plan.nullify, nullification{o: dep, attr: ref.Attribute.Name})
			}
		}
	}
	return nil
}

func (c *Context) markDeletedLocked(o *object) error {
	if o.inserted {
		o.invalid = true
		delete(c.objects, o.ref)
		return nil
	}
	if err := c.adoptLocked(o); err != nil {
		return err
	}
	o.deleted = true
	return nil
}

type match struct {
	ref    graph.Ref
	fields graph.Fields
}

func sortedRefs(view map[graph.Ref]graph.Fields) []graph.Ref {
	refs := make([]graph.Ref, 0, len(view))
	for ref := range view {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs
}

func (c *Context) match(entity string, pred graph.Predicate) ([]match, error) {
	view := c.view(entity)
	out := make([]match, 0, len(view))
	for _, ref := range sortedRefs(view) {
		fields := view[ref]
		if pred != nil {
			ok, err := pred.Evaluate(fields)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", graph.ErrInvalidQuery, err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, match{ref: ref, fields: fields})
	}
	return out, nil
}

func (c *Context) query(q graph.Query) ([]match, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if _, err := q.Validate(c.store.schema); err != nil {
		return nil, err
	}
	matches, err := c.match(q.Entity, q.Predicate)
	if err != nil {
		return nil, err
	}
	if len(q.Sort) > 0 {
		sort.SliceStable(matches, func(i, j int) bool {
			return less(matches[i].fields, matches[j].fields, q.Sort)
		})
	}
	if q.Offset > 0 {
		if q.Offset >= len(matches) {
			return nil, nil
		}
		matches = matches[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matches) {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// less orders unset values first in ascending order.
func less(a, b graph.Fields, keys []graph.Sort) bool {
	for _, key := range keys {
		av, aok := a.Value(key.Attribute)
		bv, bok := b.Value(key.Attribute)
		var cmp int
		switch {
		case !aok && !bok:
			cmp = 0
		case !aok:
			cmp = -1
		case !bok:
			cmp = 1
		default:
			cmp, _ = graph.Compare(av, bv)
		}
		if cmp == 0 {
			continue
		}
		if key.Descending {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

// Fetch returns the records matching q in query order.
func (c *Context) Fetch(q graph.Query) ([]graph.Record, error) {
	matches, err := c.query(q)
	if err != nil {
		return nil, err
	}
	out := make([]graph.Record, 0, len(matches))
	for _, m := range matches {
		o, err := c.materialize(m.ref, m.fields)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// Count returns the number of records Fetch would return.
func (c *Context) Count(q graph.Query) (int, error) {
	matches, err := c.query(q)
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

type accumulator struct {
	group    graph.Fields
	count    int
	sum      float64
	min, max float64
}

func (a *accumulator) add(v float64) {
	if a.count == 0 || v < a.min {
		a.min = v
	}
	if a.count == 0 || v > a.max {
		a.max = v
	}
	a.count++
	a.sum += v
}

func (a *accumulator) row(fn graph.AggregateFunc) graph.AggregateRow {
	row := graph.AggregateRow{Group: a.group, Count: a.count}
	if a.count == 0 {
		return row
	}
	switch fn {
	case graph.AggregateCount:
		row.Value = float64(a.count)
	case graph.AggregateSum:
		row.Value = a.sum
	case graph.AggregateAverage:
		row.Value = a.sum / float64(a.count)
	case graph.AggregateMin:
		row.Value = a.min
	case graph.AggregateMax:
		row.Value = a.max
	}
	return row
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// Aggregate evaluates req over the records visible in c. Without GroupBy the
// result always holds exactly one row; groups are ordered by their values.
func (c *Context) Aggregate(req graph.AggregateRequest) ([]graph.AggregateRow, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if err := req.Validate(c.store.schema); err != nil {
		return nil, err
	}
	matches, err := c.match(req.Entity, req.Predicate)
	if err != nil {
		return nil, err
	}
	groups := make(map[string]*accumulator)
	for _, m := range matches {
		key, group := groupOf(m.fields, req.GroupBy)
		acc, ok := groups[key]
		if !ok {
			acc = &accumulator{group: group}
			groups[key] = acc
		}
		if req.Attribute == "" {
			acc.add(0)
			continue
		}
		v, ok := m.fields.Value(req.Attribute)
		if !ok {
			continue
		}
		acc.add(toFloat(v))
	}
	if len(req.GroupBy) == 0 {
		acc, ok := groups[""]
		if !ok {
			acc = &accumulator{}
		}
		return []graph.AggregateRow{acc.row(req.Func)}, nil
	}
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rows := make([]graph.AggregateRow, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, groups[key].row(req.Func))
	}
	return rows, nil
}

func groupOf(fields graph.Fields, attrs []string) (string, graph.Fields) {
	if len(attrs) == 0 {
		return "", nil
	}
	group := make(graph.Fields, len(attrs))
	parts := make([]string, len(attrs))
	for i, attr := range attrs {
		v, ok := fields.Value(attr)
		if !ok {
			parts[i] = "\x00"
			continue
		}
		group[attr] = v
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "\x1f"), group
}

// Execute runs a bulk request against the records visible in c. Changes stay
// staged until Save.
func (c *Context) Execute(req graph.BulkRequest) (graph.BulkResult, error) {
	if err := c.usable(); err != nil {
		return graph.BulkResult{}, err
	}
	var (
		refs []graph.Ref
		err  error
	)
	switch r := req.(type) {
	case graph.BulkInsert:
		refs, err = c.bulkInsert(r)
	case graph.BulkUpdate:
		refs, err = c.bulkUpdate(r)
	case graph.BulkDelete:
		refs, err = c.bulkDelete(r)
	default:
		return graph.BulkResult{}, fmt.Errorf("%w: unsupported bulk request %T", graph.ErrInvalidQuery, req)
	}
	if err != nil {
		return graph.BulkResult{}, err
	}
	res := graph.BulkResult{Type: req.ResultType(), Status: true}
	switch req.ResultType() {
	case graph.BulkResultCount:
		res.Count = len(refs)
	case graph.BulkResultRefs:
		res.Count = len(refs)
		res.Refs = refs
	}
	return res, nil
}

func (c *Context) bulkInsert(r graph.BulkInsert) ([]graph.Ref, error) {
	records := make([]graph.Record, 0, len(r.Objects))
	for _, fields := range r.Objects {
		rec, err := c.Insert(r.Entity)
		if err != nil {
			return nil, err
		}
		for _, attr := range sortedKeys(fields) {
			if err := rec.Set(attr, fields[attr]); err != nil {
				return nil, err
			}
		}
		records = append(records, rec)
	}
	if err := c.ObtainPermanentRefs(records...); err != nil {
		return nil, err
	}
	refs := make([]graph.Ref, len(records))
	for i, rec := range records {
		refs[i] = rec.Ref()
	}
	return refs, nil
}

func (c *Context) bulkUpdate(r graph.BulkUpdate) ([]graph.Ref, error) {
	ent, err := graph.Query{Entity: r.Entity, Predicate: r.Predicate}.Validate(c.store.schema)
	if err != nil {
		return nil, err
	}
	for attr := range r.Set {
		if _, ok := ent.Attribute(attr); !ok {
			return nil, &graph.AttributeError{Entity: r.Entity, Attribute: attr, Err: graph.ErrUnknownAttribute}
		}
	}
	matches, err := c.match(r.Entity, r.Predicate)
	if err != nil {
		return nil, err
	}
	refs := make([]graph.Ref, 0, len(matches))
	for _, m := range matches {
		o, err := c.materialize(m.ref, m.fields)
		if err != nil {
			return nil, err
		}
		for _, attr := range sortedKeys(r.Set) {
			if err := o.Set(attr, r.Set[attr]); err != nil {
				return nil, err
			}
		}
		refs = append(refs, m.ref)
	}
	return refs, nil
}

func (c *Context) bulkDelete(r graph.BulkDelete) ([]graph.Ref, error) {
	if _, err := (graph.Query{Entity: r.Entity, Predicate: r.Predicate}).Validate(c.store.schema); err != nil {
		return nil, err
	}
	matches, err := c.match(r.Entity, r.Predicate)
	if err != nil {
		return nil, err
	}
	refs := make([]graph.Ref, 0, len(matches))
	for _, m := range matches {
		o, err := c.materialize(m.ref, m.fields)
		if err != nil {
			return nil, err
		}
		if o.IsDeleted() {
			continue
		}
		if err := c.Delete(o); err != nil {
			return nil, err
		}
		refs = append(refs, m.ref)
	}
	return refs, nil
}

func sortedKeys(fields graph.Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
