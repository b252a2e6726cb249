package memory

import (
	"context"
	"fmt"
	"sync"

	"recordbridge/pkg/graph"
)

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

type queueKey struct{}

// queueMarker chains the queues a goroutine is currently running on so nested
// Perform calls for an enclosing context execute inline instead of deadlocking.
type queueMarker struct {
	ctx  *Context
	next *queueMarker
}

func onQueue(ctx context.Context, c *Context) bool {
	marker, _ := ctx.Value(queueKey{}).(*queueMarker)
	for ; marker != nil; marker = marker.next {
		if marker.ctx == c {
			return true
		}
	}
	return false
}

// Context is a serial unit of work over the object graph. Lock order is
// descendant before ancestor before store.
type Context struct {
	store  *Store
	parent *Context
	kind   graph.Kind

	queue     chan job
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	objects map[graph.Ref]*object
	author  string
}

func newContext(store *Store, parent *Context, kind graph.Kind) *Context {
	c := &Context{
		store:   store,
		parent:  parent,
		kind:    kind,
		queue:   make(chan job),
		closed:  make(chan struct{}),
		objects: make(map[graph.Ref]*object),
	}
	go c.loop()
	return c
}

func (c *Context) loop() {
	for {
		select {
		case <-c.closed:
			return
		case j := <-c.queue:
			j.done <- c.invoke(j.ctx, j.fn)
		}
	}
}

func (c *Context) invoke(ctx context.Context, fn func(context.Context) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("graph %s context: perform panicked: %v", c.kind, r)
		}
	}()
	prev, _ := ctx.Value(queueKey{}).(*queueMarker)
	return fn(context.WithValue(ctx, queueKey{}, &queueMarker{ctx: c, next: prev}))
}

// Kind reports the context flavour.
func (c *Context) Kind() graph.Kind { return c.kind }

// Perform runs fn on the context queue in submission order and waits for it.
func (c *Context) Perform(ctx context.Context, fn func(context.Context) error) error {
	select {
	case <-c.closed:
		return graph.ErrClosed
	default:
	}
	if onQueue(ctx, c) {
		return c.invoke(ctx, fn)
	}
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case c.queue <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return graph.ErrClosed
	}
	return <-j.done
}

// NewChild derives an auto-merging context.
func (c *Context) NewChild() (graph.Context, error) {
	if c.isClosed() {
		return nil, graph.ErrClosed
	}
	return newContext(c.store, c, graph.KindChild), nil
}

// NewScratchpad derives a context that stages writes until Save.
func (c *Context) NewScratchpad() (graph.Context, error) {
	if c.isClosed() {
		return nil, graph.ErrClosed
	}
	return newContext(c.store, c, graph.KindScratchpad), nil
}

// SetAuthor labels subsequent saves.
func (c *Context) SetAuthor(author string) {
	c.mu.Lock()
	c.author = author
	c.mu.Unlock()
}

// Close stops the queue and drops the identity map. Submitted work that has
// not started fails with graph.ErrClosed.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		c.objects = make(map[graph.Ref]*object)
		c.mu.Unlock()
	})
	return nil
}

func (c *Context) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// follows reports whether o tracks the state above c instead of shadowing
// it. Clean records of the root follow the store and clean records of a child
// follow its parent; a scratchpad keeps what it loaded until it saves.
func (c *Context) follows(o *object) bool {
	return c.kind != graph.KindScratchpad && o.clean()
}

// lookup returns ref's effective fields as seen by c.
func (c *Context) lookup(ref graph.Ref) (graph.Fields, lookupResult) {
	c.mu.Lock()
	if o, ok := c.objects[ref]; ok && !o.invalid && !c.follows(o) {
		defer c.mu.Unlock()
		if o.deleted {
			return nil, lookupDeleted
		}
		return o.fields.Clone(), lookupFound
	}
	c.mu.Unlock()
	return c.lookupAbove(ref)
}

// lookupAbove consults the ancestors of c without taking c.mu.
func (c *Context) lookupAbove(ref graph.Ref) (graph.Fields, lookupResult) {
	if c.parent == nil {
		return c.store.lookup(ref)
	}
	return c.parent.lookup(ref)
}

// view returns the effective records of entity as seen by c. Field maps of
// staged records are copies; the others are immutable store state, so none
// of the returned maps may be mutated.
func (c *Context) view(entity string) map[graph.Ref]graph.Fields {
	var base map[graph.Ref]graph.Fields
	if c.parent == nil {
		base = c.store.entityState(entity)
	} else {
		base = c.parent.view(entity)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for ref, o := range c.objects {
		if o.invalid || o.entity.Name != entity {
			continue
		}
		switch {
		case o.deleted:
			delete(base, ref)
		case c.follows(o):
		default:
			base[ref] = o.fields.Clone()
		}
	}
	return base
}

// adoptLocked puts o back into the identity map after a root commit released
// it. A different record of the same ref with staged changes wins.
func (c *Context) adoptLocked(o *object) error {
	cur, ok := c.objects[o.ref]
	if ok && cur != o && !cur.clean() {
		return &graph.RefError{Ref: o.ref, Err: graph.ErrSuperseded}
	}
	c.objects[o.ref] = o
	return nil
}

// materialize registers ref with the given effective fields, refreshing clean
// child records, and returns the identity-mapped object.
func (c *Context) materialize(ref graph.Ref, fields graph.Fields) (*object, error) {
	ent, err := c.store.schema.Entity(ref.Entity())
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.objects[ref]; ok && !o.invalid {
		if c.follows(o) {
			o.fields = fields.Clone()
			o.base = fields.Clone()
		}
		return o, nil
	}
	o := &object{
		owner:  c,
		ref:    ref,
		entity: ent,
		fields: fields.Clone(),
		base:   fields.Clone(),
		dirty:  make(map[string]struct{}),
	}
	c.objects[ref] = o
	return o, nil
}

// ruleView adapts a context to the rules engine.
type ruleView struct{ c *Context }

func (v ruleView) Schema() *graph.Schema { return v.c.store.schema }

func (v ruleView) List(entity string) map[graph.Ref]graph.Fields { return v.c.view(entity) }

func (v ruleView) Find(ref graph.Ref) (graph.Fields, bool) {
	fields, res := v.c.lookup(ref)
	return fields, res == lookupFound
}
