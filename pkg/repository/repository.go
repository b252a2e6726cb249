// Package repository runs create, read, update, delete, batch, fetch,
// aggregate and subscription operations against a graph store using plain
// value types. Records never leave the context that produced them: every
// operation runs its work on a context queue and returns values, refs or an
// *Error.
//
// Writes run in a scratchpad derived from the store root. The scratchpad is
// saved into the root and the root is committed as one job on the root queue;
// a failure at either stage rolls both back, so a failed write is never
// visible.
package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"recordbridge/pkg/graph"
)

// Repository is the untyped entry point bound to one store. Typed access goes
// through NewTyped and NewReadOnly.
type Repository struct {
	store graph.Store
	root  graph.Context
	opts  repositoryOptions

	mu     sync.Mutex
	subs   map[uuid.UUID]subscriber
	closed bool

	stopFeed     func()
	dispatchDone chan struct{}
}

// subscriber is the registry view of a live subscription.
type subscriber interface {
	watches(cs graph.ChangeSet) bool
	trigger()
	cancel()
}

// New binds a repository to store and starts its change dispatcher.
func New(store graph.Store, opts ...Option) *Repository {
	options := defaultRepositoryOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	feed, stop := store.Subscribe()
	r := &Repository{
		store:        store,
		root:         store.Root(),
		opts:         options,
		subs:         make(map[uuid.UUID]subscriber),
		stopFeed:     stop,
		dispatchDone: make(chan struct{}),
	}
	go r.dispatch(feed)
	return r
}

// Store returns the underlying store.
func (r *Repository) Store() graph.Store { return r.store }

// Schema returns the store schema.
func (r *Repository) Schema() *graph.Schema { return r.store.Schema() }

// dispatch fans root change sets out to the subscriptions watching them.
func (r *Repository) dispatch(feed <-chan graph.ChangeSet) {
	defer close(r.dispatchDone)
	for cs := range feed {
		r.mu.Lock()
		targets := make([]subscriber, 0, len(r.subs))
		for _, sub := range r.subs {
			if sub.watches(cs) {
				targets = append(targets, sub)
			}
		}
		r.mu.Unlock()
		for _, sub := range targets {
			sub.trigger()
		}
	}
}

func (r *Repository) register(id uuid.UUID, sub subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return graph.ErrClosed
	}
	r.subs[id] = sub
	return nil
}

func (r *Repository) deregister(id uuid.UUID) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// Subscriptions reports the number of live subscriptions.
func (r *Repository) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close cancels every live subscription and stops the dispatcher. The store
// itself stays open.
func (r *Repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	r.stopFeed()
	<-r.dispatchDone
	return nil
}

// call describes one observed operation.
type call struct {
	op     string
	entity string
	ref    graph.Ref
	author string
	write  bool
}

// run executes fn with tracing, metrics, logging and, for writes, auditing.
// fn returns the ref it acted on when that is only known afterwards. Every
// error leaving run is an *Error.
func (r *Repository) run(ctx context.Context, c call, fn func(context.Context) (graph.Ref, error)) error {
	start := r.opts.clock.Now()
	ctx, span := r.opts.tracer.Start(ctx, c.op)
	ref, err := fn(ctx)
	if ref.IsZero() {
		ref = c.ref
	}
	err = wrapError(c.op, c.entity, ref, err)
	end := r.opts.clock.Now()
	duration := end.Sub(start)
	span.End(err)
	r.opts.metrics.Observe(ctx, c.op, err == nil, duration)

	if c.write {
		entry := AuditEntry{
			Operation: c.op,
			Entity:    c.entity,
			Ref:       ref,
			Author:    c.author,
			Status:    AuditStatusSuccess,
			Duration:  duration,
			Timestamp: end,
		}
		if err != nil {
			entry.Status = AuditStatusError
			entry.Error = err.Error()
		}
		r.opts.audit.Record(ctx, entry)
	}

	if err != nil {
		r.opts.logger.Error("repository operation failed",
			"operation", c.op,
			"entity", c.entity,
			"ref", ref.String(),
			"kind", string(KindOf(err)),
			"error", err,
		)
		return err
	}
	r.opts.logger.Debug("repository operation completed",
		"operation", c.op,
		"entity", c.entity,
		"ref", ref.String(),
		"duration", duration,
	)
	return nil
}

// inChild runs work on a fresh child context of the root.
func (r *Repository) inChild(ctx context.Context, work func(context.Context, graph.Context) error) error {
	child, err := r.root.NewChild()
	if err != nil {
		return err
	}
	defer child.Close()
	return child.Perform(ctx, func(ctx context.Context) error {
		return work(ctx, child)
	})
}

// inScratchpad stages work in a fresh scratchpad and saves it through the
// root. settle, when set, runs on the scratchpad queue after the root commit.
func (r *Repository) inScratchpad(
	ctx context.Context,
	author string,
	stage func(context.Context, graph.Context) error,
	settle func(context.Context, graph.Context) error,
) error {
	scratch, err := r.root.NewScratchpad()
	if err != nil {
		return err
	}
	defer scratch.Close()
	return scratch.Perform(ctx, func(ctx context.Context) error {
		if err := stage(ctx, scratch); err != nil {
			scratch.Rollback()
			return err
		}
		if err := r.saveThrough(ctx, scratch, author); err != nil {
			scratch.Rollback()
			return err
		}
		if settle == nil {
			return nil
		}
		return settle(ctx, scratch)
	})
}

// saveThrough pushes scratch into the root and commits the root as one job on
// the root queue. A failed commit rolls the root back so the merged scratchpad
// state does not linger there.
func (r *Repository) saveThrough(ctx context.Context, scratch graph.Context, author string) error {
	return r.root.Perform(ctx, func(ctx context.Context) error {
		if err := scratch.Save(ctx); err != nil {
			r.root.Rollback()
			return err
		}
		r.root.SetAuthor(author)
		defer r.root.SetAuthor("")
		if err := r.root.Save(ctx); err != nil {
			r.root.Rollback()
			return err
		}
		return nil
	})
}

// PerformInChild runs work against a child context that follows the root and
// is closed afterwards. Errors are mapped into *Error.
func PerformInChild[T any](ctx context.Context, r *Repository, work func(ctx context.Context, child graph.Context) (T, error)) (T, error) {
	var out T
	err := r.run(ctx, call{op: "perform_in_child"}, func(ctx context.Context) (graph.Ref, error) {
		return graph.Ref{}, r.inChild(ctx, func(ctx context.Context, child graph.Context) error {
			v, err := work(ctx, child)
			if err != nil {
				return err
			}
			out = v
			return nil
		})
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// PerformInScratchpad runs work in a scratchpad and, when it succeeds, saves
// the scratchpad and then the root. Any failure rolls the staged work back.
func PerformInScratchpad[T any](ctx context.Context, r *Repository, work func(ctx context.Context, scratch graph.Context) (T, error), opts ...OperationOption) (T, error) {
	cfg := operationConfigFrom(opts)
	var out T
	err := r.run(ctx, call{op: "perform_in_scratchpad", author: cfg.author, write: true}, func(ctx context.Context) (graph.Ref, error) {
		return graph.Ref{}, r.inScratchpad(ctx, cfg.author, func(ctx context.Context, scratch graph.Context) error {
			v, err := work(ctx, scratch)
			if err != nil {
				return err
			}
			out = v
			return nil
		}, nil)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Perform grants fn short-lived access to the root and a fresh scratchpad for
// logic the standard operations do not cover. fn runs on the scratchpad queue;
// the scratchpad is saved through the root afterwards under the usual rules.
func (r *Repository) Perform(ctx context.Context, fn func(ctx context.Context, parent, scratch graph.Context) error, opts ...OperationOption) error {
	cfg := operationConfigFrom(opts)
	return r.run(ctx, call{op: "perform", author: cfg.author, write: true}, func(ctx context.Context) (graph.Ref, error) {
		return graph.Ref{}, r.inScratchpad(ctx, cfg.author, func(ctx context.Context, scratch graph.Context) error {
			return fn(ctx, r.root, scratch)
		}, nil)
	})
}
