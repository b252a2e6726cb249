package repository

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"recordbridge/pkg/graph"
)

// ErrSubscriptionClosed is returned by Next once a subscription has ended.
var ErrSubscriptionClosed = errors.New("repository: subscription closed")

// Result is one emission of a subscription. Err is set only on the final
// emission of a failed subscription.
type Result[T any] struct {
	Value T
	Err   error
}

// Subscription re-evaluates a query on a dedicated child context whenever a
// relevant change set is committed. Emissions are strictly ordered and the
// first one always reflects the state at subscribe time. Notifications that
// arrive while an evaluation is pending collapse into one follow-up
// evaluation.
type Subscription[T any] struct {
	id     uuid.UUID
	repo   *Repository
	child  graph.Context
	op     string
	entity string
	ref    graph.Ref
	filter func(graph.ChangeSet) bool
	eval   func(ctx context.Context, child graph.Context) (T, error)

	// floor is the last store sequence an evaluation already observed.
	floor   atomic.Uint64
	pending chan struct{}
	results chan Result[T]
	stop    chan struct{}
	once    sync.Once
	done    chan struct{}

	mu  sync.Mutex
	err error
}

type subscriptionSpec[T any] struct {
	op     string
	entity string
	ref    graph.Ref
	filter func(graph.ChangeSet) bool
	eval   func(ctx context.Context, child graph.Context) (T, error)
}

func subscribe[T any](ctx context.Context, r *Repository, spec subscriptionSpec[T]) (*Subscription[T], error) {
	child, err := r.root.NewChild()
	if err != nil {
		return nil, wrapError(spec.op, spec.entity, spec.ref, err)
	}
	s := &Subscription[T]{
		id:      uuid.New(),
		repo:    r,
		child:   child,
		op:      spec.op,
		entity:  spec.entity,
		ref:     spec.ref,
		filter:  spec.filter,
		eval:    spec.eval,
		pending: make(chan struct{}, 1),
		results: make(chan Result[T]),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.floor.Store(r.store.Seq())
	s.pending <- struct{}{}
	if err := r.register(s.id, s); err != nil {
		_ = child.Close()
		return nil, wrapError(spec.op, spec.entity, spec.ref, err)
	}
	r.opts.logger.Debug("subscription started", "operation", s.op, "entity", s.entity, "subscription", s.id.String())
	go s.loop(ctx)
	return s, nil
}

func (s *Subscription[T]) watches(cs graph.ChangeSet) bool {
	return cs.Seq > s.floor.Load() && s.filter(cs)
}

func (s *Subscription[T]) trigger() {
	select {
	case s.pending <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) cancel() { s.Cancel() }

func (s *Subscription[T]) loop(ctx context.Context) {
	defer close(s.done)
	defer close(s.results)
	defer s.child.Close()
	defer s.repo.deregister(s.id)

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-s.pending:
		}
		s.floor.Store(s.repo.store.Seq())
		v, err := s.evaluate(ctx)
		if err != nil && s.stopping(ctx) {
			return
		}
		select {
		case s.results <- Result[T]{Value: v, Err: err}:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			s.repo.opts.logger.Warn("subscription failed",
				"operation", s.op,
				"entity", s.entity,
				"subscription", s.id.String(),
				"error", err,
			)
			return
		}
	}
}

func (s *Subscription[T]) stopping(ctx context.Context) bool {
	select {
	case <-s.stop:
		return true
	default:
		return ctx.Err() != nil
	}
}

func (s *Subscription[T]) evaluate(ctx context.Context) (T, error) {
	var out T
	err := s.child.Perform(ctx, func(ctx context.Context) error {
		v, err := s.eval(ctx, s.child)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, wrapError(s.op, s.entity, s.ref, err)
	}
	return out, nil
}

// ID identifies the subscription in the repository registry.
func (s *Subscription[T]) ID() uuid.UUID { return s.id }

// ManualFetch requests an evaluation without waiting for a change set. It
// never blocks; a request made while one is already pending is merged.
func (s *Subscription[T]) ManualFetch() { s.trigger() }

// Results streams every emission; failures arrive as data. The channel is
// closed when the subscription ends.
func (s *Subscription[T]) Results() <-chan Result[T] { return s.results }

// Next blocks for the next value. It returns the terminal failure once and
// ErrSubscriptionClosed after the subscription has ended.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case res, ok := <-s.results:
		if !ok {
			return zero, ErrSubscriptionClosed
		}
		return res.Value, res.Err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Values ranges over the emissions until the subscription ends. A failure is
// yielded once and ends the sequence. Breaking out of the loop cancels the
// subscription.
func (s *Subscription[T]) Values() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for res := range s.results {
			if res.Err != nil {
				var zero T
				yield(zero, res.Err)
				return
			}
			if !yield(res.Value, nil) {
				s.Cancel()
				return
			}
		}
	}
}

// Done is closed once the subscription has ended and released its context.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Err returns the terminal failure, nil after a graceful completion or while
// the subscription is live.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel ends the subscription gracefully and waits until its evaluator has
// stopped. It is safe to call more than once and from any goroutine.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// SubscribeRead watches the record behind ref. The subscription fails once
// the record can no longer be read, for example after it was deleted.
func (r *ReadOnlyRepository[T]) SubscribeRead(ctx context.Context, ref graph.Ref) (*Subscription[T], error) {
	return subscribe(ctx, r.repo, subscriptionSpec[T]{
		op:     "subscribe_read",
		entity: r.codec.Entity(),
		ref:    ref,
		filter: func(cs graph.ChangeSet) bool { return cs.Contains(ref) },
		eval: func(_ context.Context, child graph.Context) (T, error) {
			return r.decodeRef(child, ref)
		},
	})
}

// SubscribeFetch watches the records matching q. Changes to the entity or to
// any entity it references trigger a refetch.
func (r *ReadOnlyRepository[T]) SubscribeFetch(ctx context.Context, q graph.Query) (*Subscription[[]T], error) {
	scoped, err := r.scope("subscribe_fetch", q)
	if err != nil {
		return nil, err
	}
	watched := r.repo.watchedEntities(scoped.Entity)
	return subscribe(ctx, r.repo, subscriptionSpec[[]T]{
		op:     "subscribe_fetch",
		entity: scoped.Entity,
		filter: func(cs graph.ChangeSet) bool { return touchesAny(cs, watched) },
		eval: func(_ context.Context, child graph.Context) ([]T, error) {
			return r.fetchIn(child, scoped)
		},
	})
}

// SubscribeAggregate watches an aggregate request.
func (r *Repository) SubscribeAggregate(ctx context.Context, req graph.AggregateRequest) (*Subscription[[]graph.AggregateRow], error) {
	op := "subscribe_aggregate"
	if err := req.Validate(r.Schema()); err != nil {
		return nil, newError(KindQueryShape, op, req.Entity, graph.Ref{}, err)
	}
	return subscribe(ctx, r, subscriptionSpec[[]graph.AggregateRow]{
		op:     op,
		entity: req.Entity,
		filter: func(cs graph.ChangeSet) bool { return cs.Touches(req.Entity) },
		eval: func(_ context.Context, child graph.Context) ([]graph.AggregateRow, error) {
			return child.Aggregate(req)
		},
	})
}

// watchedEntities returns entity and the targets of its relationships.
func (r *Repository) watchedEntities(entity string) []string {
	out := []string{entity}
	ent, err := r.Schema().Entity(entity)
	if err != nil {
		return out
	}
	for _, attr := range ent.Attributes {
		if attr.Type == graph.TypeRelationship && attr.Target != entity {
			out = append(out, attr.Target)
		}
	}
	return out
}

func touchesAny(cs graph.ChangeSet, entities []string) bool {
	for _, entity := range entities {
		if cs.Touches(entity) {
			return true
		}
	}
	return false
}
