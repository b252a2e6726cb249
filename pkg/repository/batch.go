package repository

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"recordbridge/pkg/graph"
)

// Failure pairs a batch item with the error it produced.
type Failure[I any] struct {
	Item I
	Err  error
}

// BatchResult collects the outcome of a non-atomic batch. Succeeded and Failed
// keep the input order of their items.
type BatchResult[I, T any] struct {
	Succeeded []T
	Failed    []Failure[I]
}

// Err returns nil when every item succeeded, otherwise the first failure.
func (b BatchResult[I, T]) Err() error {
	if len(b.Failed) == 0 {
		return nil
	}
	return b.Failed[0].Err
}

type outcome[T any] struct {
	value T
	err   error
}

// fanOut runs fn once per item with at most limit items in flight. Items not
// yet scheduled when ctx ends fail with KindCanceled; items already started
// run to completion detached from ctx cancellation.
func fanOut[I, T any](ctx context.Context, limit int, op, entity string, items []I, fn func(context.Context, I) (T, error)) BatchResult[I, T] {
	outcomes := make([]outcome[T], len(items))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(items); j++ {
				outcomes[j].err = newError(KindCanceled, op, entity, graph.Ref{}, err)
			}
			break
		}
		detached := context.WithoutCancel(ctx)
		g.Go(func() error {
			// g.Go blocks while limit items are in flight; ctx may have ended since.
			if err := ctx.Err(); err != nil {
				outcomes[i].err = newError(KindCanceled, op, entity, graph.Ref{}, err)
				return nil
			}
			v, err := fn(detached, item)
			outcomes[i] = outcome[T]{value: v, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var res BatchResult[I, T]
	for i, o := range outcomes {
		if o.err != nil {
			res.Failed = append(res.Failed, Failure[I]{Item: items[i], Err: o.err})
			continue
		}
		res.Succeeded = append(res.Succeeded, o.value)
	}
	return res
}

func (r *Repository) observeBatch(ctx context.Context, op, entity string, start time.Time, size, failed int) {
	success := failed == 0
	r.opts.metrics.Observe(ctx, op, success, r.opts.clock.Now().Sub(start))
	if !success {
		r.opts.logger.Warn("repository batch completed with failures",
			"operation", op,
			"entity", entity,
			"items", size,
			"failed", failed,
		)
		return
	}
	r.opts.logger.Debug("repository batch completed", "operation", op, "entity", entity, "items", size)
}

// ReadBatch resolves every ref independently.
func (r *ReadOnlyRepository[T]) ReadBatch(ctx context.Context, refs []graph.Ref) BatchResult[graph.Ref, T] {
	start := r.repo.opts.clock.Now()
	res := fanOut(ctx, r.repo.opts.batchConcurrency, "read_batch", r.codec.Entity(), refs, r.Read)
	r.repo.observeBatch(ctx, "read_batch", r.codec.Entity(), start, len(refs), len(res.Failed))
	return res
}

// ReadAtomically decodes every ref in one child context and fails as a whole
// when any ref cannot be read.
func (r *ReadOnlyRepository[T]) ReadAtomically(ctx context.Context, refs []graph.Ref) ([]T, error) {
	var out []T
	err := r.repo.run(ctx, call{op: "read_atomically", entity: r.codec.Entity()}, func(ctx context.Context) (graph.Ref, error) {
		var failed graph.Ref
		err := r.repo.inChild(ctx, func(ctx context.Context, child graph.Context) error {
			values := make([]T, 0, len(refs))
			for i, ref := range refs {
				if err := ctx.Err(); err != nil {
					return err
				}
				v, err := r.decodeRef(child, ref)
				if err != nil {
					failed = ref
					return fmt.Errorf("item %d: %w", i, err)
				}
				values = append(values, v)
			}
			out = values
			return nil
		})
		return failed, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateBatch creates every value in its own transaction. A failing item does
// not affect the others.
func (r *TypedRepository[T]) CreateBatch(ctx context.Context, values []T, opts ...OperationOption) BatchResult[T, T] {
	start := r.repo.opts.clock.Now()
	res := fanOut(ctx, r.repo.opts.batchConcurrency, "create_batch", r.codec.Entity(), values, func(ctx context.Context, v T) (T, error) {
		return r.Create(ctx, v, opts...)
	})
	r.repo.observeBatch(ctx, "create_batch", r.codec.Entity(), start, len(values), len(res.Failed))
	return res
}

// UpdateBatch updates every value in its own transaction.
func (r *TypedRepository[T]) UpdateBatch(ctx context.Context, values []T, opts ...OperationOption) BatchResult[T, T] {
	start := r.repo.opts.clock.Now()
	res := fanOut(ctx, r.repo.opts.batchConcurrency, "update_batch", r.codec.Entity(), values, func(ctx context.Context, v T) (T, error) {
		return r.Update(ctx, v, opts...)
	})
	r.repo.observeBatch(ctx, "update_batch", r.codec.Entity(), start, len(values), len(res.Failed))
	return res
}

// DeleteBatch deletes every value in its own transaction. Succeeded holds the
// values whose records were removed.
func (r *TypedRepository[T]) DeleteBatch(ctx context.Context, values []T, opts ...OperationOption) BatchResult[T, T] {
	start := r.repo.opts.clock.Now()
	res := fanOut(ctx, r.repo.opts.batchConcurrency, "delete_batch", r.codec.Entity(), values, func(ctx context.Context, v T) (T, error) {
		return v, r.Delete(ctx, v, opts...)
	})
	r.repo.observeBatch(ctx, "delete_batch", r.codec.Entity(), start, len(values), len(res.Failed))
	return res
}

// CreateAtomically creates every value in one transaction. Either all records
// are persisted or none is.
func (r *TypedRepository[T]) CreateAtomically(ctx context.Context, values []T, opts ...OperationOption) ([]T, error) {
	cfg := operationConfigFrom(opts)
	var (
		out     []T
		records []graph.Record
	)
	err := r.repo.run(ctx, call{op: "create_atomically", entity: r.codec.Entity(), author: cfg.author, write: true}, func(ctx context.Context) (graph.Ref, error) {
		return graph.Ref{}, r.repo.inScratchpad(ctx, cfg.author,
			func(ctx context.Context, scratch graph.Context) error {
				records = make([]graph.Record, 0, len(values))
				for i, v := range values {
					if err := ctx.Err(); err != nil {
						return err
					}
					rec, err := r.stageCreate(scratch, v)
					if err != nil {
						return fmt.Errorf("item %d: %w", i, err)
					}
					records = append(records, rec)
				}
				return nil
			},
			func(context.Context, graph.Context) error {
				var err error
				out, err = r.decodeAll(records)
				return err
			},
		)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateAtomically updates every value in one transaction.
func (r *TypedRepository[T]) UpdateAtomically(ctx context.Context, values []T, opts ...OperationOption) ([]T, error) {
	cfg := operationConfigFrom(opts)
	var (
		out     []T
		records []graph.Record
	)
	err := r.repo.run(ctx, call{op: "update_atomically", entity: r.codec.Entity(), author: cfg.author, write: true}, func(ctx context.Context) (graph.Ref, error) {
		return graph.Ref{}, r.repo.inScratchpad(ctx, cfg.author,
			func(ctx context.Context, scratch graph.Context) error {
				records = make([]graph.Record, 0, len(values))
				for i, v := range values {
					if err := ctx.Err(); err != nil {
						return err
					}
					rec, err := r.stageUpdate(scratch, v)
					if err != nil {
						return fmt.Errorf("item %d: %w", i, err)
					}
					records = append(records, rec)
				}
				return nil
			},
			func(context.Context, graph.Context) error {
				var err error
				out, err = r.decodeAll(records)
				return err
			},
		)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAtomically deletes every value in one transaction.
func (r *TypedRepository[T]) DeleteAtomically(ctx context.Context, values []T, opts ...OperationOption) error {
	cfg := operationConfigFrom(opts)
	return r.repo.run(ctx, call{op: "delete_atomically", entity: r.codec.Entity(), author: cfg.author, write: true}, func(ctx context.Context) (graph.Ref, error) {
		return graph.Ref{}, r.repo.inScratchpad(ctx, cfg.author, func(ctx context.Context, scratch graph.Context) error {
			for i, v := range values {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := r.stageDelete(scratch, r.codec.RefOf(v)); err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
			}
			return nil
		}, nil)
	})
}

func (r *TypedRepository[T]) decodeAll(records []graph.Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, rec := range records {
		v, err := r.codec.Decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
