package repository

import (
	"context"
	"fmt"

	"recordbridge/pkg/graph"
)

// scope pins q to the codec entity. An empty entity is filled in; any other
// entity is a query-shape failure.
func (r *ReadOnlyRepository[T]) scope(op string, q graph.Query) (graph.Query, error) {
	entity := r.codec.Entity()
	if q.Entity == "" {
		q.Entity = entity
	}
	if q.Entity != entity {
		return q, newError(KindQueryShape, op, entity, graph.Ref{},
			fmt.Errorf("query targets %s, repository serves %s", q.Entity, entity))
	}
	if _, err := q.Validate(r.repo.Schema()); err != nil {
		return q, newError(KindQueryShape, op, entity, graph.Ref{}, err)
	}
	return q, nil
}

func (r *ReadOnlyRepository[T]) fetchIn(c graph.Context, q graph.Query) ([]T, error) {
	records, err := c.Fetch(q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, rec := range records {
		v, err := r.codec.Decode(rec)
		if err != nil {
			return nil, &graph.RefError{Ref: rec.Ref(), Err: err}
		}
		out = append(out, v)
	}
	return out, nil
}

// Fetch decodes every record matching q in query order.
func (r *ReadOnlyRepository[T]) Fetch(ctx context.Context, q graph.Query) ([]T, error) {
	var out []T
	err := r.repo.run(ctx, call{op: "fetch", entity: r.codec.Entity()}, func(ctx context.Context) (graph.Ref, error) {
		scoped, err := r.scope("fetch", q)
		if err != nil {
			return graph.Ref{}, err
		}
		return graph.Ref{}, r.repo.inChild(ctx, func(_ context.Context, child graph.Context) error {
			values, err := r.fetchIn(child, scoped)
			if err != nil {
				return err
			}
			out = values
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchAll fetches with the codec's default descriptor.
func (r *ReadOnlyRepository[T]) FetchAll(ctx context.Context) ([]T, error) {
	return r.Fetch(ctx, r.Query())
}

// FetchRefs returns the refs of the records matching q without decoding them.
func (r *ReadOnlyRepository[T]) FetchRefs(ctx context.Context, q graph.Query) ([]graph.Ref, error) {
	var out []graph.Ref
	err := r.repo.run(ctx, call{op: "fetch_refs", entity: r.codec.Entity()}, func(ctx context.Context) (graph.Ref, error) {
		scoped, err := r.scope("fetch_refs", q)
		if err != nil {
			return graph.Ref{}, err
		}
		return graph.Ref{}, r.repo.inChild(ctx, func(_ context.Context, child graph.Context) error {
			records, err := child.Fetch(scoped)
			if err != nil {
				return err
			}
			out = make([]graph.Ref, len(records))
			for i, rec := range records {
				out[i] = rec.Ref()
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of records of the codec entity matching pred; a
// nil pred counts every record.
func (r *ReadOnlyRepository[T]) Count(ctx context.Context, pred graph.Predicate) (int, error) {
	var n int
	err := r.repo.run(ctx, call{op: "count", entity: r.codec.Entity()}, func(ctx context.Context) (graph.Ref, error) {
		scoped, err := r.scope("count", graph.Query{Predicate: pred})
		if err != nil {
			return graph.Ref{}, err
		}
		return graph.Ref{}, r.repo.inChild(ctx, func(_ context.Context, child graph.Context) error {
			var err error
			n, err = child.Count(scoped)
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
