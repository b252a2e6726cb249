package repository

import (
	"context"

	"recordbridge/pkg/graph"
)

// Aggregate evaluates req in a child context. Without GroupBy the result
// holds exactly one row; grouped rows are ordered by group key. Sum, average,
// min and max of an empty set are 0.
func (r *Repository) Aggregate(ctx context.Context, req graph.AggregateRequest) ([]graph.AggregateRow, error) {
	var rows []graph.AggregateRow
	op := "aggregate_" + string(req.Func)
	err := r.run(ctx, call{op: op, entity: req.Entity}, func(ctx context.Context) (graph.Ref, error) {
		if err := req.Validate(r.Schema()); err != nil {
			return graph.Ref{}, newError(KindQueryShape, op, req.Entity, graph.Ref{}, err)
		}
		return graph.Ref{}, r.inChild(ctx, func(_ context.Context, child graph.Context) error {
			var err error
			rows, err = child.Aggregate(req)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repository) scalar(ctx context.Context, fn graph.AggregateFunc, entity, attribute string, pred graph.Predicate) (graph.AggregateRow, error) {
	rows, err := r.Aggregate(ctx, graph.AggregateRequest{
		Entity:    entity,
		Attribute: attribute,
		Func:      fn,
		Predicate: pred,
	})
	if err != nil || len(rows) == 0 {
		return graph.AggregateRow{}, err
	}
	return rows[0], nil
}

// Count returns the number of records of entity matching pred.
func (r *Repository) Count(ctx context.Context, entity string, pred graph.Predicate) (int, error) {
	row, err := r.scalar(ctx, graph.AggregateCount, entity, "", pred)
	return row.Count, err
}

// Sum adds attribute over the records of entity matching pred.
func (r *Repository) Sum(ctx context.Context, entity, attribute string, pred graph.Predicate) (float64, error) {
	row, err := r.scalar(ctx, graph.AggregateSum, entity, attribute, pred)
	return row.Value, err
}

// Average returns the mean of attribute over the matching records.
func (r *Repository) Average(ctx context.Context, entity, attribute string, pred graph.Predicate) (float64, error) {
	row, err := r.scalar(ctx, graph.AggregateAverage, entity, attribute, pred)
	return row.Value, err
}

// Min returns the smallest value of attribute over the matching records.
func (r *Repository) Min(ctx context.Context, entity, attribute string, pred graph.Predicate) (float64, error) {
	row, err := r.scalar(ctx, graph.AggregateMin, entity, attribute, pred)
	return row.Value, err
}

// Max returns the largest value of attribute over the matching records.
func (r *Repository) Max(ctx context.Context, entity, attribute string, pred graph.Predicate) (float64, error) {
	row, err := r.scalar(ctx, graph.AggregateMax, entity, attribute, pred)
	return row.Value, err
}
