package repository

import (
	"context"

	"recordbridge/pkg/graph"
)

// execute runs a native bulk request in a scratchpad and saves it through the
// root so the transaction author applies.
func (r *Repository) execute(ctx context.Context, op string, req graph.BulkRequest, opts []OperationOption) (graph.BulkResult, error) {
	cfg := operationConfigFrom(opts)
	var res graph.BulkResult
	err := r.run(ctx, call{op: op, entity: req.TargetEntity(), author: cfg.author, write: true}, func(ctx context.Context) (graph.Ref, error) {
		return graph.Ref{}, r.inScratchpad(ctx, cfg.author, func(_ context.Context, scratch graph.Context) error {
			var err error
			res, err = scratch.Execute(req)
			return err
		}, nil)
	})
	if err != nil {
		return graph.BulkResult{}, err
	}
	return res, nil
}

// Insert creates one record per field map without bridging.
func (r *Repository) Insert(ctx context.Context, req graph.BulkInsert, opts ...OperationOption) (graph.BulkResult, error) {
	return r.execute(ctx, "bulk_insert", req, opts)
}

// BulkUpdate sets req.Set on every matching record without bridging.
func (r *Repository) BulkUpdate(ctx context.Context, req graph.BulkUpdate, opts ...OperationOption) (graph.BulkResult, error) {
	return r.execute(ctx, "bulk_update", req, opts)
}

// BulkDelete removes every matching record without bridging. Delete rules of
// referencing entities apply as for single deletes.
func (r *Repository) BulkDelete(ctx context.Context, req graph.BulkDelete, opts ...OperationOption) (graph.BulkResult, error) {
	return r.execute(ctx, "bulk_delete", req, opts)
}
