package repository

import (
	"context"
	"fmt"

	"recordbridge/pkg/bridge"
	"recordbridge/pkg/graph"
)

// ReadOnlyRepository reads values of type T through a read codec.
type ReadOnlyRepository[T any] struct {
	repo  *Repository
	codec bridge.ReadCodec[T]
}

// NewReadOnly binds a read codec to repo.
func NewReadOnly[T any](repo *Repository, codec bridge.ReadCodec[T]) *ReadOnlyRepository[T] {
	return &ReadOnlyRepository[T]{repo: repo, codec: codec}
}

// Entity returns the codec entity.
func (r *ReadOnlyRepository[T]) Entity() string { return r.codec.Entity() }

// Repository returns the untyped repository r is bound to.
func (r *ReadOnlyRepository[T]) Repository() *Repository { return r.repo }

// Query returns the codec's default descriptor, ready to be refined.
func (r *ReadOnlyRepository[T]) Query() graph.Query { return bridge.Descriptor(r.codec) }

// resolve maps ref to a live record of the codec entity in c.
func (r *ReadOnlyRepository[T]) resolve(c graph.Context, ref graph.Ref) (graph.Record, error) {
	rec, err := c.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if rec.Entity() != r.codec.Entity() {
		return nil, &graph.RefError{
			Ref: ref,
			Err: fmt.Errorf("%w: %s record, want %s", graph.ErrEntityMismatch, rec.Entity(), r.codec.Entity()),
		}
	}
	if rec.IsDeleted() {
		return nil, &graph.RefError{Ref: ref, Err: graph.ErrDeleted}
	}
	return rec, nil
}

func (r *ReadOnlyRepository[T]) decodeRef(c graph.Context, ref graph.Ref) (T, error) {
	rec, err := r.resolve(c, ref)
	if err != nil {
		var zero T
		return zero, err
	}
	return r.codec.Decode(rec)
}

// Read resolves ref in a child context and decodes it.
func (r *ReadOnlyRepository[T]) Read(ctx context.Context, ref graph.Ref) (T, error) {
	var out T
	err := r.repo.run(ctx, call{op: "read", entity: r.codec.Entity(), ref: ref}, func(ctx context.Context) (graph.Ref, error) {
		return ref, r.repo.inChild(ctx, func(_ context.Context, child graph.Context) error {
			v, err := r.decodeRef(child, ref)
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

// TypedRepository adds the write operations of a full codec.
type TypedRepository[T any] struct {
	*ReadOnlyRepository[T]
	codec bridge.Codec[T]
}

// NewTyped binds a read-write codec to repo.
func NewTyped[T any](repo *Repository, codec bridge.Codec[T]) *TypedRepository[T] {
	return &TypedRepository[T]{
		ReadOnlyRepository: NewReadOnly[T](repo, codec),
		codec:              codec,
	}
}

// stageCreate inserts a record for v and pins its permanent ref.
func (r *TypedRepository[T]) stageCreate(scratch graph.Context, v T) (graph.Record, error) {
	rec, err := scratch.Insert(r.codec.Entity())
	if err != nil {
		return nil, err
	}
	if err := r.codec.Create(v, rec); err != nil {
		return nil, err
	}
	if err := scratch.ObtainPermanentRefs(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *TypedRepository[T]) stageUpdate(scratch graph.Context, v T) (graph.Record, error) {
	rec, err := r.resolve(scratch, r.codec.RefOf(v))
	if err != nil {
		return nil, err
	}
	if err := r.codec.Update(v, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *TypedRepository[T]) stageDelete(scratch graph.Context, ref graph.Ref) error {
	rec, err := r.resolve(scratch, ref)
	if err != nil {
		return err
	}
	if err := rec.PrepareForDeletion(); err != nil {
		return err
	}
	return scratch.Delete(rec)
}

// Create persists v as a new record and returns the stored value with its
// durable ref populated.
func (r *TypedRepository[T]) Create(ctx context.Context, v T, opts ...OperationOption) (T, error) {
	cfg := operationConfigFrom(opts)
	var (
		out T
		rec graph.Record
		ref graph.Ref
	)
	err := r.repo.run(ctx, call{op: "create", entity: r.codec.Entity(), author: cfg.author, write: true}, func(ctx context.Context) (graph.Ref, error) {
		err := r.repo.inScratchpad(ctx, cfg.author,
			func(_ context.Context, scratch graph.Context) error {
				var err error
				rec, err = r.stageCreate(scratch, v)
				if rec != nil {
					ref = rec.Ref()
				}
				return err
			},
			func(context.Context, graph.Context) error {
				var err error
				out, err = r.codec.Decode(rec)
				return err
			},
		)
		return ref, err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Update overwrites the record referenced by v and returns the stored value.
// A deleted record fails with ErrObjectDeleted, an unknown one with
// ErrNoObjectForRef.
func (r *TypedRepository[T]) Update(ctx context.Context, v T, opts ...OperationOption) (T, error) {
	cfg := operationConfigFrom(opts)
	ref := r.codec.RefOf(v)
	var (
		out T
		rec graph.Record
	)
	err := r.repo.run(ctx, call{op: "update", entity: r.codec.Entity(), ref: ref, author: cfg.author, write: true}, func(ctx context.Context) (graph.Ref, error) {
		return ref, r.repo.inScratchpad(ctx, cfg.author,
			func(_ context.Context, scratch graph.Context) error {
				var err error
				rec, err = r.stageUpdate(scratch, v)
				return err
			},
			func(context.Context, graph.Context) error {
				var err error
				out, err = r.codec.Decode(rec)
				return err
			},
		)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Delete removes the record referenced by v.
func (r *TypedRepository[T]) Delete(ctx context.Context, v T, opts ...OperationOption) error {
	return r.DeleteRef(ctx, r.codec.RefOf(v), opts...)
}

// DeleteRef removes the record behind ref after running its deletion hook.
func (r *TypedRepository[T]) DeleteRef(ctx context.Context, ref graph.Ref, opts ...OperationOption) error {
	cfg := operationConfigFrom(opts)
	return r.repo.run(ctx, call{op: "delete", entity: r.codec.Entity(), ref: ref, author: cfg.author, write: true}, func(ctx context.Context) (graph.Ref, error) {
		return ref, r.repo.inScratchpad(ctx, cfg.author, func(_ context.Context, scratch graph.Context) error {
			return r.stageDelete(scratch, ref)
		}, nil)
	})
}
