package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"recordbridge/internal/infra/graph/memory"
	"recordbridge/pkg/graph"
	"recordbridge/pkg/repository"
)

// Runtime bundles an opened store with the repository serving it.
type Runtime struct {
	Config     Config
	Logger     *slog.Logger
	Store      Store
	Repository *repository.Repository

	closeOnce sync.Once
	closeErr  error
}

// RuntimeOption customises Open.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	logOutput io.Writer
	storeOpts []memory.Option
	repoOpts  []repository.Option
	rules     *graph.RulesEngine
}

// WithLogOutput directs runtime logs to w.
func WithLogOutput(w io.Writer) RuntimeOption {
	return func(o *runtimeOptions) { o.logOutput = w }
}

// WithStoreOptions forwards options to the engine store.
func WithStoreOptions(opts ...memory.Option) RuntimeOption {
	return func(o *runtimeOptions) { o.storeOpts = append(o.storeOpts, opts...) }
}

// WithRepositoryOptions forwards options to the repository. They apply after
// the logger and batch concurrency derived from Config.
func WithRepositoryOptions(opts ...repository.Option) RuntimeOption {
	return func(o *runtimeOptions) { o.repoOpts = append(o.repoOpts, opts...) }
}

// WithRules installs a rules engine evaluated on every commit.
func WithRules(engine *graph.RulesEngine) RuntimeOption {
	return func(o *runtimeOptions) { o.rules = engine }
}

// Open validates cfg, opens its store for schema and wires a repository.
func Open(ctx context.Context, cfg Config, schema *graph.Schema, opts ...RuntimeOption) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o runtimeOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := NewLogger(o.logOutput, cfg.Log)

	storeOpts := o.storeOpts
	if o.rules != nil {
		storeOpts = append(storeOpts, memory.WithRulesEngine(o.rules))
	}
	store, err := OpenStore(ctx, cfg, schema, storeOpts...)
	if err != nil {
		logger.Error("open store failed", "driver", string(cfg.Storage), "error", err)
		return nil, err
	}

	repoOpts := []repository.Option{repository.WithLogger(logger)}
	if cfg.BatchConcurrency > 0 {
		repoOpts = append(repoOpts, repository.WithBatchConcurrency(cfg.BatchConcurrency))
	}
	repo := repository.New(store, append(repoOpts, o.repoOpts...)...)
	logger.Info("runtime opened", "driver", string(cfg.Storage), "store_id", store.ID(), "seq", store.Seq())
	return &Runtime{Config: cfg, Logger: logger, Store: store, Repository: repo}, nil
}

// Close cancels subscriptions and releases the store. It is idempotent.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = errors.Join(r.Repository.Close(), r.Store.Close())
		r.Logger.Info("runtime closed", "store_id", r.Store.ID())
	})
	return r.closeErr
}
