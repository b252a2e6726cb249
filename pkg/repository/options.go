package repository

import (
	"context"
	"time"

	"recordbridge/pkg/graph"
)

// Logger is the structured logging surface used by the repository. It is
// satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock provides the current time for audit timestamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now returns the function result.
func (f ClockFunc) Now() time.Time { return f() }

// MetricsRecorder receives the outcome and duration of every operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// TraceSpan ends a traced operation.
type TraceSpan interface {
	End(err error)
}

// Tracer starts a span per operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// AuditStatus is the outcome recorded in an AuditEntry.
type AuditStatus string

const (
	// AuditStatusSuccess marks a completed operation.
	AuditStatusSuccess AuditStatus = "success"
	// AuditStatusError marks a failed operation.
	AuditStatusError AuditStatus = "error"
)

// AuditEntry describes one write operation for change attribution.
type AuditEntry struct {
	Operation string
	Entity    string
	Ref       graph.Ref
	Author    string
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder persists or forwards audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

// DefaultBatchConcurrency bounds non-atomic batch fan-out when no option is set.
const DefaultBatchConcurrency = 8

type repositoryOptions struct {
	logger           Logger
	clock            Clock
	metrics          MetricsRecorder
	tracer           Tracer
	audit            AuditRecorder
	batchConcurrency int
}

func defaultRepositoryOptions() repositoryOptions {
	return repositoryOptions{
		logger:           noopLogger{},
		clock:            ClockFunc(func() time.Time { return time.Now().UTC() }),
		metrics:          noopMetricsRecorder{},
		tracer:           noopTracer{},
		audit:            noopAuditRecorder{},
		batchConcurrency: DefaultBatchConcurrency,
	}
}

// Option customises a Repository.
type Option func(*repositoryOptions)

// WithLogger sets the logger; nil keeps the no-op default.
func WithLogger(logger Logger) Option {
	return func(o *repositoryOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the audit clock.
func WithClock(clock Clock) Option {
	return func(o *repositoryOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMetricsRecorder installs a metrics sink.
func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(o *repositoryOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(tracer Tracer) Option {
	return func(o *repositoryOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithAuditRecorder installs an audit sink for write operations.
func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(o *repositoryOptions) {
		if recorder != nil {
			o.audit = recorder
		}
	}
}

// WithBatchConcurrency bounds the per-item fan-out of non-atomic batches.
// Values below one are ignored.
func WithBatchConcurrency(n int) Option {
	return func(o *repositoryOptions) {
		if n > 0 {
			o.batchConcurrency = n
		}
	}
}

// OperationOption customises a single write.
type OperationOption func(*operationConfig)

type operationConfig struct {
	author string
}

// WithAuthor labels the parent save of a write for change attribution.
func WithAuthor(author string) OperationOption {
	return func(c *operationConfig) { c.author = author }
}

func operationConfigFrom(opts []OperationOption) operationConfig {
	var cfg operationConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
