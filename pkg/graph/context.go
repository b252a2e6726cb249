package graph

import "context"

// Kind identifies the flavour of an execution context.
type Kind string

const (
	// KindRoot is the long-lived context representing the durable store.
	KindRoot Kind = "root"
	// KindChild is derived from a parent and refreshes clean records from it.
	KindChild Kind = "child"
	// KindScratchpad is derived from a parent and never merges parent changes;
	// staged writes reach the parent only through Save.
	KindScratchpad Kind = "scratchpad"
)

// Record is the context-confined counterpart of a value model. A record must
// only be used inside Perform of the context that produced it.
type Record interface {
	Getter
	Ref() Ref
	Entity() string
	// Set stores v into attr after coercing it to the attribute type.
	Set(attr string, v any) error
	IsDeleted() bool
	// PrepareForDeletion runs the entity's deletion hook.
	PrepareForDeletion() error
}

// Context is a thread-confined unit of work scheduling. Work submitted through
// Perform runs serially in submission order; record access outside Perform is
// not supported.
type Context interface {
	Kind() Kind
	// Perform runs fn on the context queue and waits for it. Calls nested inside
	// fn for the same context run inline. If ctx is done before fn starts, fn is
	// skipped and ctx.Err() is returned.
	Perform(ctx context.Context, fn func(context.Context) error) error
	NewChild() (Context, error)
	NewScratchpad() (Context, error)

	Insert(entity string) (Record, error)
	Resolve(ref Ref) (Record, error)
	// ObtainPermanentRefs replaces temporary refs of inserted records.
	ObtainPermanentRefs(records ...Record) error
	Delete(rec Record) error
	Fetch(q Query) ([]Record, error)
	Count(q Query) (int, error)
	Aggregate(req AggregateRequest) ([]AggregateRow, error)
	Execute(req BulkRequest) (BulkResult, error)

	HasChanges() bool
	// SetAuthor labels the next saves of this context for change attribution.
	SetAuthor(author string)
	// Save validates staged changes and pushes them to the parent, or commits
	// them to the store for a root context.
	Save(ctx context.Context) error
	// Rollback discards staged changes.
	Rollback()
	Close() error
}

// Store is the persistence engine entry point.
type Store interface {
	ID() string
	Schema() *Schema
	Root() Context
	// Seq is the sequence number of the last committed ChangeSet.
	Seq() uint64
	// Subscribe delivers every ChangeSet committed after the call, in order,
	// until the returned cancel function runs.
	Subscribe() (<-chan ChangeSet, func())
}
