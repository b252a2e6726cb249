package graph

// BulkResultType selects what a bulk request reports back.
type BulkResultType int

const (
	// BulkResultStatus reports only success.
	BulkResultStatus BulkResultType = iota
	// BulkResultCount reports the number of affected records.
	BulkResultCount
	// BulkResultRefs reports the references of affected records.
	BulkResultRefs
)

// BulkRequest is one of BulkInsert, BulkUpdate or BulkDelete. Bulk requests
// bypass per-record bridging and are executed by the engine directly.
type BulkRequest interface {
	TargetEntity() string
	ResultType() BulkResultType
}

// BulkInsert inserts one record per field map.
type BulkInsert struct {
	Entity  string
	Objects []Fields
	Result  BulkResultType
}

// BulkUpdate sets attributes on every record matching Predicate (all when nil).
type BulkUpdate struct {
	Entity    string
	Predicate Predicate
	Set       Fields
	Result    BulkResultType
}

// BulkDelete removes every record matching Predicate (all when nil).
type BulkDelete struct {
	Entity    string
	Predicate Predicate
	Result    BulkResultType
}

// TargetEntity implements BulkRequest.
func (r BulkInsert) TargetEntity() string { return r.Entity }

// ResultType implements BulkRequest.
func (r BulkInsert) ResultType() BulkResultType { return r.Result }

// TargetEntity implements BulkRequest.
func (r BulkUpdate) TargetEntity() string { return r.Entity }

// ResultType implements BulkRequest.
func (r BulkUpdate) ResultType() BulkResultType { return r.Result }

// TargetEntity implements BulkRequest.
func (r BulkDelete) TargetEntity() string { return r.Entity }

// ResultType implements BulkRequest.
func (r BulkDelete) ResultType() BulkResultType { return r.Result }

// BulkResult is the engine's native result descriptor. Only the member that
// matches Type is populated; Status is always set.
type BulkResult struct {
	Type   BulkResultType
	Status bool
	Count  int
	Refs   []Ref
}
