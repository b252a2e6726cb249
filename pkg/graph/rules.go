package graph

import (
	"context"
	"strings"
)

// Severity represents the enforcement level of a rule violation.
type Severity string

const (
	// SeverityBlock aborts the save.
	SeverityBlock Severity = "block"
	// SeverityWarn is reported but does not abort.
	SeverityWarn Severity = "warn"
	// SeverityLog is informational.
	SeverityLog Severity = "log"
)

// Action indicates the type of modification captured in a change.
type Action string

const (
	// ActionInsert marks a newly inserted record.
	ActionInsert Action = "insert"
	// ActionUpdate marks a modified record.
	ActionUpdate Action = "update"
	// ActionDelete marks a removed record.
	ActionDelete Action = "delete"
)

// Change describes one record mutation staged by a save.
type Change struct {
	Entity string
	Action Action
	Ref    Ref
	Before Fields
	After  Fields
}

// Violation captures a single rule outcome.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   string
	Ref      Ref
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when a save is blocked by violations.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	var msgs []string
	for _, v := range e.Result.Violations {
		if v.Severity != SeverityBlock {
			continue
		}
		msgs = append(msgs, v.Rule+": "+v.Message)
	}
	if len(msgs) == 0 {
		return "save blocked by rules"
	}
	return "save blocked by rules: " + strings.Join(msgs, "; ")
}

// RuleView provides read-only access to the post-save state for rules.
type RuleView interface {
	Schema() *Schema
	List(entity string) map[Ref]Fields
	Find(ref Ref) (Fields, bool)
}

// Rule defines an evaluation executed within a save boundary.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns the registered rules in evaluation order.
func (e *RulesEngine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
