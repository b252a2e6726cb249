package memory

import (
	"context"
	"fmt"
	"strings"

	"recordbridge/pkg/graph"
)

func builtinRules() []graph.Rule {
	return []graph.Rule{requiredRule{}, uniqueRule{}, relationshipRule{}}
}

func writes(changes []graph.Change) []graph.Change {
	out := make([]graph.Change, 0, len(changes))
	for _, ch := range changes {
		if ch.Action == graph.ActionInsert || ch.Action == graph.ActionUpdate {
			out = append(out, ch)
		}
	}
	return out
}

// requiredRule blocks saves leaving a non-optional attribute unset.
type requiredRule struct{}

func (requiredRule) Name() string { return "required_attributes" }

func (r requiredRule) Evaluate(_ context.Context, view graph.RuleView, changes []graph.Change) (graph.Result, error) {
	var res graph.Result
	for _, ch := range writes(changes) {
		ent, err := view.Schema().Entity(ch.Entity)
		if err != nil {
			return graph.Result{}, err
		}
		for _, attr := range ent.Attributes {
			if attr.Optional {
				continue
			}
			if _, ok := ch.After.Value(attr.Name); ok {
				continue
			}
			res.Violations = append(res.Violations, graph.Violation{
				Rule:     r.Name(),
				Severity: graph.SeverityBlock,
				Message:  fmt.Sprintf("%s.%s is required", ch.Entity, attr.Name),
				Entity:   ch.Entity,
				Ref:      ch.Ref,
			})
		}
	}
	return res, nil
}

// uniqueRule enforces Entity.Unique groups. Groups with an unset member are
// not checked.
type uniqueRule struct{}

func (uniqueRule) Name() string { return "unique_constraint" }

func (r uniqueRule) Evaluate(_ context.Context, view graph.RuleView, changes []graph.Change) (graph.Result, error) {
	var res graph.Result
	lists := make(map[string]map[graph.Ref]graph.Fields)
	for _, ch := range writes(changes) {
		ent, err := view.Schema().Entity(ch.Entity)
		if err != nil {
			return graph.Result{}, err
		}
		for _, group := range ent.Unique {
			values, ok := groupValues(ch.After, group)
			if !ok {
				continue
			}
			existing, listed := lists[ch.Entity]
			if !listed {
				existing = view.List(ch.Entity)
				lists[ch.Entity] = existing
			}
			for ref, fields := range existing {
				if ref == ch.Ref {
					continue
				}
				other, ok := groupValues(fields, group)
				if !ok || !sameValues(values, other) {
					continue
				}
				res.Violations = append(res.Violations, graph.Violation{
					Rule:     r.Name(),
					Severity: graph.SeverityBlock,
					Message:  fmt.Sprintf("%s (%s) duplicates %s", ch.Entity, strings.Join(group, ", "), ref),
					Entity:   ch.Entity,
					Ref:      ch.Ref,
				})
				break
			}
		}
	}
	return res, nil
}

func groupValues(fields graph.Fields, group []string) ([]any, bool) {
	values := make([]any, len(group))
	for i, name := range group {
		v, ok := fields.Value(name)
		if !ok {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}

func sameValues(a, b []any) bool {
	for i := range a {
		cmp, err := graph.Compare(a[i], b[i])
		if err != nil || cmp != 0 {
			return false
		}
	}
	return true
}

// relationshipRule blocks saves whose relationship attributes point at
// records that do not exist in the post-save view.
type relationshipRule struct{}

func (relationshipRule) Name() string { return "relationship_integrity" }

func (r relationshipRule) Evaluate(_ context.Context, view graph.RuleView, changes []graph.Change) (graph.Result, error) {
	var res graph.Result
	for _, ch := range writes(changes) {
		ent, err := view.Schema().Entity(ch.Entity)
		if err != nil {
			return graph.Result{}, err
		}
		for _, attr := range ent.Attributes {
			if attr.Type != graph.TypeRelationship {
				continue
			}
			v, ok := ch.After.Value(attr.Name)
			if !ok {
				continue
			}
			target, _ := v.(graph.Ref)
			if _, found := view.Find(target); found {
				continue
			}
			res.Violations = append(res.Violations, graph.Violation{
				Rule:     r.Name(),
				Severity: graph.SeverityBlock,
				Message:  fmt.Sprintf("%s.%s references missing %s", ch.Entity, attr.Name, target),
				Entity:   ch.Entity,
				Ref:      ch.Ref,
			})
		}
	}
	return res, nil
}
