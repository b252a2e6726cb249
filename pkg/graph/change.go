package graph

import "time"

// ChangeSet is published by a store after every successful root save.
type ChangeSet struct {
	Seq      uint64
	Author   string
	At       time.Time
	Inserted []Ref
	Updated  []Ref
	Deleted  []Ref
}

// Contains reports whether ref was inserted, updated or deleted.
func (c ChangeSet) Contains(ref Ref) bool {
	for _, group := range [][]Ref{c.Inserted, c.Updated, c.Deleted} {
		for _, r := range group {
			if r == ref {
				return true
			}
		}
	}
	return false
}

// Touches reports whether any record of entity changed.
func (c ChangeSet) Touches(entity string) bool {
	for _, group := range [][]Ref{c.Inserted, c.Updated, c.Deleted} {
		for _, r := range group {
			if r.Entity() == entity {
				return true
			}
		}
	}
	return false
}

// Empty reports whether the change set carries no refs.
func (c ChangeSet) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}
