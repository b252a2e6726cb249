package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"recordbridge/pkg/graph"
)

// MetaBucket is the bucket carrying store identity, sequence and tombstones.
const MetaBucket = "_meta"

// Snapshot is the serializable form of the committed state.
type Snapshot struct {
	StoreID    string                             `json:"store_id"`
	Seq        uint64                             `json:"seq"`
	Records    map[string]map[string]graph.Fields `json:"records"`
	Tombstones map[string][]string                `json:"tombstones,omitempty"`
}

type snapshotMeta struct {
	StoreID    string              `json:"store_id"`
	Seq        uint64              `json:"seq"`
	Tombstones map[string][]string `json:"tombstones,omitempty"`
}

func snapshotOf(id string, seq uint64, state memoryState) Snapshot {
	snap := Snapshot{
		StoreID:    id,
		Seq:        seq,
		Records:    make(map[string]map[string]graph.Fields, len(state.records)),
		Tombstones: make(map[string][]string, len(state.tombstones)),
	}
	for entity, rows := range state.records {
		copied := make(map[string]graph.Fields, len(rows))
		for id, fields := range rows {
			copied[id] = fields.Clone()
		}
		snap.Records[entity] = copied
	}
	for entity, ids := range state.tombstones {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Strings(list)
		snap.Tombstones[entity] = list
	}
	return snap
}

// ExportState returns a deep copy of the committed state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotOf(s.id, s.seq, s.state)
}

// decodeState normalizes snapshot against the schema. Values are coerced to
// their attribute types; entities and attributes missing from the schema are
// dropped.
func (s *Store) decodeState(snapshot Snapshot) (memoryState, error) {
	state := newMemoryState()
	for entity, rows := range snapshot.Records {
		ent, err := s.schema.Entity(entity)
		if err != nil {
			continue
		}
		for id, fields := range rows {
			normalized, err := normalizeFields(ent, fields)
			if err != nil {
				return memoryState{}, fmt.Errorf("memory store import %s/%s: %w", entity, id, err)
			}
			state.put(entity, id, normalized)
		}
	}
	for entity, ids := range snapshot.Tombstones {
		if _, err := s.schema.Entity(entity); err != nil {
			continue
		}
		for _, id := range ids {
			if _, live := state.records[entity][id]; live {
				continue
			}
			state.remove(entity, id)
		}
	}
	return state, nil
}

// loadState installs a persisted snapshot while the store is constructed.
func (s *Store) loadState(snapshot Snapshot) error {
	state, err := s.decodeState(snapshot)
	if err != nil {
		return err
	}
	s.state = state
	s.seq = snapshot.Seq
	if snapshot.StoreID != "" {
		s.id = snapshot.StoreID
	}
	return nil
}

// ImportState replaces the committed state with snapshot as one commit on the
// root queue: it is persisted, the sequence number advances past both the
// current and the snapshot value, and a change set naming every inserted,
// updated and removed record is published. Staged root changes are kept; the
// store id never changes.
func (s *Store) ImportState(ctx context.Context, snapshot Snapshot) error {
	state, err := s.decodeState(snapshot)
	if err != nil {
		return err
	}
	root := s.root
	return root.Perform(ctx, func(ctx context.Context) error {
		root.mu.Lock()
		s.mu.Lock()
		seq := max(s.seq+1, snapshot.Seq)
		if s.persister != nil {
			if err := s.persister.Persist(ctx, snapshotOf(s.id, seq, state)); err != nil {
				s.mu.Unlock()
				root.mu.Unlock()
				return fmt.Errorf("memory store persist: %w", err)
			}
		}
		cs := diffStates(s.id, s.state, state)
		cs.At = s.now().UTC()
		cs.Seq = seq
		s.state = state
		s.seq = seq
		s.mu.Unlock()

		root.releaseCleanLocked()
		s.subMu.Lock()
		root.mu.Unlock()
		defer s.subMu.Unlock()
		if !cs.Empty() {
			s.publishLocked(cs)
		}
		return nil
	})
}

// diffStates lists the records that differ between two committed states.
func diffStates(storeID string, before, after memoryState) graph.ChangeSet {
	var cs graph.ChangeSet
	for entity, rows := range after.records {
		for id, fields := range rows {
			ref := graph.NewRef(storeID, entity, id)
			old, ok := before.records[entity][id]
			switch {
			case !ok:
				cs.Inserted = append(cs.Inserted, ref)
			case !reflect.DeepEqual(old, fields):
				cs.Updated = append(cs.Updated, ref)
			}
		}
	}
	for entity, rows := range before.records {
		for id := range rows {
			if _, ok := after.records[entity][id]; !ok {
				cs.Deleted = append(cs.Deleted, graph.NewRef(storeID, entity, id))
			}
		}
	}
	for _, group := range []*[]graph.Ref{&cs.Inserted, &cs.Updated, &cs.Deleted} {
		refs := *group
		sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	}
	return cs
}

func normalizeFields(ent *graph.Entity, fields graph.Fields) (graph.Fields, error) {
	out := make(graph.Fields, len(fields))
	for name, raw := range fields {
		attr, ok := ent.Attribute(name)
		if !ok {
			continue
		}
		v, err := graph.Coerce(attr.Type, raw)
		if err != nil {
			return nil, &graph.AttributeError{Entity: ent.Name, Attribute: name, Err: err}
		}
		if v != nil {
			out[name] = v
		}
	}
	return out, nil
}

// Buckets splits the snapshot into one JSON payload per entity plus MetaBucket.
func (s Snapshot) Buckets() (map[string][]byte, error) {
	out := make(map[string][]byte, len(s.Records)+1)
	meta, err := json.Marshal(snapshotMeta{StoreID: s.StoreID, Seq: s.Seq, Tombstones: s.Tombstones})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", MetaBucket, err)
	}
	out[MetaBucket] = meta
	for entity, rows := range s.Records {
		payload, err := json.Marshal(rows)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", entity, err)
		}
		out[entity] = payload
	}
	return out, nil
}

// SnapshotFromBuckets reverses Buckets. Numbers decode as json.Number so
// integers survive beyond float64 precision.
func SnapshotFromBuckets(buckets map[string][]byte) (Snapshot, error) {
	snap := Snapshot{Records: make(map[string]map[string]graph.Fields)}
	for bucket, payload := range buckets {
		if bucket == MetaBucket {
			var meta snapshotMeta
			if err := json.Unmarshal(payload, &meta); err != nil {
				return Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
			}
			snap.StoreID = meta.StoreID
			snap.Seq = meta.Seq
			snap.Tombstones = meta.Tombstones
			continue
		}
		var rows map[string]graph.Fields
		if err := decodeJSON(payload, &rows); err != nil {
			return Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
		}
		snap.Records[bucket] = rows
	}
	return snap, nil
}

// MarshalSnapshot encodes a whole snapshot as one JSON document.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot decodes a document written by MarshalSnapshot.
func UnmarshalSnapshot(payload []byte) (Snapshot, error) {
	var snap Snapshot
	if err := decodeJSON(payload, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func decodeJSON(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	return dec.Decode(v)
}
