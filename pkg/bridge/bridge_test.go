package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"recordbridge/pkg/graph"
)

type fakeRecord struct {
	ref    graph.Ref
	fields graph.Fields
	reject map[string]error
}

func newFakeRecord(fields graph.Fields) *fakeRecord {
	return &fakeRecord{ref: graph.NewRef("s", "Note", "1"), fields: fields}
}

func (r *fakeRecord) Value(attr string) (any, bool) { return r.fields.Value(attr) }
func (r *fakeRecord) Ref() graph.Ref                { return r.ref }
func (r *fakeRecord) Entity() string                { return r.ref.Entity() }
func (r *fakeRecord) IsDeleted() bool               { return false }
func (r *fakeRecord) PrepareForDeletion() error     { return nil }
func (r *fakeRecord) Set(attr string, v any) error {
	if err := r.reject[attr]; err != nil {
		return err
	}
	if r.fields == nil {
		r.fields = graph.Fields{}
	}
	r.fields[attr] = v
	return nil
}

type note struct {
	Ref   graph.Ref
	Title string
	Score *int64
}

func noteFuncs() Funcs[note] {
	return Funcs[note]{
		EntityName: "Note",
		DecodeFunc: func(rec graph.Record) (note, error) {
			title, err := String(rec, "title")
			if err != nil {
				return note{}, err
			}
			score, err := OptionalInt(rec, "score")
			if err != nil {
				return note{}, err
			}
			return note{Ref: rec.Ref(), Title: title, Score: score}, nil
		},
		RefFunc: func(n note) graph.Ref { return n.Ref },
		UpdateFunc: func(n note, rec graph.Record) error {
			return Assign(rec, graph.Fields{"title": n.Title})
		},
	}
}

func TestGettersReportMissingAndMistypedFields(t *testing.T) {
	rec := newFakeRecord(graph.Fields{"title": "x", "score": "not a number"})

	if _, err := Int(rec, "missing"); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	_, err := Int(rec, "score")
	var fieldErr *FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Attribute != "score" || fieldErr.Entity != "Note" {
		t.Fatalf("expected FieldError for score, got %v", err)
	}
	if !errors.Is(err, ErrFieldType) {
		t.Fatalf("expected ErrFieldType, got %v", err)
	}
	if v, err := OptionalInt(rec, "absent"); err != nil || v != nil {
		t.Fatalf("expected nil optional, got %v %v", v, err)
	}
	if v, err := OptionalString(rec, "absent"); err != nil || v != "" {
		t.Fatalf("expected empty optional string, got %q %v", v, err)
	}
}

func TestTypedGetters(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	id := uuid.New()
	target := graph.NewRef("s", "Folder", "f")
	rec := newFakeRecord(graph.Fields{
		"s": "str", "i": int64(4), "f": 2.5, "b": true, "t": now, "u": id, "r": target,
	})
	if v, err := String(rec, "s"); err != nil || v != "str" {
		t.Fatalf("String: %v %v", v, err)
	}
	if v, err := Int(rec, "i"); err != nil || v != 4 {
		t.Fatalf("Int: %v %v", v, err)
	}
	if v, err := Float(rec, "f"); err != nil || v != 2.5 {
		t.Fatalf("Float: %v %v", v, err)
	}
	if v, err := Bool(rec, "b"); err != nil || !v {
		t.Fatalf("Bool: %v %v", v, err)
	}
	if v, err := Time(rec, "t"); err != nil || !v.Equal(now) {
		t.Fatalf("Time: %v %v", v, err)
	}
	if v, err := UUID(rec, "u"); err != nil || v != id {
		t.Fatalf("UUID: %v %v", v, err)
	}
	if v, err := RefField(rec, "r"); err != nil || v != target {
		t.Fatalf("RefField: %v %v", v, err)
	}
	if v, err := OptionalRef(rec, "none"); err != nil || !v.IsZero() {
		t.Fatalf("OptionalRef: %v %v", v, err)
	}
	if v, err := OptionalTime(rec, "t"); err != nil || v == nil || !v.Equal(now) {
		t.Fatalf("OptionalTime: %v %v", v, err)
	}
	if v, err := OptionalFloat(rec, "f"); err != nil || v == nil || *v != 2.5 {
		t.Fatalf("OptionalFloat: %v %v", v, err)
	}
}

func TestFuncsAdapter(t *testing.T) {
	codec := noteFuncs()
	rec := newFakeRecord(nil)
	if err := codec.Create(note{Title: "created"}, rec); err != nil {
		t.Fatalf("create should fall back to update: %v", err)
	}
	got, err := codec.Decode(rec)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Title != "created" || got.Ref != rec.Ref() || got.Score != nil {
		t.Fatalf("unexpected decode %+v", got)
	}
	if codec.RefOf(got) != rec.Ref() {
		t.Fatalf("RefOf mismatch")
	}

	readOnly := Funcs[note]{EntityName: "Note", DecodeFunc: codec.DecodeFunc}
	if err := readOnly.Update(note{}, rec); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if !readOnly.RefOf(note{Ref: rec.Ref()}).IsZero() {
		t.Fatalf("missing RefFunc should yield zero ref")
	}
	if _, err := (Funcs[note]{EntityName: "Note"}).Decode(rec); err == nil {
		t.Fatalf("expected error without decode function")
	}
}

func TestAssignWrapsSetFailures(t *testing.T) {
	cause := errors.New("rejected")
	rec := newFakeRecord(nil)
	rec.reject = map[string]error{"title": cause}
	err := Assign(rec, graph.Fields{"a": 1, "title": "x"})
	var fieldErr *FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Attribute != "title" || !errors.Is(err, cause) {
		t.Fatalf("expected wrapped set failure, got %v", err)
	}
	if rec.fields["a"] != 1 {
		t.Fatalf("attributes are assigned in name order")
	}
}

func TestDescriptor(t *testing.T) {
	codec := noteFuncs()
	q := Descriptor[note](codec)
	if q.Entity != "Note" || q.Predicate != nil || len(q.Sort) != 0 {
		t.Fatalf("unexpected default descriptor %+v", q)
	}
	codec.Query = graph.Query{Entity: "Other"}.OrderBy("title")
	q = Descriptor[note](codec)
	if q.Entity != "Note" || len(q.Sort) != 1 || q.Sort[0].Attribute != "title" {
		t.Fatalf("descriptor provider not honoured: %+v", q)
	}
}
