package zds_test

import (
	"bytes"
	"testing"

	"github.com/zippydata/zippy/pkg/zds"
)

func Test_Canonicalize_Sorts_Object_Keys_At_Every_Level(t *testing.T) {
	t.Parallel()

	a, err := zds.DecodeDocument([]byte(`{"b":1,"a":{"z":1,"y":2}}`))
	if err != nil {
		t.Fatalf("DecodeDocument: %v", err)
	}
	b, err := zds.DecodeDocument([]byte(`{"a":{"y":2,"z":1},"b":1}`))
	if err != nil {
		t.Fatalf("DecodeDocument: %v", err)
	}

	if !bytes.Equal(zds.Canonicalize(map[string]any(a)), zds.Canonicalize(map[string]any(b))) {
		t.Fatalf("canonical forms differ despite equivalent content")
	}
}

func Test_Canonicalize_Preserves_Array_Order(t *testing.T) {
	t.Parallel()

	a, _ := zds.DecodeDocument([]byte(`{"xs":[1,2,3]}`))
	b, _ := zds.DecodeDocument([]byte(`{"xs":[3,2,1]}`))

	if bytes.Equal(zds.Canonicalize(map[string]any(a)), zds.Canonicalize(map[string]any(b))) {
		t.Fatalf("canonical forms should differ: array order is significant")
	}
}

func Test_ExtractFields_Keys_By_Leaf_Segment(t *testing.T) {
	t.Parallel()

	doc, _ := zds.DecodeDocument([]byte(`{"user":{"name":"alice"},"owner":{"name":"bob"}}`))

	got := zds.ExtractFields(doc, []string{"user.name", "owner.name"})

	if got["name"] != "bob" {
		t.Fatalf("name = %v, want last-path-wins (bob)", got["name"])
	}
}

func Test_ExtractFields_Drops_Missing_Paths_Silently(t *testing.T) {
	t.Parallel()

	doc, _ := zds.DecodeDocument([]byte(`{"a":1}`))

	got := zds.ExtractFields(doc, []string{"a", "b.c", "a.nonexistent"})

	if len(got) != 1 {
		t.Fatalf("got %v, want exactly one field (a)", got)
	}
	if _, ok := got["a"]; !ok {
		t.Fatalf("got %v, want field \"a\" present", got)
	}
}

func Test_ApplyPredicate_Exists_True_For_Explicit_Null(t *testing.T) {
	t.Parallel()

	doc, _ := zds.DecodeDocument([]byte(`{"a":null}`))

	if !zds.ApplyPredicate(zds.Predicate{Op: zds.OpExists, Path: "a"}, doc) {
		t.Fatalf("Exists should match an explicit null value")
	}
	if zds.ApplyPredicate(zds.Predicate{Op: zds.OpNotExists, Path: "a"}, doc) {
		t.Fatalf("NotExists should not match an explicit null value")
	}
}

func Test_ApplyPredicate_Empty_And_Is_Vacuously_True(t *testing.T) {
	t.Parallel()

	doc, _ := zds.DecodeDocument([]byte(`{}`))

	if !zds.ApplyPredicate(zds.Predicate{Op: zds.OpAnd}, doc) {
		t.Fatalf("empty And should match everything")
	}
}

func Test_ApplyPredicate_Empty_Or_Is_Vacuously_False(t *testing.T) {
	t.Parallel()

	doc, _ := zds.DecodeDocument([]byte(`{}`))

	if zds.ApplyPredicate(zds.Predicate{Op: zds.OpOr}, doc) {
		t.Fatalf("empty Or should match nothing")
	}
}

func Test_ApplyPredicate_And_Short_Circuits(t *testing.T) {
	t.Parallel()

	doc, _ := zds.DecodeDocument([]byte(`{"a":1}`))

	pred := zds.Predicate{
		Op: zds.OpAnd,
		Children: []zds.Predicate{
			{Op: zds.OpNotExists, Path: "a"}, // fails first
			{Op: zds.OpEq, Path: "missing.path.that.would.panic.if.evaluated", Value: 1},
		},
	}

	if zds.ApplyPredicate(pred, doc) {
		t.Fatalf("And should not match when the first child fails")
	}
}
