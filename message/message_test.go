package message

import (
	"encoding/json"
	"testing"
)

func TestRequestJSON(t *testing.T) {
	target := uint64(42)
	req := &Request{
		CallID:   7,
		Kind:     KindCall,
		TypeName: "MyObject",
		Target:   &target,
		Name:     "Add",
		Args: []Arg{
			{Name: "a", TypeTag: "int32", Value: WireValue{Tag: TagInt, Type: "int32", Int: 3}},
			{Name: "b", TypeTag: "int32", Value: WireValue{Tag: TagInt, Type: "int32", Int: 4}},
		},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	var got Request
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Failed to unmarshal with error: %v", err)
	}

	if got.TargetID() != 42 || got.Name != "Add" || len(got.Args) != 2 {
		t.Fatalf("unexpected request after round trip: %+v", got)
	}
	if got.Args[1].Value.Int != 4 {
		t.Fatalf("expect arg b = 4, got %d", got.Args[1].Value.Int)
	}
	if got.Op() != "call MyObject.Add" {
		t.Fatalf("unexpected op %q", got.Op())
	}
}

func TestKindIdempotent(t *testing.T) {
	for _, k := range []Kind{KindNew, KindNewContainer, KindCall, KindSet, KindDestroy, KindDestroyContainer, KindCallStatic} {
		if k.Idempotent() {
			t.Errorf("%s must not be retried automatically", k)
		}
	}
	if !KindGet.Idempotent() {
		t.Error("get should be retryable")
	}
	if Kind(99).Valid() {
		t.Error("kind 99 should be invalid")
	}
}

func TestResponseHelpers(t *testing.T) {
	ok := OK(3, WireValue{Tag: TagInt, Type: "int32", Int: 7})
	if ok.Failed() || len(ok.Result) != 1 {
		t.Fatalf("unexpected ok response %+v", ok)
	}
	fail := Fail(4, "NoSuchProperty", "no property Z")
	if !fail.Failed() || fail.ErrorKind != "NoSuchProperty" {
		t.Fatalf("unexpected failed response %+v", fail)
	}
}

func TestWireValueField(t *testing.T) {
	w := WireValue{Tag: TagStruct, Type: "Vector2D", Fields: []WireField{
		{Name: "X", Value: WireValue{Tag: TagFloat, Type: "float64", Float: 1}},
	}}
	f, ok := w.Field("X")
	if !ok || f.Float != 1 {
		t.Fatalf("expect field X = 1, got %+v", f)
	}
	if _, ok := w.Field("Y"); ok {
		t.Fatal("field Y should be absent")
	}
}
