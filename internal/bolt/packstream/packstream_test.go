package packstream

import (
	"math"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, v any) any {
	t.Helper()
	enc := NewEncoder(nil)
	if err := enc.WriteValue(v); err != nil {
		t.Fatalf("WriteValue(%v): %v", v, err)
	}
	dec := NewDecoder(enc.Bytes())
	got, err := dec.ReadValue()
	if err != nil {
		t.Fatalf("ReadValue: %v", err)
	}
	return got
}

func TestRoundTripScalars(t *testing.T) {
	cases := []any{
		nil, true, false,
		int64(0), int64(-16), int64(127), int64(128), int64(-129),
		int64(math.MaxInt16), int64(math.MinInt16 - 1),
		int64(math.MaxInt32), int64(math.MinInt32 - 1),
		int64(math.MaxInt64), int64(math.MinInt64),
		float64(3.14159), float64(-0.0),
		"", "short", "this is a string longer than fifteen bytes for sure",
	}
	for _, c := range cases {
		got := roundTrip(t, c)
		if c == nil {
			if got != nil {
				t.Errorf("expected nil, got %v", got)
			}
			continue
		}
		if !reflect.DeepEqual(got, c) {
			t.Errorf("roundtrip(%v) = %v (%T), want %v (%T)", c, got, got, c, c)
		}
	}
}

func TestRoundTripBytes(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03, 0xFF}
	got := roundTrip(t, b)
	gotBytes, ok := got.([]byte)
	if !ok {
		t.Fatalf("expected []byte, got %T", got)
	}
	if !reflect.DeepEqual(gotBytes, b) {
		t.Errorf("got %v, want %v", gotBytes, b)
	}
}

func TestRoundTripList(t *testing.T) {
	in := []any{int64(1), "two", true, nil}
	got := roundTrip(t, in)
	gotList, ok := got.([]any)
	if !ok {
		t.Fatalf("expected []any, got %T", got)
	}
	if !reflect.DeepEqual(gotList, in) {
		t.Errorf("got %v, want %v", gotList, in)
	}
}

func TestRoundTripMapPreservesOrder(t *testing.T) {
	m := NewMap("z", int64(1), "a", "value", "m", true)
	got := roundTrip(t, m)
	gotMap, ok := got.(*Map)
	if !ok {
		t.Fatalf("expected *Map, got %T", got)
	}
	if !reflect.DeepEqual(gotMap.Keys, m.Keys) {
		t.Errorf("key order = %v, want %v", gotMap.Keys, m.Keys)
	}
	if !reflect.DeepEqual(gotMap.Values, m.Values) {
		t.Errorf("values = %v, want %v", gotMap.Values, m.Values)
	}
}

func TestRoundTripStruct(t *testing.T) {
	fields := make([]any, MaxStructSize)
	for i := range fields {
		fields[i] = int64(i)
	}
	s := &Struct{Tag: 0x01, Fields: fields}
	got := roundTrip(t, s)
	gotStruct, ok := got.(*Struct)
	if !ok {
		t.Fatalf("expected *Struct, got %T", got)
	}
	if gotStruct.Tag != s.Tag {
		t.Errorf("tag = %#x, want %#x", gotStruct.Tag, s.Tag)
	}
	if !reflect.DeepEqual(gotStruct.Fields, s.Fields) {
		t.Errorf("fields = %v, want %v", gotStruct.Fields, s.Fields)
	}
}

func TestStructTooLarge(t *testing.T) {
	enc := NewEncoder(nil)
	if err := enc.WriteStructHeader(0x01, MaxStructSize+1); err == nil {
		t.Fatal("expected error for oversized structure")
	}
}

func TestDecodeTruncated(t *testing.T) {
	dec := NewDecoder([]byte{markerInt16, 0x00})
	if _, err := dec.ReadValue(); err == nil {
		t.Fatal("expected truncation error")
	}
}

func TestMapGetSet(t *testing.T) {
	m := NewMap("a", int64(1))
	m.Set("b", int64(2))
	m.Set("a", int64(99))
	if v, ok := m.Get("a"); !ok || v.(int64) != 99 {
		t.Fatalf("Get(a) = %v, %v", v, ok)
	}
	if len(m.Keys) != 2 {
		t.Fatalf("expected 2 keys after update, got %d", len(m.Keys))
	}
}
