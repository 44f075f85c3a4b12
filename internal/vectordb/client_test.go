package vectordb

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
)

func singleMatch(t *testing.T, value any) *qdrant.Match {
	t.Helper()
	f := buildFilter(map[string]any{"k": value})
	if f == nil || len(f.Must) != 1 {
		t.Fatalf("filter for %v = %v", value, f)
	}
	field := f.Must[0].GetField()
	if field == nil || field.GetKey() != "k" {
		t.Fatalf("field condition for %v = %v", value, field)
	}
	m := field.GetMatch()
	if m == nil {
		t.Fatalf("no match for %v", value)
	}
	return m
}

// Filter values must keep their payload type: a boolean filter
// rendered as a keyword silently matches nothing.
func TestBuildFilterKeepsValueTypes(t *testing.T) {
	if m := singleMatch(t, true); m.GetBoolean() != true {
		t.Errorf("bool filter = %v", m.GetMatchValue())
	}
	if m := singleMatch(t, false); m.GetKeyword() != "" {
		t.Errorf("false filter fell back to keyword %q", m.GetKeyword())
	}
	if m := singleMatch(t, 7); m.GetInteger() != 7 {
		t.Errorf("int filter = %v", m.GetMatchValue())
	}
	if m := singleMatch(t, int64(-3)); m.GetInteger() != -3 {
		t.Errorf("int64 filter = %v", m.GetMatchValue())
	}
	// JSON round-trips integers as float64.
	if m := singleMatch(t, float64(42)); m.GetInteger() != 42 {
		t.Errorf("whole float filter = %v", m.GetMatchValue())
	}
	if m := singleMatch(t, 2.5); m.GetKeyword() != "2.5" {
		t.Errorf("fractional float filter = %v", m.GetMatchValue())
	}
	if m := singleMatch(t, "positive"); m.GetKeyword() != "positive" {
		t.Errorf("string filter = %v", m.GetMatchValue())
	}

	if f := buildFilter(nil); f != nil {
		t.Errorf("empty filter = %v", f)
	}
}
