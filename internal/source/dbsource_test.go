package source

import (
	"reflect"
	"testing"
)

func TestMergeUniqueDeduplicatesPreservingOrder(t *testing.T) {
	got := mergeUnique([]string{"a", "b"}, []string{"b", "c", "a", "d"})
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("mergeUnique = %v, want %v", got, want)
	}
}

func TestMergeUniqueHandlesEmptyInputs(t *testing.T) {
	if got := mergeUnique(nil, nil); len(got) != 0 {
		t.Fatalf("expected empty result for empty inputs, got %v", got)
	}
	if got := mergeUnique([]string{"a"}, nil); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected [a], got %v", got)
	}
}
