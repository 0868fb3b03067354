package statesync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

type testItem struct {
	Id   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func testItemKey(item testItem) string {
	return item.Id
}

func TestMergeKeyed(t *testing.T) {
	current := []testItem{
		{Id: "1"},
		{Id: "2"},
	}
	next := MergeKeyed(current, KeyedDelta[testItem]{
		Added:   []testItem{{Id: "3"}},
		Updated: []testItem{{Id: "1", Name: "x"}},
		Removed: []string{"2"},
	}, testItemKey)

	assert.Equal(t, next, []testItem{
		{Id: "3"},
		{Id: "1", Name: "x"},
	})
}

func TestMergeKeyedNoop(t *testing.T) {
	current := []testItem{
		{Id: "1"},
		{Id: "2"},
	}
	next := MergeKeyed(current, KeyedDelta[testItem]{}, testItemKey)
	assert.Equal(t, next, current)
}

func TestMergeKeyedUnknownKeys(t *testing.T) {
	// keys not present are silently ignored
	current := []testItem{
		{Id: "1"},
	}
	next := MergeKeyed(current, KeyedDelta[testItem]{
		Updated: []testItem{{Id: "9", Name: "x"}},
		Removed: []string{"8"},
	}, testItemKey)
	assert.Equal(t, next, []testItem{
		{Id: "1"},
	})
}

func TestMergeKeyedRemoveThenAddSameKey(t *testing.T) {
	// remove applies to the current items before add prepends, so the same
	// key in both replaces the item
	current := []testItem{
		{Id: "1", Name: "old"},
	}
	next := MergeKeyed(current, KeyedDelta[testItem]{
		Added:   []testItem{{Id: "1", Name: "new"}},
		Removed: []string{"1"},
	}, testItemKey)
	assert.Equal(t, next, []testItem{
		{Id: "1", Name: "new"},
	})
}

func TestMergeObject(t *testing.T) {
	current := map[string]any{
		"a": 1,
		"b": map[string]any{"x": 1, "y": 2},
	}
	next := MergeObject(current, map[string]any{
		"b": map[string]any{"z": 3},
		"c": 2,
	})

	// nested objects are replaced wholesale
	assert.Equal(t, next, map[string]any{
		"a": 1,
		"b": map[string]any{"z": 3},
		"c": 2,
	})
	// input unchanged
	assert.Equal(t, current["b"], map[string]any{"x": 1, "y": 2})
}

func TestMergeAppendConcatenation(t *testing.T) {
	// folding a delta sequence into [] equals the concatenation of all
	// added arrays in order
	deltas := []AppendDelta[int]{
		{Added: []int{1, 2}},
		{},
		{Added: []int{3}},
		{Added: []int{4, 5}},
	}
	values := []int{}
	for _, delta := range deltas {
		values = MergeAppend(values, delta)
	}
	assert.Equal(t, values, []int{1, 2, 3, 4, 5})
}

func TestMergeAppendIdentity(t *testing.T) {
	current := []int{1, 2, 3}
	next := MergeAppend(current, AppendDelta[int]{})
	// same backing reference
	assert.Equal(t, &next[0] == &current[0], true)

	next = MergeAppend(current, AppendDelta[int]{Added: []int{4}})
	assert.Equal(t, next, []int{1, 2, 3, 4})
	// input unchanged
	assert.Equal(t, current, []int{1, 2, 3})
}
