package statesync

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// pure merge functions that fold a partial update into an existing value,
// for the three common shapes of channel state:
// keyed collection, flat object, append-only list

type KeyedDelta[T any] struct {
	Added   []T      `json:"added,omitempty"`
	Updated []T      `json:"updated,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// merge order is fixed: remove, then update in place by key, then prepend
// added items. swapping add/remove order changes behavior when the same key
// appears in both. keys in `Updated`/`Removed` that are not present are
// ignored.
func MergeKeyed[T any](current []T, delta KeyedDelta[T], key func(T) string) []T {
	if len(delta.Added) == 0 && len(delta.Updated) == 0 && len(delta.Removed) == 0 {
		return current
	}

	removedKeys := map[string]bool{}
	for _, removedKey := range delta.Removed {
		removedKeys[removedKey] = true
	}
	updatedValues := map[string]T{}
	for _, updated := range delta.Updated {
		updatedValues[key(updated)] = updated
	}

	next := make([]T, 0, len(delta.Added)+len(current))
	next = append(next, delta.Added...)
	for _, value := range current {
		valueKey := key(value)
		if removedKeys[valueKey] {
			continue
		}
		if updated, ok := updatedValues[valueKey]; ok {
			next = append(next, updated)
		} else {
			next = append(next, value)
		}
	}
	return next
}

// shallow merge. nested objects are replaced wholesale, never deep-merged.
func MergeObject(current map[string]any, delta map[string]any) map[string]any {
	next := map[string]any{}
	maps.Copy(next, current)
	maps.Copy(next, delta)
	return next
}

type AppendDelta[T any] struct {
	Added []T `json:"added,omitempty"`
}

// an empty delta returns the original slice unchanged, preserving identity
// so that cheap equality checks upstream still work
func MergeAppend[T any](current []T, delta AppendDelta[T]) []T {
	if len(delta.Added) == 0 {
		return current
	}
	next := slices.Clone(current)
	next = append(next, delta.Added...)
	return next
}
