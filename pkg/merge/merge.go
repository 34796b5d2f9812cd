// Package merge reconciles two concurrent revisions of an ordered item list
// against their common ancestor. The changes between the reference revision
// and the incoming revision are replayed on top of the latest revision, and a
// removal that no longer applies to latest is reported as a conflict rather
// than being silently dropped.
package merge

import (
	"fmt"
	"slices"
)

// ConflictError is returned when one or more removals in the incoming delta
// target items that latest no longer holds: another writer removed them
// concurrently, so the delta cannot be replayed without losing an edit.
// Conflicting holds the offending items in reference order.
type ConflictError[T any] struct {
	Conflicting []T
}

func (e *ConflictError[T]) Error() string {
	return fmt.Sprintf("concurrent removal of %d item(s) makes the change inapplicable", len(e.Conflicting))
}

// Reconcile finds the changes between reference and incoming and reapplies
// them on top of latest. Items present in reference but missing from incoming
// are removed (first occurrence only), items new in incoming are appended to
// the end in incoming order; everything else keeps latest's order. It never
// mutates its inputs and always produces the same result for the same inputs.
func Reconcile[T comparable](reference, latest, incoming []T) ([]T, error) {
	return ReconcileFunc(reference, latest, incoming, func(a, b T) bool { return a == b })
}

// ReconcileFunc is Reconcile for item types without built-in equality.
func ReconcileFunc[T any](reference, latest, incoming []T, eq func(a, b T) bool) ([]T, error) {
	if slices.EqualFunc(latest, incoming, eq) {
		return latest, nil
	}

	contains := func(items []T, item T) bool {
		return slices.ContainsFunc(items, func(other T) bool { return eq(item, other) })
	}

	var removed, added []T
	for _, item := range reference {
		if !contains(incoming, item) {
			removed = append(removed, item)
		}
	}
	for _, item := range incoming {
		if !contains(reference, item) {
			added = append(added, item)
		}
	}

	// Every removal must still apply to latest, otherwise latest diverged
	// from reference in a way the incoming delta cannot account for.
	var conflicting []T
	for _, item := range removed {
		if !contains(latest, item) {
			conflicting = append(conflicting, item)
		}
	}
	if len(conflicting) > 0 {
		return nil, &ConflictError[T]{Conflicting: conflicting}
	}

	merged := slices.Clone(latest)
	for _, item := range removed {
		item := item
		if i := slices.IndexFunc(merged, func(o T) bool { return eq(item, o) }); i >= 0 {
			merged = slices.Delete(merged, i, i+1)
		}
	}
	return append(merged, added...), nil
}
