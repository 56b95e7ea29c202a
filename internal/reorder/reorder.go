// Package reorder computes block orderings from drag gestures.
//
// A gesture moves one item onto another. The moved item takes the target's
// index in the original sequence: dragging down lands it right after the
// target, dragging up lands it right before. Every other item keeps its
// relative order. The package performs no I/O.
package reorder

import (
	"github.com/livetemplate/bioblocks"
)

// Validate rejects sequences containing empty or duplicate ids.
func Validate(order []string) error {
	seen := make(map[string]struct{}, len(order))
	for _, id := range order {
		if id == "" {
			return &bioblocks.InvalidOrderError{Reason: "empty id"}
		}
		if _, dup := seen[id]; dup {
			return &bioblocks.InvalidOrderError{Reason: "duplicate id", ID: id}
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Move returns the sequence produced by dropping sourceID onto targetID.
// The input slice is never modified. Moving an item onto itself returns an
// equal copy.
func Move(order []string, sourceID, targetID string) ([]string, error) {
	if err := Validate(order); err != nil {
		return nil, err
	}

	from, to := -1, -1
	for i, id := range order {
		switch id {
		case sourceID:
			from = i
		case targetID:
			to = i
		}
	}

	if sourceID == targetID && from >= 0 {
		return clone(order), nil
	}
	if from < 0 {
		return nil, &bioblocks.InvalidOrderError{Reason: "source not in order", ID: sourceID}
	}
	if to < 0 {
		return nil, &bioblocks.InvalidOrderError{Reason: "target not in order", ID: targetID}
	}

	out := make([]string, 0, len(order))
	out = append(out, order[:from]...)
	out = append(out, order[from+1:]...)

	// After removal every index above from shifts down by one, so inserting
	// at the original target index puts the source after the target when
	// moving down and before it when moving up.
	out = append(out[:to], append([]string{sourceID}, out[to:]...)...)
	return out, nil
}

// Positions re-enumerates order as contiguous positions starting at zero.
func Positions(order []string) map[string]int {
	positions := make(map[string]int, len(order))
	for i, id := range order {
		positions[id] = i
	}
	return positions
}

// SameSet reports whether a and b hold exactly the same ids.
func SameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, id := range a {
		counts[id]++
	}
	for _, id := range b {
		counts[id]--
		if counts[id] < 0 {
			return false
		}
	}
	return true
}

// Equal reports whether a and b are the same sequence.
func Equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func clone(order []string) []string {
	out := make([]string, len(order))
	copy(out, order)
	return out
}
