package intents

import (
	"fmt"
	"slices"
)

// resolveOrder returns indexes into handlers forming one total order that
// honours every Before/After constraint between handlers on related receivers.
//
// It is a selection sort: each round picks, from what is still unordered, the
// earliest-registered handler that no other unordered related handler must
// precede. Unconstrained handlers therefore keep their registration order.
// Quadratic, but it runs once at startup over a few dozen handlers.
func resolveOrder(handlers []*Handler, related func(a, b string) bool) ([]int, error) {
	remaining := make([]int, len(handlers))
	for i := range remaining {
		remaining[i] = i
	}
	order := make([]int, 0, len(handlers))

	for len(remaining) > 0 {
		pick := -1
		for pos, candidate := range remaining {
			if !blocked(handlers, remaining, candidate, related) {
				pick = pos
				break
			}
		}
		if pick < 0 {
			stuck := make([]string, 0, len(remaining))
			for _, idx := range remaining {
				stuck = append(stuck, handlers[idx].Receiver+"."+handlers[idx].Intent)
			}
			return nil, fmt.Errorf("%w: %v", ErrOrderingCycle, stuck)
		}
		order = append(order, remaining[pick])
		remaining = slices.Delete(slices.Clone(remaining), pick, pick+1)
	}
	return order, nil
}

// blocked reports whether some other unordered handler must run before candidate.
func blocked(handlers []*Handler, remaining []int, candidate int, related func(a, b string) bool) bool {
	h := handlers[candidate]
	for _, other := range remaining {
		if other == candidate {
			continue
		}
		g := handlers[other]
		if !related(g.Receiver, h.Receiver) {
			continue
		}
		if mustPrecede(g, h) {
			return true
		}
	}
	return false
}

func mustPrecede(g, h *Handler) bool {
	return slices.Contains(h.After, g.Intent) || slices.Contains(g.Before, h.Intent)
}
