package main

import "fmt"

// Divergence describes the first event two observers saw in a different
// relative order.
type Divergence struct {
	Index     int // position in the shared subsequence
	Reference string
	Observed  string
}

func (d *Divergence) Error() string {
	return fmt.Sprintf("shared event %d: reference saw %s, observer saw %s", d.Index, d.Reference, d.Observed)
}

// checkOrder compares two event sequences on the events both of them saw.
// Observers join and leave at different times, so only the shared
// subsequence must agree. It returns how many events were shared.
func checkOrder(reference, observed []string) (int, error) {
	inObserved := make(map[string]struct{}, len(observed))
	for _, ev := range observed {
		inObserved[ev] = struct{}{}
	}
	inReference := make(map[string]struct{}, len(reference))
	for _, ev := range reference {
		inReference[ev] = struct{}{}
	}

	var a, b []string
	for _, ev := range reference {
		if _, ok := inObserved[ev]; ok {
			a = append(a, ev)
		}
	}
	for _, ev := range observed {
		if _, ok := inReference[ev]; ok {
			b = append(b, ev)
		}
	}

	if len(a) != len(b) {
		// a duplicate delivery on one side
		return len(a), fmt.Errorf("shared event counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			return len(a), &Divergence{Index: i, Reference: a[i], Observed: b[i]}
		}
	}
	return len(a), nil
}
