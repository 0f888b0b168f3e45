package document

// ring is a fixed-size window of recently processed transaction IDs used for
// duplicate detection. Once full, inserting evicts the oldest ID.
//
// The window is deliberately finite: a transaction replayed after its ID has
// fallen out of the window will be accepted again. That trade-off is part of
// the protocol contract, not a bug.
type ring struct {
	ids   []string
	index map[string]struct{}
	next  int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ring{
		ids:   make([]string, 0, capacity),
		index: make(map[string]struct{}, capacity),
	}
}

// contains reports whether the ID is inside the window.
func (r *ring) contains(id string) bool {
	_, ok := r.index[id]
	return ok
}

// add inserts the ID, evicting the oldest one once the window is full.
// Adding an ID already present is a no-op.
func (r *ring) add(id string) {
	if r.contains(id) {
		return
	}

	if len(r.ids) < cap(r.ids) {
		r.ids = append(r.ids, id)
		r.index[id] = struct{}{}
		return
	}

	delete(r.index, r.ids[r.next])
	r.ids[r.next] = id
	r.index[id] = struct{}{}
	r.next = (r.next + 1) % cap(r.ids)
}

// len returns the number of IDs currently in the window.
func (r *ring) len() int {
	return len(r.ids)
}
