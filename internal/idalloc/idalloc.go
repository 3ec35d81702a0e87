// Package idalloc produces a monotone sequence of fresh OSM ids,
// ascending or descending from a configured offset. Grounded on the
// original implementation's _id_gen, a thin itertools.count wrapper.
package idalloc

// Allocator hands out ids in one direction forever. It is not safe for
// concurrent use; per the single-threaded streaming model (spec.md §5)
// exactly one goroutine drives allocation for a given run.
type Allocator struct {
	next     int64
	negative bool
}

// New returns an Allocator beginning at offset. If negative is true, ids
// are produced as -offset, -(offset+1), ...; otherwise offset, offset+1,
// ... . offset must be >= 0.
func New(offset int64, negative bool) *Allocator {
	return &Allocator{next: offset, negative: negative}
}

// Next returns the next id in sequence and advances the allocator.
func (a *Allocator) Next() int64 {
	v := a.next
	a.next++
	if a.negative {
		return -v
	}
	return v
}

// Peek returns the magnitude that the next call to Next will consume,
// without advancing the allocator.
func (a *Allocator) Peek() int64 {
	return a.next
}
