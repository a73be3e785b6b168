package filter

// Iterator walks the entries of a QuotientFilter in slot order, recovering
// the bucket of each entry from the occupied and continuation flags.
type Iterator struct {
	qf      *QuotientFilter
	next    uint64
	pending []uint64

	bucket      uint64
	fingerprint uint64
	slot        uint64
}

// Iterator returns an iterator positioned before the first entry. The filter
// must not be mutated while the iterator is in use.
func (qf *QuotientFilter) Iterator() *Iterator {
	return &Iterator{qf: qf}
}

// Next advances to the next entry and reports whether there was one.
func (it *Iterator) Next() bool {
	qf := it.qf
	for n := qf.numSlots(); it.next < n; it.next++ {
		i := it.next
		if qf.isOccupied(i) {
			it.pending = append(it.pending, i)
		}
		if qf.isEmpty(i) {
			continue
		}
		if !qf.isContinuation(i) {
			// A new run starts here; it belongs to the oldest bucket whose
			// run has not been seen yet.
			it.bucket = it.pending[0]
			it.pending = it.pending[1:]
		}
		it.fingerprint = qf.getFingerprint(i)
		it.slot = i
		it.next++
		return true
	}
	return false
}

// Bucket is the canonical bucket of the current entry.
func (it *Iterator) Bucket() uint64 { return it.bucket }

// Fingerprint is the stored fingerprint of the current entry.
func (it *Iterator) Fingerprint() uint64 { return it.fingerprint }

// Slot is where the current entry is physically stored.
func (it *Iterator) Slot() uint64 { return it.slot }
