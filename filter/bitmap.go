package filter

// bitmap is a packed bit array backed by 64-bit words. Ranges read or written
// in one call are at most 64 bits wide and may straddle a word boundary.
type bitmap []uint64

func newBitmap(nbits uint64) bitmap {
	return make(bitmap, (nbits+63)/64)
}

func (b bitmap) size() uint64 {
	return uint64(len(b)) * 64
}

func (b bitmap) get(i uint64) bool {
	return b[i>>6]&(1<<(i&63)) != 0
}

func (b bitmap) set(i uint64, v bool) {
	if v {
		b[i>>6] |= 1 << (i & 63)
	} else {
		b[i>>6] &^= 1 << (i & 63)
	}
}

func lowMask(n uint64) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return 1<<n - 1
}

// getRange returns bits [from, to) right-aligned.
func (b bitmap) getRange(from, to uint64) uint64 {
	n := to - from
	if n == 0 {
		return 0
	}
	w, off := from>>6, from&63
	v := b[w] >> off
	if off+n > 64 {
		v |= b[w+1] << (64 - off)
	}
	return v & lowMask(n)
}

// setRange writes the low to-from bits of v into [from, to).
func (b bitmap) setRange(from, to, v uint64) {
	n := to - from
	if n == 0 {
		return
	}
	mask := lowMask(n)
	v &= mask
	w, off := from>>6, from&63
	b[w] = b[w]&^(mask<<off) | v<<off
	if off+n > 64 {
		spill := 64 - off
		b[w+1] = b[w+1]&^(mask>>spill) | v>>spill
	}
}
