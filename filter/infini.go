package filter

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// InfiniFilter is a quotient filter that can double its bucket count
// indefinitely. Each expansion moves one fingerprint bit into the bucket
// address and records the loss in a unary age prefix at the top of the
// fingerprint. New keys get as many fingerprint bits as the growth policy
// asks for at the current generation.
//
// An entry that has lost all of its fingerprint bits becomes a void entry,
// which matches every key of its bucket. Expanding a void entry produces one
// void entry in each of the two buckets it splits into.
type InfiniFilter struct {
	qf *QuotientFilter

	originalFingerprintLength int
	numExpansions             int
	policy                    Policy
	autoExpand                bool

	// splitVoid places the void entry found at bucket of from while it is
	// being expanded into to. It reports whether the entry left this
	// filter. It must not modify from.
	splitVoid func(bucket uint64, from, to *QuotientFilter) (moved bool, err error)

	logger hclog.Logger
}

// NewInfiniFilter allocates an expandable filter with 2^powerOfTwo buckets
// and slots of bitsPerEntry bits, three of which are metadata.
func NewInfiniFilter(powerOfTwo, bitsPerEntry int, opts ...Option) (*InfiniFilter, error) {
	return newInfiniFilter(powerOfTwo, bitsPerEntry, bitsPerEntry-metadataBits, buildOptions(opts))
}

func newInfiniFilter(powerOfTwo, bitsPerEntry, originalFingerprintLength int, o options) (*InfiniFilter, error) {
	qf, err := newQuotientFilter(powerOfTwo, bitsPerEntry, 2*powerOfTwo, true, o)
	if err != nil {
		return nil, err
	}
	if err := ValidateGrowth(originalFingerprintLength, maxLogSize-powerOfTwo, o.policy); err != nil {
		return nil, err
	}
	return &InfiniFilter{
		qf:                        qf,
		originalFingerprintLength: originalFingerprintLength,
		policy:                    o.policy,
		autoExpand:                o.autoExpand,
		splitVoid:                 duplicateVoid,
		logger:                    o.logger,
	}, nil
}

// duplicateVoid keeps a void entry in both halves of its split bucket.
func duplicateVoid(bucket uint64, from, to *QuotientFilter) (bool, error) {
	void := to.emptyFingerprint()
	if _, err := to.InsertFingerprint(void, bucket, false); err != nil {
		return false, err
	}
	_, err := to.InsertFingerprint(void, bucket|uint64(1)<<uint(from.powerOfTwo), false)
	return false, err
}

// unaryMask returns the age bits an entry gains when the fingerprint length
// goes from prev to next bits: ones from bit prev-1 up to bit next-1.
func unaryMask(prev, next int) uint64 {
	return lowMask(uint64(next)) &^ lowMask(uint64(prev-1))
}

func (f *InfiniFilter) PowerOfTwo() int        { return f.qf.powerOfTwo }
func (f *InfiniFilter) FingerprintLength() int { return f.qf.fingerprintLength }
func (f *InfiniFilter) NumExpansions() int     { return f.numExpansions }
func (f *InfiniFilter) HashType() HashType     { return f.qf.opts.hashType }

// NumEntries is the number of keys this generation holds.
func (f *InfiniFilter) NumEntries() uint64 { return f.qf.numEntries }

func (f *InfiniFilter) NumPhysicalEntries() uint64 { return f.qf.numPhysical }
func (f *InfiniFilter) Utilization() float64       { return f.qf.Utilization() }
func (f *InfiniFilter) SizeInBits() uint64         { return f.qf.SizeInBits() }
func (f *InfiniFilter) MeasureBitsPerEntry() float64 {
	return f.qf.MeasureBitsPerEntry()
}

// ExpandAutonomously toggles expansion on insert once the load threshold is
// reached.
func (f *InfiniFilter) ExpandAutonomously(enabled bool) { f.autoExpand = enabled }

// Iterator walks the entries of the current table.
func (f *InfiniFilter) Iterator() *Iterator { return f.qf.Iterator() }

// Expand doubles the table and advances the filter by one generation.
func (f *InfiniFilter) Expand() error {
	return f.expandTo(f.numExpansions + 1)
}

// expandTo doubles the table once and gives new entries the fingerprint
// length of the given generation.
func (f *InfiniFilter) expandTo(generation int) error {
	old := f.qf
	length := FingerprintBits(f.originalFingerprintLength, generation, f.policy)
	switch {
	case length > maxFingerprintLength:
		return fmt.Errorf("%w: generation %d needs %d fingerprint bits, a slot holds %d",
			ErrInvalidConfig, generation, length, maxFingerprintLength)
	case length < old.fingerprintLength:
		return fmt.Errorf("%w: generation %d would shrink fingerprints from %d to %d bits",
			ErrInvalidConfig, generation, old.fingerprintLength, length)
	case old.powerOfTwo >= maxLogSize:
		return fmt.Errorf("%w: table already holds 2^%d buckets", ErrInvalidConfig, old.powerOfTwo)
	}

	next, err := old.grown(old.powerOfTwo+1, length)
	if err != nil {
		return err
	}
	mask := unaryMask(old.fingerprintLength, length)
	void := old.emptyFingerprint()
	pivot := uint(old.powerOfTwo)
	var moved uint64
	for it := old.Iterator(); it.Next(); {
		fp, bucket := it.Fingerprint(), it.Bucket()
		if fp == void {
			var gone bool
			gone, err = f.splitVoid(bucket, old, next)
			if gone {
				moved++
			}
		} else {
			_, err = next.InsertFingerprint(fp>>1|mask, bucket|(fp&1)<<pivot, false)
		}
		if err != nil {
			return fmt.Errorf("expanding to generation %d: %w", generation, err)
		}
	}
	next.numEntries = old.numEntries - min(moved, old.numEntries)
	f.qf = next
	f.numExpansions = generation
	f.logger.Trace("filter expanded", "generation", generation, "power", next.powerOfTwo,
		"fingerprint_bits", length, "entries", next.numEntries)
	return nil
}

func (f *InfiniFilter) insertHash(hash uint64, onlyIfAbsent bool) (bool, error) {
	return f.qf.insertHash(hash, onlyIfAbsent)
}

// InsertHash inserts a precomputed hash and expands afterwards if the
// filter expands autonomously and has reached its load threshold.
func (f *InfiniFilter) InsertHash(hash uint64, onlyIfAbsent bool) (bool, error) {
	inserted, err := f.insertHash(hash, onlyIfAbsent)
	if err != nil {
		return inserted, err
	}
	if f.autoExpand && f.qf.needsExpansion() {
		return inserted, f.Expand()
	}
	return inserted, nil
}

func (f *InfiniFilter) HasHash(hash uint64) bool    { return f.qf.Search(hash) }
func (f *InfiniFilter) DeleteHash(hash uint64) bool { return f.qf.deleteHash(hash) }

// match locates one entry of a generation.
type match struct {
	bucket, start, slot uint64
	// specificity is the number of low hash bits the entry pins down,
	// bucket bits included.
	specificity int
}

// bestMatch finds the most specific entry matching hash. Any other key that
// entry may belong to agrees with hash on all those bits, so it stays
// covered by whatever entry the hash's own key holds.
func (f *InfiniFilter) bestMatch(hash uint64) (match, bool) {
	qf := f.qf
	bucket, fp := qf.bucketOf(hash), qf.fingerprintOf(hash)
	if !qf.isOccupied(bucket) {
		return match{}, false
	}
	start := qf.findRunStart(bucket)
	slot, found := qf.chooseVictim(start, fp)
	if !found {
		return match{}, false
	}
	return match{
		bucket:      bucket,
		start:       start,
		slot:        slot,
		specificity: qf.powerOfTwo + qf.remaining(slot),
	}, true
}

func (f *InfiniFilter) remove(m match) {
	f.qf.removeAt(m.bucket, m.start, m.slot)
	f.qf.numPhysical--
	if f.qf.numEntries > 0 {
		f.qf.numEntries--
	}
}

// RejuvenateHash resets the age of the entry for hash, giving it back the
// full fingerprint of the current generation. It returns false and changes
// nothing if no entry matches.
func (f *InfiniFilter) RejuvenateHash(hash uint64) bool {
	m, found := f.bestMatch(hash)
	if !found {
		return false
	}
	f.qf.setFingerprint(m.slot, f.qf.fingerprintOf(hash))
	return true
}

func (f *InfiniFilter) Insert(key []byte) (bool, error) {
	return f.InsertHash(f.HashType().Bytes(key), false)
}

func (f *InfiniFilter) Has(key []byte) bool        { return f.HasHash(f.HashType().Bytes(key)) }
func (f *InfiniFilter) Delete(key []byte) bool     { return f.DeleteHash(f.HashType().Bytes(key)) }
func (f *InfiniFilter) Rejuvenate(key []byte) bool { return f.RejuvenateHash(f.HashType().Bytes(key)) }

func (f *InfiniFilter) InsertUint64(key uint64) (bool, error) {
	return f.InsertHash(f.HashType().Uint64(key), false)
}

func (f *InfiniFilter) HasUint64(key uint64) bool    { return f.HasHash(f.HashType().Uint64(key)) }
func (f *InfiniFilter) DeleteUint64(key uint64) bool { return f.DeleteHash(f.HashType().Uint64(key)) }
func (f *InfiniFilter) RejuvenateUint64(key uint64) bool {
	return f.RejuvenateHash(f.HashType().Uint64(key))
}

func (f *InfiniFilter) InsertString(key string) (bool, error) {
	return f.InsertHash(f.HashType().HashString(key), false)
}

func (f *InfiniFilter) HasString(key string) bool { return f.HasHash(f.HashType().HashString(key)) }

func (f *InfiniFilter) DeleteString(key string) bool {
	return f.DeleteHash(f.HashType().HashString(key))
}

func (f *InfiniFilter) RejuvenateString(key string) bool {
	return f.RejuvenateHash(f.HashType().HashString(key))
}
