package filter

import (
	"fmt"
	"math/bits"
	"slices"

	"github.com/hashicorp/go-hclog"
)

// Slot layout, least significant bit first: three metadata flags followed by
// the fingerprint.
const (
	occupiedBit     = 0
	continuationBit = 1
	shiftedBit      = 2
	metadataBits    = 3

	maxSlotWidth             = 64
	maxFingerprintLength     = maxSlotWidth - metadataBits
	minAgedFingerprintLength = 2
	maxLogSize               = 40
)

// QuotientFilter is a table of 2^powerOfTwo buckets plus a few extension
// slots. The low powerOfTwo bits of a hash select the bucket and the next
// fingerprintLength bits are stored. Entries of one bucket form a run; runs
// that collide are pushed right and form clusters.
//
// QuotientFilter is not safe for concurrent use. Concurrent Search calls are
// fine as long as nothing mutates the filter.
type QuotientFilter struct {
	table             bitmap
	powerOfTwo        int
	fingerprintLength int
	bitsPerEntry      int
	extensionSlots    int

	// aged fingerprints carry a unary age prefix in their high bits and only
	// the bits below it are compared.
	aged bool

	numEntries  uint64
	numPhysical uint64

	maxEntriesBeforeExpansion uint64

	opts   options
	logger hclog.Logger
}

// NewQuotientFilter allocates a filter with 2^powerOfTwo buckets and slots of
// bitsPerEntry bits, three of which are metadata.
func NewQuotientFilter(powerOfTwo, bitsPerEntry int, opts ...Option) (*QuotientFilter, error) {
	return newQuotientFilter(powerOfTwo, bitsPerEntry, 2*powerOfTwo, false, buildOptions(opts))
}

func newQuotientFilter(powerOfTwo, bitsPerEntry, extensionSlots int, aged bool, o options) (*QuotientFilter, error) {
	fingerprintLength := bitsPerEntry - metadataBits
	switch {
	case powerOfTwo < 1 || powerOfTwo > maxLogSize:
		return nil, fmt.Errorf("%w: table of 2^%d buckets", ErrInvalidConfig, powerOfTwo)
	case fingerprintLength < 1 || fingerprintLength > maxFingerprintLength:
		return nil, fmt.Errorf("%w: %d bits per entry", ErrInvalidConfig, bitsPerEntry)
	case aged && fingerprintLength < minAgedFingerprintLength:
		return nil, fmt.Errorf("%w: %d bits per entry leaves no room for an age prefix", ErrInvalidConfig, bitsPerEntry)
	case !o.hashType.Valid():
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedHash, o.hashType)
	case o.expansionThreshold <= 0 || o.expansionThreshold > 1:
		return nil, fmt.Errorf("%w: expansion threshold %v", ErrInvalidConfig, o.expansionThreshold)
	}

	qf := &QuotientFilter{
		powerOfTwo:        powerOfTwo,
		fingerprintLength: fingerprintLength,
		bitsPerEntry:      bitsPerEntry,
		extensionSlots:    extensionSlots,
		aged:              aged,
		opts:              o,
		logger:            o.logger,
	}
	qf.table = newBitmap(qf.numSlots() * uint64(bitsPerEntry))
	qf.maxEntriesBeforeExpansion = uint64(float64(qf.logicalSlots()) * o.expansionThreshold)
	return qf, nil
}

// grown allocates an empty sibling table for an expansion.
func (qf *QuotientFilter) grown(powerOfTwo, fingerprintLength int) (*QuotientFilter, error) {
	return newQuotientFilter(powerOfTwo, fingerprintLength+metadataBits, qf.extensionSlots+2, qf.aged, qf.opts)
}

// clone returns an independent copy of the table and its counters.
func (qf *QuotientFilter) clone() *QuotientFilter {
	c := *qf
	c.table = slices.Clone(qf.table)
	return &c
}

// countFingerprint counts the stored entries whose raw fingerprint is fp.
func (qf *QuotientFilter) countFingerprint(fp uint64) uint64 {
	var n uint64
	for it := qf.Iterator(); it.Next(); {
		if it.Fingerprint() == fp {
			n++
		}
	}
	return n
}

func (qf *QuotientFilter) logicalSlots() uint64 { return 1 << qf.powerOfTwo }
func (qf *QuotientFilter) numSlots() uint64     { return qf.logicalSlots() + uint64(qf.extensionSlots) }

func (qf *QuotientFilter) PowerOfTwo() int        { return qf.powerOfTwo }
func (qf *QuotientFilter) FingerprintLength() int { return qf.fingerprintLength }
func (qf *QuotientFilter) BitsPerEntry() int      { return qf.bitsPerEntry }
func (qf *QuotientFilter) HashType() HashType     { return qf.opts.hashType }

// NumEntries is the number of keys inserted and not deleted.
func (qf *QuotientFilter) NumEntries() uint64 { return qf.numEntries }

// NumPhysicalEntries counts occupied slots, including expansion placeholders.
func (qf *QuotientFilter) NumPhysicalEntries() uint64 { return qf.numPhysical }

// Utilization is the fraction of all slots, extensions included, in use.
func (qf *QuotientFilter) Utilization() float64 {
	return float64(qf.numPhysical) / float64(qf.numSlots())
}

// SizeInBits is the number of bits the slots occupy.
func (qf *QuotientFilter) SizeInBits() uint64 {
	return qf.numSlots() * uint64(qf.bitsPerEntry)
}

// MeasureBitsPerEntry divides the table size by the number of live keys.
func (qf *QuotientFilter) MeasureBitsPerEntry() float64 {
	if qf.numEntries == 0 {
		return 0
	}
	return float64(qf.SizeInBits()) / float64(qf.numEntries)
}

func (qf *QuotientFilter) needsExpansion() bool {
	return qf.numPhysical >= qf.maxEntriesBeforeExpansion
}

//
// slot access
//

func (qf *QuotientFilter) slotStart(i uint64) uint64 { return i * uint64(qf.bitsPerEntry) }

func (qf *QuotientFilter) isOccupied(i uint64) bool {
	return qf.table.get(qf.slotStart(i) + occupiedBit)
}

func (qf *QuotientFilter) setOccupied(i uint64, v bool) {
	qf.table.set(qf.slotStart(i)+occupiedBit, v)
}

func (qf *QuotientFilter) isContinuation(i uint64) bool {
	return qf.table.get(qf.slotStart(i) + continuationBit)
}

func (qf *QuotientFilter) setContinuation(i uint64, v bool) {
	qf.table.set(qf.slotStart(i)+continuationBit, v)
}

func (qf *QuotientFilter) isShifted(i uint64) bool {
	return qf.table.get(qf.slotStart(i) + shiftedBit)
}

func (qf *QuotientFilter) setShifted(i uint64, v bool) {
	qf.table.set(qf.slotStart(i)+shiftedBit, v)
}

func (qf *QuotientFilter) isEmpty(i uint64) bool {
	start := qf.slotStart(i)
	return qf.table.getRange(start, start+metadataBits) == 0
}

func (qf *QuotientFilter) getFingerprint(i uint64) uint64 {
	start := qf.slotStart(i) + metadataBits
	return qf.table.getRange(start, start+uint64(qf.fingerprintLength))
}

func (qf *QuotientFilter) setFingerprint(i, fp uint64) {
	start := qf.slotStart(i) + metadataBits
	qf.table.setRange(start, start+uint64(qf.fingerprintLength), fp)
}

// clearSlot empties everything but the occupied flag, which belongs to the
// bucket and not to the entry stored there.
func (qf *QuotientFilter) clearSlot(i uint64) {
	qf.setFingerprint(i, 0)
	qf.setContinuation(i, false)
	qf.setShifted(i, false)
}

//
// hashing
//

func (qf *QuotientFilter) fingerprintMask() uint64 {
	return lowMask(uint64(qf.fingerprintLength))
}

// emptyFingerprint is the void entry of an aged table: every bit is age
// prefix and no fingerprint bits are left. Fresh fingerprints have their top
// bit cleared, so they can never take this value.
func (qf *QuotientFilter) emptyFingerprint() uint64 {
	return qf.fingerprintMask() - 1
}

func (qf *QuotientFilter) bucketOf(hash uint64) uint64 {
	return hash & (qf.logicalSlots() - 1)
}

func (qf *QuotientFilter) fingerprintOf(hash uint64) uint64 {
	fp := (hash >> uint(qf.powerOfTwo)) & qf.fingerprintMask()
	if qf.aged {
		fp &^= 1 << uint(qf.fingerprintLength-1)
	}
	return fp
}

// Hash returns the 64-bit hash of a byte key.
func (qf *QuotientFilter) Hash(key []byte) uint64 {
	return qf.opts.hashType.Bytes(key)
}

// age decodes the unary prefix of the fingerprint at slot i: the number of
// leading one bits before the first zero.
func (qf *QuotientFilter) age(i uint64) int {
	inverted := ^qf.getFingerprint(i) & qf.fingerprintMask()
	return qf.fingerprintLength - bits.Len64(inverted)
}

// remaining is the number of fingerprint bits slot i still compares.
func (qf *QuotientFilter) remaining(i uint64) int {
	if !qf.aged {
		return qf.fingerprintLength
	}
	return max(qf.fingerprintLength-qf.age(i)-1, 0)
}

func (qf *QuotientFilter) matches(i, fp uint64) bool {
	stored := qf.getFingerprint(i)
	if !qf.aged {
		return stored == fp
	}
	mask := lowMask(uint64(qf.remaining(i)))
	return stored&mask == fp&mask
}

//
// runs and clusters
//

// findRunStart returns the slot where the run of bucket begins. When bucket
// has no run it returns the slot where one would be inserted, which may be
// numSlots if the cluster reaches the end of the table.
func (qf *QuotientFilter) findRunStart(bucket uint64) uint64 {
	i := bucket
	runs := 1
	for qf.isShifted(i) {
		i--
		if qf.isOccupied(i) {
			runs++
		}
	}
	for n := qf.numSlots(); i < n; i++ {
		if !qf.isContinuation(i) {
			runs--
			if runs == 0 {
				return i
			}
		}
	}
	return qf.numSlots()
}

func (qf *QuotientFilter) findRunEnd(start uint64) uint64 {
	i := start
	for n := qf.numSlots(); i+1 < n && qf.isContinuation(i+1); i++ {
	}
	return i
}

func (qf *QuotientFilter) firstEmptySlot(from uint64) (uint64, bool) {
	for i, n := from, qf.numSlots(); i < n; i++ {
		if qf.isEmpty(i) {
			return i, true
		}
	}
	return 0, false
}

// nextOccupied returns the first bucket after b that has a run.
func (qf *QuotientFilter) nextOccupied(b uint64) uint64 {
	b++
	for !qf.isOccupied(b) {
		b++
	}
	return b
}

// findMatch returns the first slot of the run starting at start whose
// fingerprint matches fp.
func (qf *QuotientFilter) findMatch(start, fp uint64) (uint64, bool) {
	i, n := start, qf.numSlots()
	for {
		if qf.matches(i, fp) {
			return i, true
		}
		i++
		if i >= n || !qf.isContinuation(i) {
			return 0, false
		}
	}
}

// chooseVictim picks the entry of a run to delete or rejuvenate for fp. With
// aged fingerprints the youngest match wins: it has the most fingerprint bits
// left, and any older entry that also matches fp still covers the key whose
// entry is removed.
func (qf *QuotientFilter) chooseVictim(start, fp uint64) (uint64, bool) {
	var (
		victim uint64
		found  bool
		best   = maxSlotWidth + 1
	)
	for i, n := start, qf.numSlots(); ; {
		if qf.matches(i, fp) {
			age := 0
			if qf.aged {
				age = qf.age(i)
			}
			if !qf.aged || age < best {
				victim, found, best = i, true, age
			}
		}
		i++
		if i >= n || !qf.isContinuation(i) {
			return victim, found
		}
	}
}

// insertAt writes fp into slot pos, first pushing every entry from pos up
// to the next empty slot one position right. Occupied flags stay put.
func (qf *QuotientFilter) insertAt(pos, fp, bucket uint64, continuation bool) error {
	if pos >= qf.numSlots() {
		return fmt.Errorf("%w: bucket %d of 2^%d", ErrTableOverflow, bucket, qf.powerOfTwo)
	}
	end, ok := qf.firstEmptySlot(pos)
	if !ok {
		return fmt.Errorf("%w: bucket %d of 2^%d", ErrTableOverflow, bucket, qf.powerOfTwo)
	}
	for i := end; i > pos; i-- {
		qf.setFingerprint(i, qf.getFingerprint(i-1))
		qf.setContinuation(i, qf.isContinuation(i-1))
		qf.setShifted(i, true)
	}
	qf.setFingerprint(pos, fp)
	qf.setContinuation(pos, continuation)
	qf.setShifted(pos, pos != bucket)
	return nil
}

// removeAt deletes the entry at slot victim from the run of bucket starting
// at start, then pulls every following shifted run of the cluster one slot
// left.
func (qf *QuotientFilter) removeAt(bucket, start, victim uint64) {
	end := qf.findRunEnd(start)
	for i := victim; i < end; i++ {
		qf.setFingerprint(i, qf.getFingerprint(i+1))
	}
	emptied := start == end

	hole, owner := end, bucket
	for {
		next := hole + 1
		if next >= qf.numSlots() || !qf.isShifted(next) {
			qf.clearSlot(hole)
			break
		}
		// Runs are laid out in bucket order, so the run at next belongs to
		// the first occupied bucket after the previous run's owner.
		owner = qf.nextOccupied(owner)
		runEnd := qf.findRunEnd(next)
		for i := next; i <= runEnd; i++ {
			qf.setFingerprint(i-1, qf.getFingerprint(i))
			qf.setContinuation(i-1, i != next)
			qf.setShifted(i-1, i-1 != owner)
		}
		hole = runEnd
	}

	if emptied {
		qf.setOccupied(bucket, false)
	}
}

//
// fingerprint level operations
//

// InsertFingerprint adds fp to the run of bucket. With onlyIfAbsent set it
// does nothing and returns false if the run already holds a match.
func (qf *QuotientFilter) InsertFingerprint(fp, bucket uint64, onlyIfAbsent bool) (bool, error) {
	if bucket >= qf.logicalSlots() {
		return false, fmt.Errorf("%w: bucket %d outside 2^%d", ErrInvalidConfig, bucket, qf.powerOfTwo)
	}

	var (
		pos          uint64
		continuation bool
	)
	if qf.isOccupied(bucket) {
		start := qf.findRunStart(bucket)
		if onlyIfAbsent {
			if _, found := qf.findMatch(start, fp); found {
				return false, nil
			}
		}
		pos = qf.findRunEnd(start) + 1
		continuation = true
	} else {
		pos = qf.findRunStart(bucket)
	}

	if err := qf.insertAt(pos, fp, bucket, continuation); err != nil {
		qf.logger.Error("quotient filter overflow", "power", qf.powerOfTwo, "bucket", bucket, "entries", qf.numPhysical)
		return false, err
	}
	qf.setOccupied(bucket, true)
	qf.numPhysical++
	return true, nil
}

// ContainsFingerprint reports whether the run of bucket holds a match for fp.
func (qf *QuotientFilter) ContainsFingerprint(fp, bucket uint64) bool {
	if bucket >= qf.logicalSlots() || !qf.isOccupied(bucket) {
		return false
	}
	_, found := qf.findMatch(qf.findRunStart(bucket), fp)
	return found
}

// DeleteFingerprint removes one entry matching fp from the run of bucket.
func (qf *QuotientFilter) DeleteFingerprint(fp, bucket uint64) bool {
	if bucket >= qf.logicalSlots() || !qf.isOccupied(bucket) {
		return false
	}
	start := qf.findRunStart(bucket)
	victim, found := qf.chooseVictim(start, fp)
	if !found {
		return false
	}
	qf.removeAt(bucket, start, victim)
	qf.numPhysical--
	return true
}

//
// hash level operations
//

func (qf *QuotientFilter) insertHash(hash uint64, onlyIfAbsent bool) (bool, error) {
	inserted, err := qf.InsertFingerprint(qf.fingerprintOf(hash), qf.bucketOf(hash), onlyIfAbsent)
	if inserted {
		qf.numEntries++
	}
	return inserted, err
}

// Search reports whether a key with this hash may have been inserted.
func (qf *QuotientFilter) Search(hash uint64) bool {
	return qf.ContainsFingerprint(qf.fingerprintOf(hash), qf.bucketOf(hash))
}

func (qf *QuotientFilter) deleteHash(hash uint64) bool {
	if !qf.DeleteFingerprint(qf.fingerprintOf(hash), qf.bucketOf(hash)) {
		return false
	}
	if qf.numEntries > 0 {
		qf.numEntries--
	}
	return true
}

// InsertHash inserts a precomputed hash, expanding afterwards when the
// filter was built with WithAutoExpand.
func (qf *QuotientFilter) InsertHash(hash uint64, onlyIfAbsent bool) (bool, error) {
	inserted, err := qf.insertHash(hash, onlyIfAbsent)
	if err != nil {
		return inserted, err
	}
	if qf.opts.autoExpand && qf.needsExpansion() {
		return inserted, qf.Expand()
	}
	return inserted, nil
}

func (qf *QuotientFilter) DeleteHash(hash uint64) bool { return qf.deleteHash(hash) }

//
// key level operations
//

func (qf *QuotientFilter) Insert(key []byte) (bool, error) {
	return qf.InsertHash(qf.opts.hashType.Bytes(key), false)
}

func (qf *QuotientFilter) Has(key []byte) bool {
	return qf.Search(qf.opts.hashType.Bytes(key))
}

func (qf *QuotientFilter) Delete(key []byte) bool {
	return qf.deleteHash(qf.opts.hashType.Bytes(key))
}

func (qf *QuotientFilter) InsertUint64(key uint64) (bool, error) {
	return qf.InsertHash(qf.opts.hashType.Uint64(key), false)
}

func (qf *QuotientFilter) HasUint64(key uint64) bool {
	return qf.Search(qf.opts.hashType.Uint64(key))
}

func (qf *QuotientFilter) DeleteUint64(key uint64) bool {
	return qf.deleteHash(qf.opts.hashType.Uint64(key))
}

func (qf *QuotientFilter) InsertString(key string) (bool, error) {
	return qf.InsertHash(qf.opts.hashType.HashString(key), false)
}

func (qf *QuotientFilter) HasString(key string) bool {
	return qf.Search(qf.opts.hashType.HashString(key))
}

func (qf *QuotientFilter) DeleteString(key string) bool {
	return qf.deleteHash(qf.opts.hashType.HashString(key))
}

// Expand doubles the bucket count of a plain quotient filter. The lowest
// fingerprint bit of every entry moves into the bucket address, so each
// expansion costs one fingerprint bit. Aged tables are grown by InfiniFilter.
func (qf *QuotientFilter) Expand() error {
	if qf.aged {
		return fmt.Errorf("%w: aged tables expand through InfiniFilter", ErrInvalidConfig)
	}
	if qf.fingerprintLength <= 1 {
		return fmt.Errorf("%w: no fingerprint bits left to split", ErrInvalidConfig)
	}
	next, err := qf.grown(qf.powerOfTwo+1, qf.fingerprintLength-1)
	if err != nil {
		return err
	}
	for it := qf.Iterator(); it.Next(); {
		fp := it.Fingerprint()
		bucket := it.Bucket() | (fp&1)<<uint(qf.powerOfTwo)
		if _, err := next.InsertFingerprint(fp>>1, bucket, false); err != nil {
			return fmt.Errorf("doubling to 2^%d: %w", next.powerOfTwo, err)
		}
	}
	next.numEntries = qf.numEntries
	*qf = *next
	return nil
}
