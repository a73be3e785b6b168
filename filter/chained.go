package filter

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// ChainedInfiniFilter keeps the keys that an InfiniFilter would otherwise
// age into void entries. Once the current generation has expanded as many
// times as its original fingerprint has bits, void entries stop being
// duplicated and move into a smaller former generation instead. The former
// generation expands at its own slower pace and is sealed into the retired
// list when it has used up its fingerprint bits, at which point a fresh
// former generation takes over.
//
// Lookups try current, then former, then retired generations from newest to
// oldest. Deletes and rejuvenations act on the most specific matching entry
// of any generation. Like the other filters it is not safe for concurrent
// use.
type ChainedInfiniFilter struct {
	current *InfiniFilter
	former  *InfiniFilter
	retired []*InfiniFilter

	countUntilReplacingFormer int
	countUntilExpandingFormer int
	formerPhase               int

	opts   options
	logger hclog.Logger
}

// GenerationStats summarises one generation of a chain.
type GenerationStats struct {
	Role              string  `json:"role"`
	PowerOfTwo        int     `json:"power_of_two"`
	FingerprintLength int     `json:"fingerprint_length"`
	NumExpansions     int     `json:"num_expansions"`
	NumEntries        uint64  `json:"num_entries"`
	NumPhysical       uint64  `json:"num_physical"`
	Utilization       float64 `json:"utilization"`
	SizeInBits        uint64  `json:"size_in_bits"`
}

// NewChainedInfiniFilter allocates a chain whose current generation has
// 2^powerOfTwo buckets and slots of bitsPerEntry bits.
func NewChainedInfiniFilter(powerOfTwo, bitsPerEntry int, opts ...Option) (*ChainedInfiniFilter, error) {
	o := buildOptions(opts)
	current, err := newInfiniFilter(powerOfTwo, bitsPerEntry, bitsPerEntry-metadataBits, o)
	if err != nil {
		return nil, err
	}
	c := &ChainedInfiniFilter{
		current: current,
		opts:    o,
		logger:  o.logger.Named("chain"),
	}
	current.splitVoid = c.migrateVoid
	return c, nil
}

func (c *ChainedInfiniFilter) HashType() HashType { return c.opts.hashType }
func (c *ChainedInfiniFilter) PowerOfTwo() int    { return c.current.PowerOfTwo() }

// NumExpansions is the number of times the current generation has expanded.
func (c *ChainedInfiniFilter) NumExpansions() int { return c.current.numExpansions }

// Current exposes the newest generation.
func (c *ChainedInfiniFilter) Current() *InfiniFilter { return c.current }

// Former exposes the generation void entries drain into, or nil before the
// first one is created.
func (c *ChainedInfiniFilter) Former() *InfiniFilter { return c.former }

// Retired returns the sealed generations, oldest first.
func (c *ChainedInfiniFilter) Retired() []*InfiniFilter { return c.retired }

// older lists former and retired generations in lookup order.
func (c *ChainedInfiniFilter) older() []*InfiniFilter {
	gens := make([]*InfiniFilter, 0, len(c.retired)+1)
	if c.former != nil {
		gens = append(gens, c.former)
	}
	for i := len(c.retired) - 1; i >= 0; i-- {
		gens = append(gens, c.retired[i])
	}
	return gens
}

// growthStep is one more than the number of fingerprint bits the policy adds
// between generations n and n+1: the number of chain expansions before the
// former generation expands again.
func (c *ChainedInfiniFilter) growthStep(n int) int {
	orig := c.current.originalFingerprintLength
	return FingerprintBits(orig, n+1, c.opts.policy) - FingerprintBits(orig, n, c.opts.policy) + 1
}

// Expand advances the chain by one step and always doubles the current
// generation. If any part of the step fails the chain is left exactly as it
// was before the call.
func (c *ChainedInfiniFilter) Expand() error {
	saved := c.save()
	if err := c.expand(); err != nil {
		c.restore(saved)
		return err
	}
	return nil
}

func (c *ChainedInfiniFilter) expand() error {
	orig := c.current.originalFingerprintLength
	c.countUntilExpandingFormer--

	switch {
	case c.former == nil && c.current.numExpansions+1 == orig:
		former, err := newInfiniFilter(c.current.qf.powerOfTwo-orig+1, orig+metadataBits, orig, c.opts)
		if err != nil {
			return fmt.Errorf("creating former generation: %w", err)
		}
		c.former = former
		c.formerPhase = 1
		c.countUntilReplacingFormer = orig
		c.countUntilExpandingFormer = c.growthStep(0)
		c.logger.Debug("former generation created", "power", former.qf.powerOfTwo, "fingerprint_bits", orig)

	case c.former != nil && c.countUntilReplacingFormer <= 0 && c.countUntilExpandingFormer <= 0:
		length := FingerprintBits(orig, c.formerPhase, c.opts.policy)
		former, err := newInfiniFilter(c.former.qf.powerOfTwo+1, length+metadataBits, orig, c.opts)
		if err != nil {
			return fmt.Errorf("replacing former generation: %w", err)
		}
		former.numExpansions = c.formerPhase
		c.retired = append(c.retired, c.former)
		c.logger.Debug("former generation sealed", "retired", len(c.retired),
			"entries", c.former.NumEntries(), "next_power", former.qf.powerOfTwo, "fingerprint_bits", length)
		c.former = former
		c.countUntilExpandingFormer = c.growthStep(c.formerPhase)
		c.formerPhase++
		c.countUntilReplacingFormer = length

	case c.former != nil && c.countUntilExpandingFormer <= 0:
		if err := c.expandFormer(); err != nil {
			return err
		}
	}

	if err := c.makeRoomInFormer(); err != nil {
		return err
	}
	return c.current.Expand()
}

func (c *ChainedInfiniFilter) expandFormer() error {
	if err := c.former.expandTo(c.formerPhase); err != nil {
		return fmt.Errorf("expanding former generation: %w", err)
	}
	c.countUntilReplacingFormer--
	c.countUntilExpandingFormer = c.growthStep(c.formerPhase)
	c.formerPhase++
	c.logger.Debug("former generation expanded", "power", c.former.qf.powerOfTwo,
		"generation", c.former.numExpansions, "until_replaced", c.countUntilReplacingFormer)
	return nil
}

// makeRoomInFormer expands the former generation ahead of its schedule
// until the void entries of the current generation fit below its load
// threshold.
func (c *ChainedInfiniFilter) makeRoomInFormer() error {
	if c.former == nil {
		return nil
	}
	voids := c.current.qf.countFingerprint(c.current.qf.emptyFingerprint())
	for c.former.qf.powerOfTwo <= c.current.qf.powerOfTwo &&
		c.former.qf.numPhysical+voids > c.former.qf.maxEntriesBeforeExpansion {
		c.logger.Debug("former generation full", "voids", voids, "physical", c.former.qf.numPhysical)
		if err := c.expandFormer(); err != nil {
			return err
		}
	}
	return nil
}

// chainState holds everything an expansion step may change before the
// current generation commits to its doubled table.
type chainState struct {
	former           *InfiniFilter
	formerTable      *QuotientFilter
	formerExpansions int
	retired          int

	countUntilReplacingFormer int
	countUntilExpandingFormer int
	formerPhase               int
}

func (c *ChainedInfiniFilter) save() chainState {
	s := chainState{
		former:                    c.former,
		retired:                   len(c.retired),
		countUntilReplacingFormer: c.countUntilReplacingFormer,
		countUntilExpandingFormer: c.countUntilExpandingFormer,
		formerPhase:               c.formerPhase,
	}
	if c.former != nil {
		s.formerTable = c.former.qf.clone()
		s.formerExpansions = c.former.numExpansions
	}
	return s
}

func (c *ChainedInfiniFilter) restore(s chainState) {
	c.former = s.former
	if c.former != nil {
		c.former.qf = s.formerTable
		c.former.numExpansions = s.formerExpansions
	}
	c.retired = c.retired[:s.retired]
	c.countUntilReplacingFormer = s.countUntilReplacingFormer
	c.countUntilExpandingFormer = s.countUntilExpandingFormer
	c.formerPhase = s.formerPhase
}

// migrateVoid moves a void entry of the current generation into the former
// generation instead of splitting it. The former table has fewer buckets, so
// the bucket bits it cannot address become fingerprint bits there, with the
// missing ones accounted for as age.
func (c *ChainedInfiniFilter) migrateVoid(bucket uint64, from, to *QuotientFilter) (bool, error) {
	if c.former == nil || c.former.qf.powerOfTwo > from.powerOfTwo {
		return duplicateVoid(bucket, from, to)
	}
	dst := c.former.qf
	slot := bucket & (dst.logicalSlots() - 1)
	fp := agedFingerprint(bucket>>uint(dst.powerOfTwo), from.powerOfTwo-dst.powerOfTwo, dst.fingerprintLength)
	if _, err := dst.InsertFingerprint(fp, slot, false); err != nil {
		return false, fmt.Errorf("migrating void entry of bucket %d: %w", bucket, err)
	}
	dst.numEntries++
	return true, nil
}

// agedFingerprint encodes the low available bits of value as a fingerprint
// of the given length, marking the bits it lacks as age.
func agedFingerprint(value uint64, available, length int) uint64 {
	keep := length - 1
	if available >= keep {
		return value & lowMask(uint64(keep))
	}
	age := keep - available
	return lowMask(uint64(age))<<uint(length-age) | value&lowMask(uint64(available))
}

// InsertHash adds a precomputed hash to the current generation and advances
// the chain when the current generation reaches its load threshold. If only
// the expansion fails it returns true with the error: the key is stored, the
// chain is unchanged otherwise and the next insert retries the expansion.
func (c *ChainedInfiniFilter) InsertHash(hash uint64, onlyIfAbsent bool) (bool, error) {
	if onlyIfAbsent && c.HasHash(hash) {
		return false, nil
	}
	inserted, err := c.current.insertHash(hash, false)
	if err != nil {
		return inserted, err
	}
	if c.opts.autoExpand && c.current.qf.needsExpansion() {
		return inserted, c.Expand()
	}
	return inserted, nil
}

func (c *ChainedInfiniFilter) HasHash(hash uint64) bool {
	if c.current.HasHash(hash) {
		return true
	}
	if c.former != nil && c.former.HasHash(hash) {
		return true
	}
	for i := len(c.retired) - 1; i >= 0; i-- {
		if c.retired[i].HasHash(hash) {
			return true
		}
	}
	return false
}

// bestMatch returns the generation holding the most specific entry for
// hash. Ties go to the newest generation.
func (c *ChainedInfiniFilter) bestMatch(hash uint64) (*InfiniFilter, match, bool) {
	var (
		owner *InfiniFilter
		best  match
	)
	for _, g := range append([]*InfiniFilter{c.current}, c.older()...) {
		if m, ok := g.bestMatch(hash); ok && (owner == nil || m.specificity > best.specificity) {
			owner, best = g, m
		}
	}
	return owner, best, owner != nil
}

// DeleteHash removes one entry for hash. Of all matching entries across the
// generations it removes the one that pins down the most hash bits, which
// keeps every other live key reachable.
func (c *ChainedInfiniFilter) DeleteHash(hash uint64) bool {
	g, m, found := c.bestMatch(hash)
	if !found {
		return false
	}
	g.remove(m)
	return true
}

// RejuvenateHash moves the entry for hash into the current generation with
// a fresh fingerprint. It returns false if no generation holds the key. An
// error means the entry was removed from an older generation but could not
// be added to the current one.
func (c *ChainedInfiniFilter) RejuvenateHash(hash uint64) (bool, error) {
	g, m, found := c.bestMatch(hash)
	if !found {
		c.logger.Warn("rejuvenate called for absent key")
		return false, nil
	}
	if g == c.current {
		c.current.qf.setFingerprint(m.slot, c.current.qf.fingerprintOf(hash))
		return true, nil
	}
	g.remove(m)
	inserted, err := c.InsertHash(hash, false)
	if !inserted {
		c.logger.Error("rejuvenated key lost", "error", err)
		return false, fmt.Errorf("%w: %w", ErrRejuvenationInvariant, err)
	}
	return true, err
}

// NumEntries counts keys in the current generation, or in every generation
// when includeInternal is set.
func (c *ChainedInfiniFilter) NumEntries(includeInternal bool) uint64 {
	n := c.current.NumEntries()
	if !includeInternal {
		return n
	}
	for _, g := range c.older() {
		n += g.NumEntries()
	}
	return n
}

// SizeInBits sums the table sizes of all generations.
func (c *ChainedInfiniFilter) SizeInBits() uint64 {
	size := c.current.SizeInBits()
	for _, g := range c.older() {
		size += g.SizeInBits()
	}
	return size
}

// MeasureBitsPerEntry divides the size of all generations by the number of
// keys they hold.
func (c *ChainedInfiniFilter) MeasureBitsPerEntry() float64 {
	n := c.NumEntries(true)
	if n == 0 {
		return 0
	}
	return float64(c.SizeInBits()) / float64(n)
}

// Stats describes every generation, newest first.
func (c *ChainedInfiniFilter) Stats() []GenerationStats {
	stats := []GenerationStats{generationStats("current", c.current)}
	if c.former != nil {
		stats = append(stats, generationStats("former", c.former))
	}
	for i := len(c.retired) - 1; i >= 0; i-- {
		stats = append(stats, generationStats(fmt.Sprintf("retired-%d", i), c.retired[i]))
	}
	return stats
}

func generationStats(role string, f *InfiniFilter) GenerationStats {
	return GenerationStats{
		Role:              role,
		PowerOfTwo:        f.PowerOfTwo(),
		FingerprintLength: f.FingerprintLength(),
		NumExpansions:     f.NumExpansions(),
		NumEntries:        f.NumEntries(),
		NumPhysical:       f.NumPhysicalEntries(),
		Utilization:       f.Utilization(),
		SizeInBits:        f.SizeInBits(),
	}
}

func (c *ChainedInfiniFilter) Insert(key []byte) (bool, error) {
	return c.InsertHash(c.opts.hashType.Bytes(key), false)
}

// InsertIfAbsent inserts key unless some generation already reports it.
// A false positive then leaves the key without an entry of its own, so a
// later Delete of the colliding key can make it disappear. Callers that
// delete should use Insert.
func (c *ChainedInfiniFilter) InsertIfAbsent(key []byte) (bool, error) {
	return c.InsertHash(c.opts.hashType.Bytes(key), true)
}

func (c *ChainedInfiniFilter) Has(key []byte) bool { return c.HasHash(c.opts.hashType.Bytes(key)) }

func (c *ChainedInfiniFilter) Delete(key []byte) bool {
	return c.DeleteHash(c.opts.hashType.Bytes(key))
}

func (c *ChainedInfiniFilter) Rejuvenate(key []byte) (bool, error) {
	return c.RejuvenateHash(c.opts.hashType.Bytes(key))
}

func (c *ChainedInfiniFilter) InsertUint64(key uint64) (bool, error) {
	return c.InsertHash(c.opts.hashType.Uint64(key), false)
}

func (c *ChainedInfiniFilter) HasUint64(key uint64) bool {
	return c.HasHash(c.opts.hashType.Uint64(key))
}

func (c *ChainedInfiniFilter) DeleteUint64(key uint64) bool {
	return c.DeleteHash(c.opts.hashType.Uint64(key))
}

func (c *ChainedInfiniFilter) RejuvenateUint64(key uint64) (bool, error) {
	return c.RejuvenateHash(c.opts.hashType.Uint64(key))
}

func (c *ChainedInfiniFilter) InsertString(key string) (bool, error) {
	return c.InsertHash(c.opts.hashType.HashString(key), false)
}

func (c *ChainedInfiniFilter) HasString(key string) bool {
	return c.HasHash(c.opts.hashType.HashString(key))
}

func (c *ChainedInfiniFilter) DeleteString(key string) bool {
	return c.DeleteHash(c.opts.hashType.HashString(key))
}

func (c *ChainedInfiniFilter) RejuvenateString(key string) (bool, error) {
	return c.RejuvenateHash(c.opts.hashType.HashString(key))
}
