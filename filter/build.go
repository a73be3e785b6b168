package filter

import (
	"fmt"
	"math"
	"math/bits"
)

// expansionAlpha is the load factor the sizing formula assumes.
const expansionAlpha = 0.8

// KeySource enumerates the keys a filter is warmed from.
type KeySource interface {
	// Len is the number of keys, or an estimate of it.
	Len() int
	// ForEachKey calls fn for every key and stops at the first error.
	ForEachKey(fn func(key []byte) error) error
}

// Keys is a KeySource over an in-memory slice.
type Keys [][]byte

func (k Keys) Len() int { return len(k) }

func (k Keys) ForEachKey(fn func(key []byte) error) error {
	for _, key := range k {
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}

// SizeFor picks the table size and slot width for n keys at the given false
// positive rate. The table has at least 2^minLogSize buckets.
func SizeFor(n int, falsePositiveRate float64, minLogSize int) (powerOfTwo, bitsPerEntry int, err error) {
	if !(falsePositiveRate > 0 && falsePositiveRate < 1) {
		return 0, 0, fmt.Errorf("%w: false positive rate %v", ErrInvalidConfig, falsePositiveRate)
	}
	powerOfTwo = minLogSize
	if n > 0 {
		// 1 + floor(log2 n)
		powerOfTwo = max(powerOfTwo, bits.Len(uint(n)))
	}
	bitsPerEntry = int(4 - math.Log2(falsePositiveRate/expansionAlpha) + 1)
	if bitsPerEntry > maxSlotWidth {
		return 0, 0, fmt.Errorf("%w: false positive rate %v needs %d bits per entry", ErrInvalidConfig, falsePositiveRate, bitsPerEntry)
	}
	return powerOfTwo, bitsPerEntry, nil
}

// Build sizes a chained filter for the keys of src and inserts each of them.
// The returned filter expands on its own as more keys are added.
func Build(src KeySource, falsePositiveRate float64, opts ...Option) (*ChainedInfiniFilter, error) {
	o := buildOptions(opts)
	powerOfTwo, bitsPerEntry, err := SizeFor(src.Len(), falsePositiveRate, o.minLogSize)
	if err != nil {
		return nil, err
	}
	f, err := NewChainedInfiniFilter(powerOfTwo, bitsPerEntry, append(opts, WithAutoExpand(true))...)
	if err != nil {
		return nil, err
	}
	err = src.ForEachKey(func(key []byte) error {
		_, err := f.Insert(key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("building filter: %w", err)
	}
	o.logger.Debug("filter built", "keys", f.NumEntries(true), "power", powerOfTwo,
		"bits_per_entry", bitsPerEntry, "expansions", f.NumExpansions())
	return f, nil
}
