package blockstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/ipfs/go-cid"

	"infiniquotient/filter"
)

// FilterStats counts how lookups went through a Filtered store.
type FilterStats struct {
	// Skipped lookups were answered by the filter alone.
	Skipped uint64 `json:"skipped"`
	// Hits passed the filter and were found in the backend.
	Hits uint64 `json:"hits"`
	// FalsePositives passed the filter but were missing from the backend.
	FalsePositives uint64 `json:"false_positives"`
	Puts           uint64 `json:"puts"`
	Removes        uint64 `json:"removes"`

	// The rest is only filled in for stores filtered by an InfiniFilter.
	Entries      uint64                   `json:"entries"`
	Expansions   int                      `json:"expansions"`
	BitsPerEntry float64                  `json:"bits_per_entry"`
	SizeInBits   uint64                   `json:"size_in_bits"`
	Generations  []filter.GenerationStats `json:"generations,omitempty"`
}

// Filtered keeps a Filter in step with a backend and consults it before
// every lookup. All operations are serialised.
type Filtered struct {
	mu      sync.Mutex
	backend Blockstore
	filter  Filter
	stats   FilterStats
	logger  hclog.Logger
}

func NewFiltered(backend Blockstore, f Filter, logger hclog.Logger) *Filtered {
	if f == nil {
		f = NoFilter{}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Filtered{backend: backend, filter: f, logger: logger.Named("blockstore")}
}

func (s *Filtered) Filter() Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// Backend exposes the wrapped store. Reads through it bypass the filter and
// its counters.
func (s *Filtered) Backend() Blockstore { return s.backend }

// SetFilter swaps in a new filter, for example one rebuilt from the
// backend's refs.
func (s *Filtered) SetFilter(f Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f == nil {
		f = NoFilter{}
	}
	s.filter = f
}

func (s *Filtered) Stats() FilterStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	if f, ok := s.filter.(*InfiniFilter); ok {
		chain := f.Chain()
		stats.Entries = chain.NumEntries(true)
		stats.Expansions = chain.NumExpansions()
		stats.BitsPerEntry = chain.MeasureBitsPerEntry()
		stats.SizeInBits = chain.SizeInBits()
		stats.Generations = chain.Stats()
	}
	return stats
}

// has must be called with s.mu held.
func (s *Filtered) has(ctx context.Context, c cid.Cid) (bool, error) {
	if !s.filter.Has(c) {
		s.stats.Skipped++
		return false, nil
	}
	found, err := s.backend.Has(ctx, c)
	if err != nil {
		return false, err
	}
	if found {
		s.stats.Hits++
	} else {
		s.stats.FalsePositives++
	}
	return found, nil
}

func (s *Filtered) Has(ctx context.Context, c cid.Cid) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.has(ctx, c)
}

// Get refreshes the filter entry of every block it returns.
func (s *Filtered) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found, err := s.has(ctx, c)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	data, err := s.backend.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	if r, ok := s.filter.(Rejuvenator); ok {
		if err := r.Rejuvenate(c); err != nil {
			s.logger.Warn("rejuvenation failed", "cid", c, "error", err)
		}
	}
	return data, nil
}

// Put adds a block to the filter only if the backend did not hold it
// already, so the filter keeps one entry per block.
func (s *Filtered) Put(ctx context.Context, data []byte, codec uint64) (cid.Cid, error) {
	c, err := ComputeCid(data, codec)
	if err != nil {
		return cid.Undef, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existed, err := s.backend.Has(ctx, c)
	if err != nil {
		return cid.Undef, err
	}
	if _, err := s.backend.Put(ctx, data, codec); err != nil {
		return cid.Undef, err
	}
	if existed {
		return c, nil
	}
	if err := s.filter.Add(c); err != nil {
		if _, rmErr := s.backend.Rm(ctx, c); rmErr != nil {
			s.logger.Error("rollback after filter failure", "cid", c, "error", rmErr)
		}
		return cid.Undef, fmt.Errorf("indexing %s: %w", c, err)
	}
	s.stats.Puts++
	s.logger.Trace("block stored", "cid", c, "size", len(data))
	return c, nil
}

func (s *Filtered) Rm(ctx context.Context, c cid.Cid) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed, err := s.backend.Rm(ctx, c)
	if err != nil || !removed {
		return removed, err
	}
	if !s.filter.Remove(c) {
		s.logger.Warn("removed block had no filter entry", "cid", c)
	}
	s.stats.Removes++
	return true, nil
}

func (s *Filtered) Refs(ctx context.Context) ([]cid.Cid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Refs(ctx)
}

func (s *Filtered) Close() error { return s.backend.Close() }
