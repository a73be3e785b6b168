package blockstore

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"infiniquotient/filter"
)

// Filter answers approximate membership for CIDs. Has may report blocks
// that were never added but never misses one that was.
type Filter interface {
	Has(c cid.Cid) bool
	Add(c cid.Cid) error
	Remove(c cid.Cid) bool
}

// Rejuvenator is implemented by filters that can refresh the entry of a
// block that is still in use.
type Rejuvenator interface {
	Rejuvenate(c cid.Cid) error
}

// supportedHashes are the multihash functions whose CIDs the filter indexes.
var supportedHashes = map[uint64]bool{
	multihash.SHA2_256:         true,
	multihash.SHA2_512:         true,
	multihash.SHA3_256:         true,
	multihash.BLAKE2B_MIN + 31: true,
	multihash.IDENTITY:         true,
}

// InfiniFilter indexes CIDs in a chained infini filter, keyed by the binary
// CID.
type InfiniFilter struct {
	f      *filter.ChainedInfiniFilter
	logger hclog.Logger
}

// NewInfiniFilter wraps an existing chain.
func NewInfiniFilter(f *filter.ChainedInfiniFilter, logger hclog.Logger) *InfiniFilter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &InfiniFilter{f: f, logger: logger.Named("cid-filter")}
}

type cidKeys []cid.Cid

func (k cidKeys) Len() int { return len(k) }

func (k cidKeys) ForEachKey(fn func(key []byte) error) error {
	for _, c := range k {
		if !indexable(c) {
			continue
		}
		if err := fn(c.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// BuildInfiniFilter sizes a filter for the blocks bs holds and adds all of
// them.
func BuildInfiniFilter(ctx context.Context, bs Blockstore, falsePositiveRate float64, logger hclog.Logger, opts ...filter.Option) (*InfiniFilter, error) {
	refs, err := bs.Refs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing blocks: %w", err)
	}
	if logger != nil {
		opts = append([]filter.Option{filter.WithLogger(logger)}, opts...)
	}
	f, err := filter.Build(cidKeys(refs), falsePositiveRate, opts...)
	if err != nil {
		return nil, err
	}
	return NewInfiniFilter(f, logger), nil
}

func indexable(c cid.Cid) bool {
	return c.Defined() && supportedHashes[c.Prefix().MhType]
}

func (i *InfiniFilter) Has(c cid.Cid) bool {
	if !indexable(c) {
		i.logger.Warn("unsupported multihash, reporting a miss", "cid", c)
		return false
	}
	return i.f.Has(c.Bytes())
}

func (i *InfiniFilter) Add(c cid.Cid) error {
	if !indexable(c) {
		return fmt.Errorf("%w: multihash of %s", ErrUnsupportedCodec, c)
	}
	inserted, err := i.f.Insert(c.Bytes())
	if inserted && err != nil {
		// The key is stored and the next insert retries the expansion.
		i.logger.Warn("filter expansion failed", "cid", c, "error", err)
		return nil
	}
	return err
}

func (i *InfiniFilter) Remove(c cid.Cid) bool {
	if !indexable(c) {
		return false
	}
	return i.f.Delete(c.Bytes())
}

func (i *InfiniFilter) Rejuvenate(c cid.Cid) error {
	if !indexable(c) {
		return nil
	}
	_, err := i.f.Rejuvenate(c.Bytes())
	return err
}

// Chain exposes the underlying filter.
func (i *InfiniFilter) Chain() *filter.ChainedInfiniFilter { return i.f }

// NoFilter sends every lookup to the backend.
type NoFilter struct{}

func (NoFilter) Has(cid.Cid) bool    { return true }
func (NoFilter) Add(cid.Cid) error   { return nil }
func (NoFilter) Remove(cid.Cid) bool { return true }
