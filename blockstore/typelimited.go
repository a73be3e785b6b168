package blockstore

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// TypeLimited restricts a store to blocks of a fixed set of codecs. Lookups
// of other codecs miss without touching the backend and writes of them
// fail.
type TypeLimited struct {
	Blockstore
	allowed map[uint64]bool
}

func NewTypeLimited(bs Blockstore, codecs ...uint64) *TypeLimited {
	allowed := make(map[uint64]bool, len(codecs))
	for _, c := range codecs {
		allowed[c] = true
	}
	return &TypeLimited{Blockstore: bs, allowed: allowed}
}

func (t *TypeLimited) Allows(codec uint64) bool { return t.allowed[codec] }

func (t *TypeLimited) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if !t.allowed[c.Type()] {
		return false, nil
	}
	return t.Blockstore.Has(ctx, c)
}

func (t *TypeLimited) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	if !t.allowed[c.Type()] {
		return nil, ErrNotFound
	}
	return t.Blockstore.Get(ctx, c)
}

func (t *TypeLimited) Put(ctx context.Context, data []byte, codec uint64) (cid.Cid, error) {
	if !t.allowed[codec] {
		return cid.Undef, fmt.Errorf("%w: %s", ErrUnsupportedCodec, CodecName(codec))
	}
	return t.Blockstore.Put(ctx, data, codec)
}

func (t *TypeLimited) Rm(ctx context.Context, c cid.Cid) (bool, error) {
	if !t.allowed[c.Type()] {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedCodec, CodecName(c.Type()))
	}
	return t.Blockstore.Rm(ctx, c)
}

func (t *TypeLimited) Refs(ctx context.Context) ([]cid.Cid, error) {
	refs, err := t.Blockstore.Refs(ctx)
	if err != nil {
		return nil, err
	}
	kept := refs[:0]
	for _, c := range refs {
		if t.allowed[c.Type()] {
			kept = append(kept, c)
		}
	}
	return kept, nil
}
