package blockstore

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
)

// RAM keeps blocks in a map. It is safe for concurrent use.
type RAM struct {
	mu     sync.RWMutex
	blocks map[string][]byte
}

func NewRAM() *RAM {
	return &RAM{blocks: make(map[string][]byte)}
}

func (r *RAM) Has(_ context.Context, c cid.Cid) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocks[c.KeyString()]
	return ok, nil
}

func (r *RAM) Get(_ context.Context, c cid.Cid) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.blocks[c.KeyString()]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (r *RAM) Put(_ context.Context, data []byte, codec uint64) (cid.Cid, error) {
	c, err := ComputeCid(data, codec)
	if err != nil {
		return cid.Undef, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks[c.KeyString()] = append([]byte(nil), data...)
	return c, nil
}

func (r *RAM) Rm(_ context.Context, c cid.Cid) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := c.KeyString()
	if _, ok := r.blocks[key]; !ok {
		return false, nil
	}
	delete(r.blocks, key)
	return true, nil
}

func (r *RAM) Refs(_ context.Context) ([]cid.Cid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]cid.Cid, 0, len(r.blocks))
	for key := range r.blocks {
		c, err := cid.Cast([]byte(key))
		if err != nil {
			return nil, err
		}
		refs = append(refs, c)
	}
	sortCids(refs)
	return refs, nil
}

func (r *RAM) Close() error { return nil }
