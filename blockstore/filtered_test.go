package blockstore

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infiniquotient/filter"
)

func randomBlocks(rng *rand.Rand, n int) [][]byte {
	blocks := make([][]byte, n)
	for i := range blocks {
		blocks[i] = make([]byte, 10)
		rng.Read(blocks[i])
	}
	return blocks
}

func newFilteredRAM(t *testing.T) *Filtered {
	t.Helper()
	f, err := BuildInfiniFilter(context.Background(), NewRAM(), 0.01, nil)
	require.NoError(t, err)
	return NewFiltered(NewRAM(), f, nil)
}

func TestFilteredPutHasRm(t *testing.T) {
	ctx := context.Background()
	bs := newFilteredRAM(t)

	c, err := bs.Put(ctx, []byte("block"), cid.Raw)
	require.NoError(t, err)
	found, err := bs.Has(ctx, c)
	require.NoError(t, err)
	assert.True(t, found)

	// A second put of the same block must not add a second filter entry.
	_, err = bs.Put(ctx, []byte("block"), cid.Raw)
	require.NoError(t, err)
	chain := bs.Filter().(*InfiniFilter).Chain()
	assert.Equal(t, uint64(1), chain.NumEntries(true))

	data, err := bs.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []byte("block"), data)

	removed, err := bs.Rm(ctx, c)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, uint64(0), chain.NumEntries(true))

	_, err = bs.Get(ctx, c)
	assert.ErrorIs(t, err, ErrNotFound)

	stats := bs.Stats()
	assert.Equal(t, uint64(1), stats.Puts)
	assert.Equal(t, uint64(1), stats.Removes)
	assert.Equal(t, uint64(2), stats.Hits)
}

type failingFilter struct{ NoFilter }

var errFull = errors.New("filter full")

func (failingFilter) Add(cid.Cid) error { return errFull }

func TestFilteredPutRollsBack(t *testing.T) {
	ctx := context.Background()
	backend := NewRAM()
	bs := NewFiltered(backend, failingFilter{}, nil)

	_, err := bs.Put(ctx, []byte("block"), cid.Raw)
	require.ErrorIs(t, err, errFull)
	refs, err := backend.Refs(ctx)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestFilteredRebuildFromBackend(t *testing.T) {
	ctx := context.Background()
	backend := NewRAM()
	rng := rand.New(rand.NewSource(31))
	blocks := randomBlocks(rng, 2000)
	var cids []cid.Cid
	for _, b := range blocks {
		c, err := backend.Put(ctx, b, cid.Raw)
		require.NoError(t, err)
		cids = append(cids, c)
	}

	f, err := BuildInfiniFilter(ctx, backend, 0.01, nil, filter.WithHashType(filter.HashMurmur3))
	require.NoError(t, err)
	bs := NewFiltered(backend, nil, nil)
	bs.SetFilter(f)
	for _, c := range cids {
		found, err := bs.Has(ctx, c)
		require.NoError(t, err)
		require.True(t, found, "block %s lost", c)
	}
	assert.Equal(t, uint64(len(cids)), bs.Stats().Hits)
}

// Most lookups for blocks that were never stored are answered by the
// filter without reaching the backend.
func TestFilteredFalsePositiveRate(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(32))
	bs := newFilteredRAM(t)

	const n = 100_000
	present := randomBlocks(rng, n)
	for _, b := range present {
		_, err := bs.Put(ctx, b, cid.Raw)
		require.NoError(t, err)
	}
	for _, b := range randomBlocks(rng, n) {
		c, err := ComputeCid(b, cid.Raw)
		require.NoError(t, err)
		found, err := bs.Has(ctx, c)
		require.NoError(t, err)
		require.False(t, found)
	}
	stats := bs.Stats()
	t.Logf("skipped=%d false_positives=%d", stats.Skipped, stats.FalsePositives)
	assert.Less(t, stats.FalsePositives, uint64(n/50))
	assert.Equal(t, uint64(n), stats.Skipped+stats.FalsePositives)

	for _, b := range present[:1000] {
		c, err := ComputeCid(b, cid.Raw)
		require.NoError(t, err)
		found, err := bs.Has(ctx, c)
		require.NoError(t, err)
		require.True(t, found)
	}
}

func TestInfiniFilterUnsupportedHash(t *testing.T) {
	f, err := BuildInfiniFilter(context.Background(), NewRAM(), 0.01, nil)
	require.NoError(t, err)
	sum, err := multihash.Sum([]byte("md5 block"), multihash.MD5, -1)
	require.NoError(t, err)
	md5 := cid.NewCidV1(cid.Raw, sum)
	assert.False(t, f.Has(md5))
	assert.ErrorIs(t, f.Add(md5), ErrUnsupportedCodec)
	assert.False(t, f.Has(cid.Undef))
	assert.Error(t, f.Add(cid.Undef))
}
