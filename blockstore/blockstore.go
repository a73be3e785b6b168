// Package blockstore stores content-addressed blocks and fronts them with
// an approximate membership filter so that lookups for blocks the node does
// not hold rarely reach the backing store.
package blockstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var (
	ErrNotFound         = errors.New("blockstore: block not found")
	ErrUnsupportedCodec = errors.New("blockstore: unsupported codec")
	ErrUnknownBackend   = errors.New("blockstore: unknown backend")
)

// Blockstore is a set of blocks keyed by their CID.
type Blockstore interface {
	Has(ctx context.Context, c cid.Cid) (bool, error)
	// Get returns ErrNotFound for blocks the store does not hold.
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	// Put stores data under a CIDv1 of the given codec and its sha2-256
	// digest, and returns that CID.
	Put(ctx context.Context, data []byte, codec uint64) (cid.Cid, error)
	// Rm reports whether the block was present.
	Rm(ctx context.Context, c cid.Cid) (bool, error)
	Refs(ctx context.Context) ([]cid.Cid, error)
	Close() error
}

// ComputeCid returns the CIDv1 a block of data is stored under.
func ComputeCid(data []byte, codec uint64) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hashing block: %w", err)
	}
	return cid.NewCidV1(codec, sum), nil
}

// ParseCodecs maps codec names such as "raw" or "dag-cbor" to their codes.
func ParseCodecs(names []string) ([]uint64, error) {
	codecs := make([]uint64, 0, len(names))
	for _, name := range names {
		code, ok := cid.Codecs[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
		}
		codecs = append(codecs, code)
	}
	return codecs, nil
}

// CodecName returns the name of a codec code, or its hex value.
func CodecName(codec uint64) string {
	if name, ok := cid.CodecToStr[codec]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", codec)
}

func sortCids(cids []cid.Cid) {
	sort.Slice(cids, func(i, j int) bool { return cids[i].KeyString() < cids[j].KeyString() })
}
