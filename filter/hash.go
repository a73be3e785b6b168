package filter

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dchest/siphash"
	"github.com/spaolacci/murmur3"
)

// HashType names the family used to turn a key into a 64-bit hash. The low
// bits of the hash pick the bucket and the bits above them the fingerprint.
type HashType uint8

const (
	HashXXH HashType = iota
	HashMurmur3
	HashSip
	// HashArbitrary is a cheap arithmetic mix for integer keys. Byte and
	// string keys fall back to xxhash.
	HashArbitrary
)

// Fixed siphash key. Filters are rebuilt from the store on every start, so
// the key only has to be stable within one process.
const (
	sipKey0 = 0x0706050403020100
	sipKey1 = 0x0f0e0d0c0b0a0908
)

var hashTypeNames = map[HashType]string{
	HashXXH:       "xxh",
	HashMurmur3:   "murmur3",
	HashSip:       "sip",
	HashArbitrary: "arbitrary",
}

func (h HashType) String() string {
	if name, ok := hashTypeNames[h]; ok {
		return name
	}
	return fmt.Sprintf("HashType(%d)", uint8(h))
}

// Valid reports whether h is a known hash family.
func (h HashType) Valid() bool {
	_, ok := hashTypeNames[h]
	return ok
}

// ParseHashType maps a configuration name to a HashType.
func ParseHashType(name string) (HashType, error) {
	for h, n := range hashTypeNames {
		if strings.EqualFold(n, name) {
			return h, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedHash, name)
}

// Bytes hashes a byte key.
func (h HashType) Bytes(key []byte) uint64 {
	switch h {
	case HashMurmur3:
		return murmur3.Sum64(key)
	case HashSip:
		return siphash.Hash(sipKey0, sipKey1, key)
	default:
		return xxhash.Sum64(key)
	}
}

// HashString hashes a string key as its UTF-8 bytes.
func (h HashType) HashString(key string) uint64 {
	if h == HashXXH || h == HashArbitrary {
		return xxhash.Sum64String(key)
	}
	return h.Bytes([]byte(key))
}

// Uint64 hashes an integer key. Every family except HashArbitrary hashes
// the little-endian encoding.
func (h HashType) Uint64(key uint64) uint64 {
	if h == HashArbitrary {
		return fmix64(key)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return h.Bytes(buf[:])
}

// fmix64 is the murmur3 finalizer.
func fmix64(k uint64) uint64 {
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	k *= 0xc4ceb9fe1a85ec53
	k ^= k >> 33
	return k
}
