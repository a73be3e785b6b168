package filter

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
)

const benchLookup = 1_000_000

func generateRandomUUIDs(n int) [][]byte {
	uuids := make([][]byte, n)
	for i := range uuids {
		uuidBytes, _ := uuid.New().MarshalBinary()
		uuids[i] = uuidBytes
	}
	return uuids
}

func BenchmarkChainedInfiniFilterInsert(b *testing.B) {
	uuids := generateRandomUUIDs(b.N)
	f, err := NewChainedInfiniFilter(16, 11, WithAutoExpand(true), WithPolicy(Polynomial))
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.Insert(uuids[i]); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkChainedInfiniFilterLookup(b *testing.B) {
	uuids := generateRandomUUIDs(1 << 20)
	f, err := Build(Keys(uuids), 0.01)
	if err != nil {
		b.Fatal(err)
	}

	lookupUUIDs := make([][]byte, benchLookup)
	for i := range lookupUUIDs {
		if i < benchLookup/2 {
			lookupUUIDs[i] = uuids[rand.Intn(len(uuids))]
		} else {
			newUUID, _ := uuid.New().MarshalBinary()
			lookupUUIDs[i] = newUUID
		}
	}

	b.ResetTimer()
	// Lookups do not mutate, so they may run in parallel.
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			f.Has(lookupUUIDs[rng.Intn(len(lookupUUIDs))])
		}
	})
}

func BenchmarkQuotientFilterDelete(b *testing.B) {
	qf, err := NewQuotientFilter(22, 11)
	if err != nil {
		b.Fatal(err)
	}
	uuids := generateRandomUUIDs(b.N)
	for _, id := range uuids {
		if _, err := qf.Insert(id); err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	for _, id := range uuids {
		qf.Delete(id)
	}
}
