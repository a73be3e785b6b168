package filter

import (
	"errors"
	"math/rand"
	"testing"
)

func randomBlocks(rng *rand.Rand, n, size int) Keys {
	keys := make(Keys, n)
	for i := range keys {
		keys[i] = make([]byte, size)
		rng.Read(keys[i])
	}
	return keys
}

func TestSizeFor(t *testing.T) {
	tests := []struct {
		n            int
		fpr          float64
		power, width int
	}{
		{0, 0.01, 17, 11},
		{100000, 0.01, 17, 11},
		{200000, 0.01, 18, 11},
		{1 << 20, 0.001, 21, 14},
	}
	for _, tt := range tests {
		power, width, err := SizeFor(tt.n, tt.fpr, defaultMinLogSize)
		if err != nil {
			t.Fatalf("SizeFor(%d, %v): %v", tt.n, tt.fpr, err)
		}
		if power != tt.power || width != tt.width {
			t.Errorf("SizeFor(%d, %v) = 2^%d, %d bits; want 2^%d, %d bits", tt.n, tt.fpr, power, width, tt.power, tt.width)
		}
	}
	for _, fpr := range []float64{0, 1, -0.5} {
		if _, _, err := SizeFor(10, fpr, defaultMinLogSize); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("SizeFor with rate %v: %v", fpr, err)
		}
	}
}

// 100,000 ten-byte blocks at a 1% target.
func TestBuildFalsePositiveRate(t *testing.T) {
	const n = 100000
	rng := rand.New(rand.NewSource(31))
	blocks := randomBlocks(rng, n, 10)
	f, err := Build(blocks, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range blocks {
		if !f.Has(b) {
			t.Fatalf("block %x missing", b)
		}
	}

	falsePositives := 0
	for _, b := range randomBlocks(rng, n, 10) {
		if f.Has(b) {
			falsePositives++
		}
	}
	t.Logf("False positives: %d of %d, %.2f bits per entry", falsePositives, n, f.MeasureBitsPerEntry())
	if falsePositives >= 1100 {
		t.Errorf("false positive count %d exceeds 1.1%% of %d", falsePositives, n)
	}
}

// The rate must hold after the filter has doubled through expansions.
func TestFalsePositiveRateAcrossExpansions(t *testing.T) {
	const half = 65000
	rng := rand.New(rand.NewSource(32))
	f, err := NewChainedInfiniFilter(15, 11, WithPolicy(Polynomial), WithAutoExpand(true))
	if err != nil {
		t.Fatal(err)
	}

	probe := func(stage string, inserted Keys) {
		for _, b := range inserted {
			if !f.Has(b) {
				t.Fatalf("%s: block %x missing", stage, b)
			}
		}
		falsePositives := 0
		for _, b := range randomBlocks(rng, 100000, 10) {
			if f.Has(b) {
				falsePositives++
			}
		}
		t.Logf("%s: %d expansions, %d false positives in 100000", stage, f.NumExpansions(), falsePositives)
		if falsePositives >= 1100 {
			t.Errorf("%s: false positive count %d above 1.1%%", stage, falsePositives)
		}
	}

	first := randomBlocks(rng, half, 10)
	for _, b := range first {
		if _, err := f.Insert(b); err != nil {
			t.Fatal(err)
		}
	}
	if f.NumExpansions() == 0 {
		t.Fatal("no expansion after 65000 inserts")
	}
	probe("65000 blocks", first)

	second := randomBlocks(rng, half, 10)
	for _, b := range second {
		if _, err := f.Insert(b); err != nil {
			t.Fatal(err)
		}
	}
	probe("130000 blocks", append(first, second...))
	if got := f.NumEntries(true); got != 2*half {
		t.Errorf("NumEntries(true) = %d", got)
	}
}

type failingSource struct{ err error }

func (s failingSource) Len() int { return 1 }
func (s failingSource) ForEachKey(fn func([]byte) error) error {
	if err := fn([]byte("first")); err != nil {
		return err
	}
	return s.err
}

func TestBuildPropagatesSourceError(t *testing.T) {
	boom := errors.New("enumeration failed")
	if _, err := Build(failingSource{boom}, 0.01); !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
}
