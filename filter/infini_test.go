package filter

import (
	"errors"
	"math/rand"
	"testing"
)

func TestUnaryMask(t *testing.T) {
	cases := []struct {
		prev, next int
		want       uint64
	}{
		{8, 8, 0b1000_0000},
		{8, 9, 0b1_1000_0000},
		{4, 6, 0b11_1000},
	}
	for _, c := range cases {
		if got := unaryMask(c.prev, c.next); got != c.want {
			t.Errorf("unaryMask(%d, %d) = %b, want %b", c.prev, c.next, got, c.want)
		}
	}
}

func TestAgedFingerprint(t *testing.T) {
	cases := []struct {
		value            uint64
		available, width int
		want             uint64
		age              int
	}{
		{0b101, 3, 4, 0b0101, 0},
		{0b111101, 6, 4, 0b0101, 0},
		{0b1, 1, 4, 0b1101, 2},
		{0b0, 0, 4, 0b1110, 3},
	}
	for _, c := range cases {
		got := agedFingerprint(c.value, c.available, c.width)
		if got != c.want {
			t.Errorf("agedFingerprint(%b, %d, %d) = %04b, want %04b", c.value, c.available, c.width, got, c.want)
		}
		qf, err := newQuotientFilter(4, c.width+metadataBits, 8, true, defaultOptions())
		if err != nil {
			t.Fatal(err)
		}
		qf.setFingerprint(0, got)
		if a := qf.age(0); a != c.age {
			t.Errorf("age of %04b = %d, want %d", got, a, c.age)
		}
	}
}

func TestInfiniFilterFreshFingerprintNeverVoid(t *testing.T) {
	f, err := NewInfiniFilter(4, 3+5)
	if err != nil {
		t.Fatal(err)
	}
	void := f.qf.emptyFingerprint()
	for hash := uint64(0); hash < 1<<10; hash++ {
		if fp := f.qf.fingerprintOf(hash); fp == void || fp>>4 != 0 {
			t.Fatalf("hash %x yields fingerprint %05b", hash, fp)
		}
	}
}

func TestInfiniFilterExpansionPreservesMembership(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	f, err := NewInfiniFilter(6, 3+8)
	if err != nil {
		t.Fatal(err)
	}
	var live [][]byte
	for gen := 0; gen < 12; gen++ {
		// Keep the load around a third so the table never fills up.
		for _, k := range generateRandomKeys(rng, 1<<(6+gen)/3-len(live)) {
			if _, err := f.Insert(k); err != nil {
				t.Fatalf("generation %d insert: %v", gen, err)
			}
			live = append(live, k)
		}
		if err := f.Expand(); err != nil {
			t.Fatalf("expansion %d: %v", gen+1, err)
		}
		for _, k := range live {
			if !f.Has(k) {
				t.Fatalf("key %x lost after expansion %d", k, gen+1)
			}
		}
		checkInvariants(t, f.qf)
	}
	if f.NumExpansions() != 12 || f.PowerOfTwo() != 18 {
		t.Errorf("after 12 expansions: generation %d, 2^%d buckets", f.NumExpansions(), f.PowerOfTwo())
	}
	if f.NumEntries() != uint64(len(live)) {
		t.Errorf("NumEntries = %d, want %d", f.NumEntries(), len(live))
	}
	// Keys from the first generation have aged into void entries by now and
	// each stands for several physical slots.
	if f.NumPhysicalEntries() <= f.NumEntries() {
		t.Errorf("expected void duplicates: %d physical, %d keys", f.NumPhysicalEntries(), f.NumEntries())
	}
}

func TestInfiniFilterFingerprintGrowth(t *testing.T) {
	f, err := NewInfiniFilter(6, 3+8, WithPolicy(Polynomial))
	if err != nil {
		t.Fatal(err)
	}
	want := []int{10, 12, 12, 13}
	for i, bits := range want {
		if err := f.Expand(); err != nil {
			t.Fatal(err)
		}
		if f.FingerprintLength() != bits {
			t.Errorf("generation %d: %d bit fingerprints, want %d", i+1, f.FingerprintLength(), bits)
		}
	}
}

func TestInfiniFilterDeleteAfterExpansion(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	f, err := NewInfiniFilter(8, 3+6)
	if err != nil {
		t.Fatal(err)
	}
	keys := generateRandomKeys(rng, 150)
	for _, k := range keys {
		if _, err := f.Insert(k); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 7; i++ {
		if err := f.Expand(); err != nil {
			t.Fatal(err)
		}
		// New keys land next to old, shorter fingerprints.
		for _, k := range generateRandomKeys(rng, 100) {
			if _, err := f.Insert(k); err != nil {
				t.Fatal(err)
			}
			keys = append(keys, k)
		}
	}

	deleted, kept := keys[:len(keys)/2], keys[len(keys)/2:]
	for _, k := range deleted {
		if !f.Delete(k) {
			t.Fatalf("delete of live key %x failed", k)
		}
	}
	// Removing a key may leave a false positive behind for it, but every
	// key still inserted must be found.
	for _, k := range kept {
		if !f.Has(k) {
			t.Fatalf("key %x lost after deleting other keys", k)
		}
	}
	if f.NumEntries() != uint64(len(kept)) {
		t.Errorf("NumEntries = %d, want %d", f.NumEntries(), len(kept))
	}
	checkInvariants(t, f.qf)
}

func TestInfiniFilterRejuvenate(t *testing.T) {
	f, err := NewInfiniFilter(8, 3+8)
	if err != nil {
		t.Fatal(err)
	}
	key := []byte("rejuvenate me")
	if _, err := f.Insert(key); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := f.Expand(); err != nil {
			t.Fatal(err)
		}
	}

	hash := f.HashType().Bytes(key)
	bucket, fresh := f.qf.bucketOf(hash), f.qf.fingerprintOf(hash)
	slotOf := func() (uint64, bool) {
		for it := f.Iterator(); it.Next(); {
			if it.Bucket() == bucket {
				return it.Slot(), true
			}
		}
		return 0, false
	}
	slot, ok := slotOf()
	if !ok {
		t.Fatal("key not stored in its bucket")
	}
	if age := f.qf.age(slot); age != 3 {
		t.Fatalf("age after 3 expansions = %d", age)
	}

	if !f.Rejuvenate(key) {
		t.Fatal("rejuvenate of a live key failed")
	}
	slot, _ = slotOf()
	if f.qf.getFingerprint(slot) != fresh || f.qf.age(slot) != 0 {
		t.Errorf("entry holds %b with age %d, want fresh %b", f.qf.getFingerprint(slot), f.qf.age(slot), fresh)
	}
	if !f.Has(key) {
		t.Error("key lost by rejuvenation")
	}

	other := []byte("never inserted")
	if !f.Has(other) && f.Rejuvenate(other) {
		t.Error("rejuvenate of an absent key reported success")
	}
}

func TestInfiniFilterAutoExpand(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	f, err := NewInfiniFilter(6, 3+8, WithAutoExpand(true))
	if err != nil {
		t.Fatal(err)
	}
	keys := generateRandomKeys(rng, 3000)
	for _, k := range keys {
		if _, err := f.Insert(k); err != nil {
			t.Fatal(err)
		}
	}
	if f.NumExpansions() == 0 {
		t.Fatal("filter never expanded")
	}
	for _, k := range keys {
		if !f.Has(k) {
			t.Fatalf("key %x lost", k)
		}
	}

	f.ExpandAutonomously(false)
	power := f.PowerOfTwo()
	extra := int(f.qf.maxEntriesBeforeExpansion-f.NumPhysicalEntries()) + 8
	for _, k := range generateRandomKeys(rng, extra) {
		if _, err := f.Insert(k); err != nil {
			t.Fatal(err)
		}
	}
	if f.PowerOfTwo() != power {
		t.Error("filter expanded with autonomous expansion off")
	}
}

func TestInfiniFilterGrowthLimit(t *testing.T) {
	f, err := NewInfiniFilter(4, 3+50, WithPolicy(Geometric))
	if err != nil {
		t.Fatal(err)
	}
	var expandErr error
	for i := 0; i < 20 && expandErr == nil; i++ {
		expandErr = f.Expand()
	}
	if !errors.Is(expandErr, ErrInvalidConfig) {
		t.Fatalf("growing past the slot width: %v", expandErr)
	}
	if f.FingerprintLength() > maxFingerprintLength {
		t.Errorf("fingerprint grew to %d bits", f.FingerprintLength())
	}
}
