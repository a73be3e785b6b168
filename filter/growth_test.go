package filter

import (
	"errors"
	"testing"
)

func TestFingerprintBits(t *testing.T) {
	tests := []struct {
		policy   Policy
		original int
		want     []int
	}{
		{Uniform, 8, []int{8, 8, 8, 8, 8}},
		{Polynomial, 8, []int{8, 10, 12, 12, 13}},
		{Geometric, 8, []int{8, 9, 10, 11, 12}},
		{Polynomial, 4, []int{4, 6, 8, 8, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			for n, want := range tt.want {
				if got := FingerprintBits(tt.original, n, tt.policy); got != want {
					t.Errorf("FingerprintBits(%d, %d, %s) = %d, want %d", tt.original, n, tt.policy, got, want)
				}
			}
		})
	}
}

func TestFingerprintBitsMonotonic(t *testing.T) {
	for _, p := range []Policy{Uniform, Polynomial, Geometric} {
		for original := minAgedFingerprintLength; original <= 16; original++ {
			prev := FingerprintBits(original, 0, p)
			for n := 1; n < 40; n++ {
				bits := FingerprintBits(original, n, p)
				if bits < prev {
					t.Fatalf("%s: generation %d of %d bits shrinks to %d", p, n, original, bits)
				}
				prev = bits
			}
		}
	}
}

func TestValidateGrowth(t *testing.T) {
	if err := ValidateGrowth(8, 30, Polynomial); err != nil {
		t.Errorf("ValidateGrowth(8, 30, polynomial) = %v", err)
	}
	if err := ValidateGrowth(1, 10, Uniform); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("one bit fingerprint accepted: %v", err)
	}
	if err := ValidateGrowth(8, 10, Policy(9)); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("unknown policy accepted: %v", err)
	}
	// Geometric growth outruns the slot width long before 2^40 buckets;
	// that is only an error once an expansion asks for it.
	if err := ValidateGrowth(40, 39, Geometric); err != nil {
		t.Errorf("ValidateGrowth(40, 39, geometric) = %v", err)
	}
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{Uniform, Polynomial, Geometric} {
		got, err := ParsePolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePolicy(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParsePolicy("exponential"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("ParsePolicy(exponential) error = %v", err)
	}
}
