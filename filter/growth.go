package filter

import (
	"fmt"
	"math"
	"strings"
)

// Policy decides how fast the target false positive rate of new generations
// shrinks, which keeps the cumulative rate across all generations bounded as
// the filter keeps expanding.
type Policy uint8

const (
	// Uniform keeps every generation at the original rate.
	Uniform Policy = iota
	// Polynomial divides the original rate by (n+1)^2 at generation n.
	Polynomial
	// Geometric divides the original rate by 2^n at generation n.
	Geometric
)

var policyNames = map[Policy]string{
	Uniform:    "uniform",
	Polynomial: "polynomial",
	Geometric:  "geometric",
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Policy(%d)", uint8(p))
}

func ParsePolicy(name string) (Policy, error) {
	for p, n := range policyNames {
		if strings.EqualFold(n, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown growth policy %q", ErrInvalidConfig, name)
}

// FingerprintBits returns the fingerprint length generation n needs so that
// its false positive rate meets the policy's target, starting from an
// original fingerprint of the given length.
func FingerprintBits(original, generation int, p Policy) int {
	fpr := math.Exp2(-float64(original))
	switch p {
	case Polynomial:
		n := float64(generation + 1)
		fpr /= n * n
	case Geometric:
		fpr /= math.Exp2(float64(generation))
	}
	return int(math.Ceil(-math.Log2(fpr)))
}

// ValidateGrowth checks that the fingerprint targets for generations
// 0..generations never shrink and always leave at least one fingerprint bit
// after the unary age terminator. Targets past the slot width are not an
// error here; expanding into them is.
func ValidateGrowth(original, generations int, p Policy) error {
	if original < minAgedFingerprintLength {
		return fmt.Errorf("%w: fingerprint of %d bits leaves no room for an age prefix", ErrInvalidConfig, original)
	}
	if _, ok := policyNames[p]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, p)
	}
	prev := FingerprintBits(original, 0, p)
	if prev != original {
		return fmt.Errorf("%w: generation 0 targets %d bits, want %d", ErrInvalidConfig, prev, original)
	}
	for n := 1; n <= generations; n++ {
		bits := FingerprintBits(original, n, p)
		if bits > maxFingerprintLength {
			break
		}
		if bits < prev {
			return fmt.Errorf("%w: %s growth shrinks fingerprints from %d to %d bits at generation %d",
				ErrInvalidConfig, p, prev, bits, n)
		}
		prev = bits
	}
	return nil
}
