// Package filter implements approximate membership filters based on
// quotienting: a key's hash is split into a bucket address and a short
// fingerprint stored in a compact table of fixed-width slots.
//
// QuotientFilter is the fixed-size table. InfiniFilter doubles the table
// whenever it fills up, trading one fingerprint bit per expansion for space
// and tracking the loss in a unary age prefix. ChainedInfiniFilter keeps the
// oldest entries in smaller side generations so that fingerprints never run
// out. All three report no false negatives for keys inserted and not
// deleted.
//
// None of the filters are safe for concurrent mutation.
package filter

// Membership is the key-level contract shared by every filter in the
// package.
type Membership interface {
	Insert(key []byte) (bool, error)
	Has(key []byte) bool
	Delete(key []byte) bool
	Expand() error
}

var (
	_ Membership = (*QuotientFilter)(nil)
	_ Membership = (*InfiniFilter)(nil)
	_ Membership = (*ChainedInfiniFilter)(nil)
)
