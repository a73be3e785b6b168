package filter

import "errors"

var (
	// ErrTableOverflow is returned when a cluster would run past the
	// extension slots at the end of the table. An insert that overflows
	// leaves the table untouched and an expansion that overflows is undone
	// as a whole. It means the filter was sized too small for the observed
	// collisions and must not be ignored.
	ErrTableOverflow = errors.New("filter: table overflow past extension slots")

	// ErrUnsupportedHash is returned for a hash family the filter does not
	// know how to compute.
	ErrUnsupportedHash = errors.New("filter: unsupported hash type")

	// ErrInvalidConfig is returned when a filter is constructed or grown with
	// parameters it cannot honour.
	ErrInvalidConfig = errors.New("filter: invalid configuration")

	// ErrRejuvenationInvariant is returned when a key removed from an older
	// generation during rejuvenation could not be re-inserted into the
	// current one.
	ErrRejuvenationInvariant = errors.New("filter: rejuvenated key lost between generations")
)
