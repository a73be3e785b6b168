package filter

import "github.com/hashicorp/go-hclog"

const (
	defaultExpansionThreshold = 0.8
	defaultMinLogSize         = 17
)

type options struct {
	hashType           HashType
	policy             Policy
	expansionThreshold float64
	autoExpand         bool
	minLogSize         int
	logger             hclog.Logger
}

// Option configures a filter at construction time.
type Option func(*options)

func defaultOptions() options {
	return options{
		hashType:           HashXXH,
		policy:             Uniform,
		expansionThreshold: defaultExpansionThreshold,
		minLogSize:         defaultMinLogSize,
		logger:             hclog.NewNullLogger(),
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithHashType selects the hash family used to derive buckets and
// fingerprints from keys.
func WithHashType(h HashType) Option {
	return func(o *options) { o.hashType = h }
}

// WithPolicy selects how the fingerprint length of new generations grows.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithExpansionThreshold sets the load factor that triggers an expansion.
func WithExpansionThreshold(threshold float64) Option {
	return func(o *options) { o.expansionThreshold = threshold }
}

// WithAutoExpand makes inserts expand the filter once the load factor
// threshold is crossed.
func WithAutoExpand(enabled bool) Option {
	return func(o *options) { o.autoExpand = enabled }
}

// WithMinLogSize sets the smallest table Build will allocate, as a power of two.
func WithMinLogSize(logSize int) Option {
	return func(o *options) { o.minLogSize = logSize }
}

func WithLogger(logger hclog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
