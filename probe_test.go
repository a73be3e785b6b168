package main

import (
	"bytes"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunProbe(t *testing.T) {
	var out bytes.Buffer
	o := probeOptions{
		initial:           2000,
		keys:              20000,
		queries:           20000,
		falsePositiveRate: 0.01,
		policy:            "polynomial",
		hash:              "xxh",
		minLogSize:        8,
	}
	res, err := runProbe(&out, o, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Log("\n" + out.String())

	assert.Zero(t, res.falseNegatives)
	assert.Less(t, res.falsePositiveRate(o.queries), 0.02)
	assert.NotEmpty(t, res.stats)
	assert.Equal(t, "current", res.stats[0].Role)
	assert.Greater(t, res.stats[0].NumExpansions, 0)
	assert.Contains(t, out.String(), "current")
	assert.Contains(t, out.String(), "false positives")
}

func TestRunProbeRejectsUnknownPolicy(t *testing.T) {
	_, err := runProbe(&bytes.Buffer{}, probeOptions{policy: "linear", hash: "xxh"}, hclog.NewNullLogger())
	assert.Error(t, err)
}
