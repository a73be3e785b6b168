package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/jedib0t/go-pretty/v6/table"

	"infiniquotient/filter"
)

type probeOptions struct {
	initial           int
	keys              int
	queries           int
	falsePositiveRate float64
	policy            string
	hash              string
	minLogSize        int
}

type probeResult struct {
	falsePositives int
	falseNegatives int
	stats          []filter.GenerationStats
	bitsPerEntry   float64
}

func (r probeResult) falsePositiveRate(queries int) float64 {
	if queries == 0 {
		return 0
	}
	return float64(r.falsePositives) / float64(queries)
}

func newUUIDKeys(n int) [][]byte {
	keys := make([][]byte, n)
	for i := range keys {
		id := uuid.New()
		keys[i] = id[:]
	}
	return keys
}

// runProbe sizes a chain for the initial keys, keeps inserting until it holds
// all of them, then measures false positives with keys never inserted.
func runProbe(w io.Writer, o probeOptions, logger hclog.Logger) (probeResult, error) {
	policy, err := filter.ParsePolicy(o.policy)
	if err != nil {
		return probeResult{}, err
	}
	hash, err := filter.ParseHashType(o.hash)
	if err != nil {
		return probeResult{}, err
	}
	if o.initial > o.keys {
		o.initial = o.keys
	}

	keys := newUUIDKeys(o.keys)
	start := time.Now()
	f, err := filter.Build(filter.Keys(keys[:o.initial]), o.falsePositiveRate,
		filter.WithPolicy(policy),
		filter.WithHashType(hash),
		filter.WithMinLogSize(o.minLogSize),
		filter.WithLogger(logger),
	)
	if err != nil {
		return probeResult{}, err
	}
	for _, k := range keys[o.initial:] {
		if _, err := f.Insert(k); err != nil {
			return probeResult{}, err
		}
	}
	inserted := time.Since(start)

	var res probeResult
	for _, k := range keys {
		if !f.Has(k) {
			res.falseNegatives++
		}
	}
	start = time.Now()
	for _, k := range newUUIDKeys(o.queries) {
		if f.Has(k) {
			res.falsePositives++
		}
	}
	queried := time.Since(start)
	res.stats = f.Stats()
	res.bitsPerEntry = f.MeasureBitsPerEntry()

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"generation", "buckets", "fp bits", "expansions", "keys", "slots used", "util", "size"})
	for _, g := range res.stats {
		tbl.AppendRow(table.Row{
			g.Role,
			humanize.Comma(int64(1) << g.PowerOfTwo),
			g.FingerprintLength,
			g.NumExpansions,
			humanize.Comma(int64(g.NumEntries)),
			humanize.Comma(int64(g.NumPhysical)),
			fmt.Sprintf("%.2f", g.Utilization),
			humanize.Bytes(g.SizeInBits / 8),
		})
	}
	tbl.AppendFooter(table.Row{"total", "", "", "", humanize.Comma(int64(f.NumEntries(true))), "", "",
		humanize.Bytes(f.SizeInBits() / 8)})
	tbl.Render()

	fmt.Fprintf(w, "inserted %s keys in %s, %.2f bits per key\n",
		humanize.Comma(int64(o.keys)), inserted.Round(time.Millisecond), res.bitsPerEntry)
	fmt.Fprintf(w, "false positives: %s of %s queries (%.4f%%, target %.4f%%) in %s\n",
		humanize.Comma(int64(res.falsePositives)), humanize.Comma(int64(o.queries)),
		100*res.falsePositiveRate(o.queries), 100*o.falsePositiveRate, queried.Round(time.Millisecond))
	if res.falseNegatives > 0 {
		return res, fmt.Errorf("%d inserted keys not found", res.falseNegatives)
	}
	return res, nil
}
