package main

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"infiniquotient/blockstore"
)

const metricsNamespace = "infiniquotient"

type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(store *blockstore.Filtered) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.duration,
		newStoreCollector(store),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) observe(route string, code int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// storeCollector reads the filtered store's counters at scrape time.
type storeCollector struct {
	store *blockstore.Filtered

	lookups      *prometheus.Desc
	writes       *prometheus.Desc
	entries      *prometheus.Desc
	expansions   *prometheus.Desc
	bitsPerEntry *prometheus.Desc
	sizeBits     *prometheus.Desc
	generation   *prometheus.Desc
	utilization  *prometheus.Desc
}

func newStoreCollector(store *blockstore.Filtered) *storeCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, labels, nil)
	}
	return &storeCollector{
		store:        store,
		lookups:      desc("filter_lookups_total", "Block lookups by how the filter answered them.", "result"),
		writes:       desc("block_writes_total", "Blocks added to or removed from the store.", "op"),
		entries:      desc("filter_entries", "Keys held by all filter generations."),
		expansions:   desc("filter_expansions", "Expansions of the current filter generation."),
		bitsPerEntry: desc("filter_bits_per_entry", "Filter size divided by the number of keys."),
		sizeBits:     desc("filter_size_bits", "Size of all filter generations."),
		generation:   desc("filter_generation_entries", "Keys held by one filter generation.", "role"),
		utilization:  desc("filter_generation_utilization", "Fraction of occupied slots of one filter generation.", "role"),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.lookups
	ch <- c.writes
	ch <- c.entries
	ch <- c.expansions
	ch <- c.bitsPerEntry
	ch <- c.sizeBits
	ch <- c.generation
	ch <- c.utilization
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.store.Stats()
	ch <- prometheus.MustNewConstMetric(c.lookups, prometheus.CounterValue, float64(stats.Skipped), "skipped")
	ch <- prometheus.MustNewConstMetric(c.lookups, prometheus.CounterValue, float64(stats.Hits), "hit")
	ch <- prometheus.MustNewConstMetric(c.lookups, prometheus.CounterValue, float64(stats.FalsePositives), "false_positive")
	ch <- prometheus.MustNewConstMetric(c.writes, prometheus.CounterValue, float64(stats.Puts), "put")
	ch <- prometheus.MustNewConstMetric(c.writes, prometheus.CounterValue, float64(stats.Removes), "rm")
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(stats.Entries))
	ch <- prometheus.MustNewConstMetric(c.expansions, prometheus.GaugeValue, float64(stats.Expansions))
	ch <- prometheus.MustNewConstMetric(c.bitsPerEntry, prometheus.GaugeValue, stats.BitsPerEntry)
	ch <- prometheus.MustNewConstMetric(c.sizeBits, prometheus.GaugeValue, float64(stats.SizeInBits))
	for _, g := range stats.Generations {
		ch <- prometheus.MustNewConstMetric(c.generation, prometheus.GaugeValue, float64(g.NumEntries), g.Role)
		ch <- prometheus.MustNewConstMetric(c.utilization, prometheus.GaugeValue, g.Utilization, g.Role)
	}
}
