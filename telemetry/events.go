// Copyright 2024 The Chainindex Authors
// This file is part of Chainindex.
//
// Chainindex is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Chainindex is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Chainindex. If not, see <http://www.gnu.org/licenses/>.

package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Events is the fire-and-forget observability sink the dispatch and
// store packages are handed. Nothing here can fail or block a caller;
// every method is a gauge set, a counter bump, or a histogram
// observation.
type Events interface {
	// QueueSize records the current depth of a named bounded queue
	// (dispatch.Serial reports C1's pending heights as "heights").
	QueueSize(queue string, depth int)

	// Progress records the height of the block the dispatcher most
	// recently handed to indexing.
	Progress(height uint64)

	// FlushDuration records how long one store flush took.
	FlushDuration(seconds float64)

	// FetchDuration records how long one FetchBlocksBatches call took,
	// when the profiler config option is enabled.
	FetchDuration(seconds float64)

	// CacheLookup records a cache hit or miss for a named cache
	// (entity table name, or "_metadata").
	CacheLookup(cache string, hit bool)
}

// PromEvents is the Events implementation backing a real deployment,
// registered against a prometheus.Registerer.
type PromEvents struct {
	queueSize     *prometheus.GaugeVec
	progress      prometheus.Gauge
	flushDuration prometheus.Histogram
	fetchDuration prometheus.Histogram
	cacheLookups  *prometheus.CounterVec
}

// NewPromEvents registers the indexer's metrics against reg and
// returns a ready-to-use Events.
func NewPromEvents(reg prometheus.Registerer) (*PromEvents, error) {
	e := &PromEvents{
		queueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chainindex",
			Name:      "queue_depth",
			Help:      "Current depth of a bounded internal queue.",
		}, []string{"queue"}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainindex",
			Name:      "watermark_height",
			Help:      "Height of the block the dispatcher most recently started indexing.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chainindex",
			Name:      "flush_duration_seconds",
			Help:      "Wall-clock time spent in one store flush.",
			Buckets:   prometheus.DefBuckets,
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chainindex",
			Name:      "fetch_duration_seconds",
			Help:      "Wall-clock time spent in one FetchBlocksBatches call (profiler enabled).",
			Buckets:   prometheus.DefBuckets,
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainindex",
			Name:      "cache_lookups_total",
			Help:      "Entity/metadata cache lookups, partitioned by hit/miss.",
		}, []string{"cache", "result"}),
	}
	for _, c := range []prometheus.Collector{e.queueSize, e.progress, e.flushDuration, e.fetchDuration, e.cacheLookups} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *PromEvents) QueueSize(queue string, depth int) {
	e.queueSize.WithLabelValues(queue).Set(float64(depth))
}

func (e *PromEvents) Progress(height uint64) {
	e.progress.Set(float64(height))
}

func (e *PromEvents) FlushDuration(seconds float64) {
	e.flushDuration.Observe(seconds)
}

func (e *PromEvents) FetchDuration(seconds float64) {
	e.fetchDuration.Observe(seconds)
}

func (e *PromEvents) CacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	e.cacheLookups.WithLabelValues(cache, result).Inc()
}

// NopEvents discards every event; useful in tests that don't care
// about observability.
type NopEvents struct{}

func (NopEvents) QueueSize(string, int)    {}
func (NopEvents) Progress(uint64)          {}
func (NopEvents) FlushDuration(float64)    {}
func (NopEvents) FetchDuration(float64)    {}
func (NopEvents) CacheLookup(string, bool) {}

var (
	_ Events = (*PromEvents)(nil)
	_ Events = NopEvents{}
)
