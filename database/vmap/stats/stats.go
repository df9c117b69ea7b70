// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Virtual map metrics, labeled by the label of the map family.
var (
	mSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vmap",
		Name:      "size",
		Help:      "Number of entries in the latest copy of a virtual map",
	}, []string{"map"})
	mFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmap",
		Subsystem: "pipeline",
		Name:      "flushes",
		Help:      "Number of copies flushed to the data source",
	}, []string{"map"})
	mFlushDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vmap",
		Subsystem: "pipeline",
		Name:      "flush_duration",
		Help:      "Duration of the last flush in seconds",
	}, []string{"map"})
	mFlushedLeaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmap",
		Subsystem: "pipeline",
		Name:      "flushed_leaves",
		Help:      "Number of leaf records written or deleted by flushes",
	}, []string{"map"})
	mMerges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmap",
		Subsystem: "pipeline",
		Name:      "merges",
		Help:      "Number of copies merged into their successor",
	}, []string{"map"})
	mFlushBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vmap",
		Subsystem: "pipeline",
		Name:      "flush_backlog",
		Help:      "Number of copies waiting to be flushed",
	}, []string{"map"})
	mPipelineSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vmap",
		Subsystem: "pipeline",
		Name:      "size",
		Help:      "Number of copies tracked by the pipeline",
	}, []string{"map"})
	mThrottle = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmap",
		Subsystem: "pipeline",
		Name:      "throttle_seconds",
		Help:      "Total time copies were delayed by flush throttling",
	}, []string{"map"})
	mHashDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vmap",
		Subsystem: "hasher",
		Name:      "duration",
		Help:      "Duration of the last hashing round in seconds",
	}, []string{"map"})
	mHashedLeaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmap",
		Subsystem: "hasher",
		Name:      "leaves",
		Help:      "Number of dirty leaves hashed",
	}, []string{"map"})
	mReconnectLeaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmap",
		Subsystem: "reconnect",
		Name:      "leaves",
		Help:      "Number of leaves received during reconnects",
	}, []string{"map"})
	mReconnectNodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vmap",
		Subsystem: "reconnect",
		Name:      "nodes",
		Help:      "Number of nodes compared during reconnects, by outcome",
	}, []string{"map", "outcome"})
)

// Stats records the metrics of one virtual map family.
type Stats struct {
	label string
}

// For returns the stats recorder of the map family with the given label.
func For(label string) *Stats {
	return &Stats{label: label}
}

func (s *Stats) SetSize(size int64) {
	mSize.WithLabelValues(s.label).Set(float64(size))
}

func (s *Stats) RecordFlush(duration time.Duration, leaves int) {
	mFlushes.WithLabelValues(s.label).Inc()
	mFlushDuration.WithLabelValues(s.label).Set(duration.Seconds())
	mFlushedLeaves.WithLabelValues(s.label).Add(float64(leaves))
}

func (s *Stats) RecordMerge() {
	mMerges.WithLabelValues(s.label).Inc()
}

func (s *Stats) RecordFlushBacklog(size int) {
	mFlushBacklog.WithLabelValues(s.label).Set(float64(size))
}

func (s *Stats) RecordPipelineSize(size int) {
	mPipelineSize.WithLabelValues(s.label).Set(float64(size))
}

func (s *Stats) RecordThrottle(delay time.Duration) {
	mThrottle.WithLabelValues(s.label).Add(delay.Seconds())
}

func (s *Stats) RecordHashing(duration time.Duration, leaves int) {
	mHashDuration.WithLabelValues(s.label).Set(duration.Seconds())
	mHashedLeaves.WithLabelValues(s.label).Add(float64(leaves))
}

func (s *Stats) CountReconnectLeaf() {
	mReconnectLeaves.WithLabelValues(s.label).Inc()
}

// CountReconnectNode records the comparison of a node hash during a
// reconnect. Clean nodes matched the learner's original tree.
func (s *Stats) CountReconnectNode(clean bool) {
	outcome := "dirty"
	if clean {
		outcome = "clean"
	}
	mReconnectNodes.WithLabelValues(s.label, outcome).Inc()
}
