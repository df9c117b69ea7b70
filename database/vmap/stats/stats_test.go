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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestStats_CountersAreLabeledByMap(t *testing.T) {
	require := require.New(t)
	a := For("stats-test-a")
	b := For("stats-test-b")

	a.RecordMerge()
	a.RecordMerge()
	b.RecordMerge()

	require.Equal(2.0, testutil.ToFloat64(mMerges.WithLabelValues("stats-test-a")))
	require.Equal(1.0, testutil.ToFloat64(mMerges.WithLabelValues("stats-test-b")))
}

func TestStats_FlushUpdatesAllFlushMetrics(t *testing.T) {
	require := require.New(t)
	s := For("stats-test-flush")

	s.RecordFlush(2*time.Second, 5)
	s.RecordFlush(time.Second, 3)

	require.Equal(2.0, testutil.ToFloat64(mFlushes.WithLabelValues("stats-test-flush")))
	require.Equal(1.0, testutil.ToFloat64(mFlushDuration.WithLabelValues("stats-test-flush")))
	require.Equal(8.0, testutil.ToFloat64(mFlushedLeaves.WithLabelValues("stats-test-flush")))
}

func TestStats_GaugesHoldLastValue(t *testing.T) {
	require := require.New(t)
	s := For("stats-test-gauges")

	s.SetSize(10)
	s.SetSize(7)
	s.RecordFlushBacklog(3)
	s.RecordPipelineSize(4)

	require.Equal(7.0, testutil.ToFloat64(mSize.WithLabelValues("stats-test-gauges")))
	require.Equal(3.0, testutil.ToFloat64(mFlushBacklog.WithLabelValues("stats-test-gauges")))
	require.Equal(4.0, testutil.ToFloat64(mPipelineSize.WithLabelValues("stats-test-gauges")))
}

func TestStats_ReconnectNodesAreCountedByOutcome(t *testing.T) {
	require := require.New(t)
	s := For("stats-test-reconnect")

	s.CountReconnectNode(true)
	s.CountReconnectNode(false)
	s.CountReconnectNode(false)
	s.CountReconnectLeaf()

	require.Equal(1.0, testutil.ToFloat64(mReconnectNodes.WithLabelValues("stats-test-reconnect", "clean")))
	require.Equal(2.0, testutil.ToFloat64(mReconnectNodes.WithLabelValues("stats-test-reconnect", "dirty")))
	require.Equal(1.0, testutil.ToFloat64(mReconnectLeaves.WithLabelValues("stats-test-reconnect")))
}
