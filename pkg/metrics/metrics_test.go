// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStepCreateTracksFailures(t *testing.T) {
	c := NewInMemoryCollector()
	c.RecordStepCreate("debug", true)
	c.RecordStepCreate("debug", false)

	stats := c.GetStats()
	assert.Equal(t, int64(2), stats.TotalStepCreates)
	assert.Equal(t, int64(1), stats.FailedStepCreates)
	assert.Equal(t, int64(1), stats.StepsByPartition["debug"])
}

func TestRecordStepCompleteTracksExitCodes(t *testing.T) {
	c := NewInMemoryCollector()
	c.RecordStepComplete("debug", 0)
	c.RecordStepComplete("debug", 1)
	c.RecordStepComplete("debug", 1)

	stats := c.GetStats()
	assert.Equal(t, int64(3), stats.TotalStepCompletes)
	assert.Equal(t, int64(1), stats.ExitCodeCounts[0])
	assert.Equal(t, int64(2), stats.ExitCodeCounts[1])
}

func TestRecordPlacementAggregatesMinMaxAverage(t *testing.T) {
	c := NewInMemoryCollector()
	c.RecordPlacement("node_picker", 10*time.Millisecond)
	c.RecordPlacement("node_picker", 30*time.Millisecond)

	stats := c.GetStats()
	require.Contains(t, stats.PlacementDuration, "node_picker")
	agg := stats.PlacementDuration["node_picker"]
	assert.Equal(t, int64(2), agg.Count)
	assert.Equal(t, 10*time.Millisecond, agg.Min)
	assert.Equal(t, 30*time.Millisecond, agg.Max)
	assert.Equal(t, 20*time.Millisecond, agg.Average)
}

func TestRecordAccountingError(t *testing.T) {
	c := NewInMemoryCollector()
	c.RecordAccountingError("cpu_underflow")
	c.RecordAccountingError("cpu_underflow")

	stats := c.GetStats()
	assert.Equal(t, int64(2), stats.AccountingErrors["cpu_underflow"])
}

func TestResetClearsCounters(t *testing.T) {
	c := NewInMemoryCollector()
	c.RecordStepCreate("debug", true)
	c.Reset()

	stats := c.GetStats()
	assert.Equal(t, int64(0), stats.TotalStepCreates)
	assert.Empty(t, stats.StepsByPartition)
}

func TestNoOpCollectorIsSafe(t *testing.T) {
	var c Collector = NoOpCollector{}
	c.RecordStepCreate("x", true)
	c.RecordStepComplete("x", 1)
	c.RecordPlacement("x", time.Second)
	c.RecordAccountingError("x")
	assert.NotNil(t, c.GetStats())
	c.Reset()
}

func TestDefaultCollectorRoundTrip(t *testing.T) {
	original := GetDefaultCollector()
	defer SetDefaultCollector(original)

	custom := NewInMemoryCollector()
	SetDefaultCollector(custom)
	assert.Same(t, Collector(custom), GetDefaultCollector())

	SetDefaultCollector(nil)
	assert.IsType(t, &NoOpCollector{}, GetDefaultCollector())
}
