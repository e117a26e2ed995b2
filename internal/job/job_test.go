// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jontk/slurm-stepmgr/internal/bitmap"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "finished", StateFinished.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestNHostsAndCPUsPerNode(t *testing.T) {
	b := bitmap.New(3)
	b.Set(0)
	b.Set(2)
	j := &Job{NodeBitmap: b, CPUs: []int32{4, 4, 4}, CPUArrayUniform: true}

	assert.Equal(t, 2, j.NHosts())
	assert.Equal(t, int32(4), j.CPUsPerNode())
}

func TestTimeLimitSentinels(t *testing.T) {
	assert.True(t, IsUnlimited(TimeInfinite))
	assert.False(t, IsUnlimited(TimeUnset))
	assert.True(t, IsUnsetTimeLimit(TimeUnset))
	assert.False(t, IsUnsetTimeLimit(TimeInfinite))
}
