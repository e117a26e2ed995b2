// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/slurm-stepmgr/internal/bitmap"
	"github.com/jontk/slurm-stepmgr/internal/job"
	"github.com/jontk/slurm-stepmgr/internal/plugins"
)

func TestDumpLoadRoundTrip(t *testing.T) {
	j := &job.Job{ID: 1, NextStepID: 3}
	step := &job.Step{
		StepID:         0,
		StepNodeBitmap: bitmap.FromIndices(4, []int{0, 2}),
		CoreBitmapJob:  bitmap.FromIndices(8, []int{0, 1}),
		NumTasks:       2,
		CPUsPerTask:    1,
		Layout:         &job.StepLayout{NodeList: []string{"n0", "n2"}, Tasks: []int32{1, 1}},
		ExitCode:       job.ExitCodeUnset,
	}
	j.StepList = append(j.StepList, step)

	snap := Dump(j)
	assert.Equal(t, FormatVersion, snap.Version)
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, absentCount, snap.Steps[0].ExitNodeCount)

	j2 := &job.Job{ID: 1}
	require.NoError(t, Load(j2, snap, plugins.NoneSwitch{}))
	require.Len(t, j2.StepList, 1)
	assert.Equal(t, uint32(3), j2.NextStepID)
	assert.Equal(t, []int{0, 2}, j2.StepList[0].StepNodeBitmap.Indices())
	assert.Equal(t, []int32{1, 1}, j2.StepList[0].Layout.Tasks)
	assert.Nil(t, j2.StepList[0].ExitNodeBitmap)
}

func TestDumpCapturesExitNodeBitmapOnceStarted(t *testing.T) {
	j := &job.Job{ID: 1}
	step := &job.Step{StepID: 0, ExitNodeBitmap: bitmap.FromIndices(2, []int{0})}
	j.StepList = append(j.StepList, step)

	snap := Dump(j)
	assert.Equal(t, 2, snap.Steps[0].ExitNodeCount)

	j2 := &job.Job{}
	require.NoError(t, Load(j2, snap, nil))
	assert.Equal(t, []int{0}, j2.StepList[0].ExitNodeBitmap.Indices())
}
