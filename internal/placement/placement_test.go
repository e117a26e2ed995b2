// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/slurm-stepmgr/internal/accounting"
	"github.com/jontk/slurm-stepmgr/internal/bitmap"
	"github.com/jontk/slurm-stepmgr/internal/job"
	"github.com/jontk/slurm-stepmgr/internal/plugins"
	stepmgrerrors "github.com/jontk/slurm-stepmgr/pkg/errors"
)

type allUpInventory struct{ n int }

func (a allUpInventory) UpNodes() *bitmap.Bitmap {
	b := bitmap.New(a.n)
	b.SetAll()
	return b
}
func (a allUpInventory) PowerSaveOrNoRespond(int) bool { return false }
func (a allUpInventory) ParseNodeList(string) (*bitmap.Bitmap, error) {
	return nil, nil
}

func twoNodeJob() *job.Job {
	nb := bitmap.New(2)
	nb.SetAll()
	return &job.Job{
		ID:                1,
		NodeBitmap:        nb,
		CPUs:              []int32{4, 4},
		CPUsUsed:          []int32{0, 0},
		MemoryAllocatedMB: []uint64{8192, 8192},
		MemoryUsedMB:      []uint64{0, 0},
		CPUArrayUniform:   true,
		State:             job.StateRunning,
	}
}

func TestScenario1BalancedNonExclusivePlacement(t *testing.T) {
	j := twoNodeJob()
	acct := accounting.NewContext(true, nil, nil)
	deps := Deps{Acct: acct, Gres: plugins.NoneGres{}, Inventory: allUpInventory{2}}

	res, err := PickNodes(j, Request{
		NumTasks:    4,
		CPUsPerTask: 1,
		MemPerCPUMB: 1024,
		MaxTasksPerNode: 512,
	}, deps)

	require.NoError(t, err)
	assert.Equal(t, 2, res.NodeBitmap.Count())
}

func TestScenario2ExclusiveSecondStepBusy(t *testing.T) {
	j := twoNodeJob()
	acct := accounting.NewContext(true, nil, nil)
	deps := Deps{Acct: acct, Gres: plugins.NoneGres{}, Inventory: allUpInventory{2}}

	req := Request{NumTasks: 4, CPUsPerTask: 1, Exclusive: true, MaxTasksPerNode: 512}
	res, err := PickNodes(j, req, deps)
	require.NoError(t, err)

	for _, n := range localIndices(j, res.NodeBitmap) {
		acct.Debit(j, n, j.CPUs[n], 0)
	}

	_, err = PickNodes(j, req, deps)
	require.Error(t, err)
	assert.Equal(t, stepmgrerrors.CodeNodesBusy, stepmgrerrors.CodeOf(err))
	assert.True(t, stepmgrerrors.IsRetryable(err))
}

func TestInvalidNodeCountWhenMaxBelowMin(t *testing.T) {
	j := twoNodeJob()
	acct := accounting.NewContext(true, nil, nil)
	deps := Deps{Acct: acct, Gres: plugins.NoneGres{}, Inventory: allUpInventory{2}}

	_, err := PickNodes(j, Request{MinNodes: 2, MaxNodes: 1}, deps)
	require.Error(t, err)
	assert.Equal(t, stepmgrerrors.CodeInvalidNodeCount, stepmgrerrors.CodeOf(err))
}

func TestConfigUnavailableWhenJobHasNoNodes(t *testing.T) {
	j := twoNodeJob()
	j.NodeBitmap = bitmap.New(0)
	acct := accounting.NewContext(true, nil, nil)
	deps := Deps{Acct: acct, Gres: plugins.NoneGres{}, Inventory: allUpInventory{0}}

	_, err := PickNodes(j, Request{NumTasks: 1}, deps)
	require.Error(t, err)
	assert.Equal(t, stepmgrerrors.CodeConfigUnavailable, stepmgrerrors.CodeOf(err))
}

func TestOvercommitAllowsTasksAboveCPUCapacity(t *testing.T) {
	j := twoNodeJob()
	acct := accounting.NewContext(true, nil, nil)
	deps := Deps{Acct: acct, Gres: plugins.NoneGres{}, Inventory: allUpInventory{2}}

	res, err := PickNodes(j, Request{
		NumTasks:        16,
		CPUsPerTask:     1,
		Overcommit:      true,
		MaxTasksPerNode: 512,
	}, deps)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NodeBitmap.Count())
}
