// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/slurm-stepmgr/internal/accounting"
	"github.com/jontk/slurm-stepmgr/internal/bitmap"
	"github.com/jontk/slurm-stepmgr/internal/coreselect"
	"github.com/jontk/slurm-stepmgr/internal/events"
	"github.com/jontk/slurm-stepmgr/internal/job"
	"github.com/jontk/slurm-stepmgr/internal/layout"
	"github.com/jontk/slurm-stepmgr/internal/plugins"
	"github.com/jontk/slurm-stepmgr/pkg/config"
	stepmgrerrors "github.com/jontk/slurm-stepmgr/pkg/errors"
)

type recordingAgent struct {
	messages []plugins.AgentMessage
}

func (r *recordingAgent) Dispatch(msg plugins.AgentMessage) {
	r.messages = append(r.messages, msg)
}

type recordingCheckpoint struct {
	plugins.NoneCheckpoint
	calls []uint32
}

func (c *recordingCheckpoint) Op(_ context.Context, _, stepID uint32, _ string, _ string) (time.Time, int32, string, error) {
	c.calls = append(c.calls, stepID)
	return time.Now(), 0, "", nil
}

type allUpInventory struct{ n int }

func (a allUpInventory) UpNodes() *bitmap.Bitmap {
	b := bitmap.New(a.n)
	b.SetAll()
	return b
}
func (a allUpInventory) PowerSaveOrNoRespond(int) bool                { return false }
func (a allUpInventory) ParseNodeList(string) (*bitmap.Bitmap, error) { return nil, nil }

func newTestManager(t *testing.T) (*Manager, *job.Job) {
	t.Helper()
	nb := bitmap.New(2)
	nb.SetAll()
	j := &job.Job{
		ID:                1,
		OwnerUID:          100,
		NodeBitmap:        nb,
		CPUs:              []int32{4, 4},
		CPUsUsed:          []int32{0, 0},
		MemoryAllocatedMB: []uint64{8192, 8192},
		MemoryUsedMB:      []uint64{0, 0},
		CPUArrayUniform:   true,
		State:             job.StateRunning,
	}
	cfg := config.DefaultConfig()
	mgr := &Manager{
		Job:    j,
		Cfg:    cfg,
		Acct:   accounting.NewContext(true, nil, nil),
		Rot:    coreselect.NewRotationState(),
		Switch: plugins.NoneSwitch{},
		Ckpt:   plugins.NoneCheckpoint{},
		Gres:   plugins.NoneGres{},
		AcctDB: plugins.NoneAccountingStorage{},
		Inv:    allUpInventory{2},
	}
	return mgr, j
}

func TestStepCreateScenario1BalancedPlacement(t *testing.T) {
	mgr, j := newTestManager(t)

	step, err := mgr.StepCreate(CreateRequest{
		UID:         100,
		NumTasks:    4,
		CPUsPerTask: 1,
		MemPerCPUMB: 1024,
		TaskDist:    layout.DistBlock,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, step.StepNodeBitmap.Count())
	assert.Equal(t, []int32{2, 2}, step.Layout.Tasks)
	assert.Equal(t, int32(2), j.CPUsUsed[0])
	assert.Equal(t, int32(2), j.CPUsUsed[1])

	require.NoError(t, mgr.Complete(step.StepID, 0))
	assert.Equal(t, int32(0), j.CPUsUsed[0])
	assert.Equal(t, int32(0), j.CPUsUsed[1])
	assert.Equal(t, uint64(0), j.MemoryUsedMB[0])
}

func TestStepCreateRejectsWrongOwner(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.StepCreate(CreateRequest{UID: 999, NumTasks: 1, CPUsPerTask: 1, TaskDist: layout.DistBlock})
	require.Error(t, err)
	assert.Equal(t, stepmgrerrors.CodeAccessDenied, stepmgrerrors.CodeOf(err))
}

func TestStepCreateTooManyStepsAtReservedBase(t *testing.T) {
	mgr, j := newTestManager(t)
	j.NextStepID = mgr.Cfg.StepIDReservedBase

	_, err := mgr.StepCreate(CreateRequest{UID: 100, NumTasks: 1, CPUsPerTask: 1, TaskDist: layout.DistBlock})
	require.Error(t, err)
	assert.Equal(t, stepmgrerrors.CodeTooManySteps, stepmgrerrors.CodeOf(err))
}

func TestStepCreateBadTaskCountExceedsMaxTasksPerNode(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.Cfg.MaxTasksPerNode = 1

	_, err := mgr.StepCreate(CreateRequest{UID: 100, NumTasks: 100, CPUsPerTask: 1, TaskDist: layout.DistBlock})
	require.Error(t, err)
	assert.Equal(t, stepmgrerrors.CodeBadTaskCount, stepmgrerrors.CodeOf(err))
}

func TestDoubleCompleteReturnsAlreadyDone(t *testing.T) {
	mgr, _ := newTestManager(t)
	step, err := mgr.StepCreate(CreateRequest{UID: 100, NumTasks: 2, CPUsPerTask: 1, TaskDist: layout.DistBlock})
	require.NoError(t, err)

	require.NoError(t, mgr.Complete(step.StepID, 0))
	err = mgr.Complete(step.StepID, 0)
	require.Error(t, err)
	assert.Equal(t, stepmgrerrors.CodeAlreadyDone, stepmgrerrors.CodeOf(err))
}

func TestBatchStepCompletionDoesNotRemoveRecord(t *testing.T) {
	mgr, _ := newTestManager(t)
	step, err := mgr.StepCreate(CreateRequest{UID: 100, NumTasks: 1, CPUsPerTask: 1, Batch: true, TaskDist: layout.DistBlock})
	require.NoError(t, err)
	assert.Nil(t, step.Layout)

	res, err := mgr.PartialComplete(step.StepID, PartialCompleteReport{RC: 3})
	require.NoError(t, err)
	assert.Equal(t, int32(3), res.ExitCode)

	found, err := mgr.registry().Find(step.StepID)
	require.NoError(t, err)
	assert.Equal(t, int32(3), found.ExitCode)
}

func TestPartialCompleteAggregatesMaxExitCode(t *testing.T) {
	mgr, _ := newTestManager(t)
	step, err := mgr.StepCreate(CreateRequest{UID: 100, NumTasks: 2, CPUsPerTask: 1, TaskDist: layout.DistBlock})
	require.NoError(t, err)

	res, err := mgr.PartialComplete(step.StepID, PartialCompleteReport{RangeFirst: 0, RangeLast: 0, RC: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)

	res, err = mgr.PartialComplete(step.StepID, PartialCompleteReport{RangeFirst: 1, RangeLast: 1, RC: 7})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, int32(7), res.ExitCode)
}

func TestPartialCompleteRejectsInvalidRange(t *testing.T) {
	mgr, _ := newTestManager(t)
	step, err := mgr.StepCreate(CreateRequest{UID: 100, NumTasks: 2, CPUsPerTask: 1, TaskDist: layout.DistBlock})
	require.NoError(t, err)

	_, err = mgr.PartialComplete(step.StepID, PartialCompleteReport{RangeFirst: 1, RangeLast: 0})
	assert.Error(t, err)

	_, err = mgr.PartialComplete(step.StepID, PartialCompleteReport{RangeFirst: 0, RangeLast: 5})
	assert.Error(t, err)
}

func TestTimeLimitSweepDispatchesOnExpiry(t *testing.T) {
	mgr, _ := newTestManager(t)
	step, err := mgr.StepCreate(CreateRequest{UID: 100, NumTasks: 1, CPUsPerTask: 1, TaskDist: layout.DistBlock, TimeLimitMin: 1})
	require.NoError(t, err)

	agent := &recordingAgent{}
	mgr.Agent = agent

	realNow := nowFunc
	defer func() { nowFunc = realNow }()
	expired := step.StartTime.Add(61 * time.Second)
	nowFunc = func() time.Time { return expired }

	mgr.TimeLimitSweep()
	require.Len(t, agent.messages, 1)
	assert.Equal(t, "step_timelimit", agent.messages[0].MsgType)

	found, err := mgr.registry().Find(step.StepID)
	require.NoError(t, err)
	assert.Equal(t, step.StepID, found.StepID)
}

func TestStepCreatePublishesStepCreatedEvent(t *testing.T) {
	mgr, _ := newTestManager(t)
	bus := events.NewBus()
	mgr.Events = bus
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	step, err := mgr.StepCreate(CreateRequest{UID: 100, NumTasks: 1, CPUsPerTask: 1, TaskDist: layout.DistBlock})
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, events.KindStepCreated, ev.Kind)
	assert.Equal(t, step.StepID, ev.StepID)
}

func TestCheckpointSweepIssuesCreateAfterInterval(t *testing.T) {
	mgr, _ := newTestManager(t)
	ckpt := &recordingCheckpoint{}
	mgr.Ckpt = ckpt

	step, err := mgr.StepCreate(CreateRequest{UID: 100, NumTasks: 1, CPUsPerTask: 1, TaskDist: layout.DistBlock})
	require.NoError(t, err)
	step.CkptInterval = time.Minute
	step.StartTime = time.Now().Add(-2 * time.Minute)
	step.CkptTime = step.StartTime

	mgr.CheckpointSweep(context.Background())
	require.Len(t, ckpt.calls, 1)
	assert.Equal(t, step.StepID, ckpt.calls[0])
}

func TestSuspendResumeBookkeeping(t *testing.T) {
	mgr, _ := newTestManager(t)
	step, err := mgr.StepCreate(CreateRequest{UID: 100, NumTasks: 1, CPUsPerTask: 1, TaskDist: layout.DistBlock})
	require.NoError(t, err)

	require.NoError(t, mgr.Suspend(step.StepID))
	assert.Greater(t, step.PreSusTime, time.Duration(0))

	require.NoError(t, mgr.Resume(step.StepID))
	assert.Greater(t, step.TotSusTime, time.Duration(0))
}
