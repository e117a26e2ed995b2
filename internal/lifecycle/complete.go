// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"time"

	"github.com/jontk/slurm-stepmgr/internal/bitmap"
	"github.com/jontk/slurm-stepmgr/internal/events"
	"github.com/jontk/slurm-stepmgr/internal/job"
	"github.com/jontk/slurm-stepmgr/internal/plugins"
	stepmgrerrors "github.com/jontk/slurm-stepmgr/pkg/errors"
)

// PartialCompleteReport is a stepd's (range_first, range_last, rc,
// jobacct delta) report. The range indices are zero-origin into the
// step's own node bitmap, not absolute cluster node indices.
type PartialCompleteReport struct {
	RangeFirst int
	RangeLast  int
	RC         int32
}

// PartialCompleteResult reports the step's remaining uncompleted node
// count after applying a report.
type PartialCompleteResult struct {
	Remaining int
	ExitCode  int32
}

// PartialComplete implements spec §4.F's partial-completion handling.
// Batch steps short-circuit: they have no layout and no bitmap, so a
// single completion just records exit_code without registry removal.
func (m *Manager) PartialComplete(stepID uint32, report PartialCompleteReport) (*PartialCompleteResult, error) {
	step, err := m.registry().Find(stepID)
	if err != nil {
		return nil, err
	}

	if step.Batch {
		step.ExitCode = maxI32(step.ExitCode, report.RC)
		return &PartialCompleteResult{Remaining: 0, ExitCode: step.ExitCode}, nil
	}

	nNodes := step.StepNodeBitmap.Count()
	if report.RangeLast < report.RangeFirst || report.RangeLast >= nNodes {
		return nil, stepmgrerrors.Newf(stepmgrerrors.CodeInvalidStepID,
			"partial completion range [%d,%d] invalid for %d step nodes", report.RangeFirst, report.RangeLast, nNodes)
	}

	if step.ExitNodeBitmap == nil {
		step.ExitNodeBitmap = bitmap.New(nNodes)
		step.ExitCode = report.RC
	} else {
		step.ExitCode = maxI32(step.ExitCode, report.RC)
	}

	step.ExitNodeBitmap.SetRange(report.RangeFirst, report.RangeLast+1)
	remaining := nNodes - step.ExitNodeBitmap.Count()

	if remaining == 0 {
		if m.Switch != nil && step.SwitchJob != nil {
			_ = m.Switch.JobStepComplete(step.SwitchJob, stepNodeList(step))
			_ = m.Switch.FreeJobinfo(step.SwitchJob)
		}
	} else if m.Switch != nil && step.SwitchJob != nil && m.Switch.PartComp() {
		nodeRange := stepNodeRange(step, report.RangeFirst, report.RangeLast)
		_ = m.Switch.JobStepPartComp(step.SwitchJob, nodeRange)
	}

	return &PartialCompleteResult{Remaining: remaining, ExitCode: step.ExitCode}, nil
}

// stepNodeRange translates a [first,last] step-local index range into the
// node names at that range, in the step's layout order.
func stepNodeRange(step *job.Step, first, last int) []string {
	if step.Layout == nil {
		return nil
	}
	if last >= len(step.Layout.NodeList) {
		last = len(step.Layout.NodeList) - 1
	}
	return append([]string(nil), step.Layout.NodeList[first:last+1]...)
}

// Complete implements spec §4.F's full completion: release CPUs, memory,
// cores and GRES, raise the job's derived exit code, then remove the step
// from the registry. Completing an already-removed step returns
// already-done rather than invalid-step-id, since by the time a second
// completion RPC arrives the step id was valid a moment ago.
func (m *Manager) Complete(stepID uint32, rc int32) error {
	reg := m.registry()
	step, err := reg.Find(stepID)
	if err != nil {
		return stepmgrerrors.New(stepmgrerrors.CodeAlreadyDone, "step already completed")
	}

	step.ExitCode = maxI32(step.ExitCode, rc)
	m.Job.DerivedExitCode = maxI32(m.Job.DerivedExitCode, step.ExitCode)

	if !step.Batch {
		localNodes := placementLocalIndices(m.Job, step.StepNodeBitmap)
		perTask := maxI32(step.CPUsPerTask, 1)
		for i, n := range localNodes {
			tasks := int32(0)
			if step.Layout != nil && i < len(step.Layout.Tasks) {
				tasks = step.Layout.Tasks[i]
			}
			m.Acct.Credit(m.Job, n, tasks*perTask, step.MemPerCPUMB*uint64(perTask)*uint64(tasks))
		}
		if step.CoreBitmapJob != nil {
			m.Acct.CreditCores(m.Job, step)
		}
		if m.Switch != nil && step.SwitchJob != nil {
			_ = m.Switch.FreeJobinfo(step.SwitchJob)
		}
	}

	if m.Gres != nil && step.GresList != nil {
		localNodes := placementLocalIndices(m.Job, step.StepNodeBitmap)
		for _, n := range localNodes {
			_ = m.Gres.StepDealloc(step.GresList, m.Job.GresList, n)
		}
	}

	if m.Ckpt != nil && step.CheckJob != nil {
		_ = m.Ckpt.FreeJobinfo(step.CheckJob)
	}

	if m.AcctDB != nil {
		_ = m.AcctDB.StepComplete(m.Job.ID, step.StepID, step.ExitCode)
	}

	reg.Remove(step.StepID)
	m.metricsSink().RecordStepComplete("", step.ExitCode)
	m.publish(events.StepEvent{Kind: events.KindStepCompleted, JobID: m.Job.ID, StepID: step.StepID, ExitCode: step.ExitCode})
	return nil
}

// Suspend implements spec §4.F's suspend bookkeeping: pure time
// accounting, no resource release.
func (m *Manager) Suspend(stepID uint32) error {
	step, err := m.registry().Find(stepID)
	if err != nil {
		return err
	}
	base := step.StartTime
	if m.Job.SuspendTime.After(base) {
		base = m.Job.SuspendTime
	}
	step.PreSusTime += nowFunc().Sub(base)
	return nil
}

// Resume implements spec §4.F's resume bookkeeping.
func (m *Manager) Resume(stepID uint32) error {
	step, err := m.registry().Find(stepID)
	if err != nil {
		return err
	}
	base := step.StartTime
	if m.Job.SuspendTime.After(step.StartTime) {
		base = m.Job.SuspendTime
	}
	step.TotSusTime += nowFunc().Sub(base)
	return nil
}

// TimeLimitSweep implements spec §4.F's periodic time-limit enforcement.
// Only jobs in state running are swept; steps with an INFINITE or UNSET
// time limit are skipped.
func (m *Manager) TimeLimitSweep() {
	if m.Job.State != job.StateRunning {
		return
	}
	now := nowFunc()
	for _, step := range m.registry().All() {
		if job.IsUnlimited(step.TimeLimitMin) || job.IsUnsetTimeLimit(step.TimeLimitMin) {
			continue
		}
		elapsed := now.Sub(step.StartTime) - step.TotSusTime
		if elapsed < minutesToDuration(step.TimeLimitMin) {
			continue
		}
		if m.Agent != nil {
			m.Agent.Dispatch(plugins.AgentMessage{
				MsgType:  "step_timelimit",
				HostList: stepNodeList(step),
			})
		}
		m.publish(events.StepEvent{Kind: events.KindStepTimeLimit, JobID: m.Job.ID, StepID: step.StepID})
	}
}

func minutesToDuration(minutes int32) time.Duration {
	return time.Duration(minutes) * time.Minute
}

// checkCreate is the checkpoint op string the sweep issues; matches the
// original step manager's CHECK_CREATE request.
const checkCreate = "CHECK_CREATE"

// CheckpointSweep implements the periodic checkpoint-interval sweep
// (spec §6): for each running step with a positive ckpt_interval, once
// both ckpt_time+interval and start_time+interval have elapsed, issue a
// checkpoint-create request. The start_time guard avoids re-checkpointing
// a step that just restarted from a checkpoint of its own.
func (m *Manager) CheckpointSweep(ctx context.Context) {
	if m.Job.State != job.StateRunning || m.Ckpt == nil {
		return
	}
	now := nowFunc()
	for _, step := range m.registry().All() {
		if step.CkptInterval <= 0 {
			continue
		}
		if !now.After(step.CkptTime.Add(step.CkptInterval)) {
			continue
		}
		if !now.After(step.StartTime.Add(step.CkptInterval)) {
			continue
		}
		eventTime, _, _, err := m.Ckpt.Op(ctx, m.Job.ID, step.StepID, checkCreate, step.CkptDir)
		if err != nil {
			m.logger().Warn("checkpoint sweep failed", "job_id", m.Job.ID, "step_id", step.StepID, "error", err)
			continue
		}
		step.CkptTime = eventTime
	}
}
