// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package snapshot implements component G: a version-tagged dump/load
// pair over a job's step registry, used for restart after a controller
// crash. The byte layout is not normative (spec §1); this package defines
// a stable in-process representation and re-derives invariants on load
// rather than trusting the dump blindly.
package snapshot

import (
	"time"

	"github.com/jontk/slurm-stepmgr/internal/bitmap"
	"github.com/jontk/slurm-stepmgr/internal/job"
	"github.com/jontk/slurm-stepmgr/internal/plugins"
)

// FormatVersion is bumped whenever StepSnapshot's field set changes in a
// way that breaks compatibility with an older dump.
const FormatVersion = 1

// absentCount is the sentinel recorded for exit_node_bitmap when a step
// has not yet received its first partial completion.
const absentCount = -1

// StepSnapshot is the serializable form of a job.Step. Bitmaps are stored
// as bit-strings; opaque plugin handles are not carried across a
// snapshot and are rebuilt by notifying the switch plugin on load.
type StepSnapshot struct {
	StepID           uint32
	StepNodeBitmap   string
	CoreBitmapJob    string
	HasCoreBitmapJob bool
	CPUsPerTask      int32
	NumTasks         int32
	MemPerCPUMB      uint64
	Exclusive        bool
	Overcommit       bool
	NoKill           bool
	NodeList         []string
	Tasks            []int32
	HasLayout        bool
	ExitNodeBitmap   string
	ExitNodeCount    int
	ExitCode         int32
	StartTime        time.Time
	PreSusTime       time.Duration
	TotSusTime       time.Duration
	TimeLimitMin     int32
	Name             string
	Network          string
	CkptDir          string
	Host             string
	Batch            bool
}

// JobSnapshot is the serializable form of a job's step registry.
type JobSnapshot struct {
	Version    int
	JobID      uint32
	NextStepID uint32
	Steps      []StepSnapshot
}

// Dump walks j.StepList in order and produces a JobSnapshot.
func Dump(j *job.Job) *JobSnapshot {
	snap := &JobSnapshot{Version: FormatVersion, JobID: j.ID, NextStepID: j.NextStepID}
	for _, s := range j.StepList {
		snap.Steps = append(snap.Steps, dumpStep(s))
	}
	return snap
}

func dumpStep(s *job.Step) StepSnapshot {
	ss := StepSnapshot{
		StepID:       s.StepID,
		CPUsPerTask:  s.CPUsPerTask,
		NumTasks:     s.NumTasks,
		MemPerCPUMB:  s.MemPerCPUMB,
		Exclusive:    s.Exclusive,
		Overcommit:   s.Overcommit,
		NoKill:       s.NoKill,
		ExitCode:     s.ExitCode,
		StartTime:    s.StartTime,
		PreSusTime:   s.PreSusTime,
		TotSusTime:   s.TotSusTime,
		TimeLimitMin: s.TimeLimitMin,
		Name:         s.Name,
		Network:      s.Network,
		CkptDir:      s.CkptDir,
		Host:         s.Host,
		Batch:        s.Batch,
		ExitNodeCount: absentCount,
	}
	if s.StepNodeBitmap != nil {
		ss.StepNodeBitmap = s.StepNodeBitmap.String()
	}
	if s.CoreBitmapJob != nil {
		ss.CoreBitmapJob = s.CoreBitmapJob.String()
		ss.HasCoreBitmapJob = true
	}
	if s.Layout != nil {
		ss.HasLayout = true
		ss.NodeList = append([]string(nil), s.Layout.NodeList...)
		ss.Tasks = append([]int32(nil), s.Layout.Tasks...)
	}
	if s.ExitNodeBitmap != nil {
		ss.ExitNodeBitmap = s.ExitNodeBitmap.String()
		ss.ExitNodeCount = s.ExitNodeBitmap.Len()
	}
	return ss
}

// Load rebuilds a job's StepList from snap, re-parsing bit-strings into
// packed form and notifying sw that each step exists on its recorded
// nodes, so switch-fabric state is consistent with the reloaded registry.
func Load(j *job.Job, snap *JobSnapshot, sw plugins.Switch) error {
	j.NextStepID = snap.NextStepID
	j.StepList = nil

	for _, ss := range snap.Steps {
		step := loadStep(ss)
		j.StepList = append(j.StepList, step)

		if sw != nil && step.Layout != nil {
			jobinfo, err := sw.AllocJobinfo()
			if err != nil {
				return err
			}
			cyclic := false
			if err := sw.BuildJobinfo(jobinfo, step.Layout.NodeList, step.Layout.Tasks, cyclic, step.Network); err != nil {
				return err
			}
			step.SwitchJob = jobinfo
		}
	}
	return nil
}

func loadStep(ss StepSnapshot) *job.Step {
	step := &job.Step{
		StepID:       ss.StepID,
		CPUsPerTask:  ss.CPUsPerTask,
		NumTasks:     ss.NumTasks,
		MemPerCPUMB:  ss.MemPerCPUMB,
		Exclusive:    ss.Exclusive,
		Overcommit:   ss.Overcommit,
		NoKill:       ss.NoKill,
		ExitCode:     ss.ExitCode,
		StartTime:    ss.StartTime,
		PreSusTime:   ss.PreSusTime,
		TotSusTime:   ss.TotSusTime,
		TimeLimitMin: ss.TimeLimitMin,
		Name:         ss.Name,
		Network:      ss.Network,
		CkptDir:      ss.CkptDir,
		Host:         ss.Host,
		Batch:        ss.Batch,
	}
	if ss.StepNodeBitmap != "" {
		step.StepNodeBitmap = parseBitString(ss.StepNodeBitmap)
	}
	if ss.HasCoreBitmapJob {
		step.CoreBitmapJob = parseBitString(ss.CoreBitmapJob)
	}
	if ss.HasLayout {
		step.Layout = &job.StepLayout{NodeList: ss.NodeList, Tasks: ss.Tasks}
	}
	if ss.ExitNodeCount != absentCount {
		step.ExitNodeBitmap = parseBitString(ss.ExitNodeBitmap)
	}
	return step
}

func parseBitString(s string) *bitmap.Bitmap {
	b := bitmap.New(len(s))
	for i, c := range s {
		if c == '1' {
			b.Set(i)
		}
	}
	return b
}
