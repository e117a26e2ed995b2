// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package job holds the Job and Step data model: the in-memory record a
// scheduler hands to the step manager, and the per-step sub-allocations
// the other internal packages place, debit and retire against it. Job
// itself is external, read-mostly by the core: cpus/memory_allocated/
// core_bitmap arrive fixed from the scheduler and never change size once
// the record exists.
package job

import (
	"time"

	"github.com/jontk/slurm-stepmgr/internal/bitmap"
)

// State is a job's lifecycle state. Only StateRunning admits new steps.
type State int

const (
	StatePending State = iota
	StateConfiguring
	StateRunning
	StateSuspended
	StateFinished
)

// String renders a State the way diagnostics and log lines want it:
// lowercase, matching the scheduler's own state names.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// TimeInfinite is the sentinel time_limit value meaning "no limit".
const TimeInfinite int32 = -1

// TimeUnset is the sentinel time_limit value meaning "not specified".
const TimeUnset int32 = 0

// ExitCodeUnset is the sentinel exit_code value before any partial
// completion has been reported.
const ExitCodeUnset int32 = -1

// Job is the parent allocation a step is carved out of. All per-node slices
// are indexed 0..NHosts()-1 in NodeBitmap bit order, not by absolute
// cluster node index.
type Job struct {
	ID uint32

	// OwnerUID is the submitting user; only this uid (or an operator,
	// checked by the caller) may mutate the job's steps.
	OwnerUID uint32

	// NodeBitmap is the fixed set of nodes the job owns, indexed over the
	// cluster's global node numbering.
	NodeBitmap *bitmap.Bitmap

	// CPUs and MemoryAllocatedMB are fixed per-owned-node capacities,
	// indexed 0..NHosts()-1. MemoryAllocatedMB is nil when memory is not
	// a reserved resource.
	CPUs              []int32
	MemoryAllocatedMB []uint64

	// CPUsUsed and MemoryUsedMB are the live per-node debits owned by
	// the accounting component.
	CPUsUsed     []int32
	MemoryUsedMB []uint64

	// CoreBitmap is the packed per-(node,socket,core) layout of every
	// core in the job's allocation; CoreBitmapUsed tracks which of those
	// cores are presently held by a step. Nil on platforms without
	// core-level bitmaps.
	CoreBitmap     *bitmap.Bitmap
	CoreBitmapUsed *bitmap.Bitmap

	// CoreOffsets[n] is the bit offset into CoreBitmap where node n's
	// cores begin; CoreCounts[n] is sockets*cores_per_socket for node n.
	CoreOffsets []int
	CoreCounts  []int

	// CoreSockets[n] and CoresPerSocket[n] describe node n's topology;
	// the core picker's first pass walks core index as the major axis
	// and socket index as the minor axis so it spreads tasks across
	// sockets before doubling up on one.
	CoreSockets    []int
	CoresPerSocket []int

	// StepList is the ordered collection of live steps, owned by the
	// registry component.
	StepList []*Step

	// NextStepID is the monotonic step id counter. Values at or above
	// config.StepIDReservedBase are refused.
	NextStepID uint32

	// GresList is opaque per-node generic-resource state, touched only
	// through the gres plugin capability.
	GresList any

	State State

	// TimeLimitMinutes is the job's own time limit, used to extend a
	// node-boot deadline on the first step.
	TimeLimitMinutes int32

	// SuspendTime is when the job itself was last suspended, used by
	// step suspend/resume bookkeeping.
	SuspendTime time.Time

	// DerivedExitCode is raised to max(DerivedExitCode, step.ExitCode)
	// as steps complete.
	DerivedExitCode int32

	// CPUArrayUniform is true iff every owned node has the same CPUs[n]
	// (cpu_array_cnt == 1 in the source), used by homogeneous-cluster
	// min_nodes derivation.
	CPUArrayUniform bool
}

// NHosts returns the number of nodes the job owns.
func (j *Job) NHosts() int {
	return j.NodeBitmap.Count()
}

// CPUsPerNode returns CPUs[0] when the job's allocation is uniform; callers
// must check CPUArrayUniform first.
func (j *Job) CPUsPerNode() int32 {
	if len(j.CPUs) == 0 {
		return 0
	}
	return j.CPUs[0]
}

// Step is a sub-allocation within a job used to launch a parallel task
// group.
type Step struct {
	StepID uint32

	// JobID back-references the owning job by id rather than pointer, so
	// a step never outlives the registry that created it (§9: intrusive
	// pointers from step back to job are modeled as a non-owning
	// reference, here a plain id).
	JobID uint32

	// StepNodeBitmap is the subset of the job's nodes chosen for this
	// step, a subset of job.NodeBitmap.
	StepNodeBitmap *bitmap.Bitmap

	// CoreBitmapJob is packed over the job's full core address space,
	// marking cores this step holds. Nil only when the job has no core
	// bitmap; a step that takes every core still records each one here.
	CoreBitmapJob *bitmap.Bitmap

	CPUsPerTask int32
	NumTasks    int32
	MemPerCPUMB uint64
	Exclusive   bool
	Overcommit  bool
	NoKill      bool

	// Layout is nil for batch steps.
	Layout *StepLayout

	GresList any

	// ExitNodeBitmap is indexed 0..len(step-nodes)-1, *not* by absolute
	// node index; nil until the first partial completion.
	ExitNodeBitmap *bitmap.Bitmap
	ExitCode       int32

	StartTime    time.Time
	PreSusTime   time.Duration
	TotSusTime   time.Duration
	CkptTime     time.Time
	CkptInterval time.Duration
	TimeLimitMin int32

	SwitchJob any
	CheckJob  any

	// Name, Network, CkptDir and Host are free-form request fields
	// bounded by config's per-field max lengths.
	Name     string
	Network  string
	CkptDir  string
	Host     string
	Batch    bool
}

// StepLayout is the per-node task distribution computed by component D.
type StepLayout struct {
	// NodeList names the step's nodes in the order Tasks is indexed.
	NodeList []string
	// Tasks[s] is the task count placed on step-node index s.
	Tasks []int32
}

// IsUnlimited reports whether t is the INFINITE sentinel.
func IsUnlimited(t int32) bool { return t == TimeInfinite }

// IsUnsetTimeLimit reports whether t means "not specified".
func IsUnsetTimeLimit(t int32) bool { return t == TimeUnset }
