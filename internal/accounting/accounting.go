// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package accounting implements component A: per-node cpus_used,
// memory_used and core_bitmap_used bookkeeping against a job's fixed
// cpus, memory_allocated and core_bitmap. Every mutator here must be
// called with the job-write lock held (§5); the package itself does no
// locking of its own.
package accounting

import (
	"github.com/jontk/slurm-stepmgr/internal/bitmap"
	"github.com/jontk/slurm-stepmgr/internal/job"
	"github.com/jontk/slurm-stepmgr/pkg/logging"
	"github.com/jontk/slurm-stepmgr/pkg/metrics"
)

// Context carries the process-wide, initialization-once policy that §9
// says must not be modeled as true globals: whether memory is tracked as
// a reserved resource, plus the logger and metrics sink used to record
// underflow events.
type Context struct {
	MemoryIsReservedResource bool
	Logger                   logging.Logger
	Metrics                  metrics.Collector
}

// NewContext builds a Context, defaulting Logger/Metrics to no-ops when nil
// so callers need not wire observability to use accounting in tests.
func NewContext(memoryReserved bool, logger logging.Logger, collector metrics.Collector) *Context {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if collector == nil {
		collector = metrics.GetDefaultCollector()
	}
	return &Context{MemoryIsReservedResource: memoryReserved, Logger: logger, Metrics: collector}
}

// NormalizeMemPerCPU forces memPerCPUMB to zero when memory accounting is
// disabled, so the memory path is a no-op without requiring every caller
// to branch on MemoryIsReservedResource.
func (c *Context) NormalizeMemPerCPU(memPerCPUMB uint64) uint64 {
	if !c.MemoryIsReservedResource {
		return 0
	}
	return memPerCPUMB
}

// Debit adds cpus and memMB to node n's live counters. Callers are
// responsible for confirming capacity first (the node picker does this);
// Debit itself does not refuse an overcommitting debit, since overcommit
// steps are expected to push cpus_used above cpus[n] (invariant 1).
func (c *Context) Debit(j *job.Job, n int, cpus int32, memMB uint64) {
	j.CPUsUsed[n] += cpus
	if c.MemoryIsReservedResource && j.MemoryUsedMB != nil {
		j.MemoryUsedMB[n] += memMB
	}
}

// Credit subtracts cpus and memMB from node n's live counters, clamping at
// zero and logging an underflow event rather than wrapping. This preserves
// invariant (1) — cpus_used never goes negative — even when a caller's
// debit/credit pairing has drifted due to a bug elsewhere.
func (c *Context) Credit(j *job.Job, n int, cpus int32, memMB uint64) {
	if cpus > j.CPUsUsed[n] {
		c.Logger.Warn("cpu credit underflow", "job_id", j.ID, "node", n,
			"cpus_used", j.CPUsUsed[n], "credit", cpus)
		c.Metrics.RecordAccountingError("cpu_underflow")
		j.CPUsUsed[n] = 0
	} else {
		j.CPUsUsed[n] -= cpus
	}

	if !c.MemoryIsReservedResource || j.MemoryUsedMB == nil {
		return
	}
	if memMB > j.MemoryUsedMB[n] {
		c.Logger.Warn("memory credit underflow", "job_id", j.ID, "node", n,
			"memory_used_mb", j.MemoryUsedMB[n], "credit_mb", memMB)
		c.Metrics.RecordAccountingError("memory_underflow")
		j.MemoryUsedMB[n] = 0
	} else {
		j.MemoryUsedMB[n] -= memMB
	}
}

// DebitCores sets every bit of coresBitmap (in job-global core index
// space) in j.CoreBitmapUsed. coresBitmap must already be a subset of
// j.CoreBitmap; the core picker (component C) guarantees this.
func (c *Context) DebitCores(j *job.Job, coresBitmap *bitmap.Bitmap) {
	if j.CoreBitmapUsed == nil || coresBitmap == nil {
		return
	}
	j.CoreBitmapUsed.Or(coresBitmap)
}

// CreditCores clears every bit of s.CoreBitmapJob from j.CoreBitmapUsed.
// Inverting the step's bitmap and AND-ing is equivalent to AndNot, which
// is what this does directly; this is why core_bitmap_job must be stored
// against the job's full core address space rather than compacted — it
// has to line up bit-for-bit with core_bitmap_used to be creditable.
func (c *Context) CreditCores(j *job.Job, s *job.Step) {
	if j.CoreBitmapUsed == nil || s.CoreBitmapJob == nil {
		return
	}
	j.CoreBitmapUsed.AndNot(s.CoreBitmapJob)
}

// AvailCPUs returns cpus[n] - cpus_used[n], which may be negative for an
// overcommitted node.
func AvailCPUs(j *job.Job, n int) int32 {
	return j.CPUs[n] - j.CPUsUsed[n]
}

// AvailMemoryMB returns memory_allocated[n] - memory_used[n], or the max
// uint64 value when memory accounting is disabled for this job.
func AvailMemoryMB(j *job.Job, n int) uint64 {
	if j.MemoryAllocatedMB == nil {
		return ^uint64(0)
	}
	used := uint64(0)
	if j.MemoryUsedMB != nil {
		used = j.MemoryUsedMB[n]
	}
	if used >= j.MemoryAllocatedMB[n] {
		return 0
	}
	return j.MemoryAllocatedMB[n] - used
}
