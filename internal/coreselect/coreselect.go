// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package coreselect implements component C, the core picker: after the
// layout component decides per-node task counts, allocate cores inside
// each picked node, spreading across sockets first and falling back to a
// rotating oversubscription scheme only when a node's free cores run out.
package coreselect

import (
	"sync"

	"github.com/jontk/slurm-stepmgr/internal/bitmap"
	"github.com/jontk/slurm-stepmgr/internal/job"
)

// RotationState is the process-wide rotating last_core_inx bias described
// in spec §9: racy in principle, but affects fairness only, never
// correctness, so a single shared counter guarded by a mutex is
// sufficient.
type RotationState struct {
	mu       sync.Mutex
	lastCore int
}

// NewRotationState returns a RotationState starting at core index 0.
func NewRotationState() *RotationState {
	return &RotationState{}
}

// advance returns the current bias and moves it forward by one, wrapping
// at mod.
func (r *RotationState) advance(mod int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.lastCore
	if mod > 0 {
		r.lastCore = (r.lastCore + 1) % mod
	}
	return cur
}

// PickCoresForNode allocates cpuCnt cores (or all of them, if cpuCnt
// equals sockets*coresPerSocket) from node n's core range in job's
// global core space, returning the bits chosen. sockets/coresPerSocket
// describe node n's core topology; coreBitmap/coreBitmapUsed are the
// job's full core_bitmap/core_bitmap_used, and offset is where node n's
// cores begin within them.
func PickCoresForNode(coreBitmap, coreBitmapUsed *bitmap.Bitmap, offset, sockets, coresPerSocket int, cpuCnt int32, rot *RotationState) *bitmap.Bitmap {
	total := sockets * coresPerSocket
	taken := bitmap.New(coreBitmap.Len())

	if int(cpuCnt) >= total {
		for i := 0; i < total; i++ {
			bit := offset + i
			if coreBitmap.Test(bit) {
				taken.Set(bit)
			}
		}
		return taken
	}

	remaining := int(cpuCnt)

	// First pass: major axis core index, minor axis socket index, so
	// consecutive picks spread across sockets before doubling up on one.
	for core := 0; core < coresPerSocket && remaining > 0; core++ {
		for sock := 0; sock < sockets && remaining > 0; sock++ {
			bit := offset + sock*coresPerSocket + core
			if bit >= offset+total {
				continue
			}
			if !coreBitmap.Test(bit) || coreBitmapUsed.Test(bit) {
				continue
			}
			taken.Set(bit)
			remaining--
		}
	}

	if remaining == 0 {
		return taken
	}

	// Second pass: oversubscribe. Walk cores starting from the rotating
	// bias, accepting any not already held by this step (may already be
	// used by another step).
	start := rot.advance(total)
	for i := 0; i < total && remaining > 0; i++ {
		idx := (start + i) % total
		bit := offset + idx
		if !coreBitmap.Test(bit) || taken.Test(bit) {
			continue
		}
		taken.Set(bit)
		remaining--
	}

	return taken
}

// PickCores allocates cores for every node in layout, appending each
// node's bits into a single job-global core_bitmap_job. sockets/cores and
// offsets are indexed by job-local node index (the same space as
// job.CoreOffsets/CoreCounts).
func PickCores(j *job.Job, localNodeIdx []int, tasks []int32, cpusPerTask int32, rot *RotationState) *bitmap.Bitmap {
	if j.CoreBitmap == nil {
		return nil
	}
	stepCores := bitmap.New(j.CoreBitmap.Len())
	perTask := cpusPerTask
	if perTask <= 0 {
		perTask = 1
	}

	for i, n := range localNodeIdx {
		cpuCnt := tasks[i] * perTask
		sockets, cores := socketsAndCores(j, n)
		picked := PickCoresForNode(j.CoreBitmap, j.CoreBitmapUsed, j.CoreOffsets[n], sockets, cores, cpuCnt, rot)
		stepCores.Or(picked)
	}
	return stepCores
}

func socketsAndCores(j *job.Job, n int) (sockets, coresPerSocket int) {
	if n < len(j.CoreSockets) && n < len(j.CoresPerSocket) && j.CoreSockets[n] > 0 {
		return j.CoreSockets[n], j.CoresPerSocket[n]
	}
	// Callers that never populated per-node socket topology get a single
	// "socket" of the node's full core count; the oversubscription pass
	// still behaves correctly, only the socket-spreading preference is
	// lost.
	return 1, j.CoreCounts[n]
}
