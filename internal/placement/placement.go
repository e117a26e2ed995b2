// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package placement implements component B, the node picker: given a job
// and a step request, select a node subset satisfying CPU, memory, GRES
// and named-node constraints, or fail with one of the three typed
// failures upstream retry logic depends on: config-unavailable
// (permanent), nodes-busy (transient), node-not-avail (a named node, or a
// node of the job, is down).
package placement

import (
	"math"

	"github.com/jontk/slurm-stepmgr/internal/accounting"
	"github.com/jontk/slurm-stepmgr/internal/bitmap"
	"github.com/jontk/slurm-stepmgr/internal/job"
	"github.com/jontk/slurm-stepmgr/internal/plugins"
	stepmgrerrors "github.com/jontk/slurm-stepmgr/pkg/errors"
)

// InfiniteNodes is the min_nodes sentinel meaning "every available node".
const InfiniteNodes = math.MaxInt32

// Request carries everything the node picker needs to decide a step's
// node set. CPUsPerTask of 0 means "unspecified" (spec §4.B).
type Request struct {
	MinNodes     int
	MaxNodes     int
	NumTasks     int32
	CPUCount     int32
	MemPerCPUMB  uint64
	GresSpec     string
	NodeList     string
	Relative     int
	Exclusive    bool
	Overcommit   bool
	CPUsPerTask  int32
	Batch        bool
	MaxTasksPerNode int
}

// Result is the node picker's successful output: the chosen nodes plus,
// when non-exclusive constraints required it, the usable_cpu_cnt vector
// the layout component consumes so it never has to re-derive caps.
type Result struct {
	NodeBitmap    *bitmap.Bitmap
	UsableCPUCnt  []int32
	IsFirstStep   bool
}

// Deps bundles the collaborators the node picker reads but does not own:
// accounting's live counters (via *job.Job itself), the GRES capability,
// node inventory, and every other step of the same job (for nodes_idle).
type Deps struct {
	Acct      *accounting.Context
	Gres      plugins.Gres
	Inventory plugins.NodeInventory
	JobGres   any
	StepGres  any
}

// PickNodes runs the admission preconditions and the exclusive or
// non-exclusive picking algorithm described in spec §4.B.
func PickNodes(j *job.Job, req Request, deps Deps) (*Result, error) {
	if j.NodeBitmap == nil || j.NodeBitmap.Count() == 0 {
		return nil, stepmgrerrors.ConfigUnavailable("job has no node bitmap")
	}
	if req.MaxNodes != 0 && req.MaxNodes < req.MinNodes {
		return nil, stepmgrerrors.InvalidNodeCount(req.MinNodes, req.MaxNodes)
	}

	isFirstStep := len(j.StepList) == 0
	if isFirstStep {
		for n := 0; n < j.NHosts(); n++ {
			if deps.Inventory != nil && deps.Inventory.PowerSaveOrNoRespond(globalIndex(j, n)) {
				return nil, stepmgrerrors.NodesBusy()
			}
		}
		if j.State == job.StateConfiguring {
			j.State = job.StateRunning
		}
	}

	memPerCPU := deps.Acct.NormalizeMemPerCPU(req.MemPerCPUMB)
	req.MemPerCPUMB = memPerCPU

	avail, err := availableNodeSet(j, req, deps)
	if err != nil {
		return nil, err
	}

	if req.Exclusive {
		return pickExclusive(j, req, deps, avail)
	}
	return pickNonExclusive(j, req, deps, avail, isFirstStep)
}

// globalIndex maps a job-local node index to the global cluster node
// numbering via NodeBitmap's set bits in ascending order.
func globalIndex(j *job.Job, n int) int {
	idx := j.NodeBitmap.Indices()
	if n < 0 || n >= len(idx) {
		return -1
	}
	return idx[n]
}

// availableNodeSet computes job.NodeBitmap ∩ up_nodes, then intersects
// with a named node_list if one was given.
func availableNodeSet(j *job.Job, req Request, deps Deps) (*bitmap.Bitmap, error) {
	avail := j.NodeBitmap.Clone()
	if deps.Inventory != nil {
		up := deps.Inventory.UpNodes()
		avail.And(up)
	}

	if req.NodeList == "" {
		return avail, nil
	}

	var named *bitmap.Bitmap
	if deps.Inventory != nil {
		n, err := deps.Inventory.ParseNodeList(req.NodeList)
		if err != nil {
			return nil, stepmgrerrors.Newf(stepmgrerrors.CodeInvalidNodeCount, "unparseable node list: %v", err)
		}
		named = n
	} else {
		named = avail
	}

	if !j.NodeBitmap.IsSuperset(named) {
		return nil, stepmgrerrors.NodeNotAvail(req.NodeList)
	}
	if !avail.IsSuperset(named) {
		return nil, stepmgrerrors.NodeNotAvail(req.NodeList)
	}
	return named, nil
}

// localIndices translates a bitmap over the global node numbering into
// job-local indices 0..NHosts()-1, the space CPUs/CPUsUsed/etc. are
// indexed in.
func localIndices(j *job.Job, b *bitmap.Bitmap) []int {
	global := j.NodeBitmap.Indices()
	pos := make(map[int]int, len(global))
	for i, g := range global {
		pos[g] = i
	}
	out := make([]int, 0, b.Count())
	for _, g := range b.Indices() {
		if i, ok := pos[g]; ok {
			out = append(out, i)
		}
	}
	return out
}

func tasksForCPUs(cpus int32, cpusPerTask int32) int32 {
	if cpusPerTask <= 0 {
		return cpus
	}
	return cpus / cpusPerTask
}

// pickExclusive implements the exclusive-mode algorithm: a node is kept
// while it still has room for at least one task of this step and dropped
// otherwise.
func pickExclusive(j *job.Job, req Request, deps Deps, avail *bitmap.Bitmap) (*Result, error) {
	picked := bitmap.New(j.NodeBitmap.Len())
	var sumAvailTasks, sumTotalTasks int32
	namedNodes := map[int]bool{}
	if req.NodeList != "" {
		for _, g := range avail.Indices() {
			namedNodes[g] = true
		}
	}

	localAvail := localIndices(j, avail)
	pickedCount := 0
	for _, n := range localAvail {
		if req.MaxNodes != 0 && pickedCount >= req.MaxNodes && !namedNodes[j.NodeBitmap.Indices()[n]] {
			break
		}

		availCPUs := accounting.AvailCPUs(j, n)
		totalCPUs := j.CPUs[n]

		availTasks := tasksForCPUs(availCPUs, req.CPUsPerTask)
		totalTasks := tasksForCPUs(totalCPUs, req.CPUsPerTask)

		if deps.Acct.MemoryIsReservedResource && req.MemPerCPUMB > 0 {
			perTask := req.MemPerCPUMB * uint64(maxI32(req.CPUsPerTask, 1))
			availMemTasks := int32(accounting.AvailMemoryMB(j, n) / perTask)
			totalMemTasks := int32(0)
			if j.MemoryAllocatedMB != nil {
				totalMemTasks = int32(j.MemoryAllocatedMB[n] / perTask)
			}
			availTasks = minI32(availTasks, availMemTasks)
			totalTasks = minI32(totalTasks, totalMemTasks)
		}

		if deps.Gres != nil {
			g := globalIndex(j, n)
			availGres := deps.Gres.StepTest(deps.StepGres, deps.JobGres, g, false, j.ID, 0)
			totalGres := deps.Gres.StepTest(deps.StepGres, deps.JobGres, g, true, j.ID, 0)
			availTasks = minI32(availTasks, availGres.UsableCPUEquivalent)
			totalTasks = minI32(totalTasks, totalGres.UsableCPUEquivalent)
		}

		if availTasks <= 0 {
			continue
		}
		picked.Set(j.NodeBitmap.Indices()[n])
		sumAvailTasks += availTasks
		sumTotalTasks += totalTasks
		pickedCount++
	}

	if sumAvailTasks >= req.NumTasks {
		return &Result{NodeBitmap: picked}, nil
	}
	if req.NodeList != "" {
		return nil, stepmgrerrors.NodesBusy()
	}
	if sumTotalTasks >= req.NumTasks {
		return nil, stepmgrerrors.NodesBusy()
	}
	return nil, stepmgrerrors.ConfigUnavailable("insufficient total capacity for exclusive step")
}

// pickNonExclusive implements the non-exclusive algorithm: usable_cpu_cnt
// per node, then an ordered fill from nodes_idle/nodes_avail.
func pickNonExclusive(j *job.Job, req Request, deps Deps, avail *bitmap.Bitmap, isFirstStep bool) (*Result, error) {
	localAvail := localIndices(j, avail)
	usable := make([]int32, j.NHosts())
	memBlockedNodes := 0
	memBlockedCPUs := int32(0)
	nodesAvail := bitmap.New(j.NodeBitmap.Len())

	for _, n := range localAvail {
		g := j.NodeBitmap.Indices()[n]
		cnt := j.CPUs[n] - j.CPUsUsed[n]
		if cnt < 0 {
			cnt = 0
		}

		if deps.Acct.MemoryIsReservedResource && req.MemPerCPUMB > 0 {
			perCPU := req.MemPerCPUMB
			memCPUs := int32(accounting.AvailMemoryMB(j, n) / perCPU)
			if memCPUs < cnt {
				memBlockedCPUs += cnt - memCPUs
				cnt = memCPUs
			}
		}

		if deps.Gres != nil {
			gu := deps.Gres.StepTest(deps.StepGres, deps.JobGres, g, false, j.ID, 0)
			if gu.UsableCPUEquivalent < cnt {
				cnt = gu.UsableCPUEquivalent
			}
		}

		usable[n] = cnt
		if cnt <= 0 {
			memBlockedNodes++
			continue
		}
		nodesAvail.Set(g)
	}

	if req.MinNodes == InfiniteNodes {
		return &Result{NodeBitmap: nodesAvail, UsableCPUCnt: usable, IsFirstStep: isFirstStep}, nil
	}

	nodesPicked := bitmap.New(j.NodeBitmap.Len())
	if req.NodeList != "" {
		nodesPicked = avail.Clone()
		nodesPicked.And(nodesAvail)
		if req.MaxNodes != 0 && nodesPicked.Count() > req.MaxNodes {
			return nil, stepmgrerrors.InvalidNodeCount(nodesPicked.Count(), req.MaxNodes)
		}
	} else {
		nodesIdle := nodesAvail.Clone()
		used := bitmap.New(j.NodeBitmap.Len())
		for _, s := range j.StepList {
			used.Or(s.StepNodeBitmap)
		}
		nodesIdle.AndNot(used)

		if req.Relative > 0 {
			dropped := 0
			for _, g := range nodesAvail.Indices() {
				if dropped >= req.Relative {
					break
				}
				nodesAvail.Clear(g)
				nodesIdle.Clear(g)
				dropped++
			}
		}

		minNodes := req.MinNodes
		if j.CPUArrayUniform && req.CPUCount > 0 && req.MinNodes == 0 {
			cpn := j.CPUsPerNode()
			if cpn > 0 {
				minNodes = int((req.CPUCount + cpn - 1) / cpn)
			}
		}
		// With no node count to go on, spread over every available node,
		// but never over more nodes than there are tasks or than max_nodes.
		if minNodes == 0 {
			minNodes = nodesAvail.Count()
			if int(req.NumTasks) < minNodes {
				minNodes = int(req.NumTasks)
			}
			if minNodes < 1 {
				minNodes = 1
			}
			if req.MaxNodes != 0 && minNodes > req.MaxNodes {
				minNodes = req.MaxNodes
			}
		}

		fillFrom(nodesPicked, nodesIdle, minNodes, req.MaxNodes)
		if nodesPicked.Count() < minNodes {
			fillFrom(nodesPicked, nodesAvail, minNodes, req.MaxNodes)
		}

		if nodesPicked.Count() < minNodes {
			return nil, classifyShortfall(j, memBlockedNodes, avail.Count())
		}
	}

	if req.CPUCount > 0 {
		sum := sumUsable(j, usable, nodesPicked)
		for sum < req.CPUCount && (req.MaxNodes == 0 || nodesPicked.Count() < req.MaxNodes) {
			added := false
			for _, n := range localAvail {
				g := j.NodeBitmap.Indices()[n]
				if nodesPicked.Test(g) || usable[n] <= 0 {
					continue
				}
				nodesPicked.Set(g)
				sum += usable[n]
				added = true
				break
			}
			if !added {
				break
			}
		}
		if sum < req.CPUCount {
			return nil, classifyShortfall(j, memBlockedNodes, avail.Count())
		}
	}

	maxTasksPerNode := req.MaxTasksPerNode
	if maxTasksPerNode > 0 && int64(req.NumTasks) > int64(nodesPicked.Count())*int64(maxTasksPerNode) {
		return nil, stepmgrerrors.BadTaskCount(int(req.NumTasks))
	}

	return &Result{NodeBitmap: nodesPicked, UsableCPUCnt: usable, IsFirstStep: isFirstStep}, nil
}

// fillFrom tops nodesPicked up from pool, in ascending bit-index order,
// until it holds minNodes bits or maxNodes (if set) is reached.
func fillFrom(nodesPicked, pool *bitmap.Bitmap, minNodes, maxNodes int) {
	for _, g := range pool.Indices() {
		if nodesPicked.Count() >= minNodes {
			return
		}
		if maxNodes != 0 && nodesPicked.Count() >= maxNodes {
			return
		}
		nodesPicked.Set(g)
	}
}

func sumUsable(j *job.Job, usable []int32, picked *bitmap.Bitmap) int32 {
	var sum int32
	for _, n := range localIndices(j, picked) {
		sum += usable[n]
	}
	return sum
}

// classifyShortfall picks among nodes-busy / node-not-avail /
// config-unavailable for a picking pass that came up short. A shortfall
// caused by memory/GRES debits is transient (nodes-busy); one caused by
// job nodes being down is node-not-avail; otherwise the request can never
// be satisfied (config-unavailable).
func classifyShortfall(j *job.Job, memBlockedNodes int, availCount int) error {
	if memBlockedNodes > 0 {
		return stepmgrerrors.NodesBusy()
	}
	if availCount < j.NHosts() {
		return stepmgrerrors.NodeNotAvail("")
	}
	return stepmgrerrors.ConfigUnavailable("insufficient available nodes")
}

func maxI32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func minI32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
