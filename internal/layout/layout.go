// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package layout implements component D, step layout: mapping a step's
// tasks onto its picked nodes under a distribution policy. Distribute
// places tasks by node count alone; it does not read Request.UsableCPUs,
// so no node's task count is capped by its usable CPUs. RunLengthEncode
// is available separately and Distribute does not call it.
package layout

import (
	stepmgrerrors "github.com/jontk/slurm-stepmgr/pkg/errors"
)

// Dist is a task distribution policy.
type Dist string

const (
	DistCyclic       Dist = "cyclic"
	DistBlock        Dist = "block"
	DistCyclicCyclic Dist = "cyclic:cyclic"
	DistBlockCyclic  Dist = "block:cyclic"
	DistCyclicBlock  Dist = "cyclic:block"
	DistBlockBlock   Dist = "block:block"
	DistPlane        Dist = "plane"
	DistArbitrary    Dist = "arbitrary"
)

func validDist(d Dist) bool {
	switch d {
	case DistCyclic, DistBlock, DistCyclicCyclic, DistBlockCyclic, DistCyclicBlock, DistBlockBlock, DistPlane, DistArbitrary:
		return true
	default:
		return false
	}
}

// Run is one run-length-encoded entry: Reps consecutive picked nodes all
// report UsableCPUs.
type Run struct {
	UsableCPUs int32
	Reps       int
}

// RunLengthEncode builds cpus_per_node[]/cpu_count_reps[] from a flat
// per-node usable-CPU array, merging consecutive nodes that share a
// value into one run.
func RunLengthEncode(usable []int32) []Run {
	var runs []Run
	for _, u := range usable {
		if n := len(runs); n > 0 && runs[n-1].UsableCPUs == u {
			runs[n-1].Reps++
			continue
		}
		runs = append(runs, Run{UsableCPUs: u, Reps: 1})
	}
	return runs
}

// Request carries the inputs to task distribution.
type Request struct {
	NodeList    []string
	UsableCPUs  []int32
	NumTasks    int32
	CPUsPerTask int32
	Dist        Dist
	PlaneSize   int
	// ArbitraryAllowed gates whether DistArbitrary is honored verbatim or
	// downgraded to DistBlock, resolving the elan-switch open question
	// (spec §9) as a policy knob rather than a hardcoded special case.
	ArbitraryAllowed bool
}

// Result is the per-step-node task counts, in the same order as
// Request.NodeList.
type Result struct {
	Tasks []int32
	Dist  Dist
}

// Distribute places NumTasks onto len(NodeList) nodes per the requested
// policy.
func Distribute(req Request) (*Result, error) {
	if !validDist(req.Dist) {
		return nil, stepmgrerrors.BadDistribution(string(req.Dist))
	}

	nNodes := len(req.NodeList)
	if nNodes == 0 {
		return nil, stepmgrerrors.BadTaskCount(int(req.NumTasks))
	}

	dist := req.Dist
	if dist == DistArbitrary && !req.ArbitraryAllowed {
		dist = DistBlock
	}

	switch dist {
	case DistArbitrary:
		// Arbitrary honors the caller's node list verbatim, including
		// duplicates: one task per list entry.
		if nNodes != int(req.NumTasks) {
			return nil, stepmgrerrors.TaskDistArbitraryUnsupported()
		}
		tasks := make([]int32, nNodes)
		for i := range tasks {
			tasks[i] = 1
		}
		return &Result{Tasks: tasks, Dist: DistArbitrary}, nil

	case DistBlock, DistBlockBlock, DistBlockCyclic:
		return &Result{Tasks: blockDistribute(nNodes, req.NumTasks), Dist: dist}, nil

	case DistPlane:
		return &Result{Tasks: planeDistribute(nNodes, req.NumTasks, req.PlaneSize), Dist: dist}, nil

	default: // cyclic, cyclic:cyclic, cyclic:block
		return &Result{Tasks: cyclicDistribute(nNodes, req.NumTasks), Dist: dist}, nil
	}
}

// blockDistribute gives every node numTasks/nNodes tasks, and one more to
// each of the first numTasks%nNodes nodes, so consecutive task ids land on
// the same node.
func blockDistribute(nNodes int, numTasks int32) []int32 {
	tasks := make([]int32, nNodes)
	base := numTasks / int32(nNodes)
	rem := numTasks % int32(nNodes)
	for i := 0; i < nNodes; i++ {
		tasks[i] = base
		if int32(i) < rem {
			tasks[i]++
		}
	}
	return tasks
}

// cyclicDistribute deals tasks one at a time, round-robin across nodes.
func cyclicDistribute(nNodes int, numTasks int32) []int32 {
	tasks := make([]int32, nNodes)
	for t := int32(0); t < numTasks; t++ {
		tasks[t%int32(nNodes)]++
	}
	return tasks
}

// planeDistribute deals tasks in planeSize-sized round-robin groups.
func planeDistribute(nNodes int, numTasks int32, planeSize int) []int32 {
	if planeSize <= 0 {
		planeSize = 1
	}
	tasks := make([]int32, nNodes)
	node := 0
	remainingInPlane := planeSize
	for t := int32(0); t < numTasks; t++ {
		tasks[node]++
		remainingInPlane--
		if remainingInPlane == 0 {
			node = (node + 1) % nNodes
			remainingInPlane = planeSize
		}
	}
	return tasks
}
