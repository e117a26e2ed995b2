// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package plugins declares the capability interfaces the step manager
// consumes but does not implement: switch/interconnect, checkpoint, GRES,
// accounting-storage, node inventory and agent dispatch (§6). Each has a
// tagged "none" variant so callers never have to guess whether a plugin is
// present — they query the capability and get a safe no-op back.
package plugins

import (
	"context"
	"time"

	"github.com/jontk/slurm-stepmgr/internal/bitmap"
)

// Switch is the interconnect plugin contract. NodeList passes a node name
// list honoring the layout's order; Tasks gives the per-node task counts
// in the same order.
type Switch interface {
	Name() string
	AllocJobinfo() (any, error)
	BuildJobinfo(jobinfo any, nodeList []string, tasks []int32, cyclic bool, network string) error
	JobStepComplete(jobinfo any, nodeList []string) error
	JobStepPartComp(jobinfo any, nodeList []string) error
	// PartComp reports whether this plugin supports releasing part of a
	// step's interconnect state before the whole step completes.
	PartComp() bool
	FreeJobinfo(jobinfo any) error
}

// NoneSwitch is the no-op Switch used when no interconnect plugin is
// configured.
type NoneSwitch struct{}

func (NoneSwitch) Name() string                    { return "none" }
func (NoneSwitch) AllocJobinfo() (any, error)       { return nil, nil }
func (NoneSwitch) BuildJobinfo(any, []string, []int32, bool, string) error { return nil }
func (NoneSwitch) JobStepComplete(any, []string) error     { return nil }
func (NoneSwitch) JobStepPartComp(any, []string) error     { return nil }
func (NoneSwitch) PartComp() bool                          { return false }
func (NoneSwitch) FreeJobinfo(any) error                    { return nil }

// Checkpoint is the checkpoint/restart plugin contract.
type Checkpoint interface {
	Name() string
	AllocJobinfo() (any, error)
	FreeJobinfo(jobinfo any) error
	Op(ctx context.Context, jobID, stepID uint32, op string, imageDir string) (eventTime time.Time, rc int32, msg string, err error)
	Comp(ctx context.Context, jobID, stepID uint32, eventTime time.Time, rc int32, msg string) error
	TaskComp(ctx context.Context, jobID, stepID uint32, taskID int32, eventTime time.Time, rc int32) error
}

// NoneCheckpoint is the no-op Checkpoint used when checkpointing is
// disabled.
type NoneCheckpoint struct{}

func (NoneCheckpoint) Name() string              { return "none" }
func (NoneCheckpoint) AllocJobinfo() (any, error) { return nil, nil }
func (NoneCheckpoint) FreeJobinfo(any) error      { return nil }
func (NoneCheckpoint) Op(context.Context, uint32, uint32, string, string) (time.Time, int32, string, error) {
	return time.Time{}, 0, "", nil
}
func (NoneCheckpoint) Comp(context.Context, uint32, uint32, time.Time, int32, string) error {
	return nil
}
func (NoneCheckpoint) TaskComp(context.Context, uint32, uint32, int32, time.Time, int32) error {
	return nil
}

// GresUsage is what the node picker and layout need back from a GRES
// query: a usable-CPU-equivalent cap plus whether the node even has the
// requested GRES configured at all (vs merely being exhausted).
type GresUsage struct {
	UsableCPUEquivalent int32
	Configured          bool
}

// Gres is the generic-resource plugin contract.
type Gres interface {
	// StepStateValidate parses spec against the job's GRES pool and
	// returns an opaque per-step handle.
	StepStateValidate(spec string, jobGres any) (stepGres any, err error)

	// StepTest returns the usable CPU equivalent GRES allows on nodeInx.
	// ignoreLiveDebits selects the "total" query (spec §4.B "avail" vs
	// "total" distinction) when true.
	StepTest(stepGres any, jobGres any, nodeInx int, ignoreLiveDebits bool, jobID, stepID uint32) GresUsage

	StepAlloc(stepGres any, jobGres any, nodeInx int, taskCnt int32) error
	StepDealloc(stepGres any, jobGres any, nodeInx int) error
}

// NoneGres is the no-op Gres used when no GRES are configured; every node
// reports "configured" with an unbounded usable count so GRES never
// constrains placement.
type NoneGres struct{}

func (NoneGres) StepStateValidate(spec string, jobGres any) (any, error) { return nil, nil }
func (NoneGres) StepTest(any, any, int, bool, uint32, uint32) GresUsage {
	return GresUsage{UsableCPUEquivalent: 1<<31 - 1, Configured: true}
}
func (NoneGres) StepAlloc(any, any, int, int32) error { return nil }
func (NoneGres) StepDealloc(any, any, int) error      { return nil }

// AccountingStorage is the accounting-database plugin contract. Every
// method is idempotent: calling StepStart twice for the same step must not
// double-count it.
type AccountingStorage interface {
	StepStart(jobID, stepID uint32) error
	StepComplete(jobID, stepID uint32, exitCode int32) error
	JobStart(jobID uint32) error
}

// NoneAccountingStorage is the no-op AccountingStorage.
type NoneAccountingStorage struct{}

func (NoneAccountingStorage) StepStart(uint32, uint32) error            { return nil }
func (NoneAccountingStorage) StepComplete(uint32, uint32, int32) error { return nil }
func (NoneAccountingStorage) JobStart(uint32) error                     { return nil }

// NodeInventory is the read-only node-health/power-state collaborator
// (§1: consumed read-only, not owned by this module).
type NodeInventory interface {
	// UpNodes returns the bitmap of nodes that are up and responsive,
	// over the same global node numbering as job.NodeBitmap.
	UpNodes() *bitmap.Bitmap
	// PowerSaveOrNoRespond reports whether node n is powering up or not
	// responding to pings.
	PowerSaveOrNoRespond(n int) bool
	// ParseNodeList resolves a node name list string to a bitmap over
	// the global node numbering.
	ParseNodeList(nodeList string) (*bitmap.Bitmap, error)
}

// AgentMessage is one outbound tuple queued for asynchronous delivery to
// compute nodes.
type AgentMessage struct {
	MsgType  string
	HostList []string
	Args     any
}

// AgentDispatcher queues outbound RPCs to compute nodes without blocking
// the caller on delivery (§5: the agent owns its own thread pool).
type AgentDispatcher interface {
	Dispatch(msg AgentMessage)
}
