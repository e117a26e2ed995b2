// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle implements component F: step_create validation and
// normalization, signal dispatch, partial and full completion, the
// time-limit sweep, and suspend/resume bookkeeping. It is the orchestrator
// that calls placement (B), layout (D), accounting (A) and coreselect (C)
// in the order control flow in spec §2 describes, and that enforces
// rollback-on-failure so no partial state escapes a failed step_create.
package lifecycle

import (
	"time"

	"github.com/jontk/slurm-stepmgr/internal/accounting"
	"github.com/jontk/slurm-stepmgr/internal/bitmap"
	"github.com/jontk/slurm-stepmgr/internal/coreselect"
	"github.com/jontk/slurm-stepmgr/internal/events"
	"github.com/jontk/slurm-stepmgr/internal/job"
	"github.com/jontk/slurm-stepmgr/internal/layout"
	"github.com/jontk/slurm-stepmgr/internal/placement"
	"github.com/jontk/slurm-stepmgr/internal/plugins"
	"github.com/jontk/slurm-stepmgr/internal/registry"
	"github.com/jontk/slurm-stepmgr/pkg/config"
	stepmgrerrors "github.com/jontk/slurm-stepmgr/pkg/errors"
	"github.com/jontk/slurm-stepmgr/pkg/logging"
	"github.com/jontk/slurm-stepmgr/pkg/metrics"
)

// CreateRequest is the step_create RPC's typed argument set (§6: the core
// sees typed arguments, decoding happens externally).
type CreateRequest struct {
	UID             uint32
	MinNodes        int
	MaxNodes        int
	NumTasks        int32
	CPUCount        int32
	MemPerCPUMB     uint64
	GresSpec        string
	NodeList        string
	Relative        int
	TaskDist        layout.Dist
	PlaneSize       int
	Exclusive       bool
	Overcommit      bool
	CPUsPerTask     int32
	Batch           bool
	CkptDir         string
	Name            string
	Network         string
	Host            string
	TimeLimitMin    int32
	ResvPortCnt     int
	NoKill          bool
}

// Manager orchestrates step lifecycle operations for a single job record.
// One Manager is constructed per job; the job-write lock (§5) is the
// caller's responsibility to hold across a Manager call.
type Manager struct {
	Job     *job.Job
	Cfg     *config.Config
	Acct    *accounting.Context
	Rot     *coreselect.RotationState
	Switch  plugins.Switch
	Ckpt    plugins.Checkpoint
	Gres    plugins.Gres
	AcctDB  plugins.AccountingStorage
	Inv     plugins.NodeInventory
	Agent   plugins.AgentDispatcher
	Logger  logging.Logger
	Metrics metrics.Collector
	Events  *events.Bus
}

// publish broadcasts ev on m.Events if one was wired; a Manager built
// without an event bus (as in most unit tests) is a silent no-op.
func (m *Manager) publish(ev events.StepEvent) {
	if m.Events != nil {
		m.Events.Publish(ev)
	}
}

func (m *Manager) registry() *registry.Registry {
	return registry.New(m.Job, m.Cfg)
}

func (m *Manager) logger() logging.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return logging.NoOpLogger{}
}

func (m *Manager) metricsSink() metrics.Collector {
	if m.Metrics != nil {
		return m.Metrics
	}
	return metrics.GetDefaultCollector()
}

// validateFieldLengths enforces spec §4.F step 2: reject oversize
// ckpt_dir/gres/host/name/network/node_list strings.
func (m *Manager) validateFieldLengths(req CreateRequest) error {
	checks := []struct {
		field string
		value string
		max   int
	}{
		{"ckpt_dir", req.CkptDir, m.Cfg.MaxCkptDirLen},
		{"gres", req.GresSpec, m.Cfg.MaxGresLen},
		{"host", req.Host, m.Cfg.MaxHostLen},
		{"name", req.Name, m.Cfg.MaxNameLen},
		{"network", req.Network, m.Cfg.MaxNetworkLen},
		{"node_list", req.NodeList, m.Cfg.MaxNodeListLen},
	}
	for _, c := range checks {
		if len(c.value) > c.max {
			return stepmgrerrors.PathnameTooLong(c.field, len(c.value), c.max)
		}
	}
	return nil
}

// normalize applies spec §4.F step 3's overcommit/cpu-count/cpus-per-task
// derivation rules.
func normalize(req *CreateRequest) {
	if req.Overcommit && req.Exclusive {
		req.Overcommit = false
		req.CPUCount = req.NumTasks
	} else if req.Overcommit {
		req.CPUCount = 0
	}

	if req.NumTasks > 0 && req.CPUCount > 0 && req.CPUCount%req.NumTasks == 0 {
		req.CPUsPerTask = req.CPUCount / req.NumTasks
	} else if req.CPUsPerTask == 0 {
		req.CPUsPerTask = 0
	}

	if req.NoKill {
		req.NoKill = true
	}
}

// StepCreate implements spec §4.F's step_create control flow. It never
// leaves partial state: every failure path after node picking releases
// whatever was already reserved before returning.
func (m *Manager) StepCreate(req CreateRequest) (*job.Step, error) {
	j := m.Job

	switch j.State {
	case job.StateFinished, job.StatePending:
		return nil, stepmgrerrors.TransitionStateNoUpdate(j.ID, "finished-or-pending")
	case job.StateSuspended:
		return nil, stepmgrerrors.Disabled()
	}
	if j.OwnerUID != req.UID {
		return nil, stepmgrerrors.AccessDenied(req.UID, j.ID)
	}

	if err := m.validateFieldLengths(req); err != nil {
		return nil, err
	}

	normalize(&req)

	var stepGres any
	if m.Gres != nil && req.GresSpec != "" {
		sg, err := m.Gres.StepStateValidate(req.GresSpec, j.GresList)
		if err != nil {
			return nil, stepmgrerrors.InvalidGres(req.GresSpec)
		}
		stepGres = sg
	}
	created := false
	defer func() {
		if !created && stepGres != nil {
			_ = m.Gres.StepDealloc(stepGres, j.GresList, -1)
		}
	}()

	pickStart := time.Now()
	pickRes, err := placement.PickNodes(j, placement.Request{
		MinNodes:        req.MinNodes,
		MaxNodes:        req.MaxNodes,
		NumTasks:        req.NumTasks,
		CPUCount:        req.CPUCount,
		MemPerCPUMB:     req.MemPerCPUMB,
		GresSpec:        req.GresSpec,
		NodeList:        req.NodeList,
		Relative:        req.Relative,
		Exclusive:       req.Exclusive,
		Overcommit:      req.Overcommit,
		CPUsPerTask:     req.CPUsPerTask,
		Batch:           req.Batch,
		MaxTasksPerNode: m.Cfg.MaxTasksPerNode,
	}, placement.Deps{Acct: m.Acct, Gres: orNoneGres(m.Gres), Inventory: m.Inv, JobGres: j.GresList, StepGres: stepGres})
	m.metricsSink().RecordPlacement("node_picker", time.Since(pickStart))
	if err != nil {
		m.metricsSink().RecordStepCreate("", false)
		return nil, err
	}

	localNodes := placementLocalIndices(j, pickRes.NodeBitmap)
	if m.Cfg.MaxTasksPerNode > 0 && int64(req.NumTasks) > int64(len(localNodes))*int64(m.Cfg.MaxTasksPerNode) {
		m.metricsSink().RecordStepCreate("", false)
		return nil, stepmgrerrors.BadTaskCount(int(req.NumTasks))
	}

	reg := m.registry()
	stepID, err := reg.AllocateID()
	if err != nil {
		m.metricsSink().RecordStepCreate("", false)
		return nil, err
	}

	step := &job.Step{
		StepID:         stepID,
		JobID:          j.ID,
		StepNodeBitmap: pickRes.NodeBitmap,
		CPUsPerTask:    req.CPUsPerTask,
		NumTasks:       req.NumTasks,
		MemPerCPUMB:    m.Acct.NormalizeMemPerCPU(req.MemPerCPUMB),
		Exclusive:      req.Exclusive,
		Overcommit:     req.Overcommit,
		NoKill:         req.NoKill,
		GresList:       stepGres,
		ExitCode:       job.ExitCodeUnset,
		StartTime:      nowFunc(),
		TimeLimitMin:   req.TimeLimitMin,
		Name:           req.Name,
		Network:        req.Network,
		CkptDir:        req.CkptDir,
		Host:           req.Host,
		Batch:          req.Batch,
	}
	reg.Insert(step)

	if !req.Batch {
		nodeNames := nodeNamesFor(localNodes)
		layoutReq := layout.Request{
			NodeList:         nodeNames,
			UsableCPUs:       selectUsable(pickRes.UsableCPUCnt, localNodes),
			NumTasks:         req.NumTasks,
			CPUsPerTask:      req.CPUsPerTask,
			Dist:             req.TaskDist,
			PlaneSize:        req.PlaneSize,
			ArbitraryAllowed: m.Cfg.ArbitraryDistributionAllowed,
		}
		layoutRes, err := layout.Distribute(layoutReq)
		if err != nil {
			reg.Remove(stepID)
			return nil, err
		}
		step.Layout = &job.StepLayout{NodeList: nodeNames, Tasks: layoutRes.Tasks}

		if m.Switch != nil {
			sw, err := m.Switch.AllocJobinfo()
			if err != nil {
				reg.Remove(stepID)
				return nil, stepmgrerrors.InterconnectFailure(err)
			}
			cyclic := req.TaskDist == layout.DistCyclic || req.TaskDist == layout.DistCyclicCyclic || req.TaskDist == layout.DistCyclicBlock
			if err := m.Switch.BuildJobinfo(sw, nodeNames, layoutRes.Tasks, cyclic, req.Network); err != nil {
				_ = m.Switch.FreeJobinfo(sw)
				reg.Remove(stepID)
				return nil, stepmgrerrors.InterconnectFailure(err)
			}
			step.SwitchJob = sw
		}

		for i, n := range localNodes {
			cpus := layoutRes.Tasks[i] * maxI32(step.CPUsPerTask, 1)
			m.Acct.Debit(j, n, cpus, step.MemPerCPUMB*uint64(maxI32(step.CPUsPerTask, 1))*uint64(layoutRes.Tasks[i]))
		}
		coreStart := time.Now()
		step.CoreBitmapJob = coreselect.PickCores(j, localNodes, layoutRes.Tasks, step.CPUsPerTask, m.Rot)
		m.metricsSink().RecordPlacement("core_picker", time.Since(coreStart))
		if step.CoreBitmapJob != nil {
			m.Acct.DebitCores(j, step.CoreBitmapJob)
		}
	}

	if m.Ckpt != nil {
		cj, err := m.Ckpt.AllocJobinfo()
		if err == nil {
			step.CheckJob = cj
		}
	}

	if m.AcctDB != nil {
		_ = m.AcctDB.StepStart(j.ID, step.StepID)
	}

	created = true
	m.metricsSink().RecordStepCreate("", true)
	m.publish(events.StepEvent{Kind: events.KindStepCreated, JobID: j.ID, StepID: step.StepID})
	return step, nil
}

// orNoneGres substitutes the no-op GRES plugin when none was wired, so
// the placement package never has to nil-check.
func orNoneGres(g plugins.Gres) plugins.Gres {
	if g == nil {
		return plugins.NoneGres{}
	}
	return g
}

func placementLocalIndices(j *job.Job, picked *bitmap.Bitmap) []int {
	global := j.NodeBitmap.Indices()
	pos := make(map[int]int, len(global))
	for i, g := range global {
		pos[g] = i
	}
	out := make([]int, 0)
	for _, g := range picked.Indices() {
		if i, ok := pos[g]; ok {
			out = append(out, i)
		}
	}
	return out
}

func nodeNamesFor(localNodes []int) []string {
	names := make([]string, len(localNodes))
	for i, n := range localNodes {
		names[i] = nodeName(n)
	}
	return names
}

// nodeName is a placeholder naming scheme for node-local-index n; a real
// deployment resolves this through the node inventory's reverse name
// table, which lives outside this module's scope (§1).
func nodeName(n int) string {
	return "node" + itoa(n)
}

func selectUsable(usable []int32, localNodes []int) []int32 {
	if usable == nil {
		return nil
	}
	out := make([]int32, len(localNodes))
	for i, n := range localNodes {
		if n < len(usable) {
			out[i] = usable[n]
		}
	}
	return out
}

// Signal dispatches sig to every node of step stepID. SIGKILL is
// additionally logged with the requester's uid; no separate launcher
// notification is sent.
func (m *Manager) Signal(stepID uint32, sig int, requesterUID uint32) error {
	step, err := m.registry().Find(stepID)
	if err != nil {
		return err
	}
	if sig == sigKill {
		m.logger().Info("step signaled with SIGKILL", "job_id", m.Job.ID, "step_id", stepID, "uid", requesterUID)
	}
	if m.Agent != nil {
		m.Agent.Dispatch(plugins.AgentMessage{
			MsgType:  "signal_tasks",
			HostList: stepNodeList(step),
			Args:     sig,
		})
	}
	m.publish(events.StepEvent{Kind: events.KindStepSignaled, JobID: m.Job.ID, StepID: stepID, Detail: itoa(sig)})
	return nil
}

const sigKill = 9

// stepNodeList returns a step's layout node list, or nil for batch steps
// that have no layout.
func stepNodeList(s *job.Step) []string {
	if s.Layout == nil {
		return nil
	}
	return s.Layout.NodeList
}

func maxI32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// nowFunc is overridden in tests to produce deterministic timestamps.
var nowFunc = time.Now
