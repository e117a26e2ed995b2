// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package registry implements component E: a per-job ordered collection
// of steps with monotonic id allocation and lookup, including the
// "any/first" sentinel lookups used by signal broadcast and
// job-shutdown.
package registry

import (
	"github.com/jontk/slurm-stepmgr/internal/job"
	stepmgrerrors "github.com/jontk/slurm-stepmgr/pkg/errors"
	"github.com/jontk/slurm-stepmgr/pkg/config"
)

// AnyStepID is the sentinel step id meaning "the job's only step" /
// "any step", used by callers that address a job without knowing its
// step id in advance.
const AnyStepID uint32 = 0xFFFFFFFE

// Registry owns a single job's ordered step collection and its
// next_step_id counter.
type Registry struct {
	job *job.Job
	cfg *config.Config
}

// New returns a Registry over j using cfg's step-id reservation policy.
func New(j *job.Job, cfg *config.Config) *Registry {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Registry{job: j, cfg: cfg}
}

// AllocateID returns the job's next step id and advances the counter, or
// too-many-steps once the counter reaches the reserved sentinel range.
func (r *Registry) AllocateID() (uint32, error) {
	if r.job.NextStepID >= r.cfg.StepIDReservedBase {
		return 0, stepmgrerrors.TooManySteps(r.job.ID, len(r.job.StepList))
	}
	id := r.job.NextStepID
	r.job.NextStepID++
	return id, nil
}

// Insert appends s to the job's step list, preserving insertion order.
func (r *Registry) Insert(s *job.Step) {
	r.job.StepList = append(r.job.StepList, s)
}

// Remove deletes the step with id stepID from the job's step list. It is
// a no-op if no such step exists.
func (r *Registry) Remove(stepID uint32) {
	for i, s := range r.job.StepList {
		if s.StepID == stepID {
			r.job.StepList = append(r.job.StepList[:i], r.job.StepList[i+1:]...)
			return
		}
	}
}

// Find looks up a step by id. stepID == AnyStepID returns the job's first
// step, matching the source's "first/any" sentinel lookup used when a
// caller addresses a job without a specific step in mind.
func (r *Registry) Find(stepID uint32) (*job.Step, error) {
	if stepID == AnyStepID {
		if len(r.job.StepList) == 0 {
			return nil, stepmgrerrors.InvalidStepID(r.job.ID, stepID)
		}
		return r.job.StepList[0], nil
	}
	for _, s := range r.job.StepList {
		if s.StepID == stepID {
			return s, nil
		}
	}
	return nil, stepmgrerrors.InvalidStepID(r.job.ID, stepID)
}

// Len returns the number of live steps.
func (r *Registry) Len() int {
	return len(r.job.StepList)
}

// All returns every live step in insertion order. The returned slice is
// the registry's own backing slice and must not be mutated by callers.
func (r *Registry) All() []*job.Step {
	return r.job.StepList
}
