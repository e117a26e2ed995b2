// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

// InvalidJobID reports that jobID does not name a known job.
func InvalidJobID(jobID uint32) *StepError {
	return Newf(CodeInvalidJobID, "job %d not found", jobID).WithDetail("job_id", jobID)
}

// InvalidStepID reports that stepID does not name a known step of jobID.
func InvalidStepID(jobID uint32, stepID uint32) *StepError {
	return Newf(CodeInvalidStepID, "step %d.%d not found", jobID, stepID).
		WithDetail("job_id", jobID).WithDetail("step_id", stepID)
}

// AccessDenied reports that uid is not authorized for the requested
// operation on the job.
func AccessDenied(uid uint32, jobID uint32) *StepError {
	return Newf(CodeAccessDenied, "uid %d may not operate on job %d", uid, jobID).
		WithDetail("uid", uid).WithDetail("job_id", jobID)
}

// UserIDMissing reports that a request carried no user id.
func UserIDMissing() *StepError {
	return New(CodeUserIDMissing, "request carries no user id")
}

// AlreadyDone reports that the job has already completed.
func AlreadyDone(jobID uint32) *StepError {
	return Newf(CodeAlreadyDone, "job %d is already complete", jobID).WithDetail("job_id", jobID)
}

// DuplicateJobID reports a collision on job id allocation.
func DuplicateJobID(jobID uint32) *StepError {
	return Newf(CodeDuplicateJobID, "job id %d already in use", jobID).WithDetail("job_id", jobID)
}

// Disabled reports that step creation is refused because the job is
// suspended.
func Disabled() *StepError {
	return New(CodeDisabled, "step creation is disabled")
}

// TransitionStateNoUpdate reports an update request against a job that
// cannot accept it in its current state.
func TransitionStateNoUpdate(jobID uint32, state string) *StepError {
	return Newf(CodeTransitionStateNoUpdate, "job %d in state %s accepts no update", jobID, state).
		WithDetail("job_id", jobID).WithDetail("state", state)
}

// InvalidNodeCount reports a requested node count outside the job's
// allocation.
func InvalidNodeCount(requested, available int) *StepError {
	return Newf(CodeInvalidNodeCount, "requested %d nodes, job holds %d", requested, available).
		WithDetail("requested", requested).WithDetail("available", available)
}

// BadTaskCount reports a task count that is zero, negative, or exceeds the
// per-node task limit.
func BadTaskCount(requested int) *StepError {
	return Newf(CodeBadTaskCount, "invalid task count %d", requested).WithDetail("requested", requested)
}

// BadDistribution reports a task distribution string the layout engine does
// not recognize.
func BadDistribution(dist string) *StepError {
	return Newf(CodeBadDistribution, "unrecognized task distribution %q", dist).WithDetail("distribution", dist)
}

// TaskDistArbitraryUnsupported reports that arbitrary distribution was
// requested but the cluster's switch configuration does not support it.
func TaskDistArbitraryUnsupported() *StepError {
	return New(CodeTaskDistArbitraryUnsupported, "arbitrary task distribution is not supported by the configured interconnect")
}

// ConfigUnavailable reports that no node in the job's allocation can ever
// satisfy the request: permanent, not worth retrying.
func ConfigUnavailable(reason string) *StepError {
	return Newf(CodeConfigUnavailable, "requested resources will never be available: %s", reason).WithDetail("reason", reason)
}

// NodesBusy reports that nodes exist which could satisfy the request but
// are presently occupied by other steps: transient, worth retrying.
func NodesBusy() *StepError {
	return New(CodeNodesBusy, "sufficient nodes are currently occupied by other steps")
}

// NodeNotAvail reports that a node named explicitly by the request, or a
// node of the job, is down, drained, or otherwise unusable.
func NodeNotAvail(node string) *StepError {
	return Newf(CodeNodeNotAvail, "node %s is not available", node).WithDetail("node", node)
}

// PrologRunning reports that the job's prolog has not yet completed on all
// nodes, so no step may start.
func PrologRunning(jobID uint32) *StepError {
	return Newf(CodePrologRunning, "job %d prolog has not completed", jobID).WithDetail("job_id", jobID)
}

// InvalidTaskMemory reports a per-task memory request that under- or
// over-subscribes the node.
func InvalidTaskMemory(requestedMB, limitMB uint64) *StepError {
	return Newf(CodeInvalidTaskMemory, "requested %d MB exceeds limit %d MB", requestedMB, limitMB).
		WithDetail("requested_mb", requestedMB).WithDetail("limit_mb", limitMB)
}

// InvalidGres reports a generic resource specification that does not parse
// or does not name a configured resource.
func InvalidGres(spec string) *StepError {
	return Newf(CodeInvalidGres, "invalid gres specification %q", spec).WithDetail("gres", spec)
}

// TooManyRequestedCPUs reports a per-step CPU request above what the job
// holds, or above cluster policy.
func TooManyRequestedCPUs(requested, limit int) *StepError {
	return Newf(CodeTooManyRequestedCPUs, "requested %d cpus exceeds limit %d", requested, limit).
		WithDetail("requested", requested).WithDetail("limit", limit)
}

// TooManySteps reports that the job can allocate no further step ids
// because its next_step_id has reached the reserved sentinel range; limit
// is the count of steps live at that moment.
func TooManySteps(jobID uint32, limit int) *StepError {
	return Newf(CodeTooManySteps, "job %d already has %d live steps", jobID, limit).
		WithDetail("job_id", jobID).WithDetail("limit", limit)
}

// PathnameTooLong reports that a ckpt_dir, host, name, network, or node
// list string exceeds its configured maximum length.
func PathnameTooLong(field string, length, max int) *StepError {
	return Newf(CodePathnameTooLong, "field %s length %d exceeds max %d", field, length, max).
		WithDetail("field", field).WithDetail("length", length).WithDetail("max", max)
}

// InvalidTimeLimit reports a step time limit outside the job's remaining
// time or cluster policy.
func InvalidTimeLimit(requested, limit int32) *StepError {
	return Newf(CodeInvalidTimeLimit, "requested time limit %d exceeds %d", requested, limit).
		WithDetail("requested", requested).WithDetail("limit", limit)
}

// InterconnectFailure wraps a failure reported by the switch plugin during
// step setup or teardown.
func InterconnectFailure(cause error) *StepError {
	return Wrap(CodeInterconnectFailure, "interconnect plugin failed", cause)
}
