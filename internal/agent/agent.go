// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the asynchronous outbound dispatcher spec §5
// calls "the agent": a queue owning its own worker pool so step lifecycle
// calls made with the job-write lock held never block on RPC delivery to
// compute nodes. The pool/config/logger/mutex shape mirrors the teacher
// corpus's client-pool pattern, repurposed here for outbound fan-out
// instead of inbound connection reuse.
package agent

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jontk/slurm-stepmgr/internal/plugins"
	"github.com/jontk/slurm-stepmgr/pkg/logging"
)

// Sender delivers one AgentMessage to its hostlist; the real
// implementation lives outside this module's scope (§1: RPC
// decoding/framing is an external collaborator), so Sender is the narrow
// interface this package depends on instead.
type Sender interface {
	Send(ctx context.Context, msg plugins.AgentMessage) error
}

// PoolConfig controls the dispatcher's worker pool sizing and queue
// depth.
type PoolConfig struct {
	Workers  int
	QueueLen int
}

// DefaultPoolConfig returns reasonable worker-pool defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{Workers: 4, QueueLen: 256}
}

type queuedMessage struct {
	id  string
	msg plugins.AgentMessage
}

// Dispatcher is a plugins.AgentDispatcher backed by a bounded channel and
// a fixed worker pool. Outcomes are tracked in an in-memory map keyed by
// a generated correlation id purely for observability; failed sends are
// logged, never retried automatically (spec §5: the caller does not wait
// for delivery, so retry policy belongs to a higher layer).
type Dispatcher struct {
	cfg    *PoolConfig
	sender Sender
	logger logging.Logger

	queue chan queuedMessage

	mu      sync.RWMutex
	results map[string]error

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewDispatcher builds a Dispatcher and starts its worker pool. Callers
// must call Close to drain the pool on shutdown.
func NewDispatcher(cfg *PoolConfig, sender Sender, logger logging.Logger) *Dispatcher {
	if cfg == nil {
		cfg = DefaultPoolConfig()
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	d := &Dispatcher{
		cfg:     cfg,
		sender:  sender,
		logger:  logger,
		queue:   make(chan queuedMessage, cfg.QueueLen),
		results: make(map[string]error),
		stop:    make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case qm, ok := <-d.queue:
			if !ok {
				return
			}
			err := d.sender.Send(context.Background(), qm.msg)
			if err != nil {
				d.logger.Warn("agent dispatch failed", "id", qm.id, "msg_type", qm.msg.MsgType, "error", err)
			}
			d.recordResult(qm.id, err)
		}
	}
}

func (d *Dispatcher) recordResult(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[id] = err
}

// Dispatch implements plugins.AgentDispatcher: it enqueues msg and
// returns immediately without waiting for delivery. If the queue is full
// the message is dropped and logged rather than blocking the caller, who
// may be holding the job-write lock.
func (d *Dispatcher) Dispatch(msg plugins.AgentMessage) {
	id := uuid.NewString()
	select {
	case d.queue <- queuedMessage{id: id, msg: msg}:
	default:
		d.logger.Warn("agent queue full, dropping message", "id", id, "msg_type", msg.MsgType)
	}
}

// Result returns the outcome of a previously dispatched message by its
// id, and whether that id has completed yet.
func (d *Dispatcher) Result(id string) (error, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	err, ok := d.results[id]
	return err, ok
}

// Close stops accepting new work and waits for in-flight sends to finish.
func (d *Dispatcher) Close() {
	close(d.stop)
	close(d.queue)
	d.wg.Wait()
}
