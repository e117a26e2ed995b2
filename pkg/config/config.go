// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package config holds the runtime policy knobs that govern the job step
// manager's placement, layout and lifecycle behavior. Values are sourced
// from environment variables at process start, mirroring slurm.conf-style
// cluster-wide configuration rather than per-request options.
package config

import (
	"os"
	"strconv"
)

// StepIDReservedBase is the first step id reserved for non-spawned,
// batch-script, extern and pending step sentinels. User-visible step ids
// allocated by the registry never reach this value: once next_step_id
// reaches it, the registry refuses further steps with too-many-steps.
const StepIDReservedBase uint32 = 0xFFFFFFF0

// MaxTasksPerNodeDefault is the default per-node task bound: step
// creation refuses num_tasks above picked nodes times this value.
const MaxTasksPerNodeDefault = 512

// Config holds job-step-manager runtime policy.
type Config struct {
	// MemoryIsReservedResource mirrors SelectTypeParameters'
	// CR_Memory/CR_Core_Memory family: when true, accounting tracks and
	// enforces memory_allocated per node in addition to cpu counts. Set
	// once at controller start; changing it at runtime is out of scope.
	MemoryIsReservedResource bool

	// MaxTasksPerNode bounds num_tasks to picked nodes times this value;
	// the node picker and step creation enforce it with bad-task-count.
	MaxTasksPerNode int

	// StepIDReservedBase is the lowest step id treated as a sentinel
	// (SLURM_BATCH_SCRIPT, SLURM_EXTERN_CONT, SLURM_PENDING_STEP) rather
	// than an allocable step id.
	StepIDReservedBase uint32

	// ArbitraryDistributionAllowed gates whether SLURM_DIST_ARBITRARY is
	// honored as requested or silently downgraded to SLURM_DIST_BLOCK.
	// This is the resolution of the elan-switch open question: clusters
	// whose interconnect plugin cannot route an arbitrary node order
	// should set this false.
	ArbitraryDistributionAllowed bool

	// MaxCkptDirLen, MaxGresLen, MaxHostLen, MaxNameLen, MaxNetworkLen and
	// MaxNodeListLen bound the corresponding step_create request fields;
	// exceeding one yields pathname-too-long.
	MaxCkptDirLen  int
	MaxGresLen     int
	MaxHostLen     int
	MaxNameLen     int
	MaxNetworkLen  int
	MaxNodeListLen int
}

// DefaultConfig returns the policy defaults used when no environment
// overrides are present.
func DefaultConfig() *Config {
	return &Config{
		MemoryIsReservedResource:     true,
		MaxTasksPerNode:              MaxTasksPerNodeDefault,
		StepIDReservedBase:           StepIDReservedBase,
		ArbitraryDistributionAllowed: true,
		MaxCkptDirLen:                4096,
		MaxGresLen:                   1024,
		MaxHostLen:                   255,
		MaxNameLen:                   128,
		MaxNetworkLen:                1024,
		MaxNodeListLen:               65536,
	}
}

// Load builds a Config from the default values overridden by any
// STEPMGR_* environment variables that are set.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("STEPMGR_MEMORY_IS_RESERVED_RESOURCE"); ok {
		b, err := getEnvBool(v)
		if err != nil {
			return nil, ErrInvalidMemoryIsReservedResource
		}
		cfg.MemoryIsReservedResource = b
	}

	if v, ok := os.LookupEnv("STEPMGR_MAX_TASKS_PER_NODE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, ErrInvalidMaxTasksPerNode
		}
		cfg.MaxTasksPerNode = n
	}

	if v, ok := os.LookupEnv("STEPMGR_ARBITRARY_DIST_ALLOWED"); ok {
		b, err := getEnvBool(v)
		if err != nil {
			return nil, ErrInvalidArbitraryDistAllowed
		}
		cfg.ArbitraryDistributionAllowed = b
	}

	if v, ok := os.LookupEnv("STEPMGR_MAX_NODE_LIST_LEN"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, ErrInvalidMaxNodeListLen
		}
		cfg.MaxNodeListLen = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg's fields are internally consistent.
func (c *Config) Validate() error {
	if c.MaxTasksPerNode <= 0 {
		return ErrInvalidMaxTasksPerNode
	}
	if c.StepIDReservedBase == 0 {
		return ErrInvalidStepIDReservedBase
	}
	for name, n := range map[string]int{
		"ckpt_dir": c.MaxCkptDirLen,
		"gres":     c.MaxGresLen,
		"host":     c.MaxHostLen,
		"name":     c.MaxNameLen,
		"network":  c.MaxNetworkLen,
		"node_list": c.MaxNodeListLen,
	} {
		if n <= 0 {
			return fieldLengthError(name)
		}
	}
	return nil
}

func getEnvBool(v string) (bool, error) {
	return strconv.ParseBool(v)
}
