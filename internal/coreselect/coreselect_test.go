// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package coreselect

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jontk/slurm-stepmgr/internal/bitmap"
)

func TestPickCoresForNodeTakesAllWhenFullySubscribed(t *testing.T) {
	core := bitmap.New(8)
	core.SetAll()
	used := bitmap.New(8)

	picked := PickCoresForNode(core, used, 0, 2, 4, 8, NewRotationState())
	assert.Equal(t, 8, picked.Count())
}

func TestPickCoresForNodeSpreadsAcrossSocketsFirst(t *testing.T) {
	core := bitmap.New(8) // 2 sockets x 4 cores: bits [0..3]=socket0, [4..7]=socket1
	core.SetAll()
	used := bitmap.New(8)

	picked := PickCoresForNode(core, used, 0, 2, 4, 2, NewRotationState())
	assert.Equal(t, 2, picked.Count())
	// First pass iterates core-index-major, socket-index-minor: bit 0
	// (socket0,core0) then bit 4 (socket1,core0).
	assert.True(t, picked.Test(0))
	assert.True(t, picked.Test(4))
}

func TestPickCoresForNodeOversubscribesWhenNodeIsFull(t *testing.T) {
	core := bitmap.New(4)
	core.SetAll()
	used := bitmap.New(4)
	used.SetAll() // node already fully used by another step

	rot := NewRotationState()
	picked := PickCoresForNode(core, used, 0, 1, 4, 2, rot)
	assert.Equal(t, 2, picked.Count())
}

func TestRotationStateAdvancesAndWraps(t *testing.T) {
	rot := NewRotationState()
	assert.Equal(t, 0, rot.advance(4))
	assert.Equal(t, 1, rot.advance(4))
	assert.Equal(t, 2, rot.advance(4))
	assert.Equal(t, 3, rot.advance(4))
	assert.Equal(t, 0, rot.advance(4))
}
