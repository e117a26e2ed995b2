// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesCategoryAndRetryable(t *testing.T) {
	e := New(CodeNodesBusy, "occupied")
	assert.Equal(t, CategoryNodeSelection, e.Category)
	assert.True(t, e.Retryable)

	e2 := New(CodeConfigUnavailable, "never")
	assert.Equal(t, CategoryNodeSelection, e2.Category)
	assert.False(t, e2.Retryable)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(CodeInterconnectFailure, "switch setup failed", cause)
	require.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "boom")
}

func TestIsMatchesOnCodeOnly(t *testing.T) {
	a := NodeNotAvail("n1")
	b := NodeNotAvail("n2")
	assert.True(t, errors.Is(a, b))
}

func TestCodeOfAndIsRetryable(t *testing.T) {
	err := NodesBusy()
	assert.Equal(t, CodeNodesBusy, CodeOf(err))
	assert.True(t, IsRetryable(err))

	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestWithDetail(t *testing.T) {
	e := InvalidJobID(42)
	assert.Equal(t, uint32(42), e.Details["job_id"])
}
