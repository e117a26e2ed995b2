// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus()
	ch1, unsub1 := bus.Subscribe(1)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe(1)
	defer unsub2()

	bus.Publish(StepEvent{Kind: KindStepCreated, JobID: 1, StepID: 2})

	ev1 := <-ch1
	ev2 := <-ch2
	assert.Equal(t, KindStepCreated, ev1.Kind)
	assert.Equal(t, KindStepCreated, ev2.Kind)
}

func TestPublishDropsOnFullSubscriberBuffer(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(StepEvent{Kind: KindStepCreated})
	bus.Publish(StepEvent{Kind: KindStepCompleted})

	first := <-ch
	assert.Equal(t, KindStepCreated, first.Kind)
	select {
	case <-ch:
		t.Fatal("expected second event to have been dropped")
	default:
	}
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(1)
	require.Equal(t, 1, bus.SubscriberCount())
	unsub()
	assert.Equal(t, 0, bus.SubscriberCount())
}
