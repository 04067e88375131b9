package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("b1")
	other := bus.Subscribe("b2")
	all := bus.Subscribe(AllBatches)

	bus.Publish("b1", Event{Type: EventItem, ItemID: "x", Status: "completed"})

	require.Len(t, ch, 1)
	ev := <-ch
	assert.Equal(t, "b1", ev.BatchID)
	assert.Equal(t, "x", ev.ItemID)
	assert.Len(t, other, 0)
	assert.Len(t, all, 1)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("b1")

	bus.Unsubscribe("b1", ch)

	_, open := <-ch
	assert.False(t, open)
	assert.NotContains(t, bus.subscribers, "b1")

	bus.Publish("b1", Event{})
}

func TestEventBus_DropsForSlowSubscriber(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("b1")

	for i := 0; i < cap(ch)+10; i++ {
		bus.Publish("b1", Event{Completed: i})
	}

	assert.Len(t, ch, cap(ch))
	assert.Equal(t, 0, (<-ch).Completed)
}
