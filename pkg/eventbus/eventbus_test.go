package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	ID int
}

func TestPublishMatchesBySignature(t *testing.T) {
	t.Parallel()

	bus := NewEventPublisher(nil)

	var got []int
	bus.Subscribe(func(ev testEvent) {
		got = append(got, ev.ID)
	})
	bus.Subscribe(func(name string) {
		t.Fatal("string handler must not fire for testEvent")
	})

	bus.Publish(testEvent{ID: 7})
	require.Len(t, got, 1)
	assert.Equal(t, 7, got[0])
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := NewEventPublisher(nil)
	fired := 0
	handler := func(ev testEvent) { fired++ }

	bus.Subscribe(handler)
	require.Equal(t, 1, bus.SubscribersCount())

	bus.Unsubscribe(handler)
	assert.Equal(t, 0, bus.SubscribersCount())

	bus.Publish(testEvent{ID: 1})
	assert.Equal(t, 0, fired)
}

func TestPublishRecoversPanic(t *testing.T) {
	t.Parallel()

	bus := NewEventPublisher(nil)
	bus.Subscribe(func(ev testEvent) { panic("boom") })

	assert.NotPanics(t, func() {
		bus.Publish(testEvent{ID: 1})
	})
}
