package events

import (
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return NewBus(log.New(io.Discard))
}

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := newTestBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.PublishStatus(StatusEvent{TableID: 1, Status: "active", Timestamp: time.Now()})

	select {
	case env := <-ch:
		require.Equal(t, TypeStatus, env.Type)
		require.NotNil(t, env.Status)
		assert.Equal(t, 1, env.Status.TableID)
		assert.Equal(t, "active", env.Status.Status)
	default:
		t.Fatal("expected a delivered event")
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := newTestBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	// A full subscriber buffer must not stall the publisher.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.PublishRound(RoundEvent{TableID: 1, RoundNumber: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := newTestBus()
	// Publishing into the void is fine.
	bus.PublishError(ErrorEvent{TableID: 2, Category: "capture", Message: "x"})
	assert.Equal(t, 0, bus.Subscribers())
}

func TestBus_CancelUnsubscribes(t *testing.T) {
	bus := newTestBus()
	ch, cancel := bus.Subscribe(1)
	require.Equal(t, 1, bus.Subscribers())

	cancel()
	assert.Equal(t, 0, bus.Subscribers())

	_, open := <-ch
	assert.False(t, open, "channel closed on cancel")

	// Double cancel is harmless.
	cancel()
}

func TestBus_SlowSubscriberDoesNotStarveOthers(t *testing.T) {
	bus := newTestBus()
	slow, cancelSlow := bus.Subscribe(1)
	fast, cancelFast := bus.Subscribe(16)
	defer cancelSlow()
	defer cancelFast()

	for i := 0; i < 10; i++ {
		bus.PublishStatus(StatusEvent{TableID: 1})
	}

	assert.Len(t, slow, 1, "overflow dropped for the slow subscriber")
	assert.Len(t, fast, 10, "fast subscriber got everything")
}
