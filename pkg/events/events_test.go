package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	sub, cancel := b.Subscribe()
	defer cancel()

	b.Publish(&Event{Type: EventInstanceState, WDID: "wd-1", Message: "READY"})

	select {
	case ev := <-sub:
		assert.Equal(t, EventInstanceState, ev.Type)
		assert.False(t, ev.Timestamp.IsZero(), "publish must stamp the event")
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	sub, cancel := b.Subscribe()
	cancel()
	cancel() // safe to repeat

	_, open := <-sub
	assert.False(t, open, "canceled subscription channel must be closed")

	// Publishing after cancel must not panic or block.
	b.Publish(&Event{Type: EventTransportUp})
}

func TestLaggingSubscriberLosesEvents(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	sub, cancel := b.Subscribe()
	defer cancel()

	// Overflow the subscriber buffer without draining it.
	for i := 0; i < 200; i++ {
		b.Publish(&Event{Type: EventTransportDown})
	}

	// The publisher never blocked; the channel holds at most its buffer.
	received := 0
	for {
		select {
		case <-sub:
			received++
			continue
		default:
		}
		break
	}
	require.Greater(t, received, 0)
	assert.Less(t, received, 200, "excess events must be dropped, not queued unboundedly")
}

func TestSubscribeAfterClose(t *testing.T) {
	b := NewBroker()
	b.Close()
	b.Close() // idempotent

	sub, cancel := b.Subscribe()
	defer cancel()
	_, open := <-sub
	assert.False(t, open, "subscription after close is immediately closed")
}
