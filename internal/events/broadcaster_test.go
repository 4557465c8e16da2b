package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/creeklabs/loreforge/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func TestPublishDeliversToProjectSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(8, zap.NewNop())
	defer b.Close()

	ch1, cancel1 := b.Subscribe("p1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("p1")
	defer cancel2()
	chOther, cancelOther := b.Subscribe("p2")
	defer cancelOther()

	b.Publish("p1", TypeJobStatusUpdate, map[string]string{"job_id": "abc"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			require.Equal(t, TypeJobStatusUpdate, evt.Type)
			require.Equal(t, "p1", evt.ProjectID)
			require.False(t, evt.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case evt := <-chOther:
		t.Fatalf("p2 subscriber received p1 event: %+v", evt)
	default:
	}
}

func TestPublishNeverBlocksOnFullBuffer(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(2, zap.NewNop())
	defer b.Close()

	_, cancel := b.Subscribe("p1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody drains the channel; overflow must be dropped, not block.
		for i := 0; i < 100; i++ {
			b.Publish("p1", TypeLinkUpdated, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}

func TestCancelClosesChannelAndStopsDelivery(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(8, zap.NewNop())
	defer b.Close()

	ch, cancel := b.Subscribe("p1")
	require.Equal(t, 1, b.SubscriberCount("p1"))

	cancel()
	cancel() // idempotent
	require.Equal(t, 0, b.SubscriberCount("p1"))

	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel must not panic on the closed channel.
	b.Publish("p1", TypeEntryCreated, nil)
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(8, zap.NewNop())
	ch1, _ := b.Subscribe("p1")
	ch2, _ := b.Subscribe("p2")

	b.Close()
	b.Close() // idempotent

	_, open := <-ch1
	require.False(t, open)
	_, open = <-ch2
	require.False(t, open)

	// No-ops after close.
	b.Publish("p1", TypeSourceUpdated, nil)
	ch3, cancel3 := b.Subscribe("p1")
	cancel3()
	_, open = <-ch3
	require.False(t, open)
}
