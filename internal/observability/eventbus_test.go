package observability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/hestia/internal/observability"
)

func TestEventBus_FansOutToSubscribers(t *testing.T) {
	bus := observability.NewEventBus()
	defer bus.Close()

	first := bus.Subscribe()
	second := bus.Subscribe()

	bus.Publish(context.Background(), "cache.hit", map[string]interface{}{"request_id": "r-1"})

	for _, sub := range []<-chan observability.Event{first, second} {
		event := <-sub
		require.Equal(t, "cache.hit", event.Type)
		require.Equal(t, "r-1", event.Data["request_id"])
	}
}

func TestEventBus_PublishWithoutSubscribers(t *testing.T) {
	bus := observability.NewEventBus()
	defer bus.Close()

	// Must not block or panic.
	bus.Publish(context.Background(), "routing.decision", nil)
}

func TestEventBus_DropsWhenSubscriberIsFull(t *testing.T) {
	bus := observability.NewEventBus()
	defer bus.Close()

	sub := bus.Subscribe()
	ctx := context.Background()

	// One more than the buffer; the overflow event is dropped, not
	// delivered late.
	for i := 0; i < 65; i++ {
		bus.Publish(ctx, "request.complete", map[string]interface{}{"n": i})
	}

	delivered := 0
	for {
		select {
		case <-sub:
			delivered++
		default:
			require.Equal(t, 64, delivered)
			return
		}
	}
}

func TestEventBus_CloseEndsSubscriptions(t *testing.T) {
	bus := observability.NewEventBus()
	sub := bus.Subscribe()

	bus.Close()

	_, open := <-sub
	require.False(t, open)
}
