package observe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	count := 0
	_, err := bus.Register(ObserverFunc(func(ctx context.Context, s Snapshot) error {
		count++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, Snapshot{Topic: "t1"}))
	require.NoError(t, bus.Publish(ctx, Snapshot{Topic: "t1", Terminal: true}))
	require.Equal(t, 2, count)
}

func TestBusRegisterNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}

func TestBusPublishStopsAtFirstError(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")
	_, err := bus.Register(ObserverFunc(func(ctx context.Context, s Snapshot) error {
		return boom
	}))
	require.NoError(t, err)

	require.ErrorIs(t, bus.Publish(context.Background(), Snapshot{Topic: "t1"}), boom)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	count := 0
	sub, err := bus.Register(ObserverFunc(func(ctx context.Context, s Snapshot) error {
		count++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, Snapshot{Topic: "t1"}))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, bus.Publish(ctx, Snapshot{Topic: "t1"}))
	require.Equal(t, 1, count)
}

func TestArenaClosesAllSubscriptions(t *testing.T) {
	bus := NewBus()
	arena := NewArena(bus)
	ctx := context.Background()

	count := 0
	for i := 0; i < 3; i++ {
		require.NoError(t, arena.Register(ObserverFunc(func(ctx context.Context, s Snapshot) error {
			count++
			return nil
		})))
	}
	require.NoError(t, bus.Publish(ctx, Snapshot{Topic: "t1"}))
	require.Equal(t, 3, count)

	require.NoError(t, arena.Close())
	require.NoError(t, bus.Publish(ctx, Snapshot{Topic: "t1"}))
	require.Equal(t, 3, count)

	require.NoError(t, arena.Close())
}
