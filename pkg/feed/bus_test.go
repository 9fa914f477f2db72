package feed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evaldb/pkg/generation"
	"evaldb/pkg/journal"
)

func TestBusFansOutPerDatabase(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(journal.NewMemStore())
	a, err := bus.CreateDatabase(ctx, "luaval")
	require.NoError(t, err)
	b, err := bus.CreateDatabase(ctx, "luaval")
	require.NoError(t, err)

	subA := bus.Subscribe(a.Name)
	subB := bus.Subscribe(b.Name)
	defer bus.Unsubscribe(a.Name, subA)
	defer bus.Unsubscribe(b.Name, subB)

	tx := generation.Transac{Result: generation.Response{Gen: 1}}
	require.NoError(t, bus.Append(ctx, a.Name, tx))

	got := <-subA
	assert.Equal(t, generation.ID(1), got.Result.Gen)
	assert.Len(t, subB, 0)
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(journal.NewMemStore())
	d, _ := bus.CreateDatabase(ctx, "luaval")
	sub := bus.Subscribe(d.Name)

	for i := 1; i <= 100; i++ {
		require.NoError(t, bus.Append(ctx, d.Name, generation.Transac{Result: generation.Response{Gen: generation.ID(i)}}))
	}
	assert.Len(t, sub, cap(sub))

	n, err := bus.Count(ctx, d.Name)
	require.NoError(t, err)
	assert.Equal(t, 100, n, "the journal keeps everything even when fan-out drops")
}

func TestBusFailedAppendNotBroadcast(t *testing.T) {
	bus := NewBus(journal.NewMemStore())
	sub := bus.Subscribe("missing")
	err := bus.Append(context.Background(), "missing", generation.Transac{})
	assert.ErrorIs(t, err, journal.ErrDatabaseNotFound)
	assert.Len(t, sub, 0)

	bus.Unsubscribe("missing", sub)
	assert.Equal(t, 0, bus.Subscribers("missing"))
	_, open := <-sub
	assert.False(t, open)
}
