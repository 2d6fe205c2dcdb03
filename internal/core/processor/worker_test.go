package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/shardtick/internal/core/events/bus"
	"github.com/zeusync/shardtick/internal/core/intents"
	"github.com/zeusync/shardtick/internal/core/observability/log"
	"github.com/zeusync/shardtick/internal/core/room"
	"github.com/zeusync/shardtick/internal/core/rules"
	"github.com/zeusync/shardtick/internal/core/storage/blob"
	"github.com/zeusync/shardtick/internal/core/storage/memstore"
	"github.com/zeusync/shardtick/internal/core/tick"
)

type fixture struct {
	*tick.Coordinator
	bus      *bus.Bus
	registry *intents.Registry
}

func newFixture(t *testing.T, registry *intents.Registry) *fixture {
	t.Helper()
	b := bus.New()
	c := tick.NewCoordinator(memstore.New(8), blob.NewMemory(), b, log.NewNop())
	require.NoError(t, c.Init(context.Background()))
	return &fixture{Coordinator: c, bus: b, registry: registry}
}

func builtinRegistry(t *testing.T) *intents.Registry {
	t.Helper()
	reg, err := rules.NewRegistry()
	require.NoError(t, err)
	return reg
}

// startWorkers runs n workers until the test ends and waits until all of them
// listen on the processor channel.
func (f *fixture) startWorkers(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for range n {
		w := NewWorker(f.Coordinator, f.registry, f.bus, 2, log.NewNop())
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Run(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	require.Eventually(t, func() bool {
		for _, ch := range f.bus.Channels() {
			if ch.Name == bus.ChannelProcessor {
				return ch.Subs == n
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func (f *fixture) place(t *testing.T, name string, objects ...*room.Object) {
	t.Helper()
	r := room.New(name)
	for _, o := range objects {
		r.Objects[o.ID] = o
	}
	require.NoError(t, f.PlaceRoom(context.Background(), r, nil))
}

// waitOpen waits until tick is the open tick.
func (f *fixture) waitOpen(t *testing.T, tickNum int64) {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		now, err := f.Time(ctx)
		if err != nil || now != tickNum {
			return false
		}
		processing, err := f.ProcessorTime(ctx)
		return err == nil && processing == tickNum
	}, 2*time.Second, time.Millisecond, "tick %d never opened", tickNum)
}

func creep(id string, x, y int) *room.Object {
	return room.Creep(id, "alice", room.Position{X: x, Y: y}, room.PartMove)
}

func TestWorker_ProcessesIntents(t *testing.T) {
	f := newFixture(t, builtinRegistry(t))
	ctx := context.Background()
	f.place(t, "W0N0", creep("tl", 25, 25), creep("tr", 26, 25))
	f.startWorkers(t, 3)

	updates, sub := f.bus.Listen(bus.RoomChannel("W0N0"))
	t.Cleanup(func() { _ = sub.Cancel() })

	// Tick 1 runs without waiting for anyone and records alice as a user.
	_, opened, err := f.AdvanceQueue(ctx, 1, false)
	require.NoError(t, err)
	require.True(t, opened)
	f.waitOpen(t, 2)

	var p intents.Payload
	p.SetObject("tl", rules.IntentMove, int(room.Right))
	p.SetObject("tr", rules.IntentMove, int(room.Right))
	require.NoError(t, f.PublishRunnerIntents(ctx, "alice", 2, map[string]intents.Payload{"W0N0": p}))
	f.waitOpen(t, 3)

	r, err := f.LoadRoom(ctx, 3, "W0N0")
	require.NoError(t, err)
	require.Equal(t, room.Position{X: 26, Y: 25}, r.Objects["tl"].Pos)
	require.Equal(t, room.Position{X: 27, Y: 25}, r.Objects["tr"].Pos)
	require.Equal(t, room.Users{Intents: []string{"alice"}, Presence: []string{"alice"}}, r.Users)

	timeout := time.After(time.Second)
	for {
		select {
		case msg := <-updates:
			if msg.Type == bus.TypeDidUpdate && msg.Tick == 3 {
				return
			}
		case <-timeout:
			t.Fatal("no didUpdate for tick 3")
		}
	}
}

func TestWorker_RelaysCreepToSleepingNeighbour(t *testing.T) {
	f := newFixture(t, builtinRegistry(t))
	ctx := context.Background()
	f.place(t, "W0N0", creep("scout", 49, 25))
	f.place(t, "E0N0")
	f.startWorkers(t, 2)

	_, _, err := f.AdvanceQueue(ctx, 1, false)
	require.NoError(t, err)
	f.waitOpen(t, 2)

	s, err := f.Schedule(ctx, "E0N0")
	require.NoError(t, err)
	require.Equal(t, tick.Schedule{}, s, "an empty room sleeps after its first tick")

	var p intents.Payload
	p.SetObject("scout", rules.IntentExit, int(room.Right))
	require.NoError(t, f.PublishRunnerIntents(ctx, "alice", 2, map[string]intents.Payload{"W0N0": p}))
	f.waitOpen(t, 3)

	east, err := f.LoadRoom(ctx, 3, "E0N0")
	require.NoError(t, err)
	require.Contains(t, east.Objects, "scout")
	require.Equal(t, room.Position{X: 0, Y: 25}, east.Objects["scout"].Pos)

	west, err := f.LoadRoom(ctx, 3, "W0N0")
	require.NoError(t, err)
	require.Empty(t, west.Objects)

	s, err = f.Schedule(ctx, "E0N0")
	require.NoError(t, err)
	require.Equal(t, tick.Schedule{Active: true, Weight: 1}, s)
	s, err = f.Schedule(ctx, "W0N0")
	require.NoError(t, err)
	require.Equal(t, tick.Schedule{}, s)

	rooms, err := f.UserRooms(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"E0N0"}, rooms)
}

func TestWorker_FailedRoomRecoversByAbandonment(t *testing.T) {
	reg := intents.NewRegistry()
	require.NoError(t, rules.Register(reg))
	require.NoError(t, reg.Register(intents.Handler{Receiver: rules.KindCreep, Intent: "explode", Fn: func(intents.Receiver, intents.Context, intents.Args) {
		panic("boom")
	}}))
	require.NoError(t, reg.Build())

	f := newFixture(t, reg)
	ctx := context.Background()
	f.place(t, "W0N0", creep("c", 10, 10))
	f.startWorkers(t, 2)

	_, _, err := f.AdvanceQueue(ctx, 1, false)
	require.NoError(t, err)
	f.waitOpen(t, 2)

	var p intents.Payload
	p.SetObject("c", "explode")
	require.NoError(t, f.PublishRunnerIntents(ctx, "alice", 2, map[string]intents.Payload{"W0N0": p}))

	// The failing room is never reported, so the tick cannot finish by itself.
	require.Never(t, func() bool {
		now, err := f.Time(ctx)
		return err == nil && now > 2
	}, 100*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, f.AbandonIntentsForTick(ctx, 2))
	f.waitOpen(t, 3)

	r, err := f.LoadRoom(ctx, 3, "W0N0")
	require.NoError(t, err)
	require.Contains(t, r.Objects, "c")
}

func TestWorker_FinalizeWithoutChangesCopiesForward(t *testing.T) {
	f := newFixture(t, builtinRegistry(t))
	ctx := context.Background()
	f.place(t, "W0N0", &room.Object{ID: "wall", Kind: room.KindWall, Pos: room.Position{X: 3, Y: 3}})
	w := NewWorker(f.Coordinator, f.registry, f.bus, 1, log.NewNop())

	_, _, err := f.AdvanceQueue(ctx, 1, false)
	require.NoError(t, err)
	claim, ok, err := f.ClaimRoom(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	before, err := f.LoadRoom(ctx, 1, "W0N0")
	require.NoError(t, err)
	rc := NewRoomContext(f.registry, before, nil, 1, log.NewNop())
	rc.Process(nil)
	accepted, err := f.RoomDidProcess(ctx, claim, rc.Relays())
	require.NoError(t, err)
	require.True(t, accepted)

	for range 2 {
		require.NoError(t, w.finalizeRoom(ctx, rc))
		require.False(t, rc.Updated())

		after, err := f.LoadRoom(ctx, 2, "W0N0")
		require.NoError(t, err)
		require.Equal(t, before, after)
	}
}
