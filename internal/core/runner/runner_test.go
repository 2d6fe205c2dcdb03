package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/shardtick/internal/core/events/bus"
	"github.com/zeusync/shardtick/internal/core/intents"
	"github.com/zeusync/shardtick/internal/core/observability/log"
	"github.com/zeusync/shardtick/internal/core/processor"
	"github.com/zeusync/shardtick/internal/core/room"
	"github.com/zeusync/shardtick/internal/core/rules"
	"github.com/zeusync/shardtick/internal/core/storage/blob"
	"github.com/zeusync/shardtick/internal/core/storage/memstore"
	"github.com/zeusync/shardtick/internal/core/tick"
)

// world runs a clock and two processors over a fresh store until the test ends.
func world(t *testing.T, sandbox Sandbox, minInterval time.Duration, rooms ...*room.Room) *tick.Coordinator {
	t.Helper()
	b := bus.New()
	c := tick.NewCoordinator(memstore.New(8), blob.NewMemory(), b, log.NewNop())
	for _, r := range rooms {
		require.NoError(t, c.PlaceRoom(context.Background(), r, nil))
	}
	reg, err := rules.NewRegistry()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	run := func(fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fn(ctx)
		}()
	}
	run(New(c, sandbox, b, 4, minInterval, log.NewNop()).Run)
	for range 2 {
		run(processor.NewWorker(c, reg, b, 2, log.NewNop()).Run)
	}
	require.Eventually(t, func() bool {
		subs := map[string]int{}
		for _, ch := range b.Channels() {
			subs[ch.Name] = ch.Subs
		}
		return subs[bus.ChannelRunner] == 1 && subs[bus.ChannelProcessor] == 2
	}, time.Second, time.Millisecond)
	run(tick.NewClock(c, b, 5*time.Millisecond, time.Second, log.NewNop()).Run)

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return c
}

func waitTick(t *testing.T, c *tick.Coordinator, atLeast int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		now, err := c.Time(context.Background())
		return err == nil && now >= atLeast
	}, 3*time.Second, time.Millisecond)
}

func TestRunner_IdleUsersKeepTicking(t *testing.T) {
	r := room.New("W0N0")
	r.Objects["c"] = room.Creep("c", "alice", room.Position{X: 10, Y: 10}, room.PartMove)
	c := world(t, IdleSandbox{}, 0, r)

	waitTick(t, c, 6)
	s, err := c.Schedule(context.Background(), "W0N0")
	require.NoError(t, err)
	require.Equal(t, tick.Schedule{Active: true, Weight: 1}, s)
}

func TestRunner_PublishesSandboxIntents(t *testing.T) {
	start := room.New("W0N0")
	start.Objects["c"] = room.Creep("c", "alice", room.Position{X: 10, Y: 10}, room.PartMove)

	var (
		mu    sync.Mutex
		calls []int64
	)
	sandbox := SandboxFunc(func(_ context.Context, user string, tickNum int64, rooms []string) (map[string]intents.Payload, error) {
		mu.Lock()
		calls = append(calls, tickNum)
		mu.Unlock()
		if user != "alice" || tickNum > 4 {
			return nil, nil
		}
		var p intents.Payload
		p.SetObject("c", rules.IntentMove, int(room.Right))
		var foreign intents.Payload
		foreign.AddLocal(rules.IntentCreateFlag, "x", 1, 1)
		return map[string]intents.Payload{"W0N0": p, "W9N9": foreign}, nil
	})
	c := world(t, sandbox, 0, start)

	waitTick(t, c, 7)
	// Tick 1 runs before alice is known, ticks 2 to 4 each move the creep.
	require.Eventually(t, func() bool {
		now, err := c.ProcessorTime(context.Background())
		if err != nil {
			return false
		}
		r, err := c.LoadRoom(context.Background(), now, "W0N0")
		return err == nil && r.Objects["c"].Pos == room.Position{X: 13, Y: 10}
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{2, 3, 4, 5, 6}, calls[:5])
}

func TestRunner_SandboxFailureDoesNotStall(t *testing.T) {
	r := room.New("W0N0")
	r.Objects["c"] = room.Creep("c", "alice", room.Position{X: 10, Y: 10}, room.PartMove)
	failing := SandboxFunc(func(context.Context, string, int64, []string) (map[string]intents.Payload, error) {
		return nil, errors.New("script crashed")
	})
	c := world(t, failing, 0, r)
	waitTick(t, c, 5)
}

func TestRunner_MinInterval(t *testing.T) {
	r := room.New("W0N0")
	r.Objects["c"] = room.Creep("c", "alice", room.Position{X: 10, Y: 10}, room.PartMove)
	started := time.Now()
	c := world(t, IdleSandbox{}, 30*time.Millisecond, r)

	waitTick(t, c, 5)
	// The runs for ticks 2, 3 and 4 are each held back by the interval.
	require.GreaterOrEqual(t, time.Since(started), 90*time.Millisecond)
}
