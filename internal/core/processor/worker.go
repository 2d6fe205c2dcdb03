package processor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/zeusync/shardtick/internal/core/events/bus"
	"github.com/zeusync/shardtick/internal/core/intents"
	"github.com/zeusync/shardtick/internal/core/observability/log"
	"github.com/zeusync/shardtick/internal/core/room"
	"github.com/zeusync/shardtick/internal/core/tick"
	"github.com/zeusync/shardtick/pkg/concurrent"
)

// Worker is one processor. It claims ready rooms whenever process is broadcast,
// keeps the contexts it processed until finalize is broadcast, and finalizes
// them together with any unprocessed room that received relayed intents.
//
// A room that fails is logged and never reported; the tick then stalls until
// the clock abandons it.
type Worker struct {
	id          string
	coordinator *tick.Coordinator
	registry    *intents.Registry
	bus         bus.PubSub
	concurrency int
	logger      log.Log

	mu      sync.Mutex
	pending map[int64]map[string]*RoomContext

	terrainMu sync.RWMutex
	terrain   map[string]*room.Terrain
}

func NewWorker(coordinator *tick.Coordinator, registry *intents.Registry, pubsub bus.PubSub, concurrency int, logger log.Log) *Worker {
	id := uuid.NewString()
	return &Worker{
		id:          id,
		coordinator: coordinator,
		registry:    registry,
		bus:         pubsub,
		concurrency: max(concurrency, 1),
		logger:      logger.With(log.String("component", "processor"), log.String("worker", id)),
		pending:     make(map[int64]map[string]*RoomContext),
		terrain:     make(map[string]*room.Terrain),
	}
}

func (w *Worker) ID() string { return w.id }

// Run serves the processor channel until ctx is cancelled or shutdown is
// broadcast.
func (w *Worker) Run(ctx context.Context) error {
	messages, sub := w.bus.Listen(bus.ChannelProcessor)
	defer func() { _ = sub.Cancel() }()

	w.logger.Info("processor started")
	defer w.logger.Info("processor stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var err error
			switch msg.Type {
			case bus.TypeProcess:
				err = w.Process(ctx, msg.Tick)
			case bus.TypeFinalize:
				err = w.Finalize(ctx, msg.Tick)
			case bus.TypeShutdown:
				return nil
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("processor step failed", log.String("message", msg.String()), log.Error(err))
			}
		}
	}
}

// Process claims and processes ready rooms of tickNum until none is left.
func (w *Worker) Process(ctx context.Context, tickNum int64) error {
	w.forgetBefore(tickNum)
	return concurrent.Drain(ctx, w.concurrency,
		func(ctx context.Context) (tick.Claim, bool, error) {
			return w.coordinator.ClaimRoom(ctx, tickNum)
		},
		func(ctx context.Context, claim tick.Claim) {
			if err := w.processRoom(ctx, claim); err != nil {
				w.logger.Error("process room failed", log.Room(claim.Room), log.Tick(claim.Tick), log.Error(err))
			}
		})
}

func (w *Worker) processRoom(ctx context.Context, claim tick.Claim) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	r, err := w.coordinator.LoadRoom(ctx, claim.Tick, claim.Room)
	if err != nil {
		return err
	}
	terrain, err := w.terrainOf(ctx, claim.Room)
	if err != nil {
		return err
	}
	payloads, err := w.coordinator.PullRoomIntents(ctx, claim)
	if errors.Is(err, tick.ErrStaleClaim) {
		w.logger.Warn("claim taken back before processing", log.Room(claim.Room), log.Tick(claim.Tick))
		return nil
	}
	if err != nil {
		return err
	}

	rc := NewRoomContext(w.registry, r, terrain, claim.Tick, w.logger)
	rc.Process(payloads)

	w.hold(claim.Tick, rc)
	accepted, err := w.coordinator.RoomDidProcess(ctx, claim, rc.Relays())
	if err != nil || !accepted {
		w.release(claim.Tick, claim.Room)
	}
	if err != nil {
		return err
	}
	if !accepted {
		w.logger.Warn("processed room discarded, claim is stale", log.Room(claim.Room), log.Tick(claim.Tick))
	}
	return nil
}

// Finalize finalizes the rooms this worker processed on tickNum and every room
// it can claim from the tick's unprocessed relay targets, then reports them.
func (w *Worker) Finalize(ctx context.Context, tickNum int64) error {
	var (
		mu   sync.Mutex
		done []string
	)
	finalize := func(ctx context.Context, rc *RoomContext) {
		if err := w.finalizeRoom(ctx, rc); err != nil {
			w.logger.Error("finalize room failed", log.Room(rc.room.Name), log.Tick(tickNum), log.Error(err))
			return
		}
		mu.Lock()
		done = append(done, rc.room.Name)
		mu.Unlock()
	}

	own := w.take(tickNum)
	concurrent.ParallelMute(slices.Values(own), w.concurrency, func(rc *RoomContext) error {
		finalize(ctx, rc)
		return nil
	})

	err := concurrent.Drain(ctx, w.concurrency,
		func(ctx context.Context) (string, bool, error) {
			return w.coordinator.ClaimFinalizeExtra(ctx, tickNum)
		},
		func(ctx context.Context, name string) {
			rc, err := w.relayOnlyContext(ctx, tickNum, name)
			if err != nil {
				w.logger.Error("load relay target failed", log.Room(name), log.Tick(tickNum), log.Error(err))
				return
			}
			finalize(ctx, rc)
		})
	if err != nil {
		w.logger.Error("claim relay targets failed", log.Tick(tickNum), log.Error(err))
	}

	if len(done) == 0 {
		return nil
	}
	slices.Sort(done)
	if _, err = w.coordinator.RoomsDidFinalize(ctx, tickNum, done...); err != nil {
		return err
	}
	w.logger.Debug("rooms finalized", log.Tick(tickNum), log.Int("rooms", len(done)))
	return nil
}

func (w *Worker) relayOnlyContext(ctx context.Context, tickNum int64, name string) (*RoomContext, error) {
	r, err := w.coordinator.LoadRoom(ctx, tickNum, name)
	if err != nil {
		return nil, err
	}
	terrain, err := w.terrainOf(ctx, name)
	if err != nil {
		return nil, err
	}
	return NewRoomContext(w.registry, r, terrain, tickNum, w.logger), nil
}

// finalizeRoom applies relayed intents, updates the room's user relationships,
// writes the state of the next tick and puts the room to sleep when no user acts
// in it any more.
func (w *Worker) finalizeRoom(ctx context.Context, rc *RoomContext) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	name, next := rc.room.Name, rc.tick+1
	relayed, err := w.coordinator.PullInterRoomIntents(ctx, rc.tick, name)
	if err != nil {
		return err
	}
	rc.Finalize(relayed)

	current, previous, changed := rc.Users()
	if changed {
		if err = w.coordinator.UpdateUserRoomRelationships(ctx, name, current, previous); err != nil {
			return err
		}
		rc.room.Users = current
		rc.DidUpdate()
	}

	if rc.Updated() {
		err = w.coordinator.SaveRoom(ctx, next, rc.room)
	} else {
		err = w.coordinator.CopyRoomFromPreviousTick(ctx, next, name)
	}
	if err != nil {
		return err
	}
	if rc.Updated() {
		w.publish(bus.RoomChannel(name), bus.Message{Type: bus.TypeDidUpdate, Tick: next, Room: name})
	}

	// A wake at the next tick brings the room straight back through the
	// sleeping set when the next queue is built.
	if len(current.Intents) == 0 {
		return w.coordinator.SleepRoomUntil(ctx, name, next, rc.NextWake())
	}
	return nil
}

func (w *Worker) terrainOf(ctx context.Context, name string) (*room.Terrain, error) {
	w.terrainMu.RLock()
	t, ok := w.terrain[name]
	w.terrainMu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := w.coordinator.LoadTerrain(ctx, name)
	if err != nil {
		return nil, err
	}
	w.terrainMu.Lock()
	w.terrain[name] = t
	w.terrainMu.Unlock()
	return t, nil
}

func (w *Worker) hold(tickNum int64, rc *RoomContext) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rooms, ok := w.pending[tickNum]
	if !ok {
		rooms = make(map[string]*RoomContext)
		w.pending[tickNum] = rooms
	}
	rooms[rc.room.Name] = rc
}

func (w *Worker) release(tickNum int64, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending[tickNum], name)
}

func (w *Worker) take(tickNum int64) []*RoomContext {
	w.mu.Lock()
	defer w.mu.Unlock()
	rooms := w.pending[tickNum]
	delete(w.pending, tickNum)
	out := make([]*RoomContext, 0, len(rooms))
	for _, rc := range rooms {
		out = append(out, rc)
	}
	return out
}

// forgetBefore drops contexts of ticks whose finalize this worker will never
// see, which happens when a finalize stall was abandoned.
func (w *Worker) forgetBefore(tickNum int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for t := range w.pending {
		if t < tickNum {
			delete(w.pending, t)
		}
	}
}

func (w *Worker) publish(channel string, msg bus.Message) {
	if err := w.bus.Publish(channel, msg); err != nil {
		w.logger.Warn("publish failed", log.String("channel", channel), log.String("message", msg.String()), log.Error(err))
	}
}
