// Package tick owns the global tick counter and the per-tick bookkeeping that
// lets many stateless processor workers advance every room by exactly one tick.
//
// All coordination goes through storage.Store scripts and bus broadcasts:
//
//   - AdvanceQueue opens tick T by building its room queue from the active rooms
//     plus the sleeping rooms that are due.
//   - Runners publish per-user payloads; a room is ready once every user it waits
//     for has published (its queue score reaches zero).
//   - Workers ClaimRoom, process it and report RoomDidProcess. The last report
//     broadcasts finalize.
//   - Workers finalize and report RoomsDidFinalize. The last report advances the
//     global tick and opens the next queue.
package tick

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/zeusync/shardtick/internal/core/events/bus"
	"github.com/zeusync/shardtick/internal/core/intents"
	"github.com/zeusync/shardtick/internal/core/observability/log"
	"github.com/zeusync/shardtick/internal/core/storage"
)

var (
	ErrInvalidTime  = errors.New("tick: operation for a tick outside the processing window")
	ErrRoomNotFound = errors.New("tick: room not found")
	ErrRoomExists   = errors.New("tick: room already exists")
	// ErrStaleClaim reports work on a room that abandonment already took away.
	ErrStaleClaim = errors.New("tick: claim superseded")

	errConflict = errors.New("tick: keys changed between read and script")
)

// Never is the wake tick of a room that sleeps until something else wakes it.
const Never int64 = math.MaxInt64

const conflictRetries = 8

var (
	scriptInit           = storage.Script{Name: "init", Version: 1}
	scriptRead           = storage.Script{Name: "read", Version: 1}
	scriptAdvanceQueue   = storage.Script{Name: "advanceQueue", Version: 1}
	scriptClaimRoom      = storage.Script{Name: "claimRoom", Version: 1}
	scriptRoomDidProcess = storage.Script{Name: "roomDidProcess", Version: 1}
	scriptDidFinalize    = storage.Script{Name: "roomsDidFinalize", Version: 1}
	scriptAbandonProcess = storage.Script{Name: "abandonProcessing", Version: 1}
	scriptAbandonFinal   = storage.Script{Name: "abandonFinalize", Version: 1}
)

// Claim is a worker's exclusive right to process one room on one tick.
type Claim struct {
	Room  string
	Tick  int64
	Epoch int64
}

type Coordinator struct {
	store  storage.Store
	blobs  storage.BlobStore
	bus    bus.PubSub
	logger log.Log
}

func NewCoordinator(store storage.Store, blobs storage.BlobStore, pubsub bus.PubSub, logger log.Log) *Coordinator {
	return &Coordinator{
		store:  store,
		blobs:  blobs,
		bus:    pubsub,
		logger: logger.With(log.String("component", "coordinator")),
	}
}

// Init starts the clock at tick 1 on a fresh store; it is a no-op otherwise.
func (c *Coordinator) Init(ctx context.Context) error {
	return c.store.Atomic(ctx, scriptInit, []string{keyTime}, func(tx storage.Tx) error {
		_, err := tx.CompareAndSwap(keyTime, 0, 1)
		return err
	})
}

// Time is the global tick: the tick currently being opened or processed.
func (c *Coordinator) Time(ctx context.Context) (int64, error) {
	return c.readInt(ctx, keyTime)
}

// ProcessorTime is the last tick whose queue was built.
func (c *Coordinator) ProcessorTime(ctx context.Context) (int64, error) {
	return c.readInt(ctx, keyProcessorTime)
}

func (c *Coordinator) readInt(ctx context.Context, key string) (int64, error) {
	var v int64
	err := c.store.Atomic(ctx, scriptRead, []string{key}, func(tx storage.Tx) (err error) {
		v, err = tx.GetInt(key)
		return err
	})
	return v, err
}

// AdvanceQueue opens tick by moving the processor time from tick-1 to tick. It
// is a no-op when the global tick is not tick or the processor time is not tick-1,
// so any number of callers may race on it; only the winner reports opened.
//
// The winner wakes due sleeping rooms, builds the tick's queue from the active
// rooms and snapshots the users runners must serve. An empty queue finishes the
// tick on the spot, except when early is set: then the transition is rolled back
// so it happens once there is work.
func (c *Coordinator) AdvanceQueue(ctx context.Context, tick int64, early bool) (effective int64, opened bool, err error) {
	// Bookkeeping of tick-2 is collected here; tick-1 stays so late reports for
	// it still find their stale claims.
	k, old := keysFor(tick), keysFor(tick-2)
	keys := append([]string{
		keyTime, keyProcessorTime, keyActiveRooms, keySleepingRooms, keyActiveUsers,
		k.queue(), k.processPending(), k.finalizePending(), k.runnerUsers(),
	}, old.bookkeeping()...)

	var (
		size  int
		woken []string
	)
	err = c.store.Atomic(ctx, scriptAdvanceQueue, keys, func(tx storage.Tx) error {
		now, err := tx.GetInt(keyTime)
		if err != nil {
			return err
		}
		if effective, err = tx.GetInt(keyProcessorTime); err != nil {
			return err
		}
		if now != tick || effective != tick-1 {
			return nil
		}
		if _, err = tx.CompareAndSwap(keyProcessorTime, tick-1, tick); err != nil {
			return err
		}
		effective, opened = tick, true

		due, err := tx.ZRangeByScore(keySleepingRooms, math.Inf(-1), float64(tick))
		if err != nil {
			return err
		}
		woken = woken[:0]
		for _, m := range due {
			if err = tx.ZAdd(keyActiveRooms, 0, m.Member); err != nil {
				return err
			}
			if _, err = tx.ZRem(keySleepingRooms, m.Member); err != nil {
				return err
			}
			woken = append(woken, m.Member)
		}

		if size, err = tx.ZUnionStore(k.queue(), []string{keyActiveRooms}, []float64{1}); err != nil {
			return err
		}
		if err = tx.SetInt(k.processPending(), int64(size)); err != nil {
			return err
		}
		if err = tx.SetInt(k.finalizePending(), int64(size)); err != nil {
			return err
		}

		users, err := tx.SMembers(keyActiveUsers)
		if err != nil {
			return err
		}
		if _, err = tx.Del(k.runnerUsers()); err != nil {
			return err
		}
		if len(users) > 0 {
			if _, err = tx.SAdd(k.runnerUsers(), users...); err != nil {
				return err
			}
		}

		if _, err = tx.Del(old.bookkeeping()...); err != nil {
			return err
		}

		if size == 0 {
			if early {
				effective, opened = tick-1, false
				_, err = tx.CompareAndSwap(keyProcessorTime, tick, tick-1)
				return err
			}
			_, err = tx.CompareAndSwap(keyTime, tick, tick+1)
			return err
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("advance queue to %d: %w", tick, err)
	}
	if !opened {
		return effective, false, nil
	}

	if size == 0 {
		c.logger.Debug("empty tick", log.Tick(tick))
		c.publish(bus.ChannelService, bus.Message{Type: bus.TypeTickFinished, Tick: tick})
		return effective, true, nil
	}

	c.logger.Info("tick opened", log.Tick(tick), log.Int("rooms", size), log.Strings("woken", woken), log.Bool("early", early))
	c.publish(bus.ChannelProcessor, bus.Message{Type: bus.TypeProcess, Tick: tick})
	c.publish(bus.ChannelRunner, bus.Message{Type: bus.TypeRun, Tick: tick})
	return effective, true, nil
}

// ClaimRoom hands out one ready room of tick's queue. A room leaves the queue
// when claimed, so no other worker can claim it for the same tick.
func (c *Coordinator) ClaimRoom(ctx context.Context, tick int64) (Claim, bool, error) {
	k := keysFor(tick)
	claim := Claim{Tick: tick}
	var found bool
	err := c.store.Atomic(ctx, scriptClaimRoom, []string{k.queue(), k.claimed(), k.epoch()}, func(tx storage.Tx) error {
		ready, err := tx.ZRangeByScore(k.queue(), math.Inf(-1), 0)
		if err != nil || len(ready) == 0 {
			return err
		}
		claim.Room = ready[0].Member
		if _, err = tx.ZRem(k.queue(), claim.Room); err != nil {
			return err
		}
		if claim.Epoch, err = tx.GetInt(k.epoch()); err != nil {
			return err
		}
		found = true
		return tx.ZAdd(k.claimed(), float64(claim.Epoch), claim.Room)
	})
	if err != nil {
		return Claim{}, false, fmt.Errorf("claim room for tick %d: %w", tick, err)
	}
	return claim, found, nil
}

// RoomDidProcess reports that the claimed room finished its process phase and
// queues the intents it relays to other rooms. It reports false, changing
// nothing, when the claim is stale.
//
// The last report of the tick decides which rooms are owed a finalize (every
// processed room plus every unprocessed relay target) and broadcasts finalize.
func (c *Coordinator) RoomDidProcess(ctx context.Context, claim Claim, relays map[string][]intents.Single) (bool, error) {
	encoded, err := encodeRelays(relays)
	if err != nil {
		return false, err
	}
	targets := slices.Sorted(maps.Keys(encoded))

	k := keysFor(claim.Tick)
	keys := []string{
		keyRooms, k.claimed(), k.processed(), k.processPending(), k.finalizePending(),
		k.finalizeTargets(), k.relayTargets(), k.finalizeExtra(),
	}
	for _, dest := range targets {
		keys = append(keys, k.relay(dest))
	}

	var (
		accepted bool
		complete bool
		dropped  []string
		pending  int
	)
	err = c.store.Atomic(ctx, scriptRoomDidProcess, keys, func(tx storage.Tx) error {
		dropped = dropped[:0]
		epoch, ok, err := tx.ZScore(k.claimed(), claim.Room)
		if err != nil || !ok || int64(epoch) != claim.Epoch {
			return err
		}
		accepted = true
		if _, err = tx.ZRem(k.claimed(), claim.Room); err != nil {
			return err
		}
		if _, err = tx.SAdd(k.processed(), claim.Room); err != nil {
			return err
		}

		for _, dest := range targets {
			exists, err := tx.SIsMember(keyRooms, dest)
			if err != nil {
				return err
			}
			if !exists {
				dropped = append(dropped, dest)
				continue
			}
			if _, err = tx.RPush(k.relay(dest), encoded[dest]...); err != nil {
				return err
			}
			if _, err = tx.SAdd(k.relayTargets(), dest); err != nil {
				return err
			}
		}

		left, err := tx.IncrBy(k.processPending(), -1)
		if err != nil || left != 0 {
			return err
		}
		complete = true

		processed, err := tx.SMembers(k.processed())
		if err != nil {
			return err
		}
		relayed, err := tx.SMembers(k.relayTargets())
		if err != nil {
			return err
		}
		var extra []string
		for _, dest := range relayed {
			if _, ok := slices.BinarySearch(processed, dest); !ok {
				extra = append(extra, dest)
			}
		}
		if _, err = tx.SAdd(k.finalizeTargets(), append(slices.Clone(processed), extra...)...); err != nil {
			return err
		}
		if len(extra) > 0 {
			if _, err = tx.SAdd(k.finalizeExtra(), extra...); err != nil {
				return err
			}
		}
		pending = len(processed) + len(extra)
		if err = tx.SetInt(k.finalizePending(), int64(pending)); err != nil {
			return err
		}
		_, err = tx.Del(k.processed(), k.processPending())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("room %s did process tick %d: %w", claim.Room, claim.Tick, err)
	}
	if len(dropped) > 0 {
		c.logger.Warn("relayed intents to unknown rooms dropped",
			log.Room(claim.Room), log.Tick(claim.Tick), log.Strings("targets", dropped))
	}
	if complete {
		c.logger.Info("tick processed", log.Tick(claim.Tick), log.Int("finalize", pending))
		c.publish(bus.ChannelProcessor, bus.Message{Type: bus.TypeFinalize, Tick: claim.Tick})
	}
	return accepted, nil
}

// RoomsDidFinalize records that rooms finished their finalize phase of tick.
// Rooms not owed a finalize, or already counted, are ignored. The report that
// brings the pending count to zero advances the global tick, opens the next
// queue early and broadcasts tickFinished. It returns the processor time after
// the call.
func (c *Coordinator) RoomsDidFinalize(ctx context.Context, tick int64, rooms ...string) (int64, error) {
	k := keysFor(tick)
	keys := []string{keyTime, k.finalizeTargets(), k.finalized(), k.finalizePending()}

	var finished bool
	err := c.store.Atomic(ctx, scriptDidFinalize, keys, func(tx storage.Tx) error {
		added := 0
		for _, name := range rooms {
			owed, err := tx.SIsMember(k.finalizeTargets(), name)
			if err != nil {
				return err
			}
			if !owed {
				continue
			}
			n, err := tx.SAdd(k.finalized(), name)
			if err != nil {
				return err
			}
			added += n
		}
		if added == 0 {
			return nil
		}
		left, err := tx.IncrBy(k.finalizePending(), -int64(added))
		if err != nil || left != 0 {
			return err
		}
		finished, err = tx.CompareAndSwap(keyTime, tick, tick+1)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("rooms did finalize tick %d: %w", tick, err)
	}
	if !finished {
		return tick, nil
	}
	return c.finishTick(ctx, tick)
}

func (c *Coordinator) finishTick(ctx context.Context, tick int64) (int64, error) {
	c.logger.Info("tick finished", log.Tick(tick))
	effective, _, err := c.AdvanceQueue(ctx, tick+1, true)
	c.publish(bus.ChannelService, bus.Message{Type: bus.TypeTickFinished, Tick: tick})
	if err != nil {
		return tick, err
	}
	return effective, nil
}

// AbandonIntentsForTick unblocks a stalled tick.
//
// While rooms are still being processed it zeroes every queued room's pending
// runner count, drops the runner work of the tick and takes back rooms that were
// claimed but never reported: they return to the queue without their intents and
// outstanding claims become stale. It then broadcasts process again.
//
// Once processing is complete it stops waiting for rooms whose finalize never
// reported: each keeps its previous state and the tick is finished.
//
// Intents that had not been applied are lost for the tick.
func (c *Coordinator) AbandonIntentsForTick(ctx context.Context, tick int64) error {
	var err error
	for range conflictRetries {
		if err = c.abandon(ctx, tick); !errors.Is(err, errConflict) {
			return err
		}
	}
	return err
}

func (c *Coordinator) abandon(ctx context.Context, tick int64) error {
	k := keysFor(tick)
	var (
		processPending  int64
		finalizePending int64
		claimed         []string
		unfinalized     []string
	)
	readKeys := []string{k.processPending(), k.finalizePending(), k.claimed(), k.finalizeTargets(), k.finalized()}
	err := c.store.Atomic(ctx, scriptRead, readKeys, func(tx storage.Tx) error {
		var err error
		if processPending, err = tx.GetInt(k.processPending()); err != nil {
			return err
		}
		if finalizePending, err = tx.GetInt(k.finalizePending()); err != nil {
			return err
		}
		if claimed, err = zsetMembers(tx, k.claimed()); err != nil {
			return err
		}
		unfinalized, err = setDifference(tx, k.finalizeTargets(), k.finalized())
		return err
	})
	if err != nil {
		return fmt.Errorf("abandon tick %d: %w", tick, err)
	}

	switch {
	case processPending > 0:
		return c.abandonProcessing(ctx, tick, claimed)
	case finalizePending > 0:
		return c.abandonFinalize(ctx, tick, unfinalized)
	default:
		c.logger.Debug("nothing to abandon", log.Tick(tick))
		return nil
	}
}

func (c *Coordinator) abandonProcessing(ctx context.Context, tick int64, claimed []string) error {
	k := keysFor(tick)
	keys := []string{k.queue(), k.claimed(), k.epoch(), k.runnerUsers(), k.processPending()}
	for _, name := range claimed {
		keys = append(keys, k.intents(name))
	}

	var (
		zeroed    int
		completed bool
	)
	err := c.store.Atomic(ctx, scriptAbandonProcess, keys, func(tx storage.Tx) error {
		current, err := zsetMembers(tx, k.claimed())
		if err != nil {
			return err
		}
		if !slices.Equal(current, claimed) {
			return errConflict
		}
		pending, err := tx.GetInt(k.processPending())
		if err != nil {
			return err
		}
		if pending <= 0 {
			completed = true
			return nil
		}
		if zeroed, err = tx.ZUnionStore(k.queue(), []string{k.queue()}, []float64{0}); err != nil {
			return err
		}
		if _, err = tx.Del(k.runnerUsers()); err != nil {
			return err
		}
		for _, name := range claimed {
			if err = tx.ZAdd(k.queue(), 0, name); err != nil {
				return err
			}
			if _, err = tx.Del(k.intents(name)); err != nil {
				return err
			}
		}
		if _, err = tx.Del(k.claimed()); err != nil {
			return err
		}
		_, err = tx.IncrBy(k.epoch(), 1)
		return err
	})
	if err != nil {
		if errors.Is(err, errConflict) {
			return err
		}
		return fmt.Errorf("abandon processing of tick %d: %w", tick, err)
	}
	if completed {
		// Processing finished meanwhile; look again at the finalize phase.
		return errConflict
	}

	c.logger.Warn("abandoned intents for tick",
		log.Tick(tick), log.Int("queued", zeroed), log.Strings("released", claimed))
	c.publish(bus.ChannelProcessor, bus.Message{Type: bus.TypeProcess, Tick: tick})
	return nil
}

func (c *Coordinator) abandonFinalize(ctx context.Context, tick int64, unfinalized []string) error {
	k := keysFor(tick)
	keys := []string{keyTime, k.finalizeTargets(), k.finalized(), k.finalizePending(), k.finalizeExtra()}
	for _, name := range unfinalized {
		keys = append(keys, roomKey(tick, name), roomKey(tick+1, name), k.relay(name))
	}

	var finished bool
	err := c.store.Atomic(ctx, scriptAbandonFinal, keys, func(tx storage.Tx) error {
		current, err := setDifference(tx, k.finalizeTargets(), k.finalized())
		if err != nil {
			return err
		}
		if !slices.Equal(current, unfinalized) {
			return errConflict
		}
		for _, name := range unfinalized {
			if _, err = tx.Copy(roomKey(tick, name), roomKey(tick+1, name)); err != nil {
				return err
			}
			if _, err = tx.Del(k.relay(name)); err != nil {
				return err
			}
			if _, err = tx.SAdd(k.finalized(), name); err != nil {
				return err
			}
		}
		if _, err = tx.Del(k.finalizeExtra()); err != nil {
			return err
		}
		if err = tx.SetInt(k.finalizePending(), 0); err != nil {
			return err
		}
		finished, err = tx.CompareAndSwap(keyTime, tick, tick+1)
		return err
	})
	if err != nil {
		if errors.Is(err, errConflict) {
			return err
		}
		return fmt.Errorf("abandon finalize of tick %d: %w", tick, err)
	}

	c.logger.Warn("abandoned finalize for tick", log.Tick(tick), log.Strings("rooms", unfinalized))
	if finished {
		_, err = c.finishTick(ctx, tick)
	}
	return err
}

func (c *Coordinator) publish(channel string, msg bus.Message) {
	if err := c.bus.Publish(channel, msg); err != nil {
		c.logger.Warn("publish failed", log.String("channel", channel), log.String("message", msg.String()), log.Error(err))
	}
}

func zsetMembers(tx storage.Tx, key string) ([]string, error) {
	scored, err := tx.ZRangeByScore(key, math.Inf(-1), math.Inf(1))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(scored))
	for i, m := range scored {
		out[i] = m.Member
	}
	slices.Sort(out)
	return out, nil
}

// setDifference returns the sorted members of a missing from b.
func setDifference(tx storage.Tx, a, b string) ([]string, error) {
	left, err := tx.SMembers(a)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range left {
		in, err := tx.SIsMember(b, m)
		if err != nil {
			return nil, err
		}
		if !in {
			out = append(out, m)
		}
	}
	return out, nil
}
