// Package processor applies one tick of intents to rooms: RoomContext runs the
// process and finalize phases of a single room, Worker drives many of them for
// the tick coordinator.
package processor

import (
	"maps"
	"slices"

	"github.com/zeusync/shardtick/internal/core/intents"
	"github.com/zeusync/shardtick/internal/core/movement"
	"github.com/zeusync/shardtick/internal/core/observability/log"
	"github.com/zeusync/shardtick/internal/core/room"
	"github.com/zeusync/shardtick/internal/core/tick"
)

// EventMove is logged for every move movement resolution carries out.
const EventMove = "move"

// RoomContext is the state of one room while it is processed and finalized on
// one tick. It implements intents.Context for handlers and hooks.
//
// A RoomContext is used by one goroutine at a time.
type RoomContext struct {
	registry *intents.Registry
	room     *room.Room
	terrain  *room.Terrain
	tick     int64
	logger   log.Log

	user    string
	updated bool
	wakeAt  int64
	moves   []movement.Move
	inserts []*room.Object
	removes []string
	relays  map[string][]intents.Single
	// finalizing is set once relays can no longer be delivered this tick.
	finalizing bool
}

var _ intents.Context = (*RoomContext)(nil)

// NewRoomContext prepares r, loaded as of tickNum, for processing. terrain may be
// nil for a room without walls.
func NewRoomContext(registry *intents.Registry, r *room.Room, terrain *room.Terrain, tickNum int64, logger log.Log) *RoomContext {
	return &RoomContext{
		registry: registry,
		room:     r,
		terrain:  terrain,
		tick:     tickNum,
		logger:   logger,
		wakeAt:   tick.Never,
	}
}

func (c *RoomContext) Tick() int64      { return c.tick }
func (c *RoomContext) User() string     { return c.user }
func (c *RoomContext) Room() *room.Room { return c.room }
func (c *RoomContext) DidUpdate()       { c.updated = true }

// Updated reports whether anything marked the room as changed.
func (c *RoomContext) Updated() bool { return c.updated }

func (c *RoomContext) WakeAt(t int64) {
	if t > c.tick && t < c.wakeAt {
		c.wakeAt = t
	}
}

// NextWake is the earliest wake requested so far, tick.Never when none was.
func (c *RoomContext) NextWake() int64 { return c.wakeAt }

func (c *RoomContext) RequestMove(obj *room.Object, dir room.Direction) {
	c.moves = append(c.moves, movement.Move{Object: obj, Dir: dir, User: c.user})
}

// InsertObject buffers obj until the next flush.
func (c *RoomContext) InsertObject(obj *room.Object) {
	c.inserts = append(c.inserts, obj)
}

// RemoveObject buffers the removal of id until the next flush.
func (c *RoomContext) RemoveObject(id string) {
	c.removes = append(c.removes, id)
}

func (c *RoomContext) SendIntent(roomName, intent string, args ...any) {
	if c.finalizing {
		c.logger.Warn("intent relayed during finalize dropped",
			log.Room(c.room.Name), log.Tick(c.tick), log.String("to", roomName), log.String("intent", intent))
		return
	}
	if c.relays == nil {
		c.relays = make(map[string][]intents.Single)
	}
	c.relays[roomName] = append(c.relays[roomName], intents.Single{Intent: intent, Args: intents.Args(args)})
}

func (c *RoomContext) Event(evt room.Event) {
	c.room.EventLog = append(c.room.EventLog, evt)
}

// Relays returns the intents this room sends to other rooms, by destination.
func (c *RoomContext) Relays() map[string][]intents.Single { return c.relays }

// Process runs the process phase: upkeep hooks, every user's intents in the
// order given, movement resolution, post-tick hooks and a flush of buffered
// mutations.
func (c *RoomContext) Process(payloads []intents.UserPayload) {
	c.room.EventLog = nil

	for _, obj := range c.room.SortedObjects() {
		for _, hook := range c.registry.PreTickHooks(obj.Kind) {
			hook(obj, c)
		}
	}
	for _, hook := range c.registry.RoomTickHooks() {
		hook(c.room, c)
	}

	for _, p := range payloads {
		c.user = p.User
		if len(p.Payload.Local) > 0 {
			c.registry.ApplyRoom(c, p.Payload.Local)
		}
		for _, id := range slices.Sorted(maps.Keys(p.Payload.Object)) {
			obj, ok := c.room.Object(id)
			if !ok {
				continue
			}
			c.registry.ApplyObject(obj, c, p.Payload.Object[id])
		}
	}
	c.user = ""

	c.resolveMovement()

	for _, obj := range c.room.SortedObjects() {
		for _, hook := range c.registry.PostTickHooks(obj.Kind) {
			hook(obj, c)
		}
	}
	c.flush()
}

func (c *RoomContext) resolveMovement() {
	if len(c.moves) == 0 {
		return
	}
	obstacle := movement.DefaultObstacle(c.room, c.tick)
	applied := movement.Apply(c.room, movement.Resolve(c.room, c.terrain, c.moves, obstacle), obstacle)
	c.moves = nil
	if len(applied) == 0 {
		return
	}
	for _, g := range applied {
		c.Event(room.Event{Type: EventMove, Object: g.Object.ID, Data: map[string]any{"x": g.To.X, "y": g.To.Y}})
	}
	c.DidUpdate()
}

// Finalize applies the intents other rooms relayed to this one against the room
// itself and flushes buffered mutations. Relays sent from here on are dropped.
func (c *RoomContext) Finalize(relayed []intents.Single) {
	c.finalizing = true
	recv := intents.Receiver{Room: c.room}
	for _, s := range relayed {
		if !c.registry.Dispatch(recv, c, s.Intent, s.Args) {
			c.logger.Debug("relayed intent without handler", log.Room(c.room.Name), log.Tick(c.tick), log.String("intent", s.Intent))
		}
	}
	c.flush()
}

// flush applies buffered inserts then removals to the object index.
func (c *RoomContext) flush() {
	if len(c.inserts) == 0 && len(c.removes) == 0 {
		return
	}
	for _, obj := range c.inserts {
		c.room.Objects[obj.ID] = obj
	}
	for _, id := range c.removes {
		delete(c.room.Objects, id)
	}
	c.inserts, c.removes = nil, nil
	c.DidUpdate()
}

// Users recomputes the room's relationship snapshot and reports whether it
// differs from the one stored with the room.
func (c *RoomContext) Users() (current, previous room.Users, changed bool) {
	current, previous = c.room.ComputeUsers(), c.room.Users
	changed = !slices.Equal(current.Intents, previous.Intents) || !slices.Equal(current.Presence, previous.Presence)
	return current, previous, changed
}
