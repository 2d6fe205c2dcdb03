package tick

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/zeusync/shardtick/internal/core/events/bus"
	"github.com/zeusync/shardtick/internal/core/observability/log"
	"github.com/zeusync/shardtick/internal/core/room"
	"github.com/zeusync/shardtick/internal/core/storage"
)

var (
	scriptLoadRoom  = storage.Script{Name: "loadRoom", Version: 1}
	scriptSaveRoom  = storage.Script{Name: "saveRoom", Version: 1}
	scriptCopyRoom  = storage.Script{Name: "copyRoomFromPreviousTick", Version: 1}
	scriptPlaceRoom = storage.Script{Name: "placeRoom", Version: 1}
)

// LoadRoom reads the room as of tick. tick must be within one of the processor
// time.
func (c *Coordinator) LoadRoom(ctx context.Context, tick int64, name string) (*room.Room, error) {
	var data []byte
	err := c.store.Atomic(ctx, scriptLoadRoom, []string{keyProcessorTime, roomKey(tick, name)}, func(tx storage.Tx) error {
		if err := checkTime(tx, tick); err != nil {
			return err
		}
		blob, ok, err := tx.Get(roomKey(tick, name))
		if err != nil {
			return err
		}
		if !ok {
			return ErrRoomNotFound
		}
		data = blob
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load room %s at tick %d: %w", name, tick, err)
	}
	r, err := room.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load room %s at tick %d: %w", name, tick, err)
	}
	return r, nil
}

// SaveRoom writes r as the state of tick. It is refused with ErrStaleClaim when
// the finalize of tick-1 for this room was already given up on.
func (c *Coordinator) SaveRoom(ctx context.Context, tick int64, r *room.Room) error {
	data, err := room.Encode(r)
	if err != nil {
		return err
	}
	finalized := keysFor(tick - 1).finalized()
	keys := []string{keyProcessorTime, finalized, roomKey(tick, r.Name)}
	err = c.store.Atomic(ctx, scriptSaveRoom, keys, func(tx storage.Tx) error {
		if err := checkWritable(tx, tick, finalized, r.Name); err != nil {
			return err
		}
		return tx.Set(roomKey(tick, r.Name), data)
	})
	if err != nil {
		return fmt.Errorf("save room %s at tick %d: %w", r.Name, tick, err)
	}
	return nil
}

// CopyRoomFromPreviousTick carries the state of tick-1 into tick unchanged.
func (c *Coordinator) CopyRoomFromPreviousTick(ctx context.Context, tick int64, name string) error {
	finalized := keysFor(tick - 1).finalized()
	keys := []string{keyProcessorTime, finalized, roomKey(tick-1, name), roomKey(tick, name)}
	err := c.store.Atomic(ctx, scriptCopyRoom, keys, func(tx storage.Tx) error {
		if err := checkWritable(tx, tick, finalized, name); err != nil {
			return err
		}
		copied, err := tx.Copy(roomKey(tick-1, name), roomKey(tick, name))
		if err != nil {
			return err
		}
		if !copied {
			return ErrRoomNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("copy room %s into tick %d: %w", name, tick, err)
	}
	return nil
}

func checkWritable(tx storage.Tx, tick int64, finalized, name string) error {
	if err := checkTime(tx, tick); err != nil {
		return err
	}
	done, err := tx.SIsMember(finalized, name)
	if err != nil {
		return err
	}
	if done {
		return ErrStaleClaim
	}
	return nil
}

// PlaceRoom creates a room. Both buffer slots get its state, its terrain goes to
// the blob store and it joins the active set so the next tick processes it.
func (c *Coordinator) PlaceRoom(ctx context.Context, r *room.Room, terrain *room.Terrain) error {
	if _, _, err := room.Coordinates(r.Name); err != nil {
		return err
	}
	data, err := room.Encode(r)
	if err != nil {
		return err
	}
	if terrain == nil {
		terrain = &room.Terrain{}
	}
	if err = c.blobs.Put(ctx, room.TerrainKey(r.Name), terrain.Bytes()); err != nil {
		return fmt.Errorf("place room %s: %w", r.Name, err)
	}

	keys := []string{keyRooms, keyActiveRooms, roomKey(0, r.Name), roomKey(1, r.Name)}
	err = c.store.Atomic(ctx, scriptPlaceRoom, keys, func(tx storage.Tx) error {
		exists, err := tx.SIsMember(keyRooms, r.Name)
		if err != nil {
			return err
		}
		if exists {
			return ErrRoomExists
		}
		if _, err = tx.SAdd(keyRooms, r.Name); err != nil {
			return err
		}
		if err = tx.Set(roomKey(0, r.Name), data); err != nil {
			return err
		}
		if err = tx.Set(roomKey(1, r.Name), data); err != nil {
			return err
		}
		return tx.ZAdd(keyActiveRooms, 0, r.Name)
	})
	if err != nil {
		return fmt.Errorf("place room %s: %w", r.Name, err)
	}

	c.logger.Info("room placed", log.Room(r.Name), log.Int("objects", len(r.Objects)))
	c.publish(bus.RoomChannel(r.Name), bus.Message{Type: bus.TypeWillSpawn, Room: r.Name})
	return nil
}

// LoadTerrain reads a room's terrain. A room placed without terrain has plain
// terrain.
func (c *Coordinator) LoadTerrain(ctx context.Context, name string) (*room.Terrain, error) {
	data, err := c.blobs.Get(ctx, room.TerrainKey(name))
	if errors.Is(err, storage.ErrBlobNotFound) {
		return &room.Terrain{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load terrain of %s: %w", name, err)
	}
	return room.TerrainFromBytes(data)
}

// Rooms lists every placed room.
func (c *Coordinator) Rooms(ctx context.Context) ([]string, error) {
	var names []string
	err := c.store.Atomic(ctx, scriptRead, []string{keyRooms}, func(tx storage.Tx) (err error) {
		names, err = tx.SMembers(keyRooms)
		return err
	})
	return names, err
}

// Queue returns tick's unclaimed queue entries with their pending runner counts.
func (c *Coordinator) Queue(ctx context.Context, tick int64) ([]storage.ScoredMember, error) {
	key := keysFor(tick).queue()
	var entries []storage.ScoredMember
	err := c.store.Atomic(ctx, scriptRead, []string{key}, func(tx storage.Tx) (err error) {
		entries, err = tx.ZRangeByScore(key, math.Inf(-1), math.Inf(1))
		return err
	})
	return entries, err
}
