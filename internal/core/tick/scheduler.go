package tick

import (
	"context"
	"fmt"
	"slices"

	"github.com/zeusync/shardtick/internal/core/observability/log"
	"github.com/zeusync/shardtick/internal/core/room"
	"github.com/zeusync/shardtick/internal/core/storage"
)

var (
	scriptSleep         = storage.Script{Name: "sleepRoomUntil", Version: 1}
	scriptRelationships = storage.Script{Name: "updateUserRoomRelationships", Version: 1}
	scriptSchedule      = storage.Script{Name: "schedule", Version: 1}
)

// Schedule is where a room stands in the activity scheduler.
type Schedule struct {
	Active bool
	// Weight is the active room's intent-user count.
	Weight int
	Sleeping bool
	WakeAt   int64
}

// SleepRoomUntil puts a room to sleep from tick on. The tick's slot is copied
// into the next one so both hold the same state, the room leaves the active set
// and, unless wake is Never, is scheduled to wake at wake. An earlier wake that
// is already scheduled is kept.
func (c *Coordinator) SleepRoomUntil(ctx context.Context, name string, tick, wake int64) error {
	keys := []string{keyProcessorTime, roomKey(tick, name), roomKey(tick+1, name), keyActiveRooms, keySleepingRooms}
	err := c.store.Atomic(ctx, scriptSleep, keys, func(tx storage.Tx) error {
		if err := checkTime(tx, tick); err != nil {
			return err
		}
		copied, err := tx.Copy(roomKey(tick, name), roomKey(tick+1, name))
		if err != nil {
			return err
		}
		if !copied {
			return ErrRoomNotFound
		}
		if _, err = tx.ZRem(keyActiveRooms, name); err != nil {
			return err
		}
		if wake == Never {
			return nil
		}
		scheduled, ok, err := tx.ZScore(keySleepingRooms, name)
		if err != nil {
			return err
		}
		if ok && scheduled <= float64(wake) {
			return nil
		}
		return tx.ZAdd(keySleepingRooms, float64(wake), name)
	})
	if err != nil {
		return fmt.Errorf("sleep room %s at tick %d: %w", name, tick, err)
	}

	fields := []log.Field{log.Room(name), log.Tick(tick)}
	if wake != Never {
		fields = append(fields, log.Int64("wake", wake))
	}
	c.logger.Debug("room sleeping", fields...)
	return nil
}

// UpdateUserRoomRelationships applies the difference between two relationship
// snapshots of a room to the room/user membership sets and to the set of users
// runners serve. An active room's weight follows its intent-user count; a room
// that gained intent users leaves the sleeping set.
func (c *Coordinator) UpdateUserRoomRelationships(ctx context.Context, name string, current, previous room.Users) error {
	addIntent, remIntent := diff(current.Intents, previous.Intents)
	addPresence, remPresence := diff(current.Presence, previous.Presence)

	keys := []string{
		roomUsersKey(name, relationIntent), roomUsersKey(name, relationPresence),
		keyActiveUsers, keyActiveRooms, keySleepingRooms,
	}
	for _, u := range slices.Concat(addIntent, remIntent) {
		keys = append(keys, userRoomsKey(u, relationIntent))
	}
	for _, u := range slices.Concat(addPresence, remPresence) {
		keys = append(keys, userRoomsKey(u, relationPresence))
	}

	weight := len(current.Intents)
	err := c.store.Atomic(ctx, scriptRelationships, keys, func(tx storage.Tx) error {
		if err := link(tx, name, relationIntent, addIntent, remIntent); err != nil {
			return err
		}
		if err := link(tx, name, relationPresence, addPresence, remPresence); err != nil {
			return err
		}
		for _, u := range addIntent {
			if _, err := tx.SAdd(keyActiveUsers, u); err != nil {
				return err
			}
		}
		for _, u := range remIntent {
			left, err := tx.SCard(userRoomsKey(u, relationIntent))
			if err != nil {
				return err
			}
			if left == 0 {
				if _, err = tx.SRem(keyActiveUsers, u); err != nil {
					return err
				}
			}
		}

		score, active, err := tx.ZScore(keyActiveRooms, name)
		if err != nil {
			return err
		}
		switch {
		case active && int(score) == weight:
			return nil
		case active || weight > 0:
			if err = tx.ZAdd(keyActiveRooms, float64(weight), name); err != nil {
				return err
			}
			_, err = tx.ZRem(keySleepingRooms, name)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update users of room %s: %w", name, err)
	}
	return nil
}

func link(tx storage.Tx, name, relation string, add, remove []string) error {
	if len(add) > 0 {
		if _, err := tx.SAdd(roomUsersKey(name, relation), add...); err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		if _, err := tx.SRem(roomUsersKey(name, relation), remove...); err != nil {
			return err
		}
	}
	for _, u := range add {
		if _, err := tx.SAdd(userRoomsKey(u, relation), name); err != nil {
			return err
		}
	}
	for _, u := range remove {
		if _, err := tx.SRem(userRoomsKey(u, relation), name); err != nil {
			return err
		}
	}
	return nil
}

// diff returns what current adds to and drops from previous.
func diff(current, previous []string) (added, removed []string) {
	for _, u := range current {
		if !slices.Contains(previous, u) {
			added = append(added, u)
		}
	}
	for _, u := range previous {
		if !slices.Contains(current, u) {
			removed = append(removed, u)
		}
	}
	return added, removed
}

// UserRooms lists the rooms user has an intent relationship with.
func (c *Coordinator) UserRooms(ctx context.Context, user string) ([]string, error) {
	key := userRoomsKey(user, relationIntent)
	var rooms []string
	err := c.store.Atomic(ctx, scriptRead, []string{key}, func(tx storage.Tx) (err error) {
		rooms, err = tx.SMembers(key)
		return err
	})
	return rooms, err
}

// RoomUsers lists the users with an intent relationship to a room, or every
// user present in it when intentsOnly is false.
func (c *Coordinator) RoomUsers(ctx context.Context, name string, intentsOnly bool) ([]string, error) {
	key := roomUsersKey(name, relationPresence)
	if intentsOnly {
		key = roomUsersKey(name, relationIntent)
	}
	var users []string
	err := c.store.Atomic(ctx, scriptRead, []string{key}, func(tx storage.Tx) (err error) {
		users, err = tx.SMembers(key)
		return err
	})
	return users, err
}

func (c *Coordinator) Schedule(ctx context.Context, name string) (Schedule, error) {
	var s Schedule
	err := c.store.Atomic(ctx, scriptSchedule, []string{keyActiveRooms, keySleepingRooms}, func(tx storage.Tx) error {
		weight, active, err := tx.ZScore(keyActiveRooms, name)
		if err != nil {
			return err
		}
		wake, sleeping, err := tx.ZScore(keySleepingRooms, name)
		if err != nil {
			return err
		}
		s = Schedule{Active: active, Weight: int(weight), Sleeping: sleeping, WakeAt: int64(wake)}
		return nil
	})
	return s, err
}

func checkTime(tx storage.Tx, tick int64) error {
	current, err := tx.GetInt(keyProcessorTime)
	if err != nil {
		return err
	}
	if tick < current-1 || tick > current+1 {
		return fmt.Errorf("%w: tick %d, processor time %d", ErrInvalidTime, tick, current)
	}
	return nil
}
