// Package movement resolves the moves requested in one room during one tick into
// a conflict-free set of position changes.
package movement

import (
	"cmp"
	"maps"
	"slices"

	"github.com/zeusync/shardtick/internal/core/room"
)

// Move is a request, made on behalf of User, to step Object one tile in Dir.
type Move struct {
	Object *room.Object
	Dir    room.Direction
	User   string
}

// Obstacle reports whether occupant keeps the mover of m out of its tile.
type Obstacle func(occupant *room.Object, m Move) bool

// DefaultObstacle blocks on impassable structures and on creeps. While the room
// is in safe mode, creeps of other users do not block the safe mode owner.
func DefaultObstacle(r *room.Room, tick int64) Obstacle {
	safe := r.SafeMode.Active(tick)
	return func(occupant *room.Object, m Move) bool {
		if room.BlocksMovement(occupant.Kind) {
			return true
		}
		if occupant.Kind != room.KindCreep {
			return false
		}
		if safe && m.User == r.SafeMode.Owner && occupant.Owner != m.User {
			return false
		}
		return true
	}
}

// Grant is a move that survived resolution.
type Grant struct {
	Move
	To room.Position
}

type candidate struct {
	Move
	to room.Position
}

// Resolve picks, for every contested tile, the single mover allowed into it,
// then drops moves into walls or into tiles held by an obstacle that stays put.
// The result is ordered by object id and is the same for the same input in any
// order.
func Resolve(r *room.Room, terrain *room.Terrain, moves []Move, obstacle Obstacle) []Grant {
	// One move per object; the last request wins.
	byObject := make(map[string]candidate, len(moves))
	for _, m := range moves {
		if m.Object == nil || !m.Dir.Valid() {
			continue
		}
		to := m.Object.Pos.Step(m.Dir)
		if !to.InBounds() {
			delete(byObject, m.Object.ID)
			continue
		}
		byObject[m.Object.ID] = candidate{Move: m, to: to}
	}

	claims := make(map[room.Position][]candidate)
	for _, c := range byObject {
		claims[c.to] = append(claims[c.to], c)
	}

	// movingInto counts movers heading for a tile.
	movingInto := make(map[room.Position]int, len(claims))
	for to, cs := range claims {
		movingInto[to] = len(cs)
	}

	tentative := make(map[string]candidate, len(claims))
	for _, cs := range claims {
		winner := slices.MaxFunc(cs, func(a, b candidate) int {
			if c := cmp.Compare(movingInto[a.Object.Pos], movingInto[b.Object.Pos]); c != 0 {
				return c
			}
			if c := compareRatio(a.Object, b.Object); c != 0 {
				return c
			}
			return cmp.Compare(a.Object.ID, b.Object.ID)
		})
		tentative[winner.Object.ID] = winner
	}

	granted := make([]Grant, 0, len(tentative))
	for _, id := range slices.Sorted(maps.Keys(tentative)) {
		c := tentative[id]
		if terrain != nil && terrain.IsWall(c.to) {
			continue
		}
		if blocked(r, c.Move, c.to, obstacle, func(o *room.Object) bool {
			_, vacating := tentative[o.ID]
			return vacating
		}) {
			continue
		}
		granted = append(granted, Grant{Move: c.Move, To: c.to})
	}
	return granted
}

// Apply commits granted moves. A move whose destination is still held by an
// obstacle that is not moving is cancelled; cancellations repeat until stable so
// no two objects that block each other end up on one tile. It returns the moves
// that were carried out.
func Apply(r *room.Room, granted []Grant, obstacle Obstacle) []Grant {
	moving := make(map[string]bool, len(granted))
	for _, g := range granted {
		moving[g.Object.ID] = true
	}

	for changed := true; changed; {
		changed = false
		for _, g := range granted {
			if !moving[g.Object.ID] {
				continue
			}
			if blocked(r, g.Move, g.To, obstacle, func(o *room.Object) bool { return moving[o.ID] }) {
				moving[g.Object.ID] = false
				changed = true
			}
		}
	}

	applied := make([]Grant, 0, len(granted))
	for _, g := range granted {
		if !moving[g.Object.ID] {
			continue
		}
		g.Object.Pos = g.To
		applied = append(applied, g)
	}
	return applied
}

func blocked(r *room.Room, m Move, to room.Position, obstacle Obstacle, vacating func(*room.Object) bool) bool {
	for _, o := range r.ObjectsAt(to) {
		if o.ID == m.Object.ID || vacating(o) {
			continue
		}
		if obstacle(o, m) {
			return true
		}
	}
	return false
}

// compareRatio compares move parts per unit of weight without division.
func compareRatio(a, b *room.Object) int {
	return cmp.Compare(a.ActiveParts(room.PartMove)*b.Weight(), b.ActiveParts(room.PartMove)*a.Weight())
}
