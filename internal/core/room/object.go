package room

// Object kinds known to the engine. Game-rule packages may add their own; the
// scheduler only needs to know which kinds block movement.
const (
	KindCreep     = "creep"
	KindWall      = "constructedWall"
	KindSpawn     = "spawn"
	KindRoad      = "road"
	KindContainer = "container"
)

type PartType string

const (
	PartMove   PartType = "move"
	PartCarry  PartType = "carry"
	PartWork   PartType = "work"
	PartAttack PartType = "attack"
	PartTough  PartType = "tough"
)

// CarryCapacity is how much load one carry part holds before it adds weight.
const CarryCapacity = 50

type BodyPart struct {
	Type PartType `msgpack:"type"`
	Hits int      `msgpack:"hits"`
}

// Object is one simulated thing inside a room.
//
// Owner is engine-internal: handlers use it for permission checks and the
// scheduler uses it to derive user relationships, but it is not part of the
// object contract exposed to player code.
type Object struct {
	ID      string     `msgpack:"id"`
	Kind    string     `msgpack:"kind"`
	Pos     Position   `msgpack:"pos"`
	Owner   string     `msgpack:"owner,omitempty"`
	Body    []BodyPart `msgpack:"body,omitempty"`
	Load    int        `msgpack:"load,omitempty"`
	Fatigue int        `msgpack:"fatigue,omitempty"`
	Hits    int        `msgpack:"hits,omitempty"`
	// TTL counts down once per tick; zero means the object does not age.
	TTL    int    `msgpack:"ttl,omitempty"`
	Saying string `msgpack:"saying,omitempty"`
}

// ActiveParts counts body parts of type t that still have hits.
func (o *Object) ActiveParts(t PartType) int {
	n := 0
	for _, p := range o.Body {
		if p.Type == t && p.Hits > 0 {
			n++
		}
	}
	return n
}

// Weight is 1 plus every carry part's worth of load not covered by carry parts.
func (o *Object) Weight() int {
	needed := 0
	if o.Load > 0 {
		needed = (o.Load + CarryCapacity - 1) / CarryCapacity
	}
	extra := needed - o.ActiveParts(PartCarry)
	if extra < 0 {
		extra = 0
	}
	return 1 + extra
}

// BlocksMovement reports whether the kind occupies its tile for movement purposes
// regardless of who is asking. Creeps are handled separately because safe mode
// changes whether they block.
func BlocksMovement(kind string) bool {
	switch kind {
	case KindWall, KindSpawn:
		return true
	default:
		return false
	}
}

func (o *Object) Clone() *Object {
	c := *o
	c.Body = append([]BodyPart(nil), o.Body...)
	return &c
}

// Creep builds a creep with full-health body parts.
func Creep(id, owner string, pos Position, parts ...PartType) *Object {
	body := make([]BodyPart, len(parts))
	for i, p := range parts {
		body[i] = BodyPart{Type: p, Hits: 100}
	}
	return &Object{ID: id, Kind: KindCreep, Pos: pos, Owner: owner, Body: body, Hits: 100 * len(parts)}
}
