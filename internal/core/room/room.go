// Package room models a room shard: the objects inside it, its per-room flags
// and its per-tick event log, plus the codec that turns a room into the opaque
// blob the scheduler persists between ticks.
package room

import "sort"

type Flag struct {
	Name string   `msgpack:"name"`
	User string   `msgpack:"user"`
	Pos  Position `msgpack:"pos"`
}

// SafeMode protects Owner's creeps until tick Until (exclusive).
type SafeMode struct {
	Owner string `msgpack:"owner,omitempty"`
	Until int64  `msgpack:"until,omitempty"`
}

func (s SafeMode) Active(tick int64) bool {
	return s.Owner != "" && tick < s.Until
}

type Event struct {
	Type   string         `msgpack:"type"`
	Object string         `msgpack:"object,omitempty"`
	Data   map[string]any `msgpack:"data,omitempty"`
}

// Users is the relationship snapshot of a room. Intent users must submit intents
// before the room can be processed; presence users merely observe it.
type Users struct {
	Intents  []string `msgpack:"intents,omitempty"`
	Presence []string `msgpack:"presence,omitempty"`
}

type Room struct {
	Name     string             `msgpack:"name"`
	Objects  map[string]*Object `msgpack:"objects"`
	Flags    []Flag             `msgpack:"flags,omitempty"`
	SafeMode SafeMode           `msgpack:"safeMode"`
	EventLog []Event            `msgpack:"eventLog,omitempty"`

	// Users is engine-internal: the snapshot taken at the last finalize, diffed
	// against the next one to update room/user membership.
	Users Users `msgpack:"users"`
}

func New(name string) *Room {
	return &Room{Name: name, Objects: make(map[string]*Object)}
}

func (r *Room) Object(id string) (*Object, bool) {
	o, ok := r.Objects[id]
	return o, ok
}

// SortedObjects returns every object ordered by id so hook execution is
// deterministic.
func (r *Room) SortedObjects() []*Object {
	out := make([]*Object, 0, len(r.Objects))
	for _, o := range r.Objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Room) ObjectsAt(p Position) []*Object {
	var out []*Object
	for _, o := range r.SortedObjects() {
		if o.Pos == p {
			out = append(out, o)
		}
	}
	return out
}

// ComputeUsers derives the current relationship sets: owners of objects must act
// in the room, flag owners only watch it.
func (r *Room) ComputeUsers() Users {
	intents := make(map[string]struct{})
	presence := make(map[string]struct{})
	for _, o := range r.Objects {
		if o.Owner != "" {
			intents[o.Owner] = struct{}{}
			presence[o.Owner] = struct{}{}
		}
	}
	for _, f := range r.Flags {
		presence[f.User] = struct{}{}
	}
	return Users{Intents: sortedKeys(intents), Presence: sortedKeys(presence)}
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
