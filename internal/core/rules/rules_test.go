package rules

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/shardtick/internal/core/intents"
	"github.com/zeusync/shardtick/internal/core/observability/log"
	"github.com/zeusync/shardtick/internal/core/processor"
	"github.com/zeusync/shardtick/internal/core/room"
	"github.com/zeusync/shardtick/internal/core/tick"
)

func newRegistry(t *testing.T) *intents.Registry {
	t.Helper()
	reg, err := NewRegistry()
	require.NoError(t, err)
	return reg
}

// process runs one process phase of r on tick 1 with the given payloads.
func process(t *testing.T, r *room.Room, payloads ...intents.UserPayload) *processor.RoomContext {
	t.Helper()
	rc := processor.NewRoomContext(newRegistry(t), r, nil, 1, log.NewNop())
	rc.Process(payloads)
	return rc
}

func objectIntent(user, id, intent string, args ...any) intents.UserPayload {
	var p intents.Payload
	p.SetObject(id, intent, args...)
	return intents.UserPayload{User: user, Payload: p}
}

func localIntent(user, intent string, args ...any) intents.UserPayload {
	var p intents.Payload
	p.AddLocal(intent, args...)
	return intents.UserPayload{User: user, Payload: p}
}

func eventTypes(r *room.Room) []string {
	var out []string
	for _, e := range r.EventLog {
		out = append(out, e.Type)
	}
	return out
}

func TestHandlerOrder(t *testing.T) {
	reg := newRegistry(t)
	var order []string
	for _, h := range reg.Handlers() {
		order = append(order, h.Receiver+"."+h.Intent)
	}
	require.Equal(t, []string{
		"creep.exit", "creep.move", "creep.say", "creep.suicide",
		"room.removeFlag", "room.createFlag", "room.importObject",
	}, order)
}

func TestCreepMove(t *testing.T) {
	tests := []struct {
		name  string
		user  string
		setup func(c *room.Object)
		moved bool
	}{
		{name: "owner moves", user: "alice", moved: true},
		{name: "other user is ignored", user: "bob"},
		{name: "fatigue blocks", user: "alice", setup: func(c *room.Object) { c.Fatigue = 10 }},
		{name: "no move part", user: "alice", setup: func(c *room.Object) { c.Body = c.Body[:0] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := room.New("W0N0")
			c := room.Creep("c", "alice", room.Position{X: 10, Y: 10}, room.PartMove)
			if tt.setup != nil {
				tt.setup(c)
			}
			r.Objects[c.ID] = c

			process(t, r, objectIntent(tt.user, "c", IntentMove, int(room.Bottom)))
			if tt.moved {
				require.Equal(t, room.Position{X: 10, Y: 11}, c.Pos)
			} else {
				require.Equal(t, room.Position{X: 10, Y: 10}, c.Pos)
			}
		})
	}
}

func TestCreepExit(t *testing.T) {
	r := room.New("W0N0")
	c := room.Creep("scout", "alice", room.Position{X: 49, Y: 20}, room.PartMove)
	r.Objects[c.ID] = c

	var p intents.Payload
	p.SetObject("scout", IntentExit, int(room.Right))
	rc := process(t, r, intents.UserPayload{User: "alice", Payload: p})

	require.NotContains(t, r.Objects, "scout")
	relays := rc.Relays()
	require.Len(t, relays["E0N0"], 1)
	require.Equal(t, IntentImportObject, relays["E0N0"][0].Intent)

	east := room.New("E0N0")
	arrival := processor.NewRoomContext(newRegistry(t), east, nil, 1, log.NewNop())
	arrival.Finalize(relays["E0N0"])
	require.Contains(t, east.Objects, "scout")
	require.Equal(t, room.Position{X: 0, Y: 20}, east.Objects["scout"].Pos)
	require.Equal(t, "alice", east.Objects["scout"].Owner)
	require.Equal(t, []string{EventImport}, eventTypes(east))

	t.Run("not on the edge", func(t *testing.T) {
		r := room.New("W0N0")
		r.Objects["c"] = room.Creep("c", "alice", room.Position{X: 48, Y: 20}, room.PartMove)
		rc := process(t, r, objectIntent("alice", "c", IntentExit, int(room.Right)))
		require.Contains(t, r.Objects, "c")
		require.Empty(t, rc.Relays())
	})

	t.Run("exit wins over move", func(t *testing.T) {
		r := room.New("W0N0")
		r.Objects["c"] = room.Creep("c", "alice", room.Position{X: 20, Y: 0}, room.PartMove)
		var p intents.Payload
		p.SetObject("c", IntentMove, int(room.Bottom))
		p.SetObject("c", IntentExit, int(room.Top))
		rc := process(t, r, intents.UserPayload{User: "alice", Payload: p})
		require.NotContains(t, r.Objects, "c")
		require.Len(t, rc.Relays()["W0N1"], 1)
	})

	t.Run("duplicate import is dropped", func(t *testing.T) {
		east := room.New("E0N0")
		east.Objects["scout"] = room.Creep("scout", "bob", room.Position{X: 5, Y: 5})
		arrival := processor.NewRoomContext(newRegistry(t), east, nil, 1, log.NewNop())
		arrival.Finalize(relays["E0N0"])
		require.Equal(t, "bob", east.Objects["scout"].Owner)
		require.False(t, arrival.Updated())
	})
}

func TestCreepSayAndSuicide(t *testing.T) {
	r := room.New("W0N0")
	c := room.Creep("c", "alice", room.Position{X: 10, Y: 10}, room.PartMove)
	r.Objects[c.ID] = c

	var p intents.Payload
	p.SetObject("c", IntentSuicide)
	p.SetObject("c", IntentSay, "goodbye cruel world")
	process(t, r, intents.UserPayload{User: "alice", Payload: p})

	require.Equal(t, "goodbye cr", c.Saying)
	require.Equal(t, []string{EventSay, EventDeath}, eventTypes(r))
	require.NotContains(t, r.Objects, "c")
}

func TestFlags(t *testing.T) {
	r := room.New("W0N0")

	process(t, r,
		localIntent("alice", IntentCreateFlag, "home", 10, 10),
		localIntent("bob", IntentCreateFlag, "home", 20, 20),
		localIntent("bob", IntentCreateFlag, "outside", 60, 20),
	)
	require.Equal(t, []room.Flag{{Name: "home", User: "alice", Pos: room.Position{X: 10, Y: 10}}}, r.Flags)
	require.Equal(t, room.Users{Presence: []string{"alice"}}, r.ComputeUsers())

	process(t, r, localIntent("bob", IntentRemoveFlag, "home"))
	require.Len(t, r.Flags, 1)

	rc := process(t, r, localIntent("alice", IntentRemoveFlag, "home"))
	require.Empty(t, r.Flags)
	require.True(t, rc.Updated())
}

func TestUpkeepHooks(t *testing.T) {
	t.Run("creeps age and die", func(t *testing.T) {
		r := room.New("W0N0")
		old := room.Creep("old", "alice", room.Position{X: 1, Y: 1})
		old.TTL = 1
		young := room.Creep("young", "alice", room.Position{X: 2, Y: 2})
		young.TTL = 5
		r.Objects[old.ID], r.Objects[young.ID] = old, young

		process(t, r)
		require.NotContains(t, r.Objects, "old")
		require.Equal(t, 4, young.TTL)
		require.Equal(t, []string{EventDeath}, eventTypes(r))
	})

	t.Run("fatigue recovers and messages clear", func(t *testing.T) {
		r := room.New("W0N0")
		c := room.Creep("c", "alice", room.Position{X: 1, Y: 1}, room.PartMove, room.PartMove)
		c.Fatigue = 6
		c.Saying = "hi"
		r.Objects[c.ID] = c

		rc := process(t, r)
		require.Equal(t, 2, c.Fatigue)
		require.Empty(t, c.Saying)
		require.True(t, rc.Updated())
	})

	t.Run("safe mode asks for a wake and expires", func(t *testing.T) {
		r := room.New("W0N0")
		r.SafeMode = room.SafeMode{Owner: "alice", Until: 7}

		rc := process(t, r)
		require.Equal(t, int64(7), rc.NextWake())
		require.False(t, rc.Updated())

		expired := processor.NewRoomContext(newRegistry(t), r, nil, 7, log.NewNop())
		expired.Process(nil)
		require.Equal(t, room.SafeMode{}, r.SafeMode)
		require.Equal(t, tick.Never, expired.NextWake())
		require.True(t, expired.Updated())
	})
}
