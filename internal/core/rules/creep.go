package rules

import (
	"unicode/utf8"

	"github.com/zeusync/shardtick/internal/core/intents"
	"github.com/zeusync/shardtick/internal/core/room"
)

// MaxSayLength is the longest message a creep can say, in runes.
const MaxSayLength = 10

// FatigueRecovery is how much fatigue each move part removes per tick.
const FatigueRecovery = 2

func ownedBy(obj *room.Object, ctx intents.Context) bool {
	return obj.Owner != "" && obj.Owner == ctx.User()
}

func direction(args intents.Args) (room.Direction, bool) {
	v, ok := args.Int(0)
	d := room.Direction(v)
	return d, ok && d.Valid()
}

// creepMove asks movement resolution to step the creep one tile.
func creepMove(recv intents.Receiver, ctx intents.Context, args intents.Args) {
	obj := recv.Object
	d, ok := direction(args)
	if !ok || !ownedBy(obj, ctx) {
		return
	}
	if obj.Fatigue > 0 || obj.ActiveParts(room.PartMove) == 0 {
		return
	}
	ctx.RequestMove(obj, d)
}

// creepExit takes a creep standing on an exit tile out of the room and relays it
// to the neighbouring room, placed on the opposite edge.
func creepExit(recv intents.Receiver, ctx intents.Context, args intents.Args) {
	obj := recv.Object
	d, ok := direction(args)
	if !ok || !ownedBy(obj, ctx) {
		return
	}
	if obj.Fatigue > 0 || obj.ActiveParts(room.PartMove) == 0 {
		return
	}
	to := obj.Pos.Step(d)
	if to.InBounds() {
		return
	}
	neighbor, err := room.Neighbor(recv.Room.Name, d)
	if err != nil {
		return
	}

	moved := obj.Clone()
	moved.Pos = wrap(to)
	blob, err := room.EncodeObject(moved)
	if err != nil {
		return
	}

	ctx.RemoveObject(obj.ID)
	ctx.SendIntent(neighbor, IntentImportObject, blob)
	ctx.Event(room.Event{Type: EventExit, Object: obj.ID, Data: map[string]any{"room": neighbor}})
}

// wrap maps a position just outside the room onto the facing edge of the
// neighbouring room.
func wrap(p room.Position) room.Position {
	p.X = (p.X + room.Size) % room.Size
	p.Y = (p.Y + room.Size) % room.Size
	return p
}

func creepSay(recv intents.Receiver, ctx intents.Context, args intents.Args) {
	obj := recv.Object
	text, ok := args.String(0)
	if !ok || !ownedBy(obj, ctx) {
		return
	}
	if utf8.RuneCountInString(text) > MaxSayLength {
		text = string([]rune(text)[:MaxSayLength])
	}
	obj.Saying = text
	ctx.Event(room.Event{Type: EventSay, Object: obj.ID, Data: map[string]any{"text": text}})
	ctx.DidUpdate()
}

func creepSuicide(recv intents.Receiver, ctx intents.Context, _ intents.Args) {
	if !ownedBy(recv.Object, ctx) {
		return
	}
	die(recv.Object, ctx)
}

func die(obj *room.Object, ctx intents.Context) {
	ctx.RemoveObject(obj.ID)
	ctx.Event(room.Event{Type: EventDeath, Object: obj.ID})
}

func recoverFatigue(obj *room.Object, ctx intents.Context) {
	if obj.Fatigue == 0 {
		return
	}
	obj.Fatigue = max(0, obj.Fatigue-FatigueRecovery*obj.ActiveParts(room.PartMove))
	ctx.DidUpdate()
}

// clearSaying drops last tick's message.
func clearSaying(obj *room.Object, ctx intents.Context) {
	if obj.Saying == "" {
		return
	}
	obj.Saying = ""
	ctx.DidUpdate()
}

// age counts down a creep's time to live and removes it when it runs out.
func age(obj *room.Object, ctx intents.Context) {
	if obj.TTL == 0 {
		return
	}
	obj.TTL--
	ctx.DidUpdate()
	if obj.TTL == 0 {
		die(obj, ctx)
	}
}
