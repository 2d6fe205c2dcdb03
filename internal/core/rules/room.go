package rules

import (
	"slices"

	"github.com/zeusync/shardtick/internal/core/intents"
	"github.com/zeusync/shardtick/internal/core/room"
)

// MaxFlagsPerUser caps the flags one user may keep in a room.
const MaxFlagsPerUser = 10

// roomCreateFlag places a flag owned by the acting user. Flag names are unique
// within a room.
func roomCreateFlag(recv intents.Receiver, ctx intents.Context, args intents.Args) {
	name, ok := args.String(0)
	if !ok || name == "" || ctx.User() == "" {
		return
	}
	x, okX := args.Int(1)
	y, okY := args.Int(2)
	pos := room.Position{X: x, Y: y}
	if !okX || !okY || !pos.InBounds() {
		return
	}

	r := recv.Room
	owned := 0
	for _, f := range r.Flags {
		if f.Name == name {
			return
		}
		if f.User == ctx.User() {
			owned++
		}
	}
	if owned >= MaxFlagsPerUser {
		return
	}
	r.Flags = append(r.Flags, room.Flag{Name: name, User: ctx.User(), Pos: pos})
	ctx.DidUpdate()
}

// roomRemoveFlag removes a flag of the acting user.
func roomRemoveFlag(recv intents.Receiver, ctx intents.Context, args intents.Args) {
	name, ok := args.String(0)
	if !ok {
		return
	}
	r := recv.Room
	i := slices.IndexFunc(r.Flags, func(f room.Flag) bool {
		return f.Name == name && f.User == ctx.User()
	})
	if i < 0 {
		return
	}
	r.Flags = slices.Delete(r.Flags, i, i+1)
	ctx.DidUpdate()
}

// roomImportObject admits an object sent over from another room. Objects whose id
// is already taken are dropped.
func roomImportObject(recv intents.Receiver, ctx intents.Context, args intents.Args) {
	blob, ok := args.Bytes(0)
	if !ok {
		return
	}
	obj, err := room.DecodeObject(blob)
	if err != nil || !obj.Pos.InBounds() {
		return
	}
	if _, taken := recv.Room.Object(obj.ID); taken {
		return
	}
	ctx.InsertObject(obj)
	ctx.Event(room.Event{Type: EventImport, Object: obj.ID})
}

// expireSafeMode clears a safe mode that ran out and otherwise asks to be woken
// when it does.
func expireSafeMode(r *room.Room, ctx intents.Context) {
	if r.SafeMode.Owner == "" {
		return
	}
	if !r.SafeMode.Active(ctx.Tick()) {
		r.SafeMode = room.SafeMode{}
		ctx.DidUpdate()
		return
	}
	ctx.WakeAt(r.SafeMode.Until)
}
