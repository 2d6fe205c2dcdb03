package intents

import (
	"errors"
	"fmt"
	"sort"

	"github.com/zeusync/shardtick/internal/core/room"
)

var (
	ErrOrderingCycle     = errors.New("intents: ordering constraints form a cycle")
	ErrDuplicateHandler  = errors.New("intents: handler already registered")
	ErrRegistryBuilt     = errors.New("intents: registry already built")
	ErrRegistryNotBuilt  = errors.New("intents: registry not built")
	ErrUnknownKind       = errors.New("intents: unknown receiver kind")
	ErrTooManyGroups     = errors.New("intents: more than 64 constraint groups")
	ErrHandlerIncomplete = errors.New("intents: handler needs a receiver, an intent and a function")
)

// Receiver kinds every registry starts with. Object kinds not defined explicitly
// resolve as KindObject.
const (
	KindRoom   = "room"
	KindObject = "object"
)

// Context is what a handler or hook may ask of the room processing it runs in.
type Context interface {
	Tick() int64
	// User is the user whose intents are being applied; empty inside hooks and
	// relayed intents.
	User() string
	Room() *room.Room
	// DidUpdate marks the room as changed so finalize re-encodes it.
	DidUpdate()
	// WakeAt asks that the room be processed no later than tick.
	WakeAt(tick int64)
	RequestMove(obj *room.Object, dir room.Direction)
	InsertObject(obj *room.Object)
	RemoveObject(id string)
	// SendIntent relays an intent to another room's next finalize.
	SendIntent(roomName, intent string, args ...any)
	Event(evt room.Event)
}

// Receiver is the room itself or one object inside it.
type Receiver struct {
	Room   *room.Room
	Object *room.Object
}

func (r Receiver) Kind() string {
	if r.Object == nil {
		return KindRoom
	}
	return r.Object.Kind
}

type HandlerFunc func(recv Receiver, ctx Context, args Args)

type Handler struct {
	// Receiver is the kind the handler is registered against.
	Receiver string
	Intent   string
	// Before lists intents this one must run ahead of; After lists intents it must
	// follow. Constraints only bind handlers whose receivers are related.
	Before []string
	After  []string
	// Groups are constraint groups. On one receiver, once an intent of a group has
	// been dispatched, later intents sharing any group are dropped for that tick.
	Groups []string
	Fn     HandlerFunc

	priority int
	groups   uint64
}

// Priority is the handler's rank in the resolved order; lower runs first.
func (h *Handler) Priority() int { return h.priority }

// GroupMask is the bitmask of the handler's constraint groups.
func (h *Handler) GroupMask() uint64 { return h.groups }

type ObjectHook func(obj *room.Object, ctx Context)

type RoomHook func(r *room.Room, ctx Context)

// Registry is built once at startup and shared read-only by every room
// processing context afterwards.
type Registry struct {
	parents  map[string]string
	handlers []*Handler
	preTick  map[string][]ObjectHook
	postTick map[string][]ObjectHook
	roomTick []RoomHook
	built    bool

	// dispatch[kind][intent] after Build.
	dispatch   map[string]map[string]*Handler
	preByKind  map[string][]ObjectHook
	postByKind map[string][]ObjectHook
	groupBits  map[string]uint
}

func NewRegistry() *Registry {
	return &Registry{
		parents:  map[string]string{KindRoom: "", KindObject: ""},
		preTick:  make(map[string][]ObjectHook),
		postTick: make(map[string][]ObjectHook),
	}
}

// DefineKind declares kind as a subtype of parent. parent must already exist.
func (r *Registry) DefineKind(kind, parent string) error {
	if r.built {
		return ErrRegistryBuilt
	}
	if _, ok := r.parents[parent]; !ok {
		return fmt.Errorf("%w: parent %q of %q", ErrUnknownKind, parent, kind)
	}
	if _, ok := r.parents[kind]; ok {
		return nil
	}
	r.parents[kind] = parent
	return nil
}

func (r *Registry) Register(h Handler) error {
	if r.built {
		return ErrRegistryBuilt
	}
	if h.Receiver == "" || h.Intent == "" || h.Fn == nil {
		return ErrHandlerIncomplete
	}
	if _, ok := r.parents[h.Receiver]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, h.Receiver)
	}
	for _, existing := range r.handlers {
		if existing.Receiver == h.Receiver && existing.Intent == h.Intent {
			return fmt.Errorf("%w: %s.%s", ErrDuplicateHandler, h.Receiver, h.Intent)
		}
	}
	r.handlers = append(r.handlers, &h)
	return nil
}

// PreTick registers unconditional per-object upkeep run before any intent.
func (r *Registry) PreTick(kind string, hook ObjectHook) error {
	return r.addHook(r.preTick, kind, hook)
}

// PostTick registers per-object upkeep run after movement.
func (r *Registry) PostTick(kind string, hook ObjectHook) error {
	return r.addHook(r.postTick, kind, hook)
}

// RoomTick registers per-room upkeep run after pre-tick hooks.
func (r *Registry) RoomTick(hook RoomHook) error {
	if r.built {
		return ErrRegistryBuilt
	}
	r.roomTick = append(r.roomTick, hook)
	return nil
}

func (r *Registry) addHook(into map[string][]ObjectHook, kind string, hook ObjectHook) error {
	if r.built {
		return ErrRegistryBuilt
	}
	if _, ok := r.parents[kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	into[kind] = append(into[kind], hook)
	return nil
}

// Build resolves the handler order, group masks and per-kind dispatch tables.
// The registry is immutable afterwards.
func (r *Registry) Build() error {
	if r.built {
		return ErrRegistryBuilt
	}

	order, err := resolveOrder(r.handlers, r.related)
	if err != nil {
		return err
	}
	ordered := make([]*Handler, len(order))
	for rank, idx := range order {
		h := r.handlers[idx]
		h.priority = rank
		ordered[rank] = h
	}
	r.handlers = ordered

	r.groupBits = make(map[string]uint)
	for _, h := range r.handlers {
		for _, g := range h.Groups {
			bit, ok := r.groupBits[g]
			if !ok {
				if len(r.groupBits) == 64 {
					return ErrTooManyGroups
				}
				bit = uint(len(r.groupBits))
				r.groupBits[g] = bit
			}
			h.groups |= 1 << bit
		}
	}

	r.dispatch = make(map[string]map[string]*Handler, len(r.parents))
	r.preByKind = make(map[string][]ObjectHook, len(r.parents))
	r.postByKind = make(map[string][]ObjectHook, len(r.parents))
	for kind := range r.parents {
		chain := r.ancestry(kind)
		table := make(map[string]*Handler)
		// chain runs from kind up to its root, so the nearest receiver wins.
		for _, k := range chain {
			for _, h := range r.handlers {
				if h.Receiver != k {
					continue
				}
				if _, taken := table[h.Intent]; !taken {
					table[h.Intent] = h
				}
			}
		}
		r.dispatch[kind] = table

		for i := len(chain) - 1; i >= 0; i-- {
			r.preByKind[kind] = append(r.preByKind[kind], r.preTick[chain[i]]...)
			r.postByKind[kind] = append(r.postByKind[kind], r.postTick[chain[i]]...)
		}
	}

	r.built = true
	return nil
}

// Handlers returns the handlers in resolved order.
func (r *Registry) Handlers() []*Handler {
	return append([]*Handler(nil), r.handlers...)
}

// Lookup finds the handler that serves intent for a receiver of the given kind.
func (r *Registry) Lookup(kind, intent string) (*Handler, bool) {
	table, ok := r.dispatch[kind]
	if !ok {
		table = r.dispatch[KindObject]
	}
	h, ok := table[intent]
	return h, ok
}

func (r *Registry) PreTickHooks(kind string) []ObjectHook {
	if hooks, ok := r.preByKind[kind]; ok {
		return hooks
	}
	return r.preByKind[KindObject]
}

func (r *Registry) PostTickHooks(kind string) []ObjectHook {
	if hooks, ok := r.postByKind[kind]; ok {
		return hooks
	}
	return r.postByKind[KindObject]
}

func (r *Registry) RoomTickHooks() []RoomHook {
	return r.roomTick
}

// ApplyObject dispatches one object's intents in priority order, dropping
// unknown intents and intents whose group was already used this call.
func (r *Registry) ApplyObject(obj *room.Object, ctx Context, intents map[string]Args) {
	recv := Receiver{Room: ctx.Room(), Object: obj}
	var used uint64
	for _, h := range r.sorted(recv.Kind(), names(intents)) {
		if h.groups&used != 0 {
			continue
		}
		used |= h.groups
		h.Fn(recv, ctx, intents[h.Intent])
	}
}

// ApplyRoom dispatches room-level intents in priority order; every tuple of an
// intent runs in the order it was issued.
func (r *Registry) ApplyRoom(ctx Context, local map[string][]Args) {
	recv := Receiver{Room: ctx.Room()}
	keys := make([]string, 0, len(local))
	for k := range local {
		keys = append(keys, k)
	}
	for _, h := range r.sorted(KindRoom, keys) {
		for _, args := range local[h.Intent] {
			h.Fn(recv, ctx, args)
		}
	}
}

// Dispatch runs a single intent against recv; it reports false when no handler
// serves it.
func (r *Registry) Dispatch(recv Receiver, ctx Context, intent string, args Args) bool {
	h, ok := r.Lookup(recv.Kind(), intent)
	if !ok {
		return false
	}
	h.Fn(recv, ctx, args)
	return true
}

func (r *Registry) sorted(kind string, intentNames []string) []*Handler {
	out := make([]*Handler, 0, len(intentNames))
	for _, name := range intentNames {
		if h, ok := r.Lookup(kind, name); ok {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].priority < out[j].priority })
	return out
}

func names(m map[string]Args) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// ancestry returns kind followed by each of its ancestors.
func (r *Registry) ancestry(kind string) []string {
	var chain []string
	for k := kind; k != ""; k = r.parents[k] {
		chain = append(chain, k)
	}
	return chain
}

func (r *Registry) isAncestor(ancestor, kind string) bool {
	for k := kind; k != ""; k = r.parents[k] {
		if k == ancestor {
			return true
		}
	}
	return false
}

// related reports whether handlers on kinds a and b constrain each other: the
// same kind, or one a supertype of the other.
func (r *Registry) related(a, b string) bool {
	return r.isAncestor(a, b) || r.isAncestor(b, a)
}
