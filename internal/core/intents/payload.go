// Package intents holds the wire shapes of player intents and the Registry that
// orders and dispatches intent handlers.
package intents

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Args is one argument tuple of an intent.
type Args []any

func (a Args) Int(i int) (int, bool) {
	if i < 0 || i >= len(a) {
		return 0, false
	}
	switch v := a[i].(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	case float32:
		if v == float32(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

func (a Args) String(i int) (string, bool) {
	if i < 0 || i >= len(a) {
		return "", false
	}
	s, ok := a[i].(string)
	return s, ok
}

func (a Args) Bytes(i int) ([]byte, bool) {
	if i < 0 || i >= len(a) {
		return nil, false
	}
	switch v := a[i].(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	}
	return nil, false
}

// Payload is everything one user asked for in one room on one tick.
//
// Local holds room-level intents; a name may be issued several times so each
// maps to a list of argument tuples. Object holds per-object intents keyed by
// object id then intent name; only one instance of an intent per object per tick
// is meaningful, so each maps to a single tuple.
type Payload struct {
	Local  map[string][]Args          `msgpack:"local,omitempty"`
	Object map[string]map[string]Args `msgpack:"object,omitempty"`
}

func (p *Payload) Empty() bool {
	return len(p.Local) == 0 && len(p.Object) == 0
}

func (p *Payload) AddLocal(intent string, args ...any) {
	if p.Local == nil {
		p.Local = make(map[string][]Args)
	}
	p.Local[intent] = append(p.Local[intent], Args(args))
}

// SetObject records intent for object id, replacing an earlier one of the same name.
func (p *Payload) SetObject(id, intent string, args ...any) {
	if p.Object == nil {
		p.Object = make(map[string]map[string]Args)
	}
	if p.Object[id] == nil {
		p.Object[id] = make(map[string]Args)
	}
	p.Object[id][intent] = Args(args)
}

// UserPayload is one entry of a room's pending-intents list.
type UserPayload struct {
	User    string  `msgpack:"user"`
	Payload Payload `msgpack:"payload"`
}

// Single is the inter-room relay unit: one intent applied to the destination
// room itself during that room's finalize phase.
type Single struct {
	Intent string `msgpack:"intent"`
	Args   Args   `msgpack:"args,omitempty"`
}

func EncodeUserPayload(p UserPayload) ([]byte, error) {
	data, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", p.User, err)
	}
	return data, nil
}

func DecodeUserPayload(data []byte) (UserPayload, error) {
	var p UserPayload
	if err := unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

func EncodeSingle(s Single) ([]byte, error) {
	data, err := msgpack.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("encode intent %s: %w", s.Intent, err)
	}
	return data, nil
}

func DecodeSingle(data []byte) (Single, error) {
	var s Single
	if err := unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode intent: %w", err)
	}
	return s, nil
}

func unmarshal(data []byte, v any) error {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
