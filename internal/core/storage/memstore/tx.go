package memstore

import (
	"math"
	"sort"

	"github.com/zeusync/shardtick/internal/core/storage"
)

type kind uint8

const (
	kindBytes kind = iota + 1
	kindInt
	kindSet
	kindZSet
	kindList
)

type entry struct {
	kind  kind
	bytes []byte
	num   int64
	set   map[string]struct{}
	zset  map[string]float64
	list  [][]byte
}

func (e *entry) empty() bool {
	switch e.kind {
	case kindSet:
		return len(e.set) == 0
	case kindZSet:
		return len(e.zset) == 0
	case kindList:
		return len(e.list) == 0
	default:
		return false
	}
}

func (e *entry) clone() *entry {
	c := &entry{kind: e.kind, num: e.num}
	switch e.kind {
	case kindBytes:
		c.bytes = append([]byte(nil), e.bytes...)
	case kindSet:
		c.set = make(map[string]struct{}, len(e.set))
		for m := range e.set {
			c.set[m] = struct{}{}
		}
	case kindZSet:
		c.zset = make(map[string]float64, len(e.zset))
		for m, score := range e.zset {
			c.zset[m] = score
		}
	case kindList:
		c.list = make([][]byte, len(e.list))
		copy(c.list, e.list)
	}
	return c
}

var _ storage.Tx = (*tx)(nil)

// tx stages every mutation; commit publishes the staged entries in one go.
type tx struct {
	store    *Store
	declared map[string]struct{}
	staged   map[string]*entry
}

func newTx(s *Store, keys []string) *tx {
	declared := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		declared[k] = struct{}{}
	}
	return &tx{store: s, declared: declared, staged: make(map[string]*entry)}
}

func (t *tx) commit() {
	for key, e := range t.staged {
		t.store.store(key, e)
	}
}

func (t *tx) check(key string) error {
	if _, ok := t.declared[key]; !ok {
		return storage.ErrUndeclaredKey
	}
	return nil
}

// view returns the current entry for reading; nil when absent.
func (t *tx) view(key string, want kind) (*entry, error) {
	if err := t.check(key); err != nil {
		return nil, err
	}
	e, staged := t.staged[key]
	if !staged {
		e = t.store.live(key)
	}
	if e == nil || e.empty() {
		return nil, nil
	}
	if want != 0 && e.kind != want {
		return nil, storage.ErrWrongType
	}
	return e, nil
}

// mutable returns a staged copy of the entry, creating an empty one of kind want.
func (t *tx) mutable(key string, want kind) (*entry, error) {
	e, err := t.view(key, want)
	if err != nil {
		return nil, err
	}
	if staged, ok := t.staged[key]; ok && staged != nil && staged == e {
		return e, nil
	}
	if e == nil {
		e = &entry{kind: want}
		switch want {
		case kindSet:
			e.set = make(map[string]struct{})
		case kindZSet:
			e.zset = make(map[string]float64)
		}
	} else {
		e = e.clone()
	}
	t.staged[key] = e
	return e, nil
}

func (t *tx) Get(key string) ([]byte, bool, error) {
	e, err := t.view(key, kindBytes)
	if err != nil || e == nil {
		return nil, false, err
	}
	return append([]byte(nil), e.bytes...), true, nil
}

func (t *tx) Set(key string, value []byte) error {
	if err := t.check(key); err != nil {
		return err
	}
	t.staged[key] = &entry{kind: kindBytes, bytes: append([]byte(nil), value...)}
	return nil
}

func (t *tx) Del(keys ...string) (int, error) {
	removed := 0
	for _, key := range keys {
		e, err := t.view(key, 0)
		if err != nil {
			return removed, err
		}
		if e != nil {
			removed++
		}
		t.staged[key] = nil
	}
	return removed, nil
}

func (t *tx) Exists(key string) (bool, error) {
	e, err := t.view(key, 0)
	return e != nil, err
}

func (t *tx) Copy(src, dst string) (bool, error) {
	e, err := t.view(src, 0)
	if err != nil {
		return false, err
	}
	if err = t.check(dst); err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}
	t.staged[dst] = e.clone()
	return true, nil
}

func (t *tx) GetInt(key string) (int64, error) {
	e, err := t.view(key, 0)
	if err != nil || e == nil {
		return 0, err
	}
	if e.kind != kindInt {
		return 0, storage.ErrNotInteger
	}
	return e.num, nil
}

func (t *tx) SetInt(key string, value int64) error {
	if err := t.check(key); err != nil {
		return err
	}
	t.staged[key] = &entry{kind: kindInt, num: value}
	return nil
}

func (t *tx) IncrBy(key string, delta int64) (int64, error) {
	current, err := t.GetInt(key)
	if err != nil {
		return 0, err
	}
	current += delta
	t.staged[key] = &entry{kind: kindInt, num: current}
	return current, nil
}

func (t *tx) CompareAndSwap(key string, expected, next int64) (bool, error) {
	current, err := t.GetInt(key)
	if err != nil {
		return false, err
	}
	if current != expected {
		return false, nil
	}
	t.staged[key] = &entry{kind: kindInt, num: next}
	return true, nil
}

func (t *tx) SAdd(key string, members ...string) (int, error) {
	e, err := t.mutable(key, kindSet)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, m := range members {
		if _, ok := e.set[m]; !ok {
			e.set[m] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (t *tx) SRem(key string, members ...string) (int, error) {
	e, err := t.view(key, kindSet)
	if err != nil || e == nil {
		return 0, err
	}
	if e, err = t.mutable(key, kindSet); err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range members {
		if _, ok := e.set[m]; ok {
			delete(e.set, m)
			removed++
		}
	}
	return removed, nil
}

func (t *tx) SCard(key string) (int, error) {
	e, err := t.view(key, kindSet)
	if err != nil || e == nil {
		return 0, err
	}
	return len(e.set), nil
}

func (t *tx) SIsMember(key, member string) (bool, error) {
	e, err := t.view(key, kindSet)
	if err != nil || e == nil {
		return false, err
	}
	_, ok := e.set[member]
	return ok, nil
}

func (t *tx) SMembers(key string) ([]string, error) {
	e, err := t.view(key, kindSet)
	if err != nil || e == nil {
		return nil, err
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (t *tx) SPop(key string) (string, bool, error) {
	members, err := t.SMembers(key)
	if err != nil || len(members) == 0 {
		return "", false, err
	}
	if _, err = t.SRem(key, members[0]); err != nil {
		return "", false, err
	}
	return members[0], true, nil
}

func (t *tx) ZAdd(key string, score float64, member string) error {
	e, err := t.mutable(key, kindZSet)
	if err != nil {
		return err
	}
	e.zset[member] = score
	return nil
}

func (t *tx) ZRem(key string, members ...string) (int, error) {
	e, err := t.view(key, kindZSet)
	if err != nil || e == nil {
		return 0, err
	}
	if e, err = t.mutable(key, kindZSet); err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range members {
		if _, ok := e.zset[m]; ok {
			delete(e.zset, m)
			removed++
		}
	}
	return removed, nil
}

func (t *tx) ZScore(key, member string) (float64, bool, error) {
	e, err := t.view(key, kindZSet)
	if err != nil || e == nil {
		return 0, false, err
	}
	score, ok := e.zset[member]
	return score, ok, nil
}

func (t *tx) ZCard(key string) (int, error) {
	e, err := t.view(key, kindZSet)
	if err != nil || e == nil {
		return 0, err
	}
	return len(e.zset), nil
}

func (t *tx) ZIncrBy(key, member string, delta float64) (float64, error) {
	e, err := t.mutable(key, kindZSet)
	if err != nil {
		return 0, err
	}
	e.zset[member] += delta
	return e.zset[member], nil
}

func (t *tx) ZRangeByScore(key string, min, max float64) ([]storage.ScoredMember, error) {
	e, err := t.view(key, kindZSet)
	if err != nil || e == nil {
		return nil, err
	}
	out := make([]storage.ScoredMember, 0, len(e.zset))
	for m, score := range e.zset {
		if score >= min && score <= max {
			out = append(out, storage.ScoredMember{Member: m, Score: score})
		}
	}
	sortScored(out)
	return out, nil
}

func (t *tx) ZUnionStore(dst string, keys []string, weights []float64) (int, error) {
	if err := t.check(dst); err != nil {
		return 0, err
	}
	union := make(map[string]float64)
	for i, key := range keys {
		e, err := t.view(key, kindZSet)
		if err != nil {
			return 0, err
		}
		if e == nil {
			continue
		}
		weight := 1.0
		if i < len(weights) {
			weight = weights[i]
		}
		for m, score := range e.zset {
			union[m] += score * weight
		}
	}
	for m, score := range union {
		// -0 from a zero weight reads back oddly in tests and logs.
		if score == 0 || math.IsNaN(score) {
			union[m] = 0
		}
	}
	t.staged[dst] = &entry{kind: kindZSet, zset: union}
	return len(union), nil
}

func (t *tx) RPush(key string, values ...[]byte) (int, error) {
	e, err := t.mutable(key, kindList)
	if err != nil {
		return 0, err
	}
	for _, v := range values {
		e.list = append(e.list, append([]byte(nil), v...))
	}
	return len(e.list), nil
}

func (t *tx) LRange(key string) ([][]byte, error) {
	e, err := t.view(key, kindList)
	if err != nil || e == nil {
		return nil, err
	}
	out := make([][]byte, len(e.list))
	for i, v := range e.list {
		out[i] = append([]byte(nil), v...)
	}
	return out, nil
}

func sortScored(members []storage.ScoredMember) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
}
