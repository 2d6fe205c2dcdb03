// Package memstore is an in-process storage.Store. Keys are spread over lock
// shards by xxhash; a script locks the shards of every key it declares in
// ascending shard order, so two scripts never deadlock and never interleave on a
// shared key.
package memstore

import (
	"context"
	"fmt"
	"sort"
	sc "sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/shardtick/internal/core/storage"
)

const defaultShardCount = 32

var _ storage.Store = (*Store)(nil)

type Store struct {
	shards []shard
	count  int
	closed atomic.Bool

	scripts atomic.Uint64
}

type shard struct {
	mx      sc.Mutex
	entries map[string]*entry
}

// New creates a store with shardCount lock shards; non-positive counts use the default.
func New(shardCount int) *Store {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	s := &Store{
		shards: make([]shard, shardCount),
		count:  shardCount,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry)
	}
	return s
}

func (s *Store) shardIndex(key string) int {
	return int(uint32(xxhash.Sum64String(key)) % uint32(s.count))
}

// Atomic implements storage.Store.
func (s *Store) Atomic(ctx context.Context, script storage.Script, keys []string, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return storage.ErrClosed
	}

	indexes := s.lockOrder(keys)
	for _, idx := range indexes {
		s.shards[idx].mx.Lock()
	}
	defer func() {
		for i := len(indexes) - 1; i >= 0; i-- {
			s.shards[indexes[i]].mx.Unlock()
		}
	}()

	t := newTx(s, keys)
	if err := fn(t); err != nil {
		return fmt.Errorf("%s: %w", script, err)
	}
	t.commit()
	s.scripts.Add(1)
	return nil
}

// ScriptsRun reports how many scripts committed since the store was created.
func (s *Store) ScriptsRun() uint64 {
	return s.scripts.Load()
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) lockOrder(keys []string) []int {
	seen := make(map[int]struct{}, len(keys))
	out := make([]int, 0, len(keys))
	for _, k := range keys {
		idx := s.shardIndex(k)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func (s *Store) live(key string) *entry {
	return s.shards[s.shardIndex(key)].entries[key]
}

func (s *Store) store(key string, e *entry) {
	sh := &s.shards[s.shardIndex(key)]
	if e == nil || e.empty() {
		delete(sh.entries, key)
		return
	}
	sh.entries[key] = e
}
