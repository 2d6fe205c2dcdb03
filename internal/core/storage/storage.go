// Package storage holds the contracts of the shared substrate every worker
// coordinates through: an atomic key-value store with set, sorted-set and list
// values, and a blob store.
//
// Nothing in shardtick shares memory across workers. Every read-modify-write
// the scheduler needs is expressed as a Script executed through Store.Atomic,
// so an implementation only has to guarantee that one script observes and
// mutates its declared keys without interleaving with another.
package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrWrongType     = errors.New("storage: operation against a key holding the wrong kind of value")
	ErrNotInteger    = errors.New("storage: value is not an integer")
	ErrUndeclaredKey = errors.New("storage: script touched a key it did not declare")
	ErrClosed        = errors.New("storage: store is closed")
	ErrBlobNotFound  = errors.New("storage: blob not found")
)

// Script names one atomic procedure. Implementations backed by a server-side
// scripting engine key their cached procedure by Name and Version; the in-process
// store only uses them for diagnostics.
type Script struct {
	Name    string
	Version int
}

func (s Script) String() string {
	return fmt.Sprintf("%s@v%d", s.Name, s.Version)
}

// Store is the atomic key-value substrate.
type Store interface {
	// Atomic runs fn with exclusive access to keys. Writes made through tx become
	// visible only if fn returns nil; on error nothing is applied.
	Atomic(ctx context.Context, script Script, keys []string, fn func(tx Tx) error) error
	Close() error
}

// ScoredMember is one element of a sorted set.
type ScoredMember struct {
	Member string
	Score  float64
}

// Tx is the view of the store a script runs against. Every method fails with
// ErrUndeclaredKey when handed a key the script did not declare.
type Tx interface {
	// Get returns the raw value and whether the key exists.
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Del(keys ...string) (int, error)
	Exists(key string) (bool, error)
	// Copy duplicates src into dst, replacing dst. It reports false when src is absent.
	Copy(src, dst string) (bool, error)

	// GetInt treats a missing key as zero.
	GetInt(key string) (int64, error)
	SetInt(key string, value int64) error
	IncrBy(key string, delta int64) (int64, error)
	// CompareAndSwap replaces the integer at key with next when it currently holds
	// expected (a missing key holds zero).
	CompareAndSwap(key string, expected, next int64) (bool, error)

	SAdd(key string, members ...string) (int, error)
	SRem(key string, members ...string) (int, error)
	SCard(key string) (int, error)
	SIsMember(key, member string) (bool, error)
	// SMembers returns members in lexical order.
	SMembers(key string) ([]string, error)
	// SPop removes and returns the lexically smallest member.
	SPop(key string) (string, bool, error)

	ZAdd(key string, score float64, member string) error
	ZRem(key string, members ...string) (int, error)
	ZScore(key, member string) (float64, bool, error)
	ZCard(key string) (int, error)
	ZIncrBy(key, member string, delta float64) (float64, error)
	// ZRangeByScore returns members with min <= score <= max ordered by score,
	// then member.
	ZRangeByScore(key string, min, max float64) ([]ScoredMember, error)
	// ZUnionStore writes the weighted union of the source sets into dst, summing
	// scores of members present in several sources, and returns its cardinality.
	// dst may appear among the sources.
	ZUnionStore(dst string, keys []string, weights []float64) (int, error)

	RPush(key string, values ...[]byte) (int, error)
	// LRange returns the whole list.
	LRange(key string) ([][]byte, error)
}

// BlobStore keeps opaque, comparatively large values such as terrain and room
// archives.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	// Get fails with ErrBlobNotFound for unknown keys.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
