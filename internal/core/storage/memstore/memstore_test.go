package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/shardtick/internal/core/storage"
)

var testScript = storage.Script{Name: "test", Version: 1}

func run(t *testing.T, s *Store, keys []string, fn func(tx storage.Tx) error) {
	t.Helper()
	require.NoError(t, s.Atomic(context.Background(), testScript, keys, fn))
}

func TestStore_Integers(t *testing.T) {
	s := New(4)

	run(t, s, []string{"n"}, func(tx storage.Tx) error {
		v, err := tx.GetInt("n")
		require.NoError(t, err)
		require.Equal(t, int64(0), v)

		v, err = tx.IncrBy("n", 5)
		require.NoError(t, err)
		require.Equal(t, int64(5), v)

		ok, err := tx.CompareAndSwap("n", 4, 9)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = tx.CompareAndSwap("n", 5, 6)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})

	run(t, s, []string{"n"}, func(tx storage.Tx) error {
		v, err := tx.GetInt("n")
		require.NoError(t, err)
		require.Equal(t, int64(6), v)
		return nil
	})
}

func TestStore_UndeclaredKey(t *testing.T) {
	s := New(4)
	err := s.Atomic(context.Background(), testScript, []string{"a"}, func(tx storage.Tx) error {
		_, err := tx.IncrBy("b", 1)
		return err
	})
	require.ErrorIs(t, err, storage.ErrUndeclaredKey)
}

func TestStore_WrongType(t *testing.T) {
	s := New(4)
	run(t, s, []string{"k"}, func(tx storage.Tx) error {
		_, err := tx.SAdd("k", "x")
		return err
	})
	err := s.Atomic(context.Background(), testScript, []string{"k"}, func(tx storage.Tx) error {
		return tx.ZAdd("k", 1, "x")
	})
	require.ErrorIs(t, err, storage.ErrWrongType)
}

func TestStore_FailedScriptAppliesNothing(t *testing.T) {
	s := New(4)
	boom := errors.New("boom")
	err := s.Atomic(context.Background(), testScript, []string{"a", "b"}, func(tx storage.Tx) error {
		if _, err := tx.IncrBy("a", 1); err != nil {
			return err
		}
		if _, err := tx.SAdd("b", "m"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	run(t, s, []string{"a", "b"}, func(tx storage.Tx) error {
		exists, err := tx.Exists("a")
		require.NoError(t, err)
		require.False(t, exists)
		card, err := tx.SCard("b")
		require.NoError(t, err)
		require.Zero(t, card)
		return nil
	})
}

func TestStore_SortedSets(t *testing.T) {
	s := New(8)
	keys := []string{"a", "b", "dst"}

	run(t, s, keys, func(tx storage.Tx) error {
		require.NoError(t, tx.ZAdd("a", 3, "x"))
		require.NoError(t, tx.ZAdd("a", 1, "y"))
		require.NoError(t, tx.ZAdd("b", 2, "x"))
		require.NoError(t, tx.ZAdd("b", 7, "z"))

		n, err := tx.ZUnionStore("dst", []string{"a", "b"}, []float64{1, 0})
		require.NoError(t, err)
		require.Equal(t, 3, n)

		members, err := tx.ZRangeByScore("dst", 0, 10)
		require.NoError(t, err)
		require.Equal(t, []storage.ScoredMember{
			{Member: "z", Score: 0},
			{Member: "y", Score: 1},
			{Member: "x", Score: 3},
		}, members)
		return nil
	})

	run(t, s, keys, func(tx storage.Tx) error {
		score, err := tx.ZIncrBy("dst", "x", -3)
		require.NoError(t, err)
		require.Equal(t, float64(0), score)

		removed, err := tx.ZRem("dst", "x", "y", "z")
		require.NoError(t, err)
		require.Equal(t, 3, removed)
		return nil
	})

	run(t, s, keys, func(tx storage.Tx) error {
		exists, err := tx.Exists("dst")
		require.NoError(t, err)
		require.False(t, exists, "emptied sorted set must disappear")
		return nil
	})
}

func TestStore_SetsAndLists(t *testing.T) {
	s := New(2)
	run(t, s, []string{"s", "l", "copy"}, func(tx storage.Tx) error {
		added, err := tx.SAdd("s", "b", "a", "b")
		require.NoError(t, err)
		require.Equal(t, 2, added)

		member, ok, err := tx.SPop("s")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "a", member)

		_, err = tx.RPush("l", []byte("1"), []byte("2"))
		require.NoError(t, err)

		copied, err := tx.Copy("l", "copy")
		require.NoError(t, err)
		require.True(t, copied)

		values, err := tx.LRange("copy")
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("1"), []byte("2")}, values)
		return nil
	})
}

func TestStore_ConcurrentIncrements(t *testing.T) {
	s := New(16)
	const workers, rounds = 8, 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				err := s.Atomic(context.Background(), testScript, []string{"counter", "other"}, func(tx storage.Tx) error {
					_, err := tx.IncrBy("counter", 1)
					return err
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	run(t, s, []string{"counter"}, func(tx storage.Tx) error {
		v, err := tx.GetInt("counter")
		require.NoError(t, err)
		require.Equal(t, int64(workers*rounds), v)
		return nil
	})
}

func TestStore_Closed(t *testing.T) {
	s := New(1)
	require.NoError(t, s.Close())
	err := s.Atomic(context.Background(), testScript, nil, func(tx storage.Tx) error { return nil })
	require.ErrorIs(t, err, storage.ErrClosed)
}
