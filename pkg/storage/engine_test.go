package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// newTestStore opens an in-memory engine with a tiny iterator batch so that
// tests exercise batch refills.
func newTestStore(t *testing.T) *Engine {
	t.Helper()
	engine, err := Open(Options{InMemory: true, IteratorBatchSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() {
		engine.Close()
	})
	return engine
}

func keys(t *testing.T, it *Iterator) []string {
	t.Helper()
	defer it.Close()
	var out []string
	for it.Next() {
		out = append(out, string(it.Key()))
	}
	require.NoError(t, it.Err())
	return out
}

// ============================================================================
// Basic operations
// ============================================================================

func TestTxn_SetGetDelete(t *testing.T) {
	engine := newTestStore(t)

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, engine.Update(func(txn *Txn) error {
			return txn.Set(PartitionVertex, []byte("a"), []byte("1"))
		}))
		require.NoError(t, engine.View(func(txn *Txn) error {
			v, err := txn.Get(PartitionVertex, []byte("a"))
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), v)
			return nil
		}))
	})

	t.Run("missing key", func(t *testing.T) {
		require.NoError(t, engine.View(func(txn *Txn) error {
			_, err := txn.Get(PartitionVertex, []byte("nope"))
			assert.ErrorIs(t, err, ErrNotFound)
			ok, err := txn.Exists(PartitionVertex, []byte("nope"))
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		}))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, engine.Update(func(txn *Txn) error {
			return txn.Delete(PartitionVertex, []byte("a"))
		}))
		require.NoError(t, engine.View(func(txn *Txn) error {
			ok, err := txn.Exists(PartitionVertex, []byte("a"))
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		}))
	})

	t.Run("read-only rejects writes", func(t *testing.T) {
		err := engine.View(func(txn *Txn) error {
			return txn.Set(PartitionVertex, []byte("b"), nil)
		})
		assert.ErrorIs(t, err, ErrReadOnly)
	})

	t.Run("empty key rejected", func(t *testing.T) {
		err := engine.Update(func(txn *Txn) error {
			return txn.Set(PartitionVertex, nil, []byte("x"))
		})
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("closed transaction", func(t *testing.T) {
		txn, err := engine.Begin(true)
		require.NoError(t, err)
		txn.Discard()
		assert.True(t, txn.Closed())
		_, err = txn.Get(PartitionVertex, []byte("a"))
		assert.ErrorIs(t, err, ErrTxnClosed)
		assert.ErrorIs(t, txn.Commit(), ErrTxnClosed)
	})
}

func TestTxn_UncommittedWritesVisibleOnlyInside(t *testing.T) {
	engine := newTestStore(t)

	txn, err := engine.Begin(true)
	require.NoError(t, err)
	defer txn.Discard()
	require.NoError(t, txn.Set(PartitionIndex, []byte("k"), []byte("v")))

	ok, err := txn.Exists(PartitionIndex, []byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, engine.View(func(other *Txn) error {
		ok, err := other.Exists(PartitionIndex, []byte("k"))
		require.NoError(t, err)
		assert.False(t, ok, "snapshot must not see uncommitted write")
		return nil
	}))
}

func TestTxn_Conflict(t *testing.T) {
	engine := newTestStore(t)
	require.NoError(t, engine.Update(func(txn *Txn) error {
		return txn.Set(PartitionIndex, []byte("counter"), []byte("0"))
	}))

	first, err := engine.Begin(true)
	require.NoError(t, err)
	second, err := engine.Begin(true)
	require.NoError(t, err)
	defer second.Discard()

	_, err = second.Get(PartitionIndex, []byte("counter"))
	require.NoError(t, err)

	require.NoError(t, first.Set(PartitionIndex, []byte("counter"), []byte("1")))
	require.NoError(t, first.Commit())

	require.NoError(t, second.Set(PartitionIndex, []byte("counter"), []byte("2")))
	assert.ErrorIs(t, second.Commit(), ErrConflict)

	require.NoError(t, engine.View(func(txn *Txn) error {
		v, err := txn.Get(PartitionIndex, []byte("counter"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)
		return nil
	}))
}

// ============================================================================
// Iteration
// ============================================================================

func seed(t *testing.T, engine *Engine, p Partition, ks ...string) {
	t.Helper()
	require.NoError(t, engine.Update(func(txn *Txn) error {
		for _, k := range ks {
			if err := txn.Set(p, []byte(k), []byte("v:"+k)); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestIterator_PrefixOrderAcrossBatches(t *testing.T) {
	engine := newTestStore(t)
	seed(t, engine, PartitionVertex, "row1:c", "row1:a", "row1:b", "row1:e", "row1:d", "row2:a", "row0:z")

	require.NoError(t, engine.View(func(txn *Txn) error {
		assert.Equal(t, []string{"row1:a", "row1:b", "row1:c", "row1:d", "row1:e"},
			keys(t, txn.Iterate(PartitionVertex, []byte("row1:"))))
		return nil
	}))
}

func TestIterator_Range(t *testing.T) {
	engine := newTestStore(t)
	seed(t, engine, PartitionIndex, "a", "b", "c", "d", "e")

	require.NoError(t, engine.View(func(txn *Txn) error {
		assert.Equal(t, []string{"b", "c", "d"}, keys(t, txn.IterateRange(PartitionIndex, []byte("b"), []byte("e"))))
		assert.Equal(t, []string{"d", "e"}, keys(t, txn.IterateRange(PartitionIndex, []byte("d"), nil)))
		assert.Empty(t, keys(t, txn.IterateRange(PartitionIndex, []byte("x"), nil)))
		return nil
	}))
}

func TestIterator_Seek(t *testing.T) {
	engine := newTestStore(t)
	seed(t, engine, PartitionIndex, "k1", "k2", "k3", "k4", "k5")

	require.NoError(t, engine.View(func(txn *Txn) error {
		it := txn.Iterate(PartitionIndex, []byte("k"))
		defer it.Close()
		require.True(t, it.Next())
		assert.Equal(t, "k1", string(it.Key()))

		it.Seek([]byte("k4"))
		require.True(t, it.Next())
		assert.Equal(t, "k4", string(it.Key()))
		assert.Equal(t, "v:k4", string(it.Value()))

		// Seeking below the lower bound clamps to it.
		it.Seek([]byte("a"))
		require.True(t, it.Next())
		assert.Equal(t, "k1", string(it.Key()))
		return nil
	}))
}

func TestIterator_InterleavedOnWriteTxn(t *testing.T) {
	engine := newTestStore(t)
	seed(t, engine, PartitionVertex, "x1", "x2", "x3", "x4", "x5")
	seed(t, engine, PartitionEdgeFixed, "y1", "y2", "y3")

	txn, err := engine.Begin(true)
	require.NoError(t, err)
	defer txn.Discard()

	outer := txn.Iterate(PartitionVertex, []byte("x"))
	defer outer.Close()
	pairs := 0
	for outer.Next() {
		inner := txn.Iterate(PartitionEdgeFixed, []byte("y"))
		for inner.Next() {
			pairs++
		}
		require.NoError(t, inner.Err())
		inner.Close()
		// Writes between refills are allowed.
		require.NoError(t, txn.Set(PartitionStatistics, outer.Key(), nil))
	}
	require.NoError(t, outer.Err())
	assert.Equal(t, 15, pairs)
}

func TestIterator_CloseIsIdempotent(t *testing.T) {
	engine := newTestStore(t)
	seed(t, engine, PartitionIndex, "a")
	require.NoError(t, engine.View(func(txn *Txn) error {
		it := txn.Iterate(PartitionIndex, nil)
		assert.NoError(t, it.Close())
		assert.NoError(t, it.Close())
		assert.False(t, it.Next())
		return nil
	}))
}

// ============================================================================
// Partitions, slices, mutations
// ============================================================================

func TestPartitions_AreDisjoint(t *testing.T) {
	engine := newTestStore(t)
	for _, p := range Partitions {
		if p == PartitionSequence {
			continue
		}
		seed(t, engine, p, "shared")
	}

	require.NoError(t, engine.Update(func(txn *Txn) error {
		return txn.Delete(PartitionEdgeFixed, []byte("shared"))
	}))

	for _, p := range Partitions {
		if p == PartitionSequence {
			continue
		}
		n, err := engine.CountPartition(p)
		require.NoError(t, err)
		if p == PartitionEdgeFixed {
			assert.Equal(t, 0, n, p.String())
		} else {
			assert.Equal(t, 1, n, p.String())
		}
	}
}

func TestGetSlice(t *testing.T) {
	engine := newTestStore(t)
	seed(t, engine, PartitionEdgeFixed, "R1|a", "R1|b", "R1|c", "R1|d", "R2|a", "R0|z")

	require.NoError(t, engine.View(func(txn *Txn) error {
		entries, err := GetSlice(txn, PartitionEdgeFixed, KeySliceQuery{Key: []byte("R1|")})
		require.NoError(t, err)
		require.Len(t, entries, 4)
		assert.Equal(t, []byte("a"), entries[0].Column)
		assert.Equal(t, []byte("v:R1|a"), entries[0].Value)

		entries, err = GetSlice(txn, PartitionEdgeFixed, KeySliceQuery{
			Key: []byte("R1|"), SliceStart: []byte("b"), SliceEnd: []byte("d"),
		})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, []byte("b"), entries[0].Column)
		assert.Equal(t, []byte("c"), entries[1].Column)

		entries, err = GetSlice(txn, PartitionEdgeFixed, KeySliceQuery{
			Key: []byte("R1|"), SliceStart: []byte("b"), Limit: 1,
		})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, []byte("b"), entries[0].Column)

		// A slice end beyond the row never leaks into the next row.
		entries, err = GetSlice(txn, PartitionEdgeFixed, KeySliceQuery{
			Key: []byte("R1|"), SliceStart: []byte("c"), SliceEnd: []byte{0xFF},
		})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		return nil
	}))
}

func TestMutate(t *testing.T) {
	engine := newTestStore(t)
	seed(t, engine, PartitionVertex, "row|old", "row|keep")

	require.NoError(t, engine.Update(func(txn *Txn) error {
		return Mutate(txn, PartitionVertex, []byte("row|"),
			[]Entry{{Column: []byte("new"), Value: []byte("n")}, {Column: []byte("keep"), Value: []byte("k2")}},
			[][]byte{[]byte("old"), []byte("keep")},
		)
	}))

	require.NoError(t, engine.View(func(txn *Txn) error {
		entries, err := GetSlice(txn, PartitionVertex, KeySliceQuery{Key: []byte("row|")})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "keep", string(entries[0].Column))
		assert.Equal(t, "k2", string(entries[0].Value))
		assert.Equal(t, "new", string(entries[1].Column))
		return nil
	}))

	err := engine.Update(func(txn *Txn) error {
		return Mutate(txn, PartitionVertex, nil, nil, nil)
	})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

// ============================================================================
// Sequences, persistence, encryption
// ============================================================================

func TestNextSequence(t *testing.T) {
	engine := newTestStore(t)

	for i := uint64(1); i <= 5; i++ {
		n, err := engine.NextSequence("thing:7")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, err := engine.NextSequence("thing:8")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n, "sequences are independent")
}

func TestNextSequence_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	engine, err := Open(Options{DataDir: dir, SequenceBandwidth: 10})
	require.NoError(t, err)
	var last uint64
	for i := 0; i < 3; i++ {
		last, err = engine.NextSequence("types")
		require.NoError(t, err)
	}
	require.NoError(t, engine.Close())

	engine, err = Open(Options{DataDir: dir, SequenceBandwidth: 10})
	require.NoError(t, err)
	defer engine.Close()
	next, err := engine.NextSequence("types")
	require.NoError(t, err)
	assert.Greater(t, next, last)
}

func TestEngine_Closed(t *testing.T) {
	engine, err := OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())

	_, err = engine.Begin(false)
	assert.ErrorIs(t, err, ErrStorageClosed)
	_, err = engine.NextSequence("x")
	assert.ErrorIs(t, err, ErrStorageClosed)
}

func TestEngine_Encryption(t *testing.T) {
	dir := t.TempDir()

	engine, err := Open(Options{DataDir: dir, EncryptionPassword: "correct horse"})
	require.NoError(t, err)
	seed(t, engine, PartitionIndex, "secret")
	require.NoError(t, engine.Close())

	t.Run("same password reads data", func(t *testing.T) {
		engine, err := Open(Options{DataDir: dir, EncryptionPassword: "correct horse"})
		require.NoError(t, err)
		defer engine.Close()
		require.NoError(t, engine.View(func(txn *Txn) error {
			v, err := txn.Get(PartitionIndex, []byte("secret"))
			require.NoError(t, err)
			assert.Equal(t, "v:secret", string(v))
			return nil
		}))
	})

	t.Run("wrong password fails to open", func(t *testing.T) {
		engine, err := Open(Options{DataDir: dir, EncryptionPassword: "battery staple"})
		if err == nil {
			engine.Close()
		}
		assert.Error(t, err)
	})

	t.Run("in-memory encryption rejected", func(t *testing.T) {
		_, err := Open(Options{InMemory: true, EncryptionPassword: "x"})
		assert.Error(t, err)
	})
}

func TestDeriveKey_Deterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	a := DeriveKey([]byte("pw"), salt)
	b := DeriveKey([]byte("pw"), salt)
	c := DeriveKey([]byte("pw2"), salt)
	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

// ============================================================================
// Retry
// ============================================================================

func TestRetryPolicy(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	temporary := &BackendError{Op: "get", Err: errors.New("blocked"), Temporary: true}

	t.Run("retries temporary errors", func(t *testing.T) {
		calls := 0
		err := policy.Do(context.Background(), func() error {
			calls++
			if calls < 3 {
				return temporary
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := policy.Do(context.Background(), func() error {
			calls++
			return temporary
		})
		assert.True(t, IsRetryable(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		calls := 0
		err := policy.Do(context.Background(), func() error {
			calls++
			return fmt.Errorf("wrapped: %w", ErrNotFound)
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		slow := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour}
		err := slow.Do(ctx, func() error { return temporary })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestViewWithRetry(t *testing.T) {
	engine := newTestStore(t)
	seed(t, engine, PartitionIndex, "k")

	var got []byte
	err := engine.ViewWithRetry(context.Background(), func(txn *Txn) error {
		v, err := txn.Get(PartitionIndex, []byte("k"))
		got = v
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "v:k", string(got))
}
