package book

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/abdoElHodaky/l2broker/internal/fixedpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(v int64) fixedpoint.Tick { return fixedpoint.Tick(v) }
func qty(v int64) fixedpoint.Qty  { return fixedpoint.Qty(v) }

// Scenario A (spec.md §8).
func TestUpsert_InsertOrdering(t *testing.T) {
	b := New()
	b.BeginPacket()
	require.NoError(t, b.Upsert(Bid, tick(100), qty(5)))
	require.NoError(t, b.Upsert(Bid, tick(101), qty(2)))
	b.EndPacket()

	assert.Equal(t, 2, b.LenBids())
	assert.Equal(t, Level{tick(101), qty(2)}, b.bids[0])
	assert.Equal(t, Level{tick(100), qty(5)}, b.bids[1])
	for i := 2; i < K; i++ {
		assert.True(t, b.bids[i].isSentinel())
	}
	assert.Equal(t, uint64(2), b.Version())
	assert.Zero(t, b.Version()%2)
}

// Scenario B.
func TestUpsert_RemoveCompacts(t *testing.T) {
	b := New()
	b.BeginPacket()
	require.NoError(t, b.Upsert(Bid, tick(101), qty(2)))
	require.NoError(t, b.Upsert(Bid, tick(100), qty(5)))
	b.EndPacket()

	b.BeginPacket()
	require.NoError(t, b.Upsert(Bid, tick(101), qty(0)))
	b.EndPacket()

	assert.Equal(t, 1, b.LenBids())
	assert.Equal(t, Level{tick(100), qty(5)}, b.bids[0])
	for i := 1; i < K; i++ {
		assert.True(t, b.bids[i].isSentinel())
	}
}

// Scenario C.
func TestUpsert_TopKFilter(t *testing.T) {
	b := New()
	b.BeginPacket()
	for p := int64(100); p <= 132; p++ {
		require.NoError(t, b.Upsert(Ask, tick(p), qty(1)))
	}
	b.EndPacket()

	assert.Equal(t, K, b.LenAsks())
	for i := 0; i < K; i++ {
		assert.Equal(t, tick(int64(100+i)), b.asks[i].Price)
	}
}

// Scenario D.
func TestUpsert_TombstoneThenReviveWinsSamePacket(t *testing.T) {
	b := New()
	b.BeginPacket()
	require.NoError(t, b.Upsert(Bid, tick(100), qty(5)))
	require.NoError(t, b.Upsert(Bid, tick(100), qty(0)))
	require.NoError(t, b.Upsert(Bid, tick(100), qty(7)))
	b.EndPacket()

	assert.Equal(t, 1, b.LenBids())
	assert.Equal(t, Level{tick(100), qty(7)}, b.bids[0])
}

func TestUpsert_EvictsWorstWhenFullAndBetterArrives(t *testing.T) {
	b := New()
	b.BeginPacket()
	for p := int64(100); p < 100+K; p++ {
		require.NoError(t, b.Upsert(Ask, tick(p), qty(1)))
	}
	require.NoError(t, b.Upsert(Ask, tick(50), qty(9)))
	b.EndPacket()

	assert.Equal(t, K, b.LenAsks())
	assert.Equal(t, tick(50), b.asks[0].Price)
	for i := 0; i < K-1; i++ {
		assert.True(t, b.asks[i].Price < b.asks[i+1].Price)
	}
	// worst level (131) was evicted
	for i := 0; i < K; i++ {
		assert.NotEqual(t, tick(100+K-1), b.asks[i].Price)
	}
}

func TestRemove_MissingPriceIsNoop(t *testing.T) {
	b := New()
	b.BeginPacket()
	require.NoError(t, b.Upsert(Bid, tick(100), qty(5)))
	b.EndPacket()

	var before [K]Level
	copy(before[:], b.bids[:])

	b.BeginPacket()
	require.NoError(t, b.Upsert(Bid, tick(999), qty(0)))
	b.EndPacket()

	assert.Equal(t, before, b.bids)
	assert.Equal(t, 1, b.LenBids())
}

func TestUpsert_Idempotent(t *testing.T) {
	a := New()
	a.BeginPacket()
	require.NoError(t, a.Upsert(Bid, tick(100), qty(5)))
	a.EndPacket()

	b := New()
	b.BeginPacket()
	require.NoError(t, b.Upsert(Bid, tick(100), qty(5)))
	require.NoError(t, b.Upsert(Bid, tick(100), qty(5)))
	b.EndPacket()

	assert.Equal(t, a.bids, b.bids)
	assert.Equal(t, a.LenBids(), b.LenBids())
}

func TestUpsert_ZeroPriceRejected(t *testing.T) {
	b := New()
	b.BeginPacket()
	err := b.Upsert(Bid, tick(0), qty(1))
	b.EndPacket()
	assert.Error(t, err)
}

func TestReset_BumpsVersionPastInvalidation(t *testing.T) {
	b := New()
	b.BeginPacket()
	require.NoError(t, b.Upsert(Bid, tick(100), qty(5)))
	b.EndPacket()

	v := b.Version()
	b.Reset()

	assert.Equal(t, 0, b.LenBids())
	assert.Equal(t, 0, b.LenAsks())
	assert.Greater(t, b.Version(), v)
	assert.Zero(t, b.Version()%2)
}

func invariantsHold(t *testing.T, levels [K]Level, side Side) {
	t.Helper()
	seenInactive := false
	for i := 0; i < K; i++ {
		l := levels[i]
		switch {
		case l.isActive():
			assert.False(t, seenInactive, "active level after inactive at %d", i)
			if i > 0 && levels[i-1].isActive() {
				if side == Bid {
					assert.Greater(t, levels[i-1].Price, l.Price)
				} else {
					assert.Less(t, levels[i-1].Price, l.Price)
				}
			}
		case l.isSentinel():
			seenInactive = true
		case l.isTombstone():
			t.Fatalf("tombstone present after EndPacket at index %d", i)
		}
	}
}

func TestSeqLock_ConcurrentReadersNeverObserveTornState(t *testing.T) {
	b := New()
	var stop int32
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r := rand.New(rand.NewSource(1))
		for i := 0; i < 2000; i++ {
			b.BeginPacket()
			for j := 0; j < 3; j++ {
				p := tick(int64(r.Intn(50) + 1))
				q := qty(int64(r.Intn(10)))
				_ = b.Upsert(Bid, p, q)
			}
			b.EndPacket()
		}
		atomic.StoreInt32(&stop, 1)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		var outBids, outAsks [K]Level
		for atomic.LoadInt32(&stop) == 0 {
			if _, ok := b.Snapshot(&outBids, &outAsks); ok {
				invariantsHold(t, outBids, Bid)
			}
		}
	}()

	wg.Wait()
}
