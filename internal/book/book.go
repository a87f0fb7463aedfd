// Package book implements the cache-resident top-K L2 book (spec.md §3,
// §4.2): fixed [K]Level arrays per side, lazy-invalidation compaction, and
// a seq-lock version counter so readers never block the writer.
//
// Exactly one writer per Book (the owning pipeline unit). Many readers.
// No locks on the hot path — only sync/atomic.
package book

import (
	"sync/atomic"

	"github.com/abdoElHodaky/l2broker/internal/errs"
	"github.com/abdoElHodaky/l2broker/internal/fixedpoint"
)

// K is the compile-time top-K depth on each side (spec.md §3).
const K = 32

// Side selects bids or asks.
type Side uint8

const (
	Bid Side = iota
	Ask
)

// Level is a single price/quantity slot. Fixed, contiguous layout
// (spec.md §3, §6): qty == -1 marks a tombstone, qty == 0 with price == 0
// marks an uninitialized sentinel, qty > 0 marks an active level.
type Level struct {
	Price fixedpoint.Tick
	Qty   fixedpoint.Qty
}

const tombstoneQty = fixedpoint.Qty(-1)

func (l Level) isTombstone() bool { return l.Qty == tombstoneQty }
func (l Level) isActive() bool    { return l.Qty > 0 }
func (l Level) isSentinel() bool  { return l.Qty == 0 && l.Price == 0 }

// Book is the per-(exchange,symbol) L2 book. Total footprint is
// 2*K*16 = 1024 bytes of level storage plus a handful of counters.
type Book struct {
	version uint64 // seq-lock counter: odd = mid-packet, even = consistent

	bids    [K]Level
	asks    [K]Level
	lenBids int
	lenAsks int

	dirty bool
}

// New returns an empty, consistent (even version) book.
func New() *Book {
	return &Book{}
}

// Version returns the current seq-lock counter value.
func (b *Book) Version() uint64 {
	return atomic.LoadUint64(&b.version)
}

// BeginPacket marks the book as in-packet. Invariant: no concurrent
// writer; callers must serialize begin/end pairs themselves (the owning
// pipeline unit is already single-threaded for this book).
func (b *Book) BeginPacket() {
	atomic.AddUint64(&b.version, 1) // now odd
}

// EndPacket compacts (if dirty) and publishes a new even version. No-op
// compaction cost if nothing was touched, but the version still advances
// so readers bracketing this packet observe the boundary.
func (b *Book) EndPacket() {
	if b.dirty {
		if hasTombstone(b.bids[:]) {
			b.lenBids = sweep(&b.bids, b.lenBids)
		}
		if hasTombstone(b.asks[:]) {
			b.lenAsks = sweep(&b.asks, b.lenAsks)
		}
		b.dirty = false
	}
	atomic.AddUint64(&b.version, 1) // now even
}

func hasTombstone(levels []Level) bool {
	for _, l := range levels {
		if l.isTombstone() {
			return true
		}
	}
	return false
}

// sweep compacts active levels into the prefix [0,len), preserving order,
// and pads the tail with sentinel zeros. Returns the new logical length
// (unchanged — sweep never changes which levels are active, only their
// positions).
func sweep(levels *[K]Level, activeHint int) int {
	write := 0
	for read := 0; read < K; read++ {
		if levels[read].isActive() {
			if write != read {
				levels[write] = levels[read]
			}
			write++
		}
	}
	for i := write; i < K; i++ {
		levels[i] = Level{}
	}
	return write
}

// Upsert applies a single (side, price, qty) mutation within the current
// packet. Must be called between BeginPacket and EndPacket. qty == 0
// marks the price for removal; qty > 0 adds or replaces.
func (b *Book) Upsert(side Side, price fixedpoint.Tick, qty fixedpoint.Qty) error {
	if price == 0 {
		return errs.New(errs.InvalidPrice, "price must be non-zero")
	}

	b.dirty = true

	levels, length := b.sideSlice(side)
	if qty == 0 {
		*length = b.remove(levels, *length, side, price)
		return nil
	}
	*length = b.insert(levels, *length, side, price, qty)
	return nil
}

func (b *Book) sideSlice(side Side) (*[K]Level, *int) {
	if side == Bid {
		return &b.bids, &b.lenBids
	}
	return &b.asks, &b.lenAsks
}

// better reports whether price a ranks ahead of price b on the given
// side (descending for bids, ascending for asks).
func better(side Side, a, b fixedpoint.Tick) bool {
	if side == Bid {
		return a > b
	}
	return a < b
}

// remove tombstones the matching active price, leaving its position
// unchanged. Missing prices are a no-op (spec.md §4.2).
func (b *Book) remove(levels *[K]Level, length int, side Side, price fixedpoint.Tick) int {
	for i := 0; i < K; i++ {
		l := levels[i]
		if l.Price == price && l.isActive() {
			levels[i].Qty = tombstoneQty
			return length - 1
		}
	}
	return length
}

// insert applies the add/replace/revive/shift logic of spec.md §4.2.
func (b *Book) insert(levels *[K]Level, length int, side Side, price fixedpoint.Tick, qty fixedpoint.Qty) int {
	// Case 1/2: exact price match, active or tombstoned — overwrite/revive in place.
	for i := 0; i < K; i++ {
		l := levels[i]
		if l.Price == price && (l.isActive() || l.isTombstone()) {
			wasActive := l.isActive()
			levels[i].Qty = qty
			if wasActive {
				return length
			}
			return length + 1
		}
	}

	// Find insertion position: first slot (active or tombstone) whose
	// price is worse than the new price, scanning left to right.
	insertAt := -1
	for i := 0; i < K; i++ {
		l := levels[i]
		if l.isSentinel() {
			insertAt = i
			break
		}
		if better(side, price, l.Price) {
			insertAt = i
			break
		}
	}

	if insertAt == -1 {
		// New price is worse than every occupied slot and there is no
		// free tail slot: top-K filter discards it.
		return length
	}

	if levels[insertAt].isSentinel() {
		levels[insertAt] = Level{Price: price, Qty: qty}
		return length + 1
	}

	// Shift the suffix [insertAt, K-1) right by one, treating tombstones
	// as free slots during the shift (spec.md §4.2 case 4). Find the
	// first free slot (sentinel or tombstone) at or after insertAt to use
	// as the shift's destination; if none exists within K, the worst
	// active level is evicted (top-K filter).
	freeAt := -1
	for i := insertAt; i < K; i++ {
		if levels[i].isSentinel() || levels[i].isTombstone() {
			freeAt = i
			break
		}
	}
	if freeAt == -1 {
		// Book is full of actives from insertAt to K-1: evict the worst
		// (last) active level to make room.
		freeAt = K - 1
	}

	wasTombstone := levels[freeAt].isTombstone()
	wasSentinel := levels[freeAt].isSentinel()

	for i := freeAt; i > insertAt; i-- {
		levels[i] = levels[i-1]
	}
	levels[insertAt] = Level{Price: price, Qty: qty}

	switch {
	case wasSentinel:
		return length + 1
	case wasTombstone:
		return length + 1
	default:
		// Evicted a true active level at freeAt == K-1: net length unchanged.
		return length
	}
}

// Reset clears both sides and bumps the version so any in-flight reader
// naturally invalidates (spec.md §4.4: book state is reset on
// reconnection — a gap must never present stale levels).
func (b *Book) Reset() {
	atomic.AddUint64(&b.version, 1) // odd: mutation in progress
	b.bids = [K]Level{}
	b.asks = [K]Level{}
	b.lenBids = 0
	b.lenAsks = 0
	b.dirty = false
	atomic.AddUint64(&b.version, 1) // even: consistent again
}

// Snapshot copies both sides into caller-provided arrays using the
// seq-lock discipline of spec.md §5. ok is true iff the version did not
// change across the copy and is even (a consistent packet-boundary
// state); callers should retry a bounded number of times on ok == false.
func (b *Book) Snapshot(outBids, outAsks *[K]Level) (version uint64, ok bool) {
	v0 := atomic.LoadUint64(&b.version)
	if v0&1 == 1 {
		return v0, false
	}
	*outBids = b.bids
	*outAsks = b.asks
	v1 := atomic.LoadUint64(&b.version)
	return v1, v0 == v1 && v1&1 == 0
}

// LenBids and LenAsks are convenience accessors for tests and the CLI
// tool; not part of the hot read path (Snapshot carries everything a
// consumer needs).
func (b *Book) LenBids() int { return b.lenBids }
func (b *Book) LenAsks() int { return b.lenAsks }
