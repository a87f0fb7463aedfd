package registrar

import (
	"sync"

	"github.com/google/uuid"

	"github.com/abdoElHodaky/l2broker/internal/book"
)

// Handle is the consumer-facing RAII subscription handle (spec.md §6).
// Dropping the last handle for a key triggers unsubscribe; Go has no
// destructors, so callers must call Close explicitly (the CLI and any
// long-lived subscriber do this in a defer).
type Handle struct {
	id        uuid.UUID
	entry     *entry
	registrar *Registrar

	closeOnce sync.Once
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() uuid.UUID { return h.id }

// Read fills the caller-provided out-buffers via the book's seq-lock
// Snapshot and returns (version, true) on a consistent read, or
// (_, false) if the book was mid-update or not yet populated (no packet
// has been published to it, so its version is still 0).
func (h *Handle) Read(outBids, outAsks *[book.K]book.Level) (uint64, bool) {
	version, ok := h.entry.book.Snapshot(outBids, outAsks)
	if version == 0 {
		return 0, false
	}
	return version, ok
}

// Metadata reports (price_exp, qty_exp, depth), or ok == false if the
// owning unit has not yet learned them from the driver (spec.md §4.5).
func (h *Handle) Metadata() (priceExp, qtyExp int8, depth uint8, ok bool) {
	pe, qe, d, ready := h.entry.metadata()
	if !ready {
		return 0, 0, 0, false
	}
	return pe, qe, d, true
}

// Close drops this handle's reference. Safe to call more than once; only
// the first call decrements the refcount.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.registrar.dropHandle(h.entry)
	})
}
