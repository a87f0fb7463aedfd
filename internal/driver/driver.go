// Package driver defines the per-venue subscription framing and packet
// parsing contract (spec.md §4.3). Drivers are stateless with respect to
// books; they own only protocol-level state (sequence numbers,
// snapshot/delta phase) and mutate books only through a Sink.
package driver

import "github.com/abdoElHodaky/l2broker/internal/fixedpoint"

// ExchangeID identifies a venue.
type ExchangeID string

// SymbolID identifies a traded instrument on a venue.
type SymbolID string

// ConnectionKey buckets symbols onto shared connections so a pipeline
// unit can multiplex (spec.md §4.3: endpoint(symbol) -> ConnectionKey).
type ConnectionKey string

// Outcome classifies the result of parsing one inbound frame.
type Outcome uint8

const (
	OutcomeBookUpdate Outcome = iota
	OutcomeHeartbeat
	OutcomeSubscribeConfirm
	OutcomeUnsubscribeConfirm
	OutcomeIgnored
	OutcomeProtocolError
)

// Result is the structured return of ParseMessage: which outcome, and
// for confirmation outcomes, which symbol it applies to.
type Result struct {
	Outcome Outcome
	Symbol  SymbolID
	Err     error
}

// Sink receives book mutations emitted while parsing one frame. The
// pipeline unit binds a Sink to the book(s) owned by the connection the
// frame arrived on; drivers never touch a Book directly.
type Sink interface {
	// Upsert routes one (symbol, side, price, qty) entry to the book
	// backing that symbol. qty == 0 means remove. exp is the driver's
	// native scale for this field; the sink rescales to the
	// subscription's fixed (price_exp, qty_exp) if they differ.
	Upsert(symbol SymbolID, side Side, price fixedpoint.Tick, priceExp int8, qty fixedpoint.Qty, qtyExp int8)
}

// Side mirrors book.Side without importing the book package, keeping
// driver implementations decoupled from the book's internal layout.
type Side uint8

const (
	Bid Side = iota
	Ask
)

// Driver is the capability set every venue adapter implements
// (spec.md §4.3, design notes: "polymorphic over the capability set").
type Driver interface {
	ExchangeID() ExchangeID
	Endpoint(symbol SymbolID) ConnectionKey
	BuildSubscribe(symbol SymbolID) []byte
	BuildUnsubscribe(symbol SymbolID) []byte
	ParseMessage(frame []byte, sink Sink) Result
}
