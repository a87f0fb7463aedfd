package pipeline

import (
	"go.uber.org/zap"

	"github.com/abdoElHodaky/l2broker/internal/book"
	"github.com/abdoElHodaky/l2broker/internal/driver"
	"github.com/abdoElHodaky/l2broker/internal/fixedpoint"
)

// frameSink implements driver.Sink for one inbound frame. It lazily calls
// BeginPacket on each book the frame touches, exactly once, and the
// caller (processFrame) calls EndPacket on every touched book after
// ParseMessage returns — satisfying spec.md §5's "no suspension occurs
// mid-packet between begin_packet and end_packet".
type frameSink struct {
	unit     *Unit
	exchange driver.ExchangeID
	touched  map[driver.SymbolID]*book.Book
}

// Upsert routes one driver-reported level into the subscription's book.
// The first level observed for a subscription fixes its (price_exp,
// qty_exp) (spec.md §9 open question: "treat exponent as fixed at first
// subscription"); later levels at a different native exponent are
// rescaled to match rather than rejected, since routine formatting
// differences between messages (e.g. "100.50" vs "100.5") are far more
// common than a venue actually changing instrument precision.
func (s *frameSink) Upsert(symbol driver.SymbolID, side driver.Side, price fixedpoint.Tick, priceExp int8, qty fixedpoint.Qty, qtyExp int8) {
	key := subKey{s.exchange, symbol}
	sub, ok := s.unit.subs[key]
	if !ok {
		return
	}

	if !sub.expSet {
		sub.priceExp, sub.qtyExp, sub.expSet = priceExp, qtyExp, true
		s.unit.registrar.SetMetadata(s.exchange, symbol, priceExp, qtyExp, book.K)
	} else {
		if priceExp != sub.priceExp {
			price = fixedpoint.Tick(fixedpoint.Rescale(int64(price), priceExp, sub.priceExp))
		}
		if qtyExp != sub.qtyExp {
			qty = fixedpoint.Qty(fixedpoint.Rescale(int64(qty), qtyExp, sub.qtyExp))
		}
	}

	b := sub.book
	if _, seen := s.touched[symbol]; !seen {
		b.BeginPacket()
		s.touched[symbol] = b
	}

	bside := book.Bid
	if side == driver.Ask {
		bside = book.Ask
	}
	if err := b.Upsert(bside, price, qty); err != nil {
		s.unit.logger.Warn("pipeline: book upsert rejected",
			zap.String("symbol", string(symbol)), zap.Error(err))
	}
}
