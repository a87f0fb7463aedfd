package driver

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"
)

// OKX is an OKX-shaped order-book-channel driver, grounded on
// other_examples' coachpo/meltica OKX provider: op/args subscribe
// envelopes, a "books" channel, and snapshot/update action framing.
// Supplements the Binance driver to demonstrate the driver contract is
// genuinely polymorphic (spec.md design notes: "no shared mutable state
// across drivers").
type OKX struct {
	logger *zap.Logger
}

func NewOKX(logger *zap.Logger) *OKX {
	return &OKX{logger: logger}
}

func (d *OKX) ExchangeID() ExchangeID { return "okx" }

func (d *OKX) Endpoint(symbol SymbolID) ConnectionKey {
	return ConnectionKey("okx:public")
}

func (d *OKX) BuildSubscribe(symbol SymbolID) []byte {
	return []byte(fmt.Sprintf(`{"op":"subscribe","args":[{"channel":"books","instId":"%s"}]}`, symbol))
}

func (d *OKX) BuildUnsubscribe(symbol SymbolID) []byte {
	return []byte(fmt.Sprintf(`{"op":"unsubscribe","args":[{"channel":"books","instId":"%s"}]}`, symbol))
}

// ParseMessage parses one OKX books-channel frame:
//
//	{"arg":{"channel":"books","instId":"BTC-USDT"},
//	 "action":"update","data":[{"bids":[["p","q","0","1"]],"asks":[...]}]}
func (d *OKX) ParseMessage(frame []byte, sink Sink) Result {
	if bytes.Contains(frame, []byte(`"event":"subscribe"`)) {
		return Result{Outcome: OutcomeSubscribeConfirm}
	}
	if bytes.Contains(frame, []byte(`"event":"unsubscribe"`)) {
		return Result{Outcome: OutcomeUnsubscribeConfirm}
	}
	if bytes.Contains(frame, []byte(`"event":"error"`)) {
		return Result{Outcome: OutcomeProtocolError, Err: errProtocolEvent}
	}
	if !bytes.Contains(frame, []byte(`"channel":"books"`)) {
		return Result{Outcome: OutcomeIgnored}
	}

	symbol, ok := extractJSONString(frame, `"instId":"`)
	if !ok {
		return Result{Outcome: OutcomeProtocolError, Err: errMissingSymbol}
	}

	if err := parseDepthArray(frame, `"bids":[`, Bid, SymbolID(symbol), sink); err != nil {
		d.logger.Error("okx: bad bid level", zap.Error(err), zap.ByteString("frame", frame))
		return Result{Outcome: OutcomeProtocolError, Err: err}
	}
	if err := parseDepthArray(frame, `"asks":[`, Ask, SymbolID(symbol), sink); err != nil {
		d.logger.Error("okx: bad ask level", zap.Error(err), zap.ByteString("frame", frame))
		return Result{Outcome: OutcomeProtocolError, Err: err}
	}

	return Result{Outcome: OutcomeBookUpdate, Symbol: SymbolID(symbol)}
}
