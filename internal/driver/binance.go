package driver

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/l2broker/internal/fixedpoint"
)

// Binance is a Binance-shaped depth-stream driver, grounded on the
// @depth/@trade stream framing of the teacher's
// internal/marketdata/external/binance_websocket.go. It is stateless
// with respect to books: all mutations flow through the Sink passed to
// ParseMessage.
type Binance struct {
	logger *zap.Logger
}

// NewBinance returns a Binance driver instance.
func NewBinance(logger *zap.Logger) *Binance {
	return &Binance{logger: logger}
}

func (d *Binance) ExchangeID() ExchangeID { return "binance" }

func (d *Binance) Endpoint(symbol SymbolID) ConnectionKey {
	// Binance multiplexes all combined streams over one connection per
	// API key/testnet pair; bucket everything together.
	return ConnectionKey("binance:combined")
}

func (d *Binance) BuildSubscribe(symbol SymbolID) []byte {
	return []byte(fmt.Sprintf(`{"method":"SUBSCRIBE","params":["%s@depth"],"id":1}`, lowerSymbol(symbol)))
}

func (d *Binance) BuildUnsubscribe(symbol SymbolID) []byte {
	return []byte(fmt.Sprintf(`{"method":"UNSUBSCRIBE","params":["%s@depth"],"id":1}`, lowerSymbol(symbol)))
}

// ParseMessage parses one Binance depth-update frame. Binance's own JSON
// wraps numeric price/qty fields as strings; those substrings are handed
// directly to fixedpoint, never through strconv.ParseFloat or
// encoding/json's float64 decoding (spec.md §4.1, §4.3: zero-copy,
// no FPU on the hot path).
func (d *Binance) ParseMessage(frame []byte, sink Sink) Result {
	if bytes.Contains(frame, []byte(`"result"`)) {
		// Subscribe/unsubscribe ack: {"result":null,"id":1}
		return Result{Outcome: OutcomeSubscribeConfirm}
	}
	if !bytes.Contains(frame, []byte(`"e":"depthUpdate"`)) {
		return Result{Outcome: OutcomeIgnored}
	}

	symbol, ok := extractJSONString(frame, `"s":"`)
	if !ok {
		return Result{Outcome: OutcomeProtocolError, Err: errMissingSymbol}
	}

	if err := parseDepthArray(frame, `"b":[`, Bid, SymbolID(symbol), sink); err != nil {
		d.logger.Error("binance: bad bid level", zap.Error(err), zap.ByteString("frame", frame))
		return Result{Outcome: OutcomeProtocolError, Err: err}
	}
	if err := parseDepthArray(frame, `"a":[`, Ask, SymbolID(symbol), sink); err != nil {
		d.logger.Error("binance: bad ask level", zap.Error(err), zap.ByteString("frame", frame))
		return Result{Outcome: OutcomeProtocolError, Err: err}
	}

	return Result{Outcome: OutcomeBookUpdate, Symbol: SymbolID(symbol)}
}

func lowerSymbol(symbol SymbolID) string {
	b := []byte(symbol)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// parseDepthArray scans a `"field":[["price","qty",...], ...]` array for
// one side, starting from marker (which must end right after the outer
// '['), and upserts every entry into sink. It never allocates beyond the
// substrings it slices out of frame. Extra per-level fields after
// price/qty (e.g. OKX's order-count and liquidation flags) are ignored.
func parseDepthArray(frame []byte, marker string, side Side, symbol SymbolID, sink Sink) error {
	idx := bytes.Index(frame, []byte(marker))
	if idx == -1 {
		return nil // side absent from this delta is legal
	}
	i := idx + len(marker) // just past the outer '['

	for i < len(frame) {
		for i < len(frame) && (frame[i] == ',' || frame[i] == ' ') {
			i++
		}
		if i >= len(frame) {
			return errMalformedLevel
		}
		if frame[i] == ']' {
			return nil // outer array closed
		}
		if frame[i] != '[' {
			return errMalformedLevel
		}
		i++ // past inner '['

		priceStart := skipToQuote(frame, i)
		priceEnd := findQuote(frame, priceStart)
		if priceEnd < 0 {
			return errMalformedLevel
		}
		priceBytes := frame[priceStart:priceEnd]

		i = priceEnd + 1
		qtyStart := skipToQuote(frame, i)
		qtyEnd := findQuote(frame, qtyStart)
		if qtyEnd < 0 {
			return errMalformedLevel
		}
		qtyBytes := frame[qtyStart:qtyEnd]

		price, priceExp, err := fixedpoint.ParseSignedScaled(priceBytes)
		if err != nil {
			return err
		}
		q, qtyExp, err := fixedpoint.ParseUnsignedScaled(qtyBytes)
		if err != nil {
			return err
		}
		sink.Upsert(symbol, side, price, priceExp, q, qtyExp)

		i = qtyEnd + 1
		for i < len(frame) && frame[i] != ']' {
			i++
		}
		i++ // past inner ']'
	}
	return errMalformedLevel
}

func skipToQuote(b []byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] == '"' {
			return i + 1
		}
	}
	return len(b)
}

func findQuote(b []byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] == '"' {
			return i
		}
	}
	return -1
}

func extractJSONString(frame []byte, marker string) (string, bool) {
	idx := bytes.Index(frame, []byte(marker))
	if idx == -1 {
		return "", false
	}
	start := idx + len(marker)
	end := findQuote(frame, start)
	if end < 0 {
		return "", false
	}
	return string(frame[start:end]), true
}
