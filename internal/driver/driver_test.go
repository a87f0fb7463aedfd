package driver

import (
	"testing"

	"github.com/abdoElHodaky/l2broker/internal/fixedpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordedLevel struct {
	symbol   SymbolID
	side     Side
	price    fixedpoint.Tick
	priceExp int8
	qty      fixedpoint.Qty
	qtyExp   int8
}

type recordingSink struct {
	levels []recordedLevel
}

func (s *recordingSink) Upsert(symbol SymbolID, side Side, price fixedpoint.Tick, priceExp int8, qty fixedpoint.Qty, qtyExp int8) {
	s.levels = append(s.levels, recordedLevel{symbol, side, price, priceExp, qty, qtyExp})
}

func TestBinance_ParseMessage_DepthUpdate(t *testing.T) {
	d := NewBinance(zaptest.NewLogger(t))
	sink := &recordingSink{}

	frame := []byte(`{"e":"depthUpdate","E":123,"s":"BTCUSDT","U":1,"u":2,` +
		`"b":[["100.50","2.000"],["99.25","1.5"]],` +
		`"a":[["101.00","3"]]}`)

	result := d.ParseMessage(frame, sink)

	require.Equal(t, OutcomeBookUpdate, result.Outcome)
	require.Equal(t, SymbolID("BTCUSDT"), result.Symbol)
	require.Len(t, sink.levels, 3)

	assert.Equal(t, Bid, sink.levels[0].side)
	assert.Equal(t, fixedpoint.Tick(10050), sink.levels[0].price)
	assert.Equal(t, int8(-2), sink.levels[0].priceExp)
	assert.Equal(t, fixedpoint.Qty(2000), sink.levels[0].qty)
	assert.Equal(t, int8(-3), sink.levels[0].qtyExp)

	assert.Equal(t, Bid, sink.levels[1].side)
	assert.Equal(t, fixedpoint.Tick(9925), sink.levels[1].price)

	assert.Equal(t, Ask, sink.levels[2].side)
	assert.Equal(t, fixedpoint.Tick(10100), sink.levels[2].price)
	assert.Equal(t, int8(-2), sink.levels[2].priceExp)
}

func TestBinance_ParseMessage_IgnoresNonDepthFrames(t *testing.T) {
	d := NewBinance(zaptest.NewLogger(t))
	sink := &recordingSink{}

	result := d.ParseMessage([]byte(`{"e":"24hrTicker","s":"BTCUSDT"}`), sink)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
	assert.Empty(t, sink.levels)
}

func TestBinance_ParseMessage_SubscribeAck(t *testing.T) {
	d := NewBinance(zaptest.NewLogger(t))
	result := d.ParseMessage([]byte(`{"result":null,"id":1}`), &recordingSink{})
	assert.Equal(t, OutcomeSubscribeConfirm, result.Outcome)
}

func TestBinance_BuildSubscribe_LowercasesSymbol(t *testing.T) {
	d := NewBinance(zaptest.NewLogger(t))
	got := string(d.BuildSubscribe("BTCUSDT"))
	assert.Contains(t, got, "btcusdt@depth")
}

func TestOKX_ParseMessage_BooksUpdate(t *testing.T) {
	d := NewOKX(zaptest.NewLogger(t))
	sink := &recordingSink{}

	frame := []byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update",` +
		`"data":[{"bids":[["100.5","2","0","1"]],"asks":[["101.5","1","0","1"]]}]}`)

	result := d.ParseMessage(frame, sink)
	require.Equal(t, OutcomeBookUpdate, result.Outcome)
	require.Equal(t, SymbolID("BTC-USDT"), result.Symbol)
	require.Len(t, sink.levels, 2)
	assert.Equal(t, Bid, sink.levels[0].side)
	assert.Equal(t, Ask, sink.levels[1].side)
}

func TestOKX_ParseMessage_SubscribeEvent(t *testing.T) {
	d := NewOKX(zaptest.NewLogger(t))
	result := d.ParseMessage([]byte(`{"event":"subscribe","arg":{"channel":"books","instId":"BTC-USDT"}}`), &recordingSink{})
	assert.Equal(t, OutcomeSubscribeConfirm, result.Outcome)
}

func TestOKX_BuildSubscribe_FramesChannelAndInstID(t *testing.T) {
	d := NewOKX(zaptest.NewLogger(t))
	got := string(d.BuildSubscribe("BTC-USDT"))
	assert.Contains(t, got, `"channel":"books"`)
	assert.Contains(t, got, `"instId":"BTC-USDT"`)
}

func TestDrivers_DistinctConnectionKeysAndExchangeIDs(t *testing.T) {
	b := NewBinance(zaptest.NewLogger(t))
	o := NewOKX(zaptest.NewLogger(t))
	assert.NotEqual(t, b.ExchangeID(), o.ExchangeID())
	assert.NotEqual(t, b.Endpoint("BTCUSDT"), o.Endpoint("BTC-USDT"))
}
