// Command bookcat subscribes to a single (exchange,symbol) stream and
// prints its top-of-book on a fixed interval. It is a thin inspection
// tool, grounded on cmd/loadgen's flag-parsed, single-process harness
// shape, not a production consumer: it builds one unprimed pipeline unit
// in-process rather than dialing a running broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/l2broker/internal/book"
	"github.com/abdoElHodaky/l2broker/internal/driver"
	"github.com/abdoElHodaky/l2broker/internal/pipeline"
	"github.com/abdoElHodaky/l2broker/internal/registrar"
)

func main() {
	exchange := flag.String("exchange", "binance", "exchange id (binance, okx)")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to subscribe to")
	endpoint := flag.String("endpoint", "", "websocket endpoint override (defaults to the venue's public stream)")
	interval := flag.Duration("interval", 500*time.Millisecond, "print interval")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	drivers := map[driver.ExchangeID]driver.Driver{
		driver.ExchangeID("binance"): driver.NewBinance(logger),
		driver.ExchangeID("okx"):     driver.NewOKX(logger),
	}

	exchangeID := driver.ExchangeID(*exchange)
	if _, ok := drivers[exchangeID]; !ok {
		fmt.Fprintf(os.Stderr, "unknown exchange %q\n", *exchange)
		os.Exit(1)
	}

	endpointURLs := map[driver.ExchangeID]string{
		exchangeID: defaultEndpoint(exchangeID, *endpoint),
	}

	pool, err := ants.NewPool(4)
	if err != nil {
		logger.Fatal("failed to create worker pool", zap.Error(err))
	}
	defer pool.Release()

	reg := registrar.New(logger, nil, []driver.ExchangeID{exchangeID}, pool)
	unit := pipeline.NewUnit(0, logger, drivers, endpointURLs, reg)
	reg.SetUnits([]registrar.UnitInbox{unit})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go unit.Run(ctx)

	handle, err := reg.Subscribe(exchangeID, driver.SymbolID(*symbol))
	if err != nil {
		logger.Fatal("subscribe failed", zap.Error(err))
	}
	defer handle.Close()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var bids, asks [book.K]book.Level
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printTopOfBook(handle, &bids, &asks)
		}
	}
}

func printTopOfBook(h *registrar.Handle, bids, asks *[book.K]book.Level) {
	version, ok := h.Read(bids, asks)
	if !ok {
		fmt.Println("book not ready")
		return
	}

	priceExp, qtyExp, _, ready := h.Metadata()
	if !ready {
		fmt.Println("waiting for first update")
		return
	}

	bestBid := bids[0]
	bestAsk := asks[0]
	if bestBid.Qty == 0 && bestAsk.Qty == 0 {
		fmt.Printf("version=%d (empty book)\n", version)
		return
	}

	bidPrice := decimal.New(int64(bestBid.Price), int32(priceExp))
	bidQty := decimal.New(int64(bestBid.Qty), int32(qtyExp))
	askPrice := decimal.New(int64(bestAsk.Price), int32(priceExp))
	askQty := decimal.New(int64(bestAsk.Qty), int32(qtyExp))

	fmt.Printf("version=%d bid=%s@%s ask=%s@%s\n", version, bidQty, bidPrice, askQty, askPrice)
}

func defaultEndpoint(exchange driver.ExchangeID, override string) string {
	if override != "" {
		return override
	}
	switch exchange {
	case "binance":
		return "wss://stream.binance.com:9443/ws"
	case "okx":
		return "wss://ws.okx.com:8443/ws/v5/public"
	default:
		return ""
	}
}
