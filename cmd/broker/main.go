package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/l2broker/internal/affinity"
	brokerconfig "github.com/abdoElHodaky/l2broker/internal/config"
	"github.com/abdoElHodaky/l2broker/internal/driver"
	"github.com/abdoElHodaky/l2broker/internal/metrics"
	"github.com/abdoElHodaky/l2broker/internal/pipeline"
	"github.com/abdoElHodaky/l2broker/internal/registrar"
)

var configPath = flag.String("config", "config/broker.yaml", "path to the broker config file")

func main() {
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	app := fx.New(
		fx.Supply(logger),
		fx.Provide(func() (*brokerconfig.BrokerConfigManager, error) {
			return brokerconfig.NewBrokerConfigManager(*configPath)
		}),
		fx.Provide(func(mgr *brokerconfig.BrokerConfigManager) *brokerconfig.BrokerConfig {
			return mgr.GetConfig()
		}),
		metrics.Module,
		fx.Provide(newDriverRegistry),
		fx.Provide(newAntsPool),
		fx.Invoke(startBroker),
	)

	app.Run()
}

// driverRegistry is the set of venue drivers this broker instance
// speaks, keyed by ExchangeID (spec.md §4.3: drivers are a fixed,
// compiled-in set, not a plugin surface).
type driverRegistry struct {
	drivers map[driver.ExchangeID]driver.Driver
}

func newDriverRegistry(logger *zap.Logger) *driverRegistry {
	binance := driver.NewBinance(logger)
	okx := driver.NewOKX(logger)
	return &driverRegistry{
		drivers: map[driver.ExchangeID]driver.Driver{
			binance.ExchangeID(): binance,
			okx.ExchangeID():     okx,
		},
	}
}

// newAntsPool backs the registrar's cold-path unsubscribe-retry
// submissions (internal/registrar.dropHandle). Sized generously since
// these are rare, short-lived jobs, not a hot-path resource.
func newAntsPool() (*ants.Pool, error) {
	return ants.NewPool(64)
}

// startBroker wires the registrar and affinity-pinned pipeline units
// together and starts them on the fx lifecycle. The registrar and the
// units are mutually referential (registrar.SetUnits), so they cannot
// both be built as ordinary fx.Provide constructors without a cycle;
// this fx.Invoke performs the two-phase wiring explicitly, the way
// cmd/marketdata wires its gRPC server and handler by hand in
// registerMarketDataHandler rather than deriving it from the graph.
func startBroker(
	lc fx.Lifecycle,
	logger *zap.Logger,
	cfg *brokerconfig.BrokerConfig,
	reg *driverRegistry,
	pool *ants.Pool,
	brokerMetrics *metrics.BrokerMetrics,
) error {
	if err := brokerconfig.ValidateBrokerConfig(cfg); err != nil {
		return fmt.Errorf("invalid broker config: %w", err)
	}

	if err := brokerconfig.OptimizeGCForHFT(&cfg.GC); err != nil {
		logger.Warn("GC tuning failed, continuing with runtime defaults", zap.Error(err))
	}

	mask := affinity.Mask(cfg.CoreMask)
	if err := mask.Validate(); err != nil {
		return err
	}
	cores := mask.CoreIDs()

	endpointURLs := make(map[driver.ExchangeID]string, len(cfg.Drivers))
	exchanges := make([]driver.ExchangeID, 0, len(cfg.Drivers))
	for name, d := range cfg.Drivers {
		exchanges = append(exchanges, driver.ExchangeID(name))
		endpointURLs[driver.ExchangeID(name)] = d.Endpoint
	}

	units := make([]registrar.UnitInbox, len(cores))
	rawUnits := make([]*pipeline.Unit, len(cores))

	reg0 := registrar.New(logger, nil, exchanges, pool)

	for i, core := range cores {
		u := pipeline.NewUnit(
			registrar.UnitID(i),
			logger.With(zap.Int("core", core)),
			reg.drivers,
			endpointURLs,
			reg0,
			pipeline.WithTimers(cfg.Timers.SubscribeAck, cfg.Timers.UnsubscribeAck, cfg.Timers.BackoffMax),
			pipeline.WithMetrics(brokerMetrics),
		)
		units[i] = u
		rawUnits[i] = u
	}
	reg0.SetUnits(units)

	brokerMetrics.PinnedWorkers.Set(float64(len(cores)))

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := affinity.Spawn(logger, mask, func(core int) {
					idx := coreIndex(cores, core)
					rawUnits[idx].Run(ctx)
				}); err != nil {
					logger.Fatal("affinity pin failed, broker cannot start", zap.Error(err))
				}
			}()
			logger.Info("broker started", zap.Int("units", len(cores)), zap.Int("drivers", len(exchanges)))
			return nil
		},
		OnStop: func(context.Context) error {
			logger.Info("broker stopping")
			reg0.Shutdown()
			cancel()
			return nil
		},
	})

	return nil
}

func coreIndex(cores []int, core int) int {
	for i, c := range cores {
		if c == core {
			return i
		}
	}
	return -1
}
