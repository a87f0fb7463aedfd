// Package pipeline implements the run-to-completion per-core worker of
// spec.md §4.4: one Unit owns a bounded intent inbox, a set of venue
// connections, and the (exchange,symbol) -> book map for every stream
// assigned to it. Grounded on the teacher's
// internal/marketdata/external/binance_websocket.go connectWebSocket/
// handleWebSocketMessages pair, generalized from "one goroutine per
// callback-driven subscription" to "one pinned worker multiplexing many
// subscriptions with no locks on the hot path".
package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/l2broker/internal/book"
	"github.com/abdoElHodaky/l2broker/internal/driver"
	"github.com/abdoElHodaky/l2broker/internal/metrics"
	"github.com/abdoElHodaky/l2broker/internal/registrar"
	"github.com/abdoElHodaky/l2broker/internal/transport"
)

const (
	inboxBatchSize  = 64
	frameBatchSize  = 256
	frameBufferSize = 1024
	dialTimeout     = 10 * time.Second
)

type subState uint8

const (
	stateIdle subState = iota
	stateSubscribing
	stateActive
	stateUnsubscribing
	stateFailed
	stateClosed
)

type subKey struct {
	Exchange driver.ExchangeID
	Symbol   driver.SymbolID
}

// subscription tracks one (exchange,symbol) stream's state-machine
// position (spec.md §4.4) on this unit.
type subscription struct {
	key      subKey
	state    subState
	book     *book.Book
	connKey  driver.ConnectionKey
	priceExp int8
	qtyExp   int8
	expSet   bool
	deadline time.Time
	nextRetry time.Time
	retries  int
}

// metadataSetter is the slice of *registrar.Registrar a unit needs: it
// lets the frame sink publish a subscription's learned (price_exp,
// qty_exp) without the pipeline package depending on the registrar's
// concrete subscribe/drop machinery, and lets tests substitute a fake.
type metadataSetter interface {
	SetMetadata(exchange driver.ExchangeID, symbol driver.SymbolID, priceExp, qtyExp int8, depth uint8)
}

// Unit is one pinned pipeline worker (spec.md §4.4, §4.6). It implements
// registrar.UnitInbox so the registrar can post intents to it.
type Unit struct {
	id     registrar.UnitID
	logger *zap.Logger

	drivers      map[driver.ExchangeID]driver.Driver
	endpointURLs map[driver.ExchangeID]string
	dialer       transport.Dialer
	registrar    metadataSetter

	tSub       time.Duration
	tUnsub     time.Duration
	backoffMax time.Duration

	inbox chan registrar.Intent

	connections  map[driver.ConnectionKey]*connection
	subs         map[subKey]*subscription
	shuttingDown bool

	now     func() time.Time
	metrics *metrics.BrokerMetrics
}

// Option configures a Unit at construction.
type Option func(*Unit)

// WithTimers overrides the default subscribe/unsubscribe ack timeouts and
// max reconnect backoff.
func WithTimers(tSub, tUnsub, backoffMax time.Duration) Option {
	return func(u *Unit) {
		u.tSub, u.tUnsub, u.backoffMax = tSub, tUnsub, backoffMax
	}
}

// WithDialer overrides the transport dialer (tests substitute a fake).
func WithDialer(d transport.Dialer) Option {
	return func(u *Unit) { u.dialer = d }
}

// WithClock overrides the time source (tests use a fake clock to drive
// timer transitions deterministically).
func WithClock(now func() time.Time) Option {
	return func(u *Unit) { u.now = now }
}

// WithMetrics attaches a prometheus instrument set. Omitted in tests,
// where a nil *metrics.BrokerMetrics is never dereferenced (all call
// sites guard on u.metrics != nil).
func WithMetrics(m *metrics.BrokerMetrics) Option {
	return func(u *Unit) { u.metrics = m }
}

// NewUnit builds a pipeline unit. endpointURLs maps each driver's
// ExchangeID to the base websocket URL the unit should dial on demand.
func NewUnit(
	id registrar.UnitID,
	logger *zap.Logger,
	drivers map[driver.ExchangeID]driver.Driver,
	endpointURLs map[driver.ExchangeID]string,
	reg metadataSetter,
	opts ...Option,
) *Unit {
	u := &Unit{
		id:           id,
		logger:       logger,
		drivers:      drivers,
		endpointURLs: endpointURLs,
		dialer:       transport.WebsocketDialer{},
		registrar:    reg,
		tSub:         5 * time.Second,
		tUnsub:       5 * time.Second,
		backoffMax:   30 * time.Second,
		inbox:        make(chan registrar.Intent, 256),
		connections:  make(map[driver.ConnectionKey]*connection),
		subs:         make(map[subKey]*subscription),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Post implements registrar.UnitInbox. Blocks when the inbox is full
// (spec.md §5: "subscribe on a full inbox blocks (cold path)").
func (u *Unit) Post(i registrar.Intent) error {
	u.inbox <- i
	return nil
}

// Run is the main loop (spec.md §4.4): drain inbox, pump connections,
// check timers, yield. It returns once ctx is cancelled or a Shutdown
// intent has been processed and all connections closed.
func (u *Unit) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			u.closeAll()
			return
		default:
		}

		u.drainInbox(inboxBatchSize)
		if u.shuttingDown {
			u.closeAll()
			return
		}

		u.pumpConnections()
		u.checkTimers()

		runtime.Gosched()
	}
}

func (u *Unit) closeAll() {
	for _, c := range u.connections {
		c.conn.Close()
	}
}

func (u *Unit) drainInbox(max int) {
	for i := 0; i < max; i++ {
		select {
		case intent := <-u.inbox:
			u.handleIntent(intent)
		default:
			return
		}
	}
}

func (u *Unit) handleIntent(i registrar.Intent) {
	switch i.Kind {
	case registrar.IntentSubscribe:
		u.onSubscribeIntent(i)
	case registrar.IntentUnsubscribe:
		u.onUnsubscribeIntent(i)
	case registrar.IntentShutdown:
		u.shuttingDown = true
	}
}

func (u *Unit) onSubscribeIntent(i registrar.Intent) {
	key := subKey{i.Exchange, i.Symbol}
	d, ok := u.drivers[i.Exchange]
	if !ok {
		u.logger.Error("pipeline: subscribe intent for unregistered exchange",
			zap.String("exchange", string(i.Exchange)))
		return
	}

	connKey := d.Endpoint(i.Symbol)
	sub := &subscription{key: key, state: stateIdle, book: i.Book, connKey: connKey}
	u.subs[key] = sub

	c, err := u.ensureConnection(i.Exchange, connKey)
	if err != nil {
		u.logger.Error("pipeline: connect failed, scheduling retry",
			zap.String("exchange", string(i.Exchange)), zap.Error(err))
		sub.state = stateFailed
		sub.retries++
		sub.nextRetry = u.now().Add(backoffFor(sub.retries, u.backoffMax))
		return
	}
	c.desired[i.Symbol] = true
	if u.metrics != nil {
		u.metrics.SubscribesTotal.Inc()
	}
	u.sendSubscribe(d, c, sub)
}

func (u *Unit) sendSubscribe(d driver.Driver, c *connection, sub *subscription) {
	if err := c.conn.WriteMessage(d.BuildSubscribe(sub.key.Symbol)); err != nil {
		sub.state = stateFailed
		sub.retries++
		sub.nextRetry = u.now().Add(backoffFor(sub.retries, u.backoffMax))
		return
	}
	c.pendingSub = append(c.pendingSub, sub.key.Symbol)
	sub.state = stateSubscribing
	sub.deadline = u.now().Add(u.tSub)
}

func (u *Unit) onUnsubscribeIntent(i registrar.Intent) {
	key := subKey{i.Exchange, i.Symbol}
	sub, ok := u.subs[key]
	if !ok {
		return
	}
	d := u.drivers[i.Exchange]
	c, ok := u.connections[sub.connKey]
	if !ok {
		delete(u.subs, key)
		return
	}

	delete(c.desired, i.Symbol)
	if err := c.conn.WriteMessage(d.BuildUnsubscribe(i.Symbol)); err != nil {
		sub.state = stateClosed
		delete(u.subs, key)
		return
	}
	c.pendingUnsub = append(c.pendingUnsub, i.Symbol)
	sub.state = stateUnsubscribing
	sub.deadline = u.now().Add(u.tUnsub)
	if u.metrics != nil {
		u.metrics.UnsubscribesTotal.Inc()
	}
}

func (u *Unit) pumpConnections() {
	for connKey, c := range u.connections {
		select {
		case <-c.lost:
			u.handleConnectionLost(connKey)
			continue
		default:
		}
		u.drainFrames(c, frameBatchSize)
	}
}

func (u *Unit) drainFrames(c *connection, max int) {
	for i := 0; i < max; i++ {
		select {
		case frame, ok := <-c.frames:
			if !ok {
				return
			}
			u.processFrame(c, frame)
		default:
			return
		}
	}
}

func (u *Unit) processFrame(c *connection, frame []byte) {
	var start time.Time
	if u.metrics != nil {
		start = u.now()
	}

	d := u.drivers[c.exchange]
	sink := &frameSink{unit: u, exchange: c.exchange, touched: make(map[driver.SymbolID]*book.Book, 2)}

	result := d.ParseMessage(frame, sink)
	for _, b := range sink.touched {
		b.EndPacket()
	}

	if u.metrics != nil {
		u.metrics.ParseLatency.Observe(float64(u.now().Sub(start).Microseconds()))
	}

	switch result.Outcome {
	case driver.OutcomeSubscribeConfirm:
		u.onSubscribeConfirm(c, result.Symbol)
	case driver.OutcomeUnsubscribeConfirm:
		u.onUnsubscribeConfirm(c, result.Symbol)
	case driver.OutcomeProtocolError:
		u.onProtocolError(c.exchange, result.Symbol, result.Err)
	}
}

func (u *Unit) onSubscribeConfirm(c *connection, symbol driver.SymbolID) {
	if symbol == "" {
		if len(c.pendingSub) == 0 {
			return
		}
		symbol = c.pendingSub[0]
		c.pendingSub = c.pendingSub[1:]
	} else {
		c.removePending(&c.pendingSub, symbol)
	}
	u.activate(subKey{c.exchange, symbol})
}

func (u *Unit) activate(key subKey) {
	sub, ok := u.subs[key]
	if !ok || sub.state != stateSubscribing {
		return
	}
	sub.state = stateActive
	sub.retries = 0
}

func (u *Unit) onUnsubscribeConfirm(c *connection, symbol driver.SymbolID) {
	if symbol == "" {
		if len(c.pendingUnsub) == 0 {
			return
		}
		symbol = c.pendingUnsub[0]
		c.pendingUnsub = c.pendingUnsub[1:]
	} else {
		c.removePending(&c.pendingUnsub, symbol)
	}
	u.closeSub(subKey{c.exchange, symbol})
}

func (u *Unit) closeSub(key subKey) {
	sub, ok := u.subs[key]
	if !ok || sub.state != stateUnsubscribing {
		return
	}
	sub.state = stateClosed
	delete(u.subs, key)
}

func (u *Unit) onProtocolError(exchange driver.ExchangeID, symbol driver.SymbolID, cause error) {
	key := subKey{exchange, symbol}
	sub, ok := u.subs[key]
	if !ok {
		return
	}
	sub.state = stateFailed
	sub.retries++
	sub.nextRetry = u.now().Add(backoffFor(sub.retries, u.backoffMax))
	if u.metrics != nil {
		u.metrics.ProtocolErrors.WithLabelValues(string(exchange)).Inc()
	}
	u.logger.Warn("pipeline: protocol error", zap.String("symbol", string(symbol)), zap.Error(cause))
}

func (u *Unit) checkTimers() {
	now := u.now()
	for key, sub := range u.subs {
		switch sub.state {
		case stateSubscribing:
			if now.After(sub.deadline) {
				sub.state = stateFailed
				sub.retries++
				sub.nextRetry = now.Add(backoffFor(sub.retries, u.backoffMax))
			}
		case stateUnsubscribing:
			if now.After(sub.deadline) {
				sub.state = stateClosed
				delete(u.subs, key)
			}
		case stateFailed:
			if now.After(sub.nextRetry) {
				u.retrySubscribe(key, sub)
			}
		}
	}
}

func (u *Unit) retrySubscribe(key subKey, sub *subscription) {
	d, ok := u.drivers[key.Exchange]
	if !ok {
		return
	}
	c, err := u.ensureConnection(key.Exchange, sub.connKey)
	if err != nil {
		sub.retries++
		sub.nextRetry = u.now().Add(backoffFor(sub.retries, u.backoffMax))
		return
	}
	c.desired[key.Symbol] = true
	u.sendSubscribe(d, c, sub)
}

func backoffFor(retries int, max time.Duration) time.Duration {
	d := time.Second
	for i := 0; i < retries && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

func (u *Unit) String() string {
	return fmt.Sprintf("pipeline.Unit#%d", u.id)
}
