package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/abdoElHodaky/l2broker/internal/driver"
	"github.com/abdoElHodaky/l2broker/internal/transport"
)

// connection is one multiplexed venue connection, keyed by
// driver.ConnectionKey (spec.md §4.3, §4.4). Frames arrive on an
// ingress channel fed by a dedicated reader goroutine; the unit's main
// loop drains it run-to-completion, never blocking on I/O mid-packet.
type connection struct {
	key      driver.ConnectionKey
	exchange driver.ExchangeID
	conn     transport.Conn

	frames chan []byte
	lost   chan struct{}
	lostOnce sync.Once

	desired      map[driver.SymbolID]bool
	pendingSub   []driver.SymbolID
	pendingUnsub []driver.SymbolID
}

func (c *connection) removePending(queue *[]driver.SymbolID, symbol driver.SymbolID) {
	q := *queue
	for i, s := range q {
		if s == symbol {
			*queue = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// ensureConnection returns the existing connection for connKey, or dials
// a new one. The reader goroutine started here is the only writer into
// conn.frames; the unit's Run loop is the only reader.
func (u *Unit) ensureConnection(exchange driver.ExchangeID, connKey driver.ConnectionKey) (*connection, error) {
	if c, ok := u.connections[connKey]; ok {
		return c, nil
	}

	url, ok := u.endpointURLs[exchange]
	if !ok {
		return nil, fmt.Errorf("pipeline: no endpoint URL configured for exchange %q", exchange)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	raw, err := u.dialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}

	c := &connection{
		key:      connKey,
		exchange: exchange,
		conn:     raw,
		frames:   make(chan []byte, frameBufferSize),
		lost:     make(chan struct{}),
		desired:  make(map[driver.SymbolID]bool),
	}
	u.connections[connKey] = c
	u.startReader(c)
	return c, nil
}

func (u *Unit) startReader(c *connection) {
	go func() {
		for {
			frame, err := c.conn.ReadMessage()
			if err != nil {
				c.lostOnce.Do(func() { close(c.lost) })
				return
			}
			c.frames <- frame
		}
	}()
}

// handleConnectionLost is invoked from the unit's own goroutine (never
// concurrently with processFrame) once pumpConnections observes c.lost
// closed. It resets every affected book (spec.md §4.4: "after a gap, the
// book must not present stale levels") and moves active/subscribing
// subscriptions to Failed for the retry/backoff loop in checkTimers,
// preserving their desired target state across the reconnect.
func (u *Unit) handleConnectionLost(connKey driver.ConnectionKey) {
	c, ok := u.connections[connKey]
	if !ok {
		return
	}
	delete(u.connections, connKey)
	c.conn.Close()

	if u.metrics != nil {
		u.metrics.Reconnects.WithLabelValues(string(c.exchange)).Inc()
	}

	for key, sub := range u.subs {
		if sub.connKey != connKey {
			continue
		}
		switch sub.state {
		case stateUnsubscribing, stateClosed:
			sub.state = stateClosed
			delete(u.subs, key)
		default:
			sub.book.Reset()
			sub.expSet = false
			sub.state = stateFailed
			sub.retries++
			sub.nextRetry = u.now().Add(backoffFor(sub.retries, u.backoffMax))
		}
	}
}
