// Package registrar implements the broker's subscribe/drop_handle surface
// (spec.md §4.5): refcounted keys, stable-hash unit assignment, and a
// per-key lock held only across the enqueue of an intent, never across
// network I/O. Grounded on the teacher's workerpool usage
// (internal/hft and internal/performance reach for panjf2000/ants/v2 for
// bounded cold-path work) generalized here to retrying intent delivery.
package registrar

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/l2broker/internal/book"
	"github.com/abdoElHodaky/l2broker/internal/driver"
	"github.com/abdoElHodaky/l2broker/internal/errs"
)

// Key identifies one subscribable stream.
type Key struct {
	Exchange driver.ExchangeID
	Symbol   driver.SymbolID
}

// UnitID indexes a pipeline unit in the registrar's unit table.
type UnitID int

// IntentKind classifies one posted intent.
type IntentKind uint8

const (
	IntentSubscribe IntentKind = iota
	IntentUnsubscribe
	IntentShutdown
)

// Intent is what the registrar posts to a pipeline unit's bounded inbox
// (spec.md §4.4). Book is populated only for IntentSubscribe.
type Intent struct {
	Kind     IntentKind
	Exchange driver.ExchangeID
	Symbol   driver.SymbolID
	Book     *book.Book
}

// UnitInbox is the pipeline unit's side of the registrar contract: posting
// blocks the caller when the inbox is full (spec.md §5: "subscribe on a
// full inbox blocks (cold path)").
type UnitInbox interface {
	Post(Intent) error
}

type entry struct {
	key      Key
	unit     UnitID
	book     *book.Book
	refcount int32 // atomic

	metaMu   sync.Mutex
	priceExp int8
	qtyExp   int8
	depth    uint8
	ready    bool
}

func (e *entry) setMetadata(priceExp, qtyExp int8, depth uint8) {
	e.metaMu.Lock()
	e.priceExp, e.qtyExp, e.depth, e.ready = priceExp, qtyExp, depth, true
	e.metaMu.Unlock()
}

func (e *entry) metadata() (priceExp, qtyExp int8, depth uint8, ready bool) {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return e.priceExp, e.qtyExp, e.depth, e.ready
}

// Registrar is the broker's subscription table (spec.md §4.5).
type Registrar struct {
	logger *zap.Logger
	units  []UnitInbox
	known  map[driver.ExchangeID]bool
	pool   *ants.Pool

	mu   sync.Mutex // guards keys map membership
	keys map[Key]*entry

	keyLocks sync.Map // Key -> *sync.Mutex, per-key enqueue discipline
}

// New builds a registrar over a fixed unit table (one per affinity-pinned
// core, spec.md §4.6) and a driver registry used to validate exchange
// names at subscribe time. pool backs cold-path retries of intent
// delivery so a transient full inbox never turns into a dropped intent.
func New(logger *zap.Logger, units []UnitInbox, exchanges []driver.ExchangeID, pool *ants.Pool) *Registrar {
	known := make(map[driver.ExchangeID]bool, len(exchanges))
	for _, e := range exchanges {
		known[e] = true
	}
	return &Registrar{
		logger: logger,
		units:  units,
		known:  known,
		pool:   pool,
		keys:   make(map[Key]*entry),
	}
}

// SetUnits installs the unit table after construction. Units and the
// registrar are mutually referential at wiring time (each unit's frame
// sink calls back into SetMetadata): cmd/broker builds units first with
// this registrar already in hand, then calls SetUnits once every unit
// exists. Subscribe/drop_handle must not be called before this.
func (r *Registrar) SetUnits(units []UnitInbox) {
	r.units = units
}

func stableHash(key Key) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key.Exchange))
	h.Write([]byte{0})
	h.Write([]byte(key.Symbol))
	return h.Sum64()
}

// Assignment returns the deterministic unit a key routes to, so recovery
// after a crash or reconnect lands the same stream on the same core
// (spec.md §4.5, §8 invariant 7).
func (r *Registrar) Assignment(exchange driver.ExchangeID, symbol driver.SymbolID) UnitID {
	key := Key{exchange, symbol}
	return UnitID(stableHash(key) % uint64(len(r.units)))
}

func (r *Registrar) keyLock(key Key) *sync.Mutex {
	l, _ := r.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Subscribe implements spec.md §4.5 subscribe(exchange, symbol) -> Handle.
// The 0->1 transition allocates the book and posts SubscribeIntent to the
// assigned unit; later subscribers just bump the refcount.
func (r *Registrar) Subscribe(exchange driver.ExchangeID, symbol driver.SymbolID) (*Handle, error) {
	if !r.known[exchange] {
		return nil, errs.Newf(errs.NoSuchExchange, "registrar: no driver registered for exchange %q", exchange)
	}

	key := Key{exchange, symbol}
	lock := r.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	e, exists := r.keys[key]
	if !exists {
		e = &entry{key: key, unit: r.Assignment(exchange, symbol), book: book.New()}
		r.keys[key] = e
	}
	r.mu.Unlock()

	if atomic.AddInt32(&e.refcount, 1) == 1 {
		intent := Intent{Kind: IntentSubscribe, Exchange: exchange, Symbol: symbol, Book: e.book}
		if err := r.units[e.unit].Post(intent); err != nil {
			atomic.AddInt32(&e.refcount, -1)
			return nil, errs.Wrap(err, errs.NotReady, "registrar: post subscribe intent")
		}
	}

	return &Handle{id: uuid.New(), entry: e, registrar: r}, nil
}

// dropHandle implements spec.md §4.5 drop_handle(handle): atomic
// decrement; the last holder's decrement-to-zero posts UnsubscribeIntent.
// Delivery is retried on the registrar's pool so a transient full inbox
// does not silently drop the unsubscribe (spec.md §8 invariant 6 requires
// exactly one UnsubscribeIntent on the last 1->0 transition). The
// decrement and conditional post happen under the same per-key lock
// Subscribe takes around its 0->1 transition, so a racing 0->1 subscribe
// and a last 1->0 drop on the same key can never post their intents out
// of order (spec.md §4.5).
func (r *Registrar) dropHandle(e *entry) {
	lock := r.keyLock(e.key)
	lock.Lock()
	defer lock.Unlock()

	if atomic.AddInt32(&e.refcount, -1) != 0 {
		return
	}

	intent := Intent{Kind: IntentUnsubscribe, Exchange: e.key.Exchange, Symbol: e.key.Symbol}
	unit := r.units[e.unit]

	// The key lock is held until delivery finishes, so a later 0->1
	// Subscribe cannot post ahead of this unsubscribe.
	delivered := make(chan struct{})
	submitErr := r.pool.Submit(func() {
		defer close(delivered)
		const maxAttempts = 5
		backoff := 10
		for attempt := 0; attempt < maxAttempts; attempt++ {
			if err := unit.Post(intent); err == nil {
				return
			}
			time.Sleep(time.Duration(backoff) * time.Millisecond)
			backoff *= 2
		}
		r.logger.Error("registrar: failed to deliver unsubscribe intent after retries",
			zap.String("exchange", string(e.key.Exchange)),
			zap.String("symbol", string(e.key.Symbol)))
	})
	if submitErr != nil {
		// Pool saturated: fall back to posting inline rather than losing
		// the unsubscribe (better to block briefly than to leak a stream).
		if err := unit.Post(intent); err != nil {
			r.logger.Error("registrar: inline unsubscribe post failed", zap.Error(err))
		}
		return
	}
	<-delivered
}

// Shutdown posts Shutdown to every pipeline unit (spec.md §5: cooperative
// shutdown, units finish their in-flight packet, close connections, exit).
func (r *Registrar) Shutdown() {
	for _, u := range r.units {
		if err := u.Post(Intent{Kind: IntentShutdown}); err != nil {
			r.logger.Error("registrar: failed to post shutdown intent", zap.Error(err))
		}
	}
}

// SetMetadata is called by a pipeline unit once it learns a stream's
// (price_exp, qty_exp, depth) from the driver, populating reads for
// handles that were waiting (spec.md §4.5: "populated by the unit once
// known; until then, reads yield ok == false").
func (r *Registrar) SetMetadata(exchange driver.ExchangeID, symbol driver.SymbolID, priceExp, qtyExp int8, depth uint8) {
	r.mu.Lock()
	e, ok := r.keys[Key{exchange, symbol}]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.setMetadata(priceExp, qtyExp, depth)
}
