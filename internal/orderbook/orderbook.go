package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/darkswap-foundation/darkswap/internal/asset"
	"github.com/darkswap-foundation/darkswap/internal/dserr"
	"github.com/shopspring/decimal"
)

// PriceLevel is the aggregated resting quantity at one price, used by
// GetOrderBook depth snapshots.
type PriceLevel struct {
	Price     decimal.Decimal
	Remaining decimal.Decimal
}

// Orderbook holds every order for a single (base, quote) pair. Reads
// (quotes, depth, queries) may run concurrently; writes (add, cancel,
// expire, fill) are exclusive.
type Orderbook struct {
	Base  asset.Asset
	Quote asset.Asset

	mu            sync.RWMutex
	ordersByID    map[string]*Order
	buyOrders     map[string][]*Order // price-level buckets keyed by price.String()
	sellOrders    map[string][]*Order
	buyPrices     []decimal.Decimal // sorted ascending, one entry per non-empty buy level
	sellPrices    []decimal.Decimal // sorted ascending, one entry per non-empty sell level
	ordersByMaker map[string]map[string]struct{}

	onEvent func(kind string, order *Order)
}

// New constructs an empty Orderbook for the given pair. onEvent, if
// non-nil, is invoked for OrderCreated/OrderCancelled/OrderExpired/
// OrderFilled/OrderUpdated as they occur.
func New(base, quote asset.Asset, onEvent func(kind string, order *Order)) *Orderbook {
	return &Orderbook{
		Base:          base,
		Quote:         quote,
		ordersByID:    make(map[string]*Order),
		buyOrders:     make(map[string][]*Order),
		sellOrders:    make(map[string][]*Order),
		ordersByMaker: make(map[string]map[string]struct{}),
		onEvent:       onEvent,
	}
}

func sideIndex(ob *Orderbook, side Side) map[string][]*Order {
	if side == Buy {
		return ob.buyOrders
	}
	return ob.sellOrders
}

func (ob *Orderbook) emit(kind string, o *Order) {
	if ob.onEvent != nil {
		ob.onEvent(kind, o)
	}
}

// AddOrder validates and inserts a new order into all three indices,
// emitting OrderCreated.
func (ob *Orderbook) AddOrder(o *Order) error {
	if !o.BaseAsset.Equal(ob.Base) || !o.QuoteAsset.Equal(ob.Quote) {
		return dserr.ErrInvalidAsset
	}
	if o.Amount.Sign() <= 0 {
		return dserr.ErrInvalidAmount
	}
	if o.Price.Sign() <= 0 {
		return dserr.ErrInvalidPrice
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.ordersByID[o.ID]; exists {
		return dserr.ErrOrderAlreadyExists
	}

	ob.ordersByID[o.ID] = o
	key := o.Price.String()
	idx := sideIndex(ob, o.Side)
	if len(idx[key]) == 0 {
		ob.insertPrice(o.Side, o.Price)
	}
	idx[key] = append(idx[key], o)

	makers, ok := ob.ordersByMaker[o.Maker]
	if !ok {
		makers = make(map[string]struct{})
		ob.ordersByMaker[o.Maker] = makers
	}
	makers[o.ID] = struct{}{}

	ob.emit("OrderCreated", o)
	return nil
}

// removeFromPriceIndex removes o from its side's price-level bucket. Caller
// must hold ob.mu for writing.
func (ob *Orderbook) removeFromPriceIndex(o *Order) {
	idx := sideIndex(ob, o.Side)
	key := o.Price.String()
	list := idx[key]
	for i, candidate := range list {
		if candidate.ID == o.ID {
			idx[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(idx[key]) == 0 {
		delete(idx, key)
		ob.removePrice(o.Side, o.Price)
	}
}

// sidePrices returns the side's sorted price ladder. Caller holds ob.mu.
func (ob *Orderbook) sidePrices(side Side) *[]decimal.Decimal {
	if side == Buy {
		return &ob.buyPrices
	}
	return &ob.sellPrices
}

// insertPrice splices price into the side's sorted ladder, keeping lookups
// logarithmic instead of re-sorting per query. Caller holds ob.mu.
func (ob *Orderbook) insertPrice(side Side, price decimal.Decimal) {
	prices := ob.sidePrices(side)
	i := sort.Search(len(*prices), func(k int) bool { return !(*prices)[k].LessThan(price) })
	*prices = append(*prices, decimal.Decimal{})
	copy((*prices)[i+1:], (*prices)[i:])
	(*prices)[i] = price
}

// removePrice drops price from the side's ladder once its level empties.
// Caller holds ob.mu.
func (ob *Orderbook) removePrice(side Side, price decimal.Decimal) {
	prices := ob.sidePrices(side)
	i := sort.Search(len(*prices), func(k int) bool { return !(*prices)[k].LessThan(price) })
	if i < len(*prices) && (*prices)[i].Equal(price) {
		*prices = append((*prices)[:i], (*prices)[i+1:]...)
	}
}

// CancelOrder cancels an order that is still Open or PartiallyFilled.
func (ob *Orderbook) CancelOrder(id string) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.ordersByID[id]
	if !ok {
		return dserr.ErrOrderNotFound
	}
	if !o.IsResting() {
		return dserr.ErrOrderNotOpen
	}
	ob.removeFromPriceIndex(o)
	o.Status = Cancelled
	ob.emit("OrderCancelled", o)
	return nil
}

// GetOrder returns the order with the given id.
func (ob *Orderbook) GetOrder(id string) (*Order, error) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	o, ok := ob.ordersByID[id]
	if !ok {
		return nil, dserr.ErrOrderNotFound
	}
	return o, nil
}

// GetOrders returns every order for this pair, in no particular order.
func (ob *Orderbook) GetOrders() []*Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	out := make([]*Order, 0, len(ob.ordersByID))
	for _, o := range ob.ordersByID {
		out = append(out, o)
	}
	return out
}

// GetOrdersByMaker returns every order this maker placed on this pair.
func (ob *Orderbook) GetOrdersByMaker(maker string) []*Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	ids := ob.ordersByMaker[maker]
	out := make([]*Order, 0, len(ids))
	for id := range ids {
		if o, ok := ob.ordersByID[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// GetBestBidAsk returns the best bid (max buy price) and best ask (min sell
// price) among open orders, or nil for a side with no resting orders. The
// ladders are maintained sorted on insert/remove, so this is O(1).
func (ob *Orderbook) GetBestBidAsk() (bid, ask *decimal.Decimal) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	if n := len(ob.buyPrices); n > 0 {
		best := ob.buyPrices[n-1]
		bid = &best
	}
	if len(ob.sellPrices) > 0 {
		best := ob.sellPrices[0]
		ask = &best
	}
	return bid, ask
}

// GetOrderBook returns up to depth aggregated price levels per side,
// summing remaining (unfilled) quantity at each price. Bids come best
// (highest) first, asks best (lowest) first.
func (ob *Orderbook) GetOrderBook(depth int) (bids, asks []PriceLevel) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	for i := len(ob.buyPrices) - 1; i >= 0 && len(bids) < depth; i-- {
		bids = append(bids, ob.levelAt(Buy, ob.buyPrices[i]))
	}
	for i := 0; i < len(ob.sellPrices) && len(asks) < depth; i++ {
		asks = append(asks, ob.levelAt(Sell, ob.sellPrices[i]))
	}
	return bids, asks
}

func (ob *Orderbook) levelAt(side Side, price decimal.Decimal) PriceLevel {
	idx := sideIndex(ob, side)
	list := idx[price.String()]
	total := decimal.Zero
	for _, o := range list {
		total = total.Add(o.Remaining())
	}
	return PriceLevel{Price: price, Remaining: total}
}

// MatchOrder returns the opposite-side open orders whose price crosses the
// incoming order's price, sorted best-fill-first. It performs no
// mutation; the trade machine owns fills.
func (ob *Orderbook) MatchOrder(incoming *Order) []*Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	var oppositeSide Side
	if incoming.Side == Buy {
		oppositeSide = Sell
	} else {
		oppositeSide = Buy
	}
	idx := sideIndex(ob, oppositeSide)

	var crossed []*Order
	for _, list := range idx {
		for _, o := range list {
			if !o.IsResting() {
				continue
			}
			if incoming.Side == Buy && o.Price.GreaterThan(incoming.Price) {
				continue
			}
			if incoming.Side == Sell && o.Price.LessThan(incoming.Price) {
				continue
			}
			crossed = append(crossed, o)
		}
	}

	sort.Slice(crossed, func(i, j int) bool {
		a, b := crossed[i], crossed[j]
		if !a.Price.Equal(b.Price) {
			if incoming.Side == Buy {
				return a.Price.LessThan(b.Price) // best ask first = lowest
			}
			return a.Price.GreaterThan(b.Price) // best bid first = highest
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return crossed
}

// ApplyFill fills amount against the resting order id, emitting
// OrderFilled/OrderUpdated and removing it from the price index once
// terminal.
func (ob *Orderbook) ApplyFill(id string, amount decimal.Decimal) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.ordersByID[id]
	if !ok {
		return dserr.ErrOrderNotFound
	}
	wasResting := o.IsResting()
	if err := o.Fill(amount); err != nil {
		return err
	}
	if wasResting && !o.IsResting() {
		ob.removeFromPriceIndex(o)
	}
	if o.Status == Filled {
		ob.emit("OrderFilled", o)
	} else {
		ob.emit("OrderUpdated", o)
	}
	return nil
}

// SweepExpired transitions every resting order whose ExpiresAt has passed
// to Expired, removing it from the price index and emitting OrderExpired
// for each. Intended to be called periodically (default: every
// cleanup_interval, 60s).
func (ob *Orderbook) SweepExpired(now time.Time) int {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	expired := 0
	for _, o := range ob.ordersByID {
		if !o.IsResting() {
			continue
		}
		if !o.ExpiresAt.IsZero() && !o.ExpiresAt.After(now) {
			ob.removeFromPriceIndex(o)
			o.Status = Expired
			ob.emit("OrderExpired", o)
			expired++
		}
	}
	return expired
}
