package core

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/darkswap-foundation/darkswap/internal/asset"
	"github.com/darkswap-foundation/darkswap/internal/dserr"
	"github.com/darkswap-foundation/darkswap/internal/orderbook"
)

// pairKey derives the registry's book index key for a (base, quote) pair.
func pairKey(base, quote asset.Asset) string {
	return base.String() + "/" + quote.String()
}

// Registry fans the single-pair orderbook.Orderbook out across every
// (base, quote) pair the node has seen an order for, lazily creating a
// book on first use. Orders carry a globally unique id, so a second
// index from order id to its owning pair lets the registry satisfy
// trade.Orders without the trade package ever learning which pair an
// order belongs to.
type Registry struct {
	mu      sync.RWMutex
	books   map[string]*orderbook.Orderbook
	byOrder map[string]string // order id -> pairKey

	onEvent func(kind string, o *orderbook.Order)
}

// NewRegistry constructs an empty Registry. onEvent, if non-nil, is
// forwarded to every book it lazily creates.
func NewRegistry(onEvent func(kind string, o *orderbook.Order)) *Registry {
	return &Registry{
		books:   make(map[string]*orderbook.Orderbook),
		byOrder: make(map[string]string),
		onEvent: onEvent,
	}
}

// bookFor returns the existing book for (base, quote), or creates one.
func (r *Registry) bookFor(base, quote asset.Asset) *orderbook.Orderbook {
	key := pairKey(base, quote)

	r.mu.RLock()
	book, ok := r.books[key]
	r.mu.RUnlock()
	if ok {
		return book
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if book, ok := r.books[key]; ok {
		return book
	}
	book = orderbook.New(base, quote, r.onEvent)
	r.books[key] = book
	return book
}

// lookupBook returns the book an already-registered order id lives in.
func (r *Registry) lookupBook(orderID string) (*orderbook.Orderbook, bool) {
	r.mu.RLock()
	key, ok := r.byOrder[orderID]
	if !ok {
		r.mu.RUnlock()
		return nil, false
	}
	book := r.books[key]
	r.mu.RUnlock()
	return book, book != nil
}

// AddOrder inserts o into its pair's book, creating the book if this is
// the pair's first order, and records the id->pair index entry.
func (r *Registry) AddOrder(o *orderbook.Order) error {
	book := r.bookFor(o.BaseAsset, o.QuoteAsset)
	if err := book.AddOrder(o); err != nil {
		return err
	}
	r.mu.Lock()
	r.byOrder[o.ID] = pairKey(o.BaseAsset, o.QuoteAsset)
	r.mu.Unlock()
	return nil
}

// CancelOrder cancels orderID in whichever book it was registered to.
func (r *Registry) CancelOrder(orderID string) error {
	book, ok := r.lookupBook(orderID)
	if !ok {
		return dserr.ErrOrderNotFound
	}
	return book.CancelOrder(orderID)
}

// GetOrder satisfies trade.Orders: look up an order by its global id alone.
func (r *Registry) GetOrder(orderID string) (*orderbook.Order, error) {
	book, ok := r.lookupBook(orderID)
	if !ok {
		return nil, dserr.ErrOrderNotFound
	}
	return book.GetOrder(orderID)
}

// ApplyFill satisfies trade.Orders: apply a trade's fill to the order it
// took, in whichever book it lives in.
func (r *Registry) ApplyFill(orderID string, amount decimal.Decimal) error {
	book, ok := r.lookupBook(orderID)
	if !ok {
		return dserr.ErrOrderNotFound
	}
	return book.ApplyFill(orderID, amount)
}

// GetOrders returns every order resting in (base, quote)'s book, or an
// empty slice if the pair has never had an order.
func (r *Registry) GetOrders(base, quote asset.Asset) []*orderbook.Order {
	key := pairKey(base, quote)
	r.mu.RLock()
	book, ok := r.books[key]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return book.GetOrders()
}

// GetBestBidAsk returns (base, quote)'s best bid/ask, or (nil, nil) if the
// pair has no book yet.
func (r *Registry) GetBestBidAsk(base, quote asset.Asset) (bid, ask *decimal.Decimal) {
	key := pairKey(base, quote)
	r.mu.RLock()
	book, ok := r.books[key]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return book.GetBestBidAsk()
}

// SweepExpired runs orderbook.Orderbook.SweepExpired across every book,
// returning the total number of orders expired.
func (r *Registry) SweepExpired(now time.Time) int {
	r.mu.RLock()
	books := make([]*orderbook.Orderbook, 0, len(r.books))
	for _, b := range r.books {
		books = append(books, b)
	}
	r.mu.RUnlock()

	total := 0
	for _, b := range books {
		total += b.SweepExpired(now)
	}
	return total
}
