// Package book holds the in-memory resting-order state for a single market.
// A book is owned exclusively by its market's serial processor, so it does
// no locking of its own.
package book

import (
	"sort"

	"github.com/predictx/predictx-api/internal/types"
	"github.com/shopspring/decimal"
)

// Fill is one planned match between an incoming order and a resting order.
// The trade price is always the resting order's price.
type Fill struct {
	Resting  *types.Order
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// Book maintains the two sides of one market. Bids are kept best-first
// (highest price, then oldest); asks likewise (lowest price, then oldest).
type Book struct {
	market types.Market
	bids   []*types.Order
	asks   []*types.Order
	byID   map[string]*types.Order
}

func New(market types.Market) *Book {
	return &Book{
		market: market,
		byID:   make(map[string]*types.Order),
	}
}

func (b *Book) Market() types.Market {
	return b.market
}

// before reports whether order o outranks e in price-time priority on the
// given side. Equal keys keep arrival order, so resubmitted timestamps tie
// out FIFO.
func before(side types.Side, o, e *types.Order) bool {
	if !o.Price.Equal(e.Price) {
		if side == types.SideBuy {
			return o.Price.GreaterThan(e.Price)
		}
		return o.Price.LessThan(e.Price)
	}
	return o.CreatedAt.Before(e.CreatedAt)
}

// Insert places a resting order at its price-time position.
func (b *Book) Insert(o *types.Order) {
	side := &b.bids
	if o.Side == types.SideSell {
		side = &b.asks
	}

	idx := sort.Search(len(*side), func(i int) bool {
		return before(o.Side, o, (*side)[i])
	})

	*side = append(*side, nil)
	copy((*side)[idx+1:], (*side)[idx:])
	(*side)[idx] = o
	b.byID[o.OrderID] = o
}

// Get returns the resting order with the given id, if present.
func (b *Book) Get(orderID string) (*types.Order, bool) {
	o, ok := b.byID[orderID]
	return o, ok
}

// Remove drops an order from the book (filled or canceled).
func (b *Book) Remove(orderID string) {
	o, ok := b.byID[orderID]
	if !ok {
		return
	}
	delete(b.byID, orderID)

	side := &b.bids
	if o.Side == types.SideSell {
		side = &b.asks
	}
	for i, e := range *side {
		if e.OrderID == orderID {
			*side = append((*side)[:i], (*side)[i+1:]...)
			return
		}
	}
}

// BestBid returns the highest-priced, oldest resting buy order.
func (b *Book) BestBid() *types.Order {
	if len(b.bids) == 0 {
		return nil
	}
	return b.bids[0]
}

// BestAsk returns the lowest-priced, oldest resting sell order.
func (b *Book) BestAsk() *types.Order {
	if len(b.asks) == 0 {
		return nil
	}
	return b.asks[0]
}

// crosses reports whether the incoming order's limit crosses the resting
// order's price.
func crosses(incoming, resting *types.Order) bool {
	if incoming.Side == types.SideBuy {
		return incoming.Price.GreaterThanOrEqual(resting.Price)
	}
	return incoming.Price.LessThanOrEqual(resting.Price)
}

// Plan walks the opposite side in priority order and returns the fills a
// matching pass over the incoming order would produce. The book is not
// mutated: the caller applies the plan only after its durable commit
// succeeds, which is what makes a failed commit side-effect free.
func (b *Book) Plan(incoming *types.Order) []Fill {
	opposite := b.asks
	if incoming.Side == types.SideSell {
		opposite = b.bids
	}

	var fills []Fill
	remaining := incoming.RemainingQuantity

	for _, resting := range opposite {
		if remaining.Sign() <= 0 || !crosses(incoming, resting) {
			break
		}
		qty := decimal.Min(remaining, resting.RemainingQuantity)
		fills = append(fills, Fill{
			Resting:  resting,
			Quantity: qty,
			Price:    resting.Price,
		})
		remaining = remaining.Sub(qty)
	}
	return fills
}

// Apply consumes a committed plan: resting orders are decremented per the
// fill quantities and removed once fully filled.
func (b *Book) Apply(fills []Fill) {
	for _, f := range fills {
		f.Resting.RemainingQuantity = f.Resting.RemainingQuantity.Sub(f.Quantity)
		if f.Resting.RemainingQuantity.Sign() == 0 {
			f.Resting.Status = types.OrderFilled
			b.Remove(f.Resting.OrderID)
		} else {
			f.Resting.Status = types.OrderPartiallyFilled
		}
	}
}

// Depth aggregates up to levels price levels per side.
func (b *Book) Depth(levels int) types.DepthSnapshot {
	return types.DepthSnapshot{
		TopicID:   b.market.TopicID,
		ShareType: b.market.ShareType,
		Bids:      aggregate(b.bids, levels),
		Asks:      aggregate(b.asks, levels),
	}
}

func aggregate(side []*types.Order, levels int) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, levels)
	for _, o := range side {
		if n := len(out); n > 0 && out[n-1].Price.Equal(o.Price) {
			out[n-1].Quantity = out[n-1].Quantity.Add(o.RemainingQuantity)
			continue
		}
		if len(out) == levels {
			break
		}
		out = append(out, types.PriceLevel{Price: o.Price, Quantity: o.RemainingQuantity})
	}
	return out
}

// OpenOrdersForUser returns copies of the user's resting orders, bids first.
func (b *Book) OpenOrdersForUser(userID string) []types.Order {
	var out []types.Order
	for _, side := range [][]*types.Order{b.bids, b.asks} {
		for _, o := range side {
			if o.UserID == userID {
				out = append(out, *o)
			}
		}
	}
	return out
}

// Resting returns every order on the book, used for mass cancellation when
// a topic resolves.
func (b *Book) Resting() []*types.Order {
	out := make([]*types.Order, 0, len(b.bids)+len(b.asks))
	out = append(out, b.bids...)
	out = append(out, b.asks...)
	return out
}

// Size returns the number of resting orders.
func (b *Book) Size() int {
	return len(b.byID)
}
