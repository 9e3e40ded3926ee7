package book

import (
	"testing"
	"time"

	"github.com/predictx/predictx-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMarket = types.Market{TopicID: "topic-1", ShareType: types.ShareYes}

func newOrder(id string, side types.Side, price string, qty int64, createdAt time.Time) *types.Order {
	q := decimal.NewFromInt(qty)
	return &types.Order{
		OrderID:           id,
		UserID:            "user-" + id,
		TopicID:           testMarket.TopicID,
		ShareType:         testMarket.ShareType,
		Side:              side,
		Price:             decimal.RequireFromString(price),
		Quantity:          q,
		RemainingQuantity: q,
		Status:            types.OrderOpen,
		CreatedAt:         createdAt,
	}
}

func TestInsertOrdersBidsByPriceThenTime(t *testing.T) {
	b := New(testMarket)
	base := time.Now()

	b.Insert(newOrder("low", types.SideBuy, "0.40", 10, base))
	b.Insert(newOrder("high", types.SideBuy, "0.60", 10, base.Add(time.Second)))
	b.Insert(newOrder("mid-old", types.SideBuy, "0.50", 10, base.Add(2*time.Second)))
	b.Insert(newOrder("mid-new", types.SideBuy, "0.50", 10, base.Add(3*time.Second)))

	require.NotNil(t, b.BestBid())
	assert.Equal(t, "high", b.BestBid().OrderID)

	b.Remove("high")
	assert.Equal(t, "mid-old", b.BestBid().OrderID, "same price ties go to the older order")

	b.Remove("mid-old")
	assert.Equal(t, "mid-new", b.BestBid().OrderID)

	b.Remove("mid-new")
	assert.Equal(t, "low", b.BestBid().OrderID)
}

func TestInsertOrdersAsksByPriceThenTime(t *testing.T) {
	b := New(testMarket)
	base := time.Now()

	b.Insert(newOrder("high", types.SideSell, "0.70", 10, base))
	b.Insert(newOrder("low-new", types.SideSell, "0.55", 10, base.Add(2*time.Second)))
	b.Insert(newOrder("low-old", types.SideSell, "0.55", 10, base.Add(time.Second)))

	require.NotNil(t, b.BestAsk())
	assert.Equal(t, "low-old", b.BestAsk().OrderID)

	b.Remove("low-old")
	assert.Equal(t, "low-new", b.BestAsk().OrderID)

	b.Remove("low-new")
	assert.Equal(t, "high", b.BestAsk().OrderID)
}

func TestPlanRespectsPriceTimePriority(t *testing.T) {
	b := New(testMarket)
	base := time.Now()

	b.Insert(newOrder("older", types.SideSell, "0.55", 5, base))
	b.Insert(newOrder("newer", types.SideSell, "0.55", 5, base.Add(time.Second)))

	incoming := newOrder("taker", types.SideBuy, "0.60", 8, base.Add(2*time.Second))
	fills := b.Plan(incoming)

	require.Len(t, fills, 2)
	assert.Equal(t, "older", fills[0].Resting.OrderID)
	assert.True(t, fills[0].Quantity.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, "newer", fills[1].Resting.OrderID)
	assert.True(t, fills[1].Quantity.Equal(decimal.NewFromInt(3)))

	// Trades execute at the resting order's price.
	for _, f := range fills {
		assert.True(t, f.Price.Equal(decimal.RequireFromString("0.55")))
	}
}

func TestPlanStopsAtNonCrossingPrice(t *testing.T) {
	b := New(testMarket)
	base := time.Now()

	b.Insert(newOrder("cheap", types.SideSell, "0.50", 5, base))
	b.Insert(newOrder("expensive", types.SideSell, "0.65", 5, base))

	incoming := newOrder("taker", types.SideBuy, "0.60", 10, base)
	fills := b.Plan(incoming)

	require.Len(t, fills, 1)
	assert.Equal(t, "cheap", fills[0].Resting.OrderID)
}

func TestPlanDoesNotMutateBook(t *testing.T) {
	b := New(testMarket)
	resting := newOrder("rest", types.SideSell, "0.55", 5, time.Now())
	b.Insert(resting)

	incoming := newOrder("taker", types.SideBuy, "0.60", 5, time.Now())
	fills := b.Plan(incoming)
	require.Len(t, fills, 1)

	// Nothing changed until Apply.
	assert.True(t, resting.RemainingQuantity.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, types.OrderOpen, resting.Status)
	assert.Equal(t, 1, b.Size())

	b.Apply(fills)
	assert.True(t, resting.RemainingQuantity.IsZero())
	assert.Equal(t, types.OrderFilled, resting.Status)
	assert.Equal(t, 0, b.Size())
}

func TestApplyPartialFillKeepsOrderOnBook(t *testing.T) {
	b := New(testMarket)
	resting := newOrder("rest", types.SideSell, "0.55", 10, time.Now())
	b.Insert(resting)

	incoming := newOrder("taker", types.SideBuy, "0.60", 4, time.Now())
	b.Apply(b.Plan(incoming))

	require.Equal(t, 1, b.Size())
	assert.True(t, resting.RemainingQuantity.Equal(decimal.NewFromInt(6)))
	assert.Equal(t, types.OrderPartiallyFilled, resting.Status)
}

func TestDepthAggregatesByPrice(t *testing.T) {
	b := New(testMarket)
	base := time.Now()

	b.Insert(newOrder("b1", types.SideBuy, "0.50", 5, base))
	b.Insert(newOrder("b2", types.SideBuy, "0.50", 3, base.Add(time.Second)))
	b.Insert(newOrder("b3", types.SideBuy, "0.45", 2, base))
	b.Insert(newOrder("a1", types.SideSell, "0.60", 7, base))

	depth := b.Depth(5)
	require.Len(t, depth.Bids, 2)
	require.Len(t, depth.Asks, 1)

	assert.True(t, depth.Bids[0].Price.Equal(decimal.RequireFromString("0.50")))
	assert.True(t, depth.Bids[0].Quantity.Equal(decimal.NewFromInt(8)))
	assert.True(t, depth.Bids[1].Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, depth.Asks[0].Quantity.Equal(decimal.NewFromInt(7)))
}

func TestDepthRespectsLevelLimit(t *testing.T) {
	b := New(testMarket)
	base := time.Now()

	prices := []string{"0.10", "0.20", "0.30", "0.40", "0.50", "0.60"}
	for i, p := range prices {
		b.Insert(newOrder(p, types.SideBuy, p, int64(i+1), base))
	}

	depth := b.Depth(5)
	require.Len(t, depth.Bids, 5)
	// Best five levels survive, worst price is cut.
	assert.True(t, depth.Bids[0].Price.Equal(decimal.RequireFromString("0.60")))
	assert.True(t, depth.Bids[4].Price.Equal(decimal.RequireFromString("0.20")))
}

func TestOpenOrdersForUser(t *testing.T) {
	b := New(testMarket)
	base := time.Now()

	mine := newOrder("mine", types.SideBuy, "0.50", 5, base)
	mine.UserID = "alice"
	other := newOrder("other", types.SideSell, "0.60", 5, base)
	other.UserID = "bob"
	b.Insert(mine)
	b.Insert(other)

	orders := b.OpenOrdersForUser("alice")
	require.Len(t, orders, 1)
	assert.Equal(t, "mine", orders[0].OrderID)
}
