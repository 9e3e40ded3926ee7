package engine_test

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/predictx/predictx-api/internal/database"
	"github.com/predictx/predictx-api/internal/engine"
	"github.com/predictx/predictx-api/internal/ledger"
	"github.com/predictx/predictx-api/internal/settlement"
	"github.com/predictx/predictx-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testTopic = "topic-1"

type testEnv struct {
	t      *testing.T
	db     *gorm.DB
	ledger *ledger.Ledger
	engine *engine.Engine
}

func newTestEnv(t *testing.T, cfg engine.Config, drainEvents bool) *testEnv {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)

	l := ledger.New(db)
	eng, err := engine.New(db, l, settlement.NewService(l), cfg)
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	if drainEvents {
		go func() {
			for range eng.Events() {
			}
		}()
	}

	require.NoError(t, db.Create(&types.Topic{
		TopicID:    testTopic,
		Name:       "Will it rain tomorrow?",
		Resolution: types.TopicPending,
	}).Error)

	return &testEnv{t: t, db: db, ledger: l, engine: eng}
}

func (env *testEnv) createUser(userID, cash string) {
	env.t.Helper()
	require.NoError(env.t, env.db.Create(&types.User{
		UserID:      userID,
		Email:       userID + "@test.local",
		CashBalance: decimal.RequireFromString(cash),
	}).Error)
}

func (env *testEnv) giveShares(userID string, st types.ShareType, qty string) {
	env.t.Helper()
	balance := &types.UserBalance{UserID: userID, TopicID: testTopic}
	if st == types.ShareYes {
		balance.YesShares = decimal.RequireFromString(qty)
	} else {
		balance.NoShares = decimal.RequireFromString(qty)
	}
	require.NoError(env.t, env.db.Create(balance).Error)
}

func (env *testEnv) submit(userID string, side types.Side, price string, qty int64) (*types.SubmitOrderResult, error) {
	return env.engine.Submit(context.Background(), userID, &types.SubmitOrderRequest{
		TopicID:   testTopic,
		ShareType: types.ShareYes,
		Side:      side,
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.NewFromInt(qty),
	}, "")
}

func (env *testEnv) mustSubmit(userID string, side types.Side, price string, qty int64) *types.SubmitOrderResult {
	env.t.Helper()
	result, err := env.submit(userID, side, price, qty)
	require.NoError(env.t, err)
	return result
}

func (env *testEnv) user(userID string) *types.User {
	env.t.Helper()
	user, err := env.ledger.GetUser(userID)
	require.NoError(env.t, err)
	return user
}

func (env *testEnv) storedOrder(orderID string) *types.Order {
	env.t.Helper()
	var order types.Order
	require.NoError(env.t, env.db.Where("order_id = ?", orderID).First(&order).Error)
	return &order
}

// Scenario A: empty book, a buy order rests untouched.
func TestSubmitRestsOnEmptyBook(t *testing.T) {
	env := newTestEnv(t, engine.DefaultConfig(), true)
	env.createUser("alice", "100")

	result := env.mustSubmit("alice", types.SideBuy, "0.60", 10)

	assert.Empty(t, result.Trades)
	assert.Equal(t, types.OrderOpen, result.Order.Status)
	assert.True(t, result.Order.RemainingQuantity.Equal(decimal.NewFromInt(10)))

	// Worst-case reservation: 0.60 * 10.
	alice := env.user("alice")
	assert.True(t, alice.LockedCash.Equal(decimal.RequireFromString("6.00")))
	assert.True(t, alice.CashBalance.Equal(decimal.RequireFromString("94.00")))
}

// Scenario B: one incoming buy crosses two same-priced asks, oldest first,
// both trades at the resting price.
func TestSubmitCrossesMultipleRestingOrders(t *testing.T) {
	env := newTestEnv(t, engine.DefaultConfig(), true)
	env.createUser("buyer", "100")
	env.createUser("seller1", "0")
	env.createUser("seller2", "0")
	env.giveShares("seller1", types.ShareYes, "5")
	env.giveShares("seller2", types.ShareYes, "5")

	older := env.mustSubmit("seller1", types.SideSell, "0.55", 5)
	time.Sleep(5 * time.Millisecond) // distinct createdAt for time priority
	newer := env.mustSubmit("seller2", types.SideSell, "0.55", 5)

	result := env.mustSubmit("buyer", types.SideBuy, "0.60", 8)

	require.Len(t, result.Trades, 2)
	assert.Equal(t, "seller1", result.Trades[0].SellerID)
	assert.True(t, result.Trades[0].Quantity.Equal(decimal.NewFromInt(5)))
	assert.True(t, result.Trades[0].Price.Equal(decimal.RequireFromString("0.55")))
	assert.Equal(t, "seller2", result.Trades[1].SellerID)
	assert.True(t, result.Trades[1].Quantity.Equal(decimal.NewFromInt(3)))
	assert.True(t, result.Trades[1].Price.Equal(decimal.RequireFromString("0.55")))

	assert.Equal(t, types.OrderFilled, result.Order.Status)
	assert.True(t, result.Order.RemainingQuantity.IsZero())

	assert.Equal(t, types.OrderFilled, env.storedOrder(older.Order.OrderID).Status)
	newerStored := env.storedOrder(newer.Order.OrderID)
	assert.Equal(t, types.OrderPartiallyFilled, newerStored.Status)
	assert.True(t, newerStored.RemainingQuantity.Equal(decimal.NewFromInt(2)))

	// Buyer paid 8 * 0.55 = 4.40 and holds 8 YES shares.
	buyer := env.user("buyer")
	assert.True(t, buyer.CashBalance.Equal(decimal.RequireFromString("95.60")))
	assert.True(t, buyer.LockedCash.IsZero())
}

// Scenario C: a sell above the best bid rests without trading.
func TestSubmitNonCrossingSellRests(t *testing.T) {
	env := newTestEnv(t, engine.DefaultConfig(), true)
	env.createUser("buyer", "100")
	env.createUser("seller", "0")
	env.giveShares("seller", types.ShareYes, "10")

	env.mustSubmit("buyer", types.SideBuy, "0.65", 5)
	result := env.mustSubmit("seller", types.SideSell, "0.70", 10)

	assert.Empty(t, result.Trades)
	assert.Equal(t, types.OrderOpen, result.Order.Status)

	orders, err := env.engine.OpenOrders(context.Background(), "seller",
		types.Market{TopicID: testTopic, ShareType: types.ShareYes})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, result.Order.OrderID, orders[0].OrderID)
}

// Scenario D: canceling a fully filled order fails as already terminal.
func TestCancelFilledOrderFails(t *testing.T) {
	env := newTestEnv(t, engine.DefaultConfig(), true)
	env.createUser("buyer", "100")
	env.createUser("seller", "0")
	env.giveShares("seller", types.ShareYes, "5")

	resting := env.mustSubmit("seller", types.SideSell, "0.55", 5)
	env.mustSubmit("buyer", types.SideBuy, "0.60", 5)

	_, err := env.engine.Cancel(context.Background(), "seller", resting.Order.OrderID)
	assert.ErrorIs(t, err, engine.ErrOrderTerminal)
}

// Scenario E: once a topic leaves PENDING the market refuses intake and
// resting orders are canceled with their reservations released.
func TestCloseMarketCancelsRestingOrders(t *testing.T) {
	env := newTestEnv(t, engine.DefaultConfig(), true)
	env.createUser("alice", "100")

	resting := env.mustSubmit("alice", types.SideBuy, "0.60", 10)
	assert.True(t, env.user("alice").LockedCash.Equal(decimal.RequireFromString("6.00")))

	require.NoError(t, env.db.Model(&types.Topic{}).
		Where("topic_id = ?", testTopic).
		Update("resolution", types.TopicResolvedYes).Error)
	require.NoError(t, env.engine.CloseMarket(context.Background(), testTopic))

	_, err := env.submit("alice", types.SideBuy, "0.50", 1)
	assert.ErrorIs(t, err, engine.ErrMarketClosed)

	stored := env.storedOrder(resting.Order.OrderID)
	assert.Equal(t, types.OrderCanceled, stored.Status)

	alice := env.user("alice")
	assert.True(t, alice.LockedCash.IsZero())
	assert.True(t, alice.CashBalance.Equal(decimal.RequireFromString("100")))
}

func TestValidationRejections(t *testing.T) {
	env := newTestEnv(t, engine.DefaultConfig(), true)
	env.createUser("alice", "100")

	_, err := env.submit("alice", types.SideBuy, "1.00", 5)
	assert.ErrorIs(t, err, engine.ErrInvalidPrice)

	_, err = env.submit("alice", types.SideBuy, "0", 5)
	assert.ErrorIs(t, err, engine.ErrInvalidPrice)

	_, err = env.submit("alice", types.SideBuy, "0.50", 0)
	assert.ErrorIs(t, err, engine.ErrInvalidQuantity)

	_, err = env.engine.Submit(context.Background(), "alice", &types.SubmitOrderRequest{
		TopicID:   "no-such-topic",
		ShareType: types.ShareYes,
		Side:      types.SideBuy,
		Price:     decimal.RequireFromString("0.50"),
		Quantity:  decimal.NewFromInt(1),
	}, "")
	assert.ErrorIs(t, err, engine.ErrTopicNotFound)
}

func TestInsufficientBalanceLeavesNoReservation(t *testing.T) {
	env := newTestEnv(t, engine.DefaultConfig(), true)
	env.createUser("alice", "1")

	_, err := env.submit("alice", types.SideBuy, "0.60", 10)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	alice := env.user("alice")
	assert.True(t, alice.CashBalance.Equal(decimal.RequireFromString("1")))
	assert.True(t, alice.LockedCash.IsZero())

	// Nothing rested and nothing was written.
	var count int64
	require.NoError(t, env.db.Model(&types.Order{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSellWithoutSharesRejected(t *testing.T) {
	env := newTestEnv(t, engine.DefaultConfig(), true)
	env.createUser("alice", "100")

	_, err := env.submit("alice", types.SideSell, "0.60", 10)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestCancelReleasesRemainingReservation(t *testing.T) {
	env := newTestEnv(t, engine.DefaultConfig(), true)
	env.createUser("buyer", "100")
	env.createUser("seller", "0")
	env.giveShares("seller", types.ShareYes, "4")

	// Partially fill the buy, then cancel the remainder.
	resting := env.mustSubmit("buyer", types.SideBuy, "0.50", 10)
	env.mustSubmit("seller", types.SideSell, "0.50", 4)

	order, err := env.engine.Cancel(context.Background(), "buyer", resting.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCanceled, order.Status)

	// 4 filled at 0.50 cost 2.00; the remaining 6-share lock of 3.00 came back.
	buyer := env.user("buyer")
	assert.True(t, buyer.LockedCash.IsZero())
	assert.True(t, buyer.CashBalance.Equal(decimal.RequireFromString("98.00")))
}

func TestCancelChecksOwnership(t *testing.T) {
	env := newTestEnv(t, engine.DefaultConfig(), true)
	env.createUser("alice", "100")
	env.createUser("bob", "100")

	resting := env.mustSubmit("alice", types.SideBuy, "0.50", 5)

	_, err := env.engine.Cancel(context.Background(), "bob", resting.Order.OrderID)
	assert.ErrorIs(t, err, engine.ErrNotOrderOwner)

	_, err = env.engine.Cancel(context.Background(), "alice", "no-such-order")
	assert.ErrorIs(t, err, engine.ErrOrderNotFound)
}

func TestSelfTradePolicy(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.AllowSelfTrade = false
	env := newTestEnv(t, cfg, true)
	env.createUser("alice", "100")
	env.giveShares("alice", types.ShareYes, "10")

	env.mustSubmit("alice", types.SideSell, "0.55", 5)
	_, err := env.submit("alice", types.SideBuy, "0.60", 5)
	assert.ErrorIs(t, err, engine.ErrSelfTrade)
}

func TestSelfTradeAllowedByDefault(t *testing.T) {
	env := newTestEnv(t, engine.DefaultConfig(), true)
	env.createUser("alice", "100")
	env.giveShares("alice", types.ShareYes, "10")

	env.mustSubmit("alice", types.SideSell, "0.55", 5)
	result := env.mustSubmit("alice", types.SideBuy, "0.60", 5)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, "alice", result.Trades[0].BuyerID)
	assert.Equal(t, "alice", result.Trades[0].SellerID)
}

// A caller that gave up before the queued cycle ran gets an error and the
// store stays untouched.
func TestSubmitCanceledContextDoesNotCommit(t *testing.T) {
	env := newTestEnv(t, engine.DefaultConfig(), true)
	env.createUser("alice", "100")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.engine.Submit(ctx, "alice", &types.SubmitOrderRequest{
		TopicID:   testTopic,
		ShareType: types.ShareYes,
		Side:      types.SideBuy,
		Price:     decimal.RequireFromString("0.60"),
		Quantity:  decimal.NewFromInt(10),
	}, "")
	assert.ErrorIs(t, err, context.Canceled)

	// A live follow-up submission is serialized behind the aborted task, so
	// after it returns only its own effects can exist.
	env.mustSubmit("alice", types.SideBuy, "0.40", 5)

	var count int64
	require.NoError(t, env.db.Model(&types.Order{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	alice := env.user("alice")
	assert.True(t, alice.LockedCash.Equal(decimal.RequireFromString("2.00")))
}

// Fill monotonicity: remaining quantity only decreases, status never moves
// backward.
func TestFillMonotonicity(t *testing.T) {
	env := newTestEnv(t, engine.DefaultConfig(), true)
	env.createUser("buyer1", "100")
	env.createUser("buyer2", "100")
	env.createUser("seller", "0")
	env.giveShares("seller", types.ShareYes, "10")

	resting := env.mustSubmit("seller", types.SideSell, "0.50", 10)

	env.mustSubmit("buyer1", types.SideBuy, "0.50", 3)
	afterFirst := env.storedOrder(resting.Order.OrderID)
	assert.Equal(t, types.OrderPartiallyFilled, afterFirst.Status)
	assert.True(t, afterFirst.RemainingQuantity.Equal(decimal.NewFromInt(7)))

	env.mustSubmit("buyer2", types.SideBuy, "0.50", 7)
	afterSecond := env.storedOrder(resting.Order.OrderID)
	assert.Equal(t, types.OrderFilled, afterSecond.Status)
	assert.True(t, afterSecond.RemainingQuantity.IsZero())
}

// Conservation: across a random order flow, total cash and total shares
// are invariant.
func TestConservationAcrossRandomFlow(t *testing.T) {
	env := newTestEnv(t, engine.DefaultConfig(), true)

	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		env.createUser(u, "100")
		env.giveShares(u, types.ShareYes, "50")
	}

	rng := rand.New(rand.NewSource(42))
	prices := []string{"0.40", "0.45", "0.50", "0.55", "0.60"}
	for i := 0; i < 120; i++ {
		user := users[rng.Intn(len(users))]
		side := types.SideBuy
		if rng.Intn(2) == 1 {
			side = types.SideSell
		}
		// Rejections (insufficient balance) are part of the flow.
		_, _ = env.submit(user, side, prices[rng.Intn(len(prices))], int64(1+rng.Intn(8)))
	}

	totalCash := decimal.Zero
	for _, u := range users {
		user := env.user(u)
		totalCash = totalCash.Add(user.CashBalance).Add(user.LockedCash)
	}
	assert.True(t, totalCash.Equal(decimal.RequireFromString("400")),
		"total cash drifted to %s", totalCash)

	var balances []types.UserBalance
	require.NoError(t, env.db.Find(&balances).Error)
	totalShares := decimal.Zero
	for _, b := range balances {
		totalShares = totalShares.Add(b.YesShares).Add(b.LockedYes)
	}
	assert.True(t, totalShares.Equal(decimal.RequireFromString("200")),
		"total shares drifted to %s", totalShares)

	// No trade executed outside either participant's limit.
	var trades []types.Trade
	require.NoError(t, env.db.Find(&trades).Error)
	for _, trade := range trades {
		buy := env.storedOrder(trade.BuyOrderID)
		sell := env.storedOrder(trade.SellOrderID)
		assert.True(t, trade.Price.LessThanOrEqual(buy.Price))
		assert.True(t, trade.Price.GreaterThanOrEqual(sell.Price))
	}
}

// Recovery: a new engine over the same store rebuilds the books.
func TestRecoveryRebuildsBook(t *testing.T) {
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "engine.db"))
	require.NoError(t, err)

	l := ledger.New(db)
	eng, err := engine.New(db, l, settlement.NewService(l), engine.DefaultConfig())
	require.NoError(t, err)
	go func() {
		for range eng.Events() {
		}
	}()

	require.NoError(t, db.Create(&types.Topic{
		TopicID: testTopic, Name: "t", Resolution: types.TopicPending,
	}).Error)
	require.NoError(t, db.Create(&types.User{
		UserID: "alice", Email: "alice@test.local",
		CashBalance: decimal.RequireFromString("100"),
	}).Error)

	result, err := eng.Submit(context.Background(), "alice", &types.SubmitOrderRequest{
		TopicID:   testTopic,
		ShareType: types.ShareYes,
		Side:      types.SideBuy,
		Price:     decimal.RequireFromString("0.60"),
		Quantity:  decimal.NewFromInt(10),
	}, "")
	require.NoError(t, err)
	eng.Close()

	// Restart over the same store.
	restarted, err := engine.New(db, l, settlement.NewService(l), engine.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(restarted.Close)
	go func() {
		for range restarted.Events() {
		}
	}()

	orders, err := restarted.OpenOrders(context.Background(), "alice",
		types.Market{TopicID: testTopic, ShareType: types.ShareYes})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, result.Order.OrderID, orders[0].OrderID)

	// The rebuilt order is still cancelable.
	_, err = restarted.Cancel(context.Background(), "alice", result.Order.OrderID)
	require.NoError(t, err)
}

// Events carry the committed depth for the touched market, in intake order.
func TestEventsPublishDepth(t *testing.T) {
	env := newTestEnv(t, engine.DefaultConfig(), false)
	env.createUser("alice", "100")

	env.mustSubmit("alice", types.SideBuy, "0.60", 10)

	select {
	case event := <-env.engine.Events():
		assert.Equal(t, testTopic, event.Market.TopicID)
		require.Len(t, event.Depth.Bids, 1)
		assert.True(t, event.Depth.Bids[0].Price.Equal(decimal.RequireFromString("0.60")))
		assert.True(t, event.Depth.Bids[0].Quantity.Equal(decimal.NewFromInt(10)))
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}
