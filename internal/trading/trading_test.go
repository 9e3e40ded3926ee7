package trading

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

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

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "trading.db"))
	require.NoError(t, err)

	l := ledger.New(db)
	eng, err := engine.New(db, l, settlement.NewService(l), engine.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	go func() {
		for range eng.Events() {
		}
	}()

	require.NoError(t, db.Create(&types.Topic{
		TopicID:    testTopic,
		Name:       "Will it rain tomorrow?",
		Resolution: types.TopicPending,
	}).Error)

	return NewService(db, eng, l), db
}

func createUser(t *testing.T, db *gorm.DB, userID, cash string) {
	t.Helper()
	require.NoError(t, db.Create(&types.User{
		UserID:      userID,
		Email:       userID + "@test.local",
		CashBalance: decimal.RequireFromString(cash),
	}).Error)
}

func buyRequest(price string, qty int64) *types.SubmitOrderRequest {
	return &types.SubmitOrderRequest{
		TopicID:   testTopic,
		ShareType: types.ShareYes,
		Side:      types.SideBuy,
		Price:     decimal.RequireFromString(price),
		Quantity:  decimal.NewFromInt(qty),
	}
}

func TestSubmitOrderIdempotencyReplay(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice", "100")

	first, err := svc.SubmitOrder(context.Background(), "alice", buyRequest("0.60", 10), "key-1")
	require.NoError(t, err)

	// Same key again: the stored outcome comes back, nothing matches twice.
	replay, err := svc.SubmitOrder(context.Background(), "alice", buyRequest("0.60", 10), "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.Order.OrderID, replay.Order.OrderID)

	var count int64
	require.NoError(t, db.Model(&types.Order{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// Only one reservation was taken.
	var alice types.User
	require.NoError(t, db.Where("user_id = ?", "alice").First(&alice).Error)
	assert.True(t, alice.LockedCash.Equal(decimal.RequireFromString("6.00")))
}

func TestSubmitOrderReplayIncludesTrades(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "buyer", "100")
	createUser(t, db, "seller", "0")
	require.NoError(t, db.Create(&types.UserBalance{
		UserID: "seller", TopicID: testTopic,
		YesShares: decimal.RequireFromString("5"),
	}).Error)

	_, err := svc.SubmitOrder(context.Background(), "seller", &types.SubmitOrderRequest{
		TopicID:   testTopic,
		ShareType: types.ShareYes,
		Side:      types.SideSell,
		Price:     decimal.RequireFromString("0.55"),
		Quantity:  decimal.NewFromInt(5),
	}, "")
	require.NoError(t, err)

	first, err := svc.SubmitOrder(context.Background(), "buyer", buyRequest("0.60", 5), "key-2")
	require.NoError(t, err)
	require.Len(t, first.Trades, 1)

	replay, err := svc.SubmitOrder(context.Background(), "buyer", buyRequest("0.60", 5), "key-2")
	require.NoError(t, err)
	require.Len(t, replay.Trades, 1)
	assert.Equal(t, first.Trades[0].TradeID, replay.Trades[0].TradeID)
	assert.Equal(t, types.OrderFilled, replay.Order.Status)
}

// Racing submissions with one key all come back with the single winning
// order, whether they beat the record to the store or lost to it.
func TestConcurrentSameKeySubmissions(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice", "100")

	const racers = 6
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]*types.SubmitOrderResult, racers)
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = svc.SubmitOrder(context.Background(), "alice",
				buyRequest("0.50", 2), "race-key")
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < racers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Order.OrderID, results[i].Order.OrderID)
	}

	var count int64
	require.NoError(t, db.Model(&types.Order{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// Exactly one reservation was taken.
	var alice types.User
	require.NoError(t, db.Where("user_id = ?", "alice").First(&alice).Error)
	assert.True(t, alice.LockedCash.Equal(decimal.RequireFromString("1.00")))
}

func TestDistinctKeysSubmitIndependently(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice", "100")

	_, err := svc.SubmitOrder(context.Background(), "alice", buyRequest("0.60", 5), "key-a")
	require.NoError(t, err)
	_, err = svc.SubmitOrder(context.Background(), "alice", buyRequest("0.60", 5), "key-b")
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&types.Order{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestGetOrderScopedToOwner(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice", "100")
	createUser(t, db, "bob", "100")

	result, err := svc.SubmitOrder(context.Background(), "alice", buyRequest("0.50", 5), "")
	require.NoError(t, err)

	order, err := svc.GetOrder(result.Order.OrderID, "alice")
	require.NoError(t, err)
	assert.Equal(t, result.Order.OrderID, order.OrderID)

	_, err = svc.GetOrder(result.Order.OrderID, "bob")
	assert.ErrorIs(t, err, engine.ErrOrderNotFound)

	_, err = svc.GetOrder("no-such-order", "alice")
	assert.ErrorIs(t, err, engine.ErrOrderNotFound)
}

func TestOpenOrdersFromBookAndStore(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice", "100")

	result, err := svc.SubmitOrder(context.Background(), "alice", buyRequest("0.50", 5), "")
	require.NoError(t, err)

	market := &types.Market{TopicID: testTopic, ShareType: types.ShareYes}
	fromBook, err := svc.OpenOrders(context.Background(), "alice", market)
	require.NoError(t, err)
	require.Len(t, fromBook, 1)
	assert.Equal(t, result.Order.OrderID, fromBook[0].OrderID)

	fromStore, err := svc.OpenOrders(context.Background(), "alice", nil)
	require.NoError(t, err)
	require.Len(t, fromStore, 1)
	assert.Equal(t, result.Order.OrderID, fromStore[0].OrderID)
}

func TestBalancesReflectActivity(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice", "100")

	_, err := svc.SubmitOrder(context.Background(), "alice", buyRequest("0.40", 10), "")
	require.NoError(t, err)

	balances, err := svc.Balances("alice")
	require.NoError(t, err)
	assert.True(t, balances.CashBalance.Equal(decimal.RequireFromString("96.00")))
	assert.True(t, balances.LockedCash.Equal(decimal.RequireFromString("4.00")))

	_, err = svc.Balances("nobody")
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
}
