package ledger

import (
	"errors"
	"fmt"

	"github.com/predictx/predictx-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Ledger owns every cash and share mutation. Mutating operations take the
// caller's transaction handle so a whole matching pass commits or rolls back
// as one unit; balances are shared across markets, and the transaction is
// what prevents lost updates when a user settles on two markets at once.
type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// DB exposes the underlying handle for callers that open the transaction.
func (l *Ledger) DB() *gorm.DB {
	return l.db
}

func (l *Ledger) GetUser(userID string) (*types.User, error) {
	return getUser(l.db, userID)
}

func getUser(tx *gorm.DB, userID string) (*types.User, error) {
	var user types.User
	if err := tx.Where("user_id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func getOrCreateBalance(tx *gorm.DB, userID, topicID string) (*types.UserBalance, error) {
	var balance types.UserBalance
	err := tx.Where("user_id = ? AND topic_id = ?", userID, topicID).First(&balance).Error
	if err == nil {
		return &balance, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	balance = types.UserBalance{UserID: userID, TopicID: topicID}
	if err := tx.Create(&balance).Error; err != nil {
		return nil, err
	}
	return &balance, nil
}

// Deposit credits cash from the external on-ramp. The amount is trusted to
// have been validated upstream beyond being positive.
func (l *Ledger) Deposit(userID string, amount decimal.Decimal) (*types.User, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	var user *types.User
	err := l.db.Transaction(func(tx *gorm.DB) error {
		u, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		u.CashBalance = u.CashBalance.Add(amount)
		user = u
		return tx.Save(u).Error
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ReserveCash moves amount from available to locked cash, failing without
// mutation when free cash cannot cover it.
func (l *Ledger) ReserveCash(tx *gorm.DB, userID string, amount decimal.Decimal) error {
	user, err := getUser(tx, userID)
	if err != nil {
		return err
	}
	if user.CashBalance.LessThan(amount) {
		return fmt.Errorf("%w: need %s cash, have %s", ErrInsufficientBalance,
			amount.String(), user.CashBalance.String())
	}
	user.CashBalance = user.CashBalance.Sub(amount)
	user.LockedCash = user.LockedCash.Add(amount)
	return tx.Save(user).Error
}

// ReleaseCash returns locked cash to the available balance (cancel path).
func (l *Ledger) ReleaseCash(tx *gorm.DB, userID string, amount decimal.Decimal) error {
	user, err := getUser(tx, userID)
	if err != nil {
		return err
	}
	if user.LockedCash.LessThan(amount) {
		return fmt.Errorf("locked cash underflow for user %s: release %s, locked %s",
			userID, amount.String(), user.LockedCash.String())
	}
	user.LockedCash = user.LockedCash.Sub(amount)
	user.CashBalance = user.CashBalance.Add(amount)
	return tx.Save(user).Error
}

// ReserveShares locks qty shares of the given type against a SELL order.
// Short selling is not supported: free shares must cover the full quantity.
func (l *Ledger) ReserveShares(tx *gorm.DB, userID, topicID string, st types.ShareType, qty decimal.Decimal) error {
	balance, err := getOrCreateBalance(tx, userID, topicID)
	if err != nil {
		return err
	}

	available, _ := balance.Shares(st)
	if available.LessThan(qty) {
		return fmt.Errorf("%w: need %s %s shares, have %s", ErrInsufficientBalance,
			qty.String(), st, available.String())
	}

	if st == types.ShareYes {
		balance.YesShares = balance.YesShares.Sub(qty)
		balance.LockedYes = balance.LockedYes.Add(qty)
	} else {
		balance.NoShares = balance.NoShares.Sub(qty)
		balance.LockedNo = balance.LockedNo.Add(qty)
	}
	return tx.Save(balance).Error
}

// ReleaseShares returns locked shares to the available balance (cancel path).
func (l *Ledger) ReleaseShares(tx *gorm.DB, userID, topicID string, st types.ShareType, qty decimal.Decimal) error {
	balance, err := getOrCreateBalance(tx, userID, topicID)
	if err != nil {
		return err
	}

	_, locked := balance.Shares(st)
	if locked.LessThan(qty) {
		return fmt.Errorf("locked share underflow for user %s topic %s: release %s, locked %s",
			userID, topicID, qty.String(), locked.String())
	}

	if st == types.ShareYes {
		balance.LockedYes = balance.LockedYes.Sub(qty)
		balance.YesShares = balance.YesShares.Add(qty)
	} else {
		balance.LockedNo = balance.LockedNo.Sub(qty)
		balance.NoShares = balance.NoShares.Add(qty)
	}
	return tx.Save(balance).Error
}

// SettleTrade moves cash and shares between the two counterparties of one
// trade. The buyer's reservation was taken at their limit price, so the
// difference between limit and trade price is refunded to free cash. The
// seller's reservation was taken in shares. Net effect: exactly
// price*quantity cash and quantity shares change hands.
func (l *Ledger) SettleTrade(tx *gorm.DB, trade *types.Trade, buyerLimit decimal.Decimal) error {
	cost := trade.Price.Mul(trade.Quantity)
	reserved := buyerLimit.Mul(trade.Quantity)
	refund := reserved.Sub(cost)

	buyer, err := getUser(tx, trade.BuyerID)
	if err != nil {
		return fmt.Errorf("settle buyer: %w", err)
	}
	if buyer.LockedCash.LessThan(reserved) {
		return fmt.Errorf("locked cash underflow settling trade %s for buyer %s",
			trade.TradeID, trade.BuyerID)
	}
	buyer.LockedCash = buyer.LockedCash.Sub(reserved)
	buyer.CashBalance = buyer.CashBalance.Add(refund)
	if err := tx.Save(buyer).Error; err != nil {
		return err
	}

	seller, err := getUser(tx, trade.SellerID)
	if err != nil {
		return fmt.Errorf("settle seller: %w", err)
	}
	seller.CashBalance = seller.CashBalance.Add(cost)
	if err := tx.Save(seller).Error; err != nil {
		return err
	}

	buyerBalance, err := getOrCreateBalance(tx, trade.BuyerID, trade.TopicID)
	if err != nil {
		return err
	}
	if trade.ShareType == types.ShareYes {
		buyerBalance.YesShares = buyerBalance.YesShares.Add(trade.Quantity)
	} else {
		buyerBalance.NoShares = buyerBalance.NoShares.Add(trade.Quantity)
	}
	if err := tx.Save(buyerBalance).Error; err != nil {
		return err
	}

	sellerBalance, err := getOrCreateBalance(tx, trade.SellerID, trade.TopicID)
	if err != nil {
		return err
	}
	_, locked := sellerBalance.Shares(trade.ShareType)
	if locked.LessThan(trade.Quantity) {
		return fmt.Errorf("locked share underflow settling trade %s for seller %s",
			trade.TradeID, trade.SellerID)
	}
	if trade.ShareType == types.ShareYes {
		sellerBalance.LockedYes = sellerBalance.LockedYes.Sub(trade.Quantity)
	} else {
		sellerBalance.LockedNo = sellerBalance.LockedNo.Sub(trade.Quantity)
	}
	return tx.Save(sellerBalance).Error
}

// PayoutResolution credits every holder of the winning share type with 1.00
// cash per share and zeroes both sides' holdings for the topic. Resting
// orders must already have been canceled so no shares are locked.
func (l *Ledger) PayoutResolution(tx *gorm.DB, topicID string, winner types.ShareType) error {
	var balances []types.UserBalance
	if err := tx.Where("topic_id = ?", topicID).Find(&balances).Error; err != nil {
		return err
	}

	for i := range balances {
		balance := &balances[i]
		winning, _ := balance.Shares(winner)
		if winning.Sign() > 0 {
			user, err := getUser(tx, balance.UserID)
			if err != nil {
				return err
			}
			user.CashBalance = user.CashBalance.Add(winning)
			if err := tx.Save(user).Error; err != nil {
				return err
			}
		}

		balance.YesShares = decimal.Zero
		balance.NoShares = decimal.Zero
		balance.LockedYes = decimal.Zero
		balance.LockedNo = decimal.Zero
		if err := tx.Save(balance).Error; err != nil {
			return err
		}
	}
	return nil
}

// BalancesForUser answers the "balances for user X" query from current
// ledger state.
func (l *Ledger) BalancesForUser(userID string) (*types.BalanceResponse, error) {
	user, err := l.GetUser(userID)
	if err != nil {
		return nil, err
	}

	var balances []types.UserBalance
	if err := l.db.Where("user_id = ?", userID).Find(&balances).Error; err != nil {
		return nil, err
	}

	holdings := make([]types.HoldingInfo, 0, len(balances))
	for _, b := range balances {
		holdings = append(holdings, types.HoldingInfo{
			TopicID:   b.TopicID,
			YesShares: b.YesShares,
			NoShares:  b.NoShares,
			LockedYes: b.LockedYes,
			LockedNo:  b.LockedNo,
		})
	}

	return &types.BalanceResponse{
		UserID:      user.UserID,
		CashBalance: user.CashBalance,
		LockedCash:  user.LockedCash,
		Holdings:    holdings,
	}, nil
}
