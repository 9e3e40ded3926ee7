package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubmitOrderRequest is the order-intake payload from the presentation layer.
type SubmitOrderRequest struct {
	TopicID   string          `json:"topic_id" binding:"required"`
	ShareType ShareType       `json:"share_type" binding:"required"`
	Side      Side            `json:"side" binding:"required"`
	Price     decimal.Decimal `json:"price" binding:"required"`
	Quantity  decimal.Decimal `json:"quantity" binding:"required"`
}

// SubmitOrderResult reports the immediate outcome of an intake cycle: the
// order's final state plus any trades produced while crossing the book.
type SubmitOrderResult struct {
	Order  *Order  `json:"order"`
	Trades []Trade `json:"trades"`
}

// PriceLevel is one aggregated row of a depth snapshot.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// DepthSnapshot is the top-of-book view pushed to market data subscribers.
type DepthSnapshot struct {
	TopicID   string       `json:"topic_id"`
	ShareType ShareType    `json:"share_type"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// TopicInfo is the topic metadata shape pushed on the topic-list channel.
type TopicInfo struct {
	TopicID    string          `json:"topic_id"`
	Name       string          `json:"name"`
	Resolution TopicResolution `json:"resolution"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

// HoldingInfo is one (topic, shares) row of a balance query response.
type HoldingInfo struct {
	TopicID   string          `json:"topic_id"`
	YesShares decimal.Decimal `json:"yes_shares"`
	NoShares  decimal.Decimal `json:"no_shares"`
	LockedYes decimal.Decimal `json:"locked_yes"`
	LockedNo  decimal.Decimal `json:"locked_no"`
}

// BalanceResponse answers the "balances for user X" query.
type BalanceResponse struct {
	UserID      string          `json:"user_id"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	LockedCash  decimal.Decimal `json:"locked_cash"`
	Holdings    []HoldingInfo   `json:"holdings"`
}
