package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type ShareType string

const (
	ShareYes ShareType = "YES"
	ShareNo  ShareType = "NO"
)

type OrderStatus string

const (
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
)

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled
}

type TopicResolution string

const (
	TopicPending     TopicResolution = "PENDING"
	TopicResolvedYes TopicResolution = "RESOLVED_YES"
	TopicResolvedNo  TopicResolution = "RESOLVED_NO"
	TopicCanceled    TopicResolution = "CANCELED"
)

// Market identifies one order book: a topic crossed with a share type.
// The YES and NO books of a topic match independently.
type Market struct {
	TopicID   string    `json:"topic_id"`
	ShareType ShareType `json:"share_type"`
}

func (m Market) String() string {
	return m.TopicID + "/" + string(m.ShareType)
}

type User struct {
	gorm.Model   `json:"-"`
	UserID       string          `gorm:"uniqueIndex" json:"user_id"`
	Email        string          `gorm:"uniqueIndex" json:"email"`
	PasswordHash string          `json:"-"`
	CashBalance  decimal.Decimal `gorm:"type:decimal(20,8)" json:"cash_balance"`
	LockedCash   decimal.Decimal `gorm:"type:decimal(20,8)" json:"locked_cash"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type Topic struct {
	gorm.Model `json:"-"`
	TopicID    string          `gorm:"uniqueIndex" json:"topic_id"`
	Name       string          `json:"name"`
	Resolution TopicResolution `json:"resolution"` // PENDING, RESOLVED_YES, RESOLVED_NO, CANCELED
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// UserBalance holds one user's YES/NO shares for one topic. Rows are created
// lazily on the first trade that touches the pair. Locked shares back resting
// SELL orders and are released on cancel or consumed on fill.
type UserBalance struct {
	gorm.Model `json:"-"`
	UserID     string          `gorm:"index:idx_user_topic,unique" json:"user_id"`
	TopicID    string          `gorm:"index:idx_user_topic,unique" json:"topic_id"`
	YesShares  decimal.Decimal `gorm:"type:decimal(20,8)" json:"yes_shares"`
	NoShares   decimal.Decimal `gorm:"type:decimal(20,8)" json:"no_shares"`
	LockedYes  decimal.Decimal `gorm:"type:decimal(20,8)" json:"locked_yes"`
	LockedNo   decimal.Decimal `gorm:"type:decimal(20,8)" json:"locked_no"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Shares returns the available and locked share counts for the given type.
func (b *UserBalance) Shares(st ShareType) (available, locked decimal.Decimal) {
	if st == ShareYes {
		return b.YesShares, b.LockedYes
	}
	return b.NoShares, b.LockedNo
}

type Order struct {
	gorm.Model        `json:"-"`
	OrderID           string          `gorm:"uniqueIndex" json:"order_id"`
	UserID            string          `gorm:"index" json:"user_id"`
	TopicID           string          `gorm:"index" json:"topic_id"`
	ShareType         ShareType       `json:"share_type"`
	Side              Side            `json:"side"` // BUY or SELL
	Price             decimal.Decimal `gorm:"type:decimal(20,8)" json:"price"`
	Quantity          decimal.Decimal `gorm:"type:decimal(20,8)" json:"quantity"`
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(20,8)" json:"remaining_quantity"`
	Status            OrderStatus     `json:"status"` // OPEN, PARTIALLY_FILLED, FILLED, CANCELED
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Market returns the book this order belongs to.
func (o *Order) Market() Market {
	return Market{TopicID: o.TopicID, ShareType: o.ShareType}
}

// Trade is immutable once written. Price is always the resting order's price.
type Trade struct {
	gorm.Model  `json:"-"`
	TradeID     string          `gorm:"uniqueIndex" json:"trade_id"`
	TopicID     string          `gorm:"index" json:"topic_id"`
	ShareType   ShareType       `json:"share_type"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Price       decimal.Decimal `gorm:"type:decimal(20,8)" json:"price"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,8)" json:"quantity"`
	TradeTime   time.Time       `json:"trade_time"`
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
