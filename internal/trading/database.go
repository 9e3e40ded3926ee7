package trading

import (
	"errors"

	"github.com/predictx/predictx-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOpenOrdersForUser(userID string) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("user_id = ? AND status IN ?", userID,
			[]types.OrderStatus{types.OrderOpen, types.OrderPartiallyFilled}).
		Order("created_at asc").
		Find(&orders).Error
	return orders, err
}

func (d *Database) GetTradesForOrder(orderID string) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.
		Where("buy_order_id = ? OR sell_order_id = ?", orderID, orderID).
		Order("trade_time asc").
		Find(&trades).Error
	return trades, err
}

// GetIdempotencyRecord retrieves an idempotency record by key, nil when
// none exists.
func (d *Database) GetIdempotencyRecord(key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
