package settlement

import (
	"fmt"
	"time"

	"github.com/predictx/predictx-api/internal/book"
	"github.com/predictx/predictx-api/internal/ledger"
	"github.com/predictx/predictx-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service persists the outcome of a matching pass: order state changes,
// trade rows, and the counterparty balance moves, all inside the caller's
// transaction. Nothing here is partial: any error aborts the transaction
// and the engine discards the computed match.
type Service struct {
	ledger *ledger.Ledger
}

func NewService(l *ledger.Ledger) *Service {
	return &Service{ledger: l}
}

// Apply writes one intake cycle. The taker order arrives with its final
// remaining quantity and status already computed; fills[i] pairs with
// trades[i]. Resting-order rows are updated without touching the in-memory
// structs, which the book mutates only after commit.
func (s *Service) Apply(tx *gorm.DB, taker *types.Order, fills []book.Fill, trades []types.Trade) error {
	logger := log.With().
		Str("service", "settlement").
		Str("order_id", taker.OrderID).
		Logger()

	for i := range fills {
		fill := fills[i]
		trade := &trades[i]

		newRemaining := fill.Resting.RemainingQuantity.Sub(fill.Quantity)
		status := types.OrderPartiallyFilled
		if newRemaining.Sign() == 0 {
			status = types.OrderFilled
		}

		err := tx.Model(&types.Order{}).
			Where("order_id = ?", fill.Resting.OrderID).
			Updates(map[string]interface{}{
				"remaining_quantity": newRemaining,
				"status":             status,
				"updated_at":         time.Now(),
			}).Error
		if err != nil {
			return fmt.Errorf("update resting order %s: %w", fill.Resting.OrderID, err)
		}

		if err := tx.Create(trade).Error; err != nil {
			return fmt.Errorf("create trade: %w", err)
		}

		// The buyer's reservation was taken at their own limit price.
		buyerLimit := taker.Price
		if taker.Side == types.SideSell {
			buyerLimit = fill.Resting.Price
		}
		if err := s.ledger.SettleTrade(tx, trade, buyerLimit); err != nil {
			return fmt.Errorf("settle trade %s: %w", trade.TradeID, err)
		}

		logger.Debug().
			Str("trade_id", trade.TradeID).
			Str("price", trade.Price.String()).
			Str("quantity", trade.Quantity.String()).
			Msg("trade settled")
	}

	if err := tx.Create(taker).Error; err != nil {
		return fmt.Errorf("create taker order: %w", err)
	}

	return nil
}

// CancelResting marks a resting order CANCELED and releases its reservation,
// inside the caller's transaction.
func (s *Service) CancelResting(tx *gorm.DB, o *types.Order) error {
	err := tx.Model(&types.Order{}).
		Where("order_id = ?", o.OrderID).
		Updates(map[string]interface{}{
			"status":     types.OrderCanceled,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", o.OrderID, err)
	}

	if o.Side == types.SideBuy {
		return s.ledger.ReleaseCash(tx, o.UserID, o.Price.Mul(o.RemainingQuantity))
	}
	return s.ledger.ReleaseShares(tx, o.UserID, o.TopicID, o.ShareType, o.RemainingQuantity)
}
