package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/predictx/predictx-api/internal/book"
	"github.com/predictx/predictx-api/internal/ledger"
	"github.com/predictx/predictx-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// processor serializes every mutation of one market's book. All matching
// and balance work for the market runs on its single goroutine; the durable
// commit is the only blocking step.
type processor struct {
	engine *Engine
	market types.Market
	book   *book.Book
	tasks  chan func()
	quit   chan struct{}
	done   chan struct{}
	closed bool // market refused after topic resolution
	logger zerolog.Logger
}

func newProcessor(e *Engine, market types.Market) *processor {
	p := &processor{
		engine: e,
		market: market,
		book:   book.New(market),
		tasks:  make(chan func(), e.cfg.QueueDepth),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: log.With().
			Str("component", "matching_engine").
			Str("market", market.String()).
			Logger(),
	}
	go p.loop()
	return p
}

func (p *processor) loop() {
	defer close(p.done)
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.quit:
			return
		}
	}
}

// enqueue applies backpressure: a full queue rejects instead of blocking,
// and nothing already queued is ever dropped.
func (p *processor) enqueue(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

func (p *processor) stop() {
	close(p.quit)
	<-p.done
}

// submit runs one intake cycle: validate, plan fills against the book,
// then commit reservation + settlement + order rows in one transaction.
// The book is mutated only after the commit succeeds.
func (p *processor) submit(ctx context.Context, userID string, req *types.SubmitOrderRequest, idempotencyKey string) (*types.SubmitOrderResult, error) {
	// The caller stopped waiting while this task sat in the queue; do not
	// open a transaction it will never hear about.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.validate(req); err != nil {
		return nil, err
	}

	now := time.Now()
	taker := &types.Order{
		OrderID:           uuid.New().String(),
		UserID:            userID,
		TopicID:           req.TopicID,
		ShareType:         req.ShareType,
		Side:              req.Side,
		Price:             req.Price,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		Status:            types.OrderOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	fills := p.book.Plan(taker)

	if !p.engine.cfg.AllowSelfTrade {
		for _, f := range fills {
			if f.Resting.UserID == userID {
				return nil, ErrSelfTrade
			}
		}
	}

	trades := make([]types.Trade, len(fills))
	filled := decimal.Zero
	for i, f := range fills {
		buyerID, sellerID := userID, f.Resting.UserID
		buyOrderID, sellOrderID := taker.OrderID, f.Resting.OrderID
		if taker.Side == types.SideSell {
			buyerID, sellerID = f.Resting.UserID, userID
			buyOrderID, sellOrderID = f.Resting.OrderID, taker.OrderID
		}
		trades[i] = types.Trade{
			TradeID:     uuid.New().String(),
			TopicID:     req.TopicID,
			ShareType:   req.ShareType,
			BuyerID:     buyerID,
			SellerID:    sellerID,
			BuyOrderID:  buyOrderID,
			SellOrderID: sellOrderID,
			Price:       f.Price,
			Quantity:    f.Quantity,
			TradeTime:   now,
		}
		filled = filled.Add(f.Quantity)
	}

	taker.RemainingQuantity = taker.Quantity.Sub(filled)
	switch {
	case taker.RemainingQuantity.Sign() == 0:
		taker.Status = types.OrderFilled
	case filled.Sign() > 0:
		taker.Status = types.OrderPartiallyFilled
	}

	err := p.engine.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Worst-case reservation: full fill at the limit price.
		if taker.Side == types.SideBuy {
			if err := p.engine.ledger.ReserveCash(tx, userID, taker.Price.Mul(taker.Quantity)); err != nil {
				return err
			}
		} else {
			if err := p.engine.ledger.ReserveShares(tx, userID, req.TopicID, req.ShareType, taker.Quantity); err != nil {
				return err
			}
		}

		if err := p.engine.settlement.Apply(tx, taker, fills, trades); err != nil {
			return err
		}

		if idempotencyKey != "" {
			record := types.IdempotencyRecord{
				IdempotencyKey: idempotencyKey,
				ResourceID:     taker.OrderID,
				ResourceType:   "order",
				ExpiresAt:      now.Add(24 * time.Hour),
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The book was never touched; the rejection has no side effects.
		if errors.Is(err, ledger.ErrInsufficientBalance) || errors.Is(err, ledger.ErrUserNotFound) {
			return nil, err
		}
		p.logger.Error().Err(err).Str("order_id", taker.OrderID).Msg("intake commit failed")
		return nil, fmt.Errorf("commit order %s: %w", taker.OrderID, err)
	}

	// Commit succeeded: bring the in-memory book in line with the store.
	p.book.Apply(fills)
	for _, f := range fills {
		if f.Resting.Status == types.OrderFilled {
			p.engine.untrackResting(f.Resting.OrderID)
		}
	}
	if taker.RemainingQuantity.Sign() > 0 {
		p.book.Insert(taker)
		p.engine.trackResting(taker.OrderID, p.market)
	}

	p.logger.Info().
		Str("order_id", taker.OrderID).
		Str("side", string(taker.Side)).
		Str("price", taker.Price.String()).
		Str("quantity", taker.Quantity.String()).
		Int("trades", len(trades)).
		Str("status", string(taker.Status)).
		Msg("order processed")

	p.publish(trades)

	return &types.SubmitOrderResult{Order: taker, Trades: trades}, nil
}

func (p *processor) validate(req *types.SubmitOrderRequest) error {
	if p.closed {
		return ErrMarketClosed
	}
	if req.Price.Sign() <= 0 || req.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ErrInvalidPrice
	}
	if req.Quantity.Sign() <= 0 {
		return ErrInvalidQuantity
	}

	var topic types.Topic
	if err := p.engine.db.Where("topic_id = ?", p.market.TopicID).First(&topic).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTopicNotFound
		}
		return err
	}
	if topic.Resolution != types.TopicPending {
		return ErrMarketClosed
	}
	return nil
}

// cancel removes a resting order. A cancel that lost the race to a match
// finds the order gone from the book and fails as already terminal.
func (p *processor) cancel(ctx context.Context, userID, orderID string) (*types.Order, error) {
	o, ok := p.book.Get(orderID)
	if !ok {
		return nil, p.engine.cancelMiss(userID, orderID)
	}
	if o.UserID != userID {
		return nil, ErrNotOrderOwner
	}

	err := p.engine.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return p.engine.settlement.CancelResting(tx, o)
	})
	if err != nil {
		p.logger.Error().Err(err).Str("order_id", orderID).Msg("cancel commit failed")
		return nil, fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	p.book.Remove(orderID)
	p.engine.untrackResting(orderID)
	o.Status = types.OrderCanceled
	o.UpdatedAt = time.Now()

	p.logger.Info().Str("order_id", orderID).Msg("order canceled")
	p.publish(nil)

	return o, nil
}

// closeMarket cancels all resting orders in one transaction and marks the
// market closed to new intake.
func (p *processor) closeMarket(ctx context.Context) error {
	p.closed = true

	resting := p.book.Resting()
	if len(resting) == 0 {
		return nil
	}

	err := p.engine.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, o := range resting {
			if err := p.engine.settlement.CancelResting(tx, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("close market %s: %w", p.market, err)
	}

	for _, o := range resting {
		p.book.Remove(o.OrderID)
		p.engine.untrackResting(o.OrderID)
		o.Status = types.OrderCanceled
	}

	p.logger.Info().Int("canceled", len(resting)).Msg("market closed, resting orders canceled")
	p.publish(nil)
	return nil
}

// publish hands the committed book state to the market data stream. Events
// for this market leave in intake order because only this goroutine sends
// them.
func (p *processor) publish(trades []types.Trade) {
	event := Event{
		Market: p.market,
		Depth:  p.book.Depth(p.engine.cfg.DepthLevels),
		Trades: trades,
	}
	select {
	case p.engine.events <- event:
	case <-p.quit:
	}
}
