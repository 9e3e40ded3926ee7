// Package engine implements the order-matching core: a continuous double
// auction with price-time priority, one serial processor per market.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/predictx/predictx-api/internal/ledger"
	"github.com/predictx/predictx-api/internal/settlement"
	"github.com/predictx/predictx-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrTopicNotFound   = errors.New("topic not found")
	ErrMarketClosed    = errors.New("market closed")
	ErrEngineBusy      = errors.New("market intake queue is full")
	ErrInvalidPrice    = errors.New("price must be between 0 and 1 exclusive")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidSide     = errors.New("side must be BUY or SELL")
	ErrInvalidShare    = errors.New("share type must be YES or NO")
	ErrOrderNotFound   = errors.New("order not found")
	ErrNotOrderOwner   = errors.New("order not owned by requesting user")
	ErrOrderTerminal   = errors.New("order already terminal")
	ErrSelfTrade       = errors.New("order would match own resting order")
)

// Event is published after every committed book-changing cycle. Events for
// one market are emitted in intake order; no cross-market ordering exists.
type Event struct {
	Market types.Market
	Depth  types.DepthSnapshot
	Trades []types.Trade
}

type Config struct {
	// QueueDepth bounds each market's intake queue; a full queue rejects
	// submissions with ErrEngineBusy rather than dropping queued work.
	QueueDepth int
	// DepthLevels is the number of price levels per side in published
	// snapshots.
	DepthLevels int
	// AllowSelfTrade permits a user to match their own resting order.
	AllowSelfTrade bool
}

func DefaultConfig() Config {
	return Config{
		QueueDepth:     256,
		DepthLevels:    5,
		AllowSelfTrade: true,
	}
}

// Engine routes every order-book mutation through its market's processor.
// In-memory books are rebuilt from the store on construction, so memory
// never leads the durable state.
type Engine struct {
	db         *gorm.DB
	ledger     *ledger.Ledger
	settlement *settlement.Service
	cfg        Config
	events     chan Event

	mu         sync.Mutex
	processors map[types.Market]*processor
	// resting order id -> market, so cancels can be routed
	resting map[string]types.Market
}

func New(db *gorm.DB, l *ledger.Ledger, s *settlement.Service, cfg Config) (*Engine, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = 5
	}

	e := &Engine{
		db:         db,
		ledger:     l,
		settlement: s,
		cfg:        cfg,
		events:     make(chan Event, 1024),
		processors: make(map[types.Market]*processor),
		resting:    make(map[string]types.Market),
	}

	if err := e.recover(); err != nil {
		return nil, err
	}
	return e, nil
}

// Events delivers committed book updates to the market data publisher.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// recover re-derives the in-memory books from the latest durably committed
// state: every resting order of a still-pending topic.
func (e *Engine) recover() error {
	var pending []string
	err := e.db.Model(&types.Topic{}).
		Where("resolution = ?", types.TopicPending).
		Pluck("topic_id", &pending).Error
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	var orders []types.Order
	err = e.db.
		Where("status IN ? AND topic_id IN ?",
			[]types.OrderStatus{types.OrderOpen, types.OrderPartiallyFilled}, pending).
		Order("created_at asc").
		Find(&orders).Error
	if err != nil {
		return err
	}

	for i := range orders {
		o := &orders[i]
		p := e.processor(o.Market())
		p.book.Insert(o)
		e.resting[o.OrderID] = o.Market()
	}

	if len(orders) > 0 {
		log.Info().Int("orders", len(orders)).Msg("rebuilt order books from store")
	}
	return nil
}

// processor returns the market's serial processor, starting it on first use.
func (e *Engine) processor(market types.Market) *processor {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.processors[market]
	if !ok {
		p = newProcessor(e, market)
		e.processors[market] = p
	}
	return p
}

func (e *Engine) trackResting(orderID string, market types.Market) {
	e.mu.Lock()
	e.resting[orderID] = market
	e.mu.Unlock()
}

func (e *Engine) untrackResting(orderID string) {
	e.mu.Lock()
	delete(e.resting, orderID)
	e.mu.Unlock()
}

func (e *Engine) restingMarket(orderID string) (types.Market, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.resting[orderID]
	return m, ok
}

// Submit runs one intake cycle for the order's market: validate, reserve,
// match, settle, commit, then publish. A rejected submission has no side
// effects. A ctx error is ambiguous: the cycle aborts if the deadline passed
// while queued, but a commit already in flight completes, so callers that
// retry after a ctx error must reuse their idempotency key.
func (e *Engine) Submit(ctx context.Context, userID string, req *types.SubmitOrderRequest, idempotencyKey string) (*types.SubmitOrderResult, error) {
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return nil, ErrInvalidSide
	}
	if req.ShareType != types.ShareYes && req.ShareType != types.ShareNo {
		return nil, ErrInvalidShare
	}

	market := types.Market{TopicID: req.TopicID, ShareType: req.ShareType}
	p := e.processor(market)

	res := make(chan submitResult, 1)
	task := func() {
		result, err := p.submit(ctx, userID, req, idempotencyKey)
		res <- submitResult{result: result, err: err}
	}
	if !p.enqueue(task) {
		return nil, ErrEngineBusy
	}

	select {
	case r := <-res:
		return r.result, r.err
	case <-ctx.Done():
		// The cycle still runs to completion on the processor; the caller
		// just stops waiting.
		return nil, ctx.Err()
	}
}

// Cancel removes a resting order. A cancel racing a match is resolved by
// whichever the market's processor runs first.
func (e *Engine) Cancel(ctx context.Context, userID, orderID string) (*types.Order, error) {
	market, ok := e.restingMarket(orderID)
	if !ok {
		return nil, e.cancelMiss(userID, orderID)
	}

	p := e.processor(market)
	res := make(chan submitResult, 1)
	task := func() {
		order, err := p.cancel(ctx, userID, orderID)
		res <- submitResult{result: &types.SubmitOrderResult{Order: order}, err: err}
	}
	if !p.enqueue(task) {
		return nil, ErrEngineBusy
	}

	select {
	case r := <-res:
		if r.err != nil {
			return nil, r.err
		}
		return r.result.Order, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cancelMiss classifies a cancel for an order that is not on any book.
func (e *Engine) cancelMiss(userID, orderID string) error {
	var order types.Order
	if err := e.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		return err
	}
	if order.UserID != userID {
		return ErrNotOrderOwner
	}
	if order.Status.Terminal() {
		return ErrOrderTerminal
	}
	// Resting in the store but not in memory should not happen outside a
	// crash window; treat it as not cancelable.
	return ErrOrderNotFound
}

// CloseMarket cancels every resting order on both checks of the topic's two
// markets and refuses further intake. Called from the topic-resolution
// boundary after the topic row leaves PENDING.
func (e *Engine) CloseMarket(ctx context.Context, topicID string) error {
	for _, st := range []types.ShareType{types.ShareYes, types.ShareNo} {
		market := types.Market{TopicID: topicID, ShareType: st}
		p := e.processor(market)

		res := make(chan error, 1)
		task := func() {
			res <- p.closeMarket(ctx)
		}
		// Market closure must not bounce on backpressure; block until queued.
		p.tasks <- task

		select {
		case err := <-res:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.sweepStranded(ctx, topicID)
}

// sweepStranded cancels orders the in-memory close did not see: after a crash
// between the resolution save and the sweep, recovery skips the no-longer
// pending topic, so its open orders exist only in the store.
func (e *Engine) sweepStranded(ctx context.Context, topicID string) error {
	var stranded []types.Order
	err := e.db.
		Where("topic_id = ? AND status IN ?", topicID,
			[]types.OrderStatus{types.OrderOpen, types.OrderPartiallyFilled}).
		Find(&stranded).Error
	if err != nil {
		return err
	}
	if len(stranded) == 0 {
		return nil
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range stranded {
			if err := e.settlement.CancelResting(tx, &stranded[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sweep stranded orders for topic %s: %w", topicID, err)
	}

	log.Info().Str("topic_id", topicID).Int("canceled", len(stranded)).
		Msg("canceled stranded orders from store")
	return nil
}

// OpenOrders answers the "open orders for user X in market Y" query from
// the live book, serialized with the market's mutations.
func (e *Engine) OpenOrders(ctx context.Context, userID string, market types.Market) ([]types.Order, error) {
	p := e.processor(market)

	res := make(chan []types.Order, 1)
	task := func() {
		res <- p.book.OpenOrdersForUser(userID)
	}
	if !p.enqueue(task) {
		return nil, ErrEngineBusy
	}

	select {
	case orders := <-res:
		return orders, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Depth returns the current top-of-book snapshot for a market.
func (e *Engine) Depth(ctx context.Context, market types.Market) (types.DepthSnapshot, error) {
	p := e.processor(market)

	res := make(chan types.DepthSnapshot, 1)
	task := func() {
		res <- p.book.Depth(e.cfg.DepthLevels)
	}
	if !p.enqueue(task) {
		return types.DepthSnapshot{}, ErrEngineBusy
	}

	select {
	case d := <-res:
		return d, nil
	case <-ctx.Done():
		return types.DepthSnapshot{}, ctx.Err()
	}
}

// Close stops all market processors and the event stream.
func (e *Engine) Close() {
	e.mu.Lock()
	processors := make([]*processor, 0, len(e.processors))
	for _, p := range e.processors {
		processors = append(processors, p)
	}
	e.mu.Unlock()

	for _, p := range processors {
		p.stop()
	}
	close(e.events)
}

type submitResult struct {
	result *types.SubmitOrderResult
	err    error
}
