package trading

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/predictx/predictx-api/internal/engine"
	"github.com/predictx/predictx-api/internal/ledger"
	"github.com/predictx/predictx-api/internal/types"
	"github.com/predictx/predictx-api/pkg/response"
	"gorm.io/gorm"
)

// Service is the order-intake surface: it fronts the matching engine and
// answers the synchronous order/balance queries.
type Service struct {
	db     *Database
	engine *engine.Engine
	ledger *ledger.Ledger
}

func NewService(gormDB *gorm.DB, eng *engine.Engine, l *ledger.Ledger) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		engine: eng,
		ledger: l,
	}
}

// SubmitOrder runs one intake cycle with idempotency support: resubmitting
// the same key returns the original order and its trades without matching
// again.
func (s *Service) SubmitOrder(ctx context.Context, userID string, req *types.SubmitOrderRequest, idempotencyKey string) (*types.SubmitOrderResult, error) {
	if idempotencyKey != "" {
		record, err := s.db.GetIdempotencyRecord(idempotencyKey)
		if err != nil {
			return nil, err
		}
		if record != nil && record.ExpiresAt.After(time.Now()) {
			return s.replayResult(record.ResourceID)
		}
	}

	result, err := s.engine.Submit(ctx, userID, req, idempotencyKey)
	if err != nil && idempotencyKey != "" && errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a same-key race after the pre-check: the winner's record is
		// durable now, so answer with its outcome.
		record, rerr := s.db.GetIdempotencyRecord(idempotencyKey)
		if rerr == nil && record != nil {
			return s.replayResult(record.ResourceID)
		}
	}
	return result, err
}

// replayResult reconstructs a previous submission's outcome from the store.
func (s *Service) replayResult(orderID string) (*types.SubmitOrderResult, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, engine.ErrOrderNotFound
	}

	trades, err := s.db.GetTradesForOrder(orderID)
	if err != nil {
		return nil, err
	}
	return &types.SubmitOrderResult{Order: order, Trades: trades}, nil
}

// CancelOrder routes a cancel through the order's market processor.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	return s.engine.Cancel(ctx, userID, orderID)
}

// GetOrder retrieves one of the user's orders by id.
func (s *Service) GetOrder(orderID, userID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil || order.UserID != userID {
		return nil, engine.ErrOrderNotFound
	}
	return order, nil
}

// OpenOrders answers "open orders for user X in market Y" from the live
// book, or from the store when no market is named.
func (s *Service) OpenOrders(ctx context.Context, userID string, market *types.Market) ([]types.Order, error) {
	if market != nil {
		return s.engine.OpenOrders(ctx, userID, *market)
	}
	return s.db.GetOpenOrdersForUser(userID)
}

// Balances answers "balances for user X" from the ledger.
func (s *Service) Balances(userID string) (*types.BalanceResponse, error) {
	return s.ledger.BalancesForUser(userID)
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// SubmitOrderHandler handles POST requests to submit new orders.
// An Idempotency-Key header makes resubmission safe.
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing authenticated user")
			return
		}

		var req types.SubmitOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.SubmitOrder(c.Request.Context(), userID, &req, c.GetHeader("Idempotency-Key"))
		if err != nil {
			handleEngineError(c, err)
			return
		}
		response.Success(c, result)
	}
}

// CancelOrderHandler handles DELETE requests for resting orders.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		orderID := c.Param("order_id")

		order, err := h.service.CancelOrder(c.Request.Context(), userID, orderID)
		if err != nil {
			handleEngineError(c, err)
			return
		}
		response.Success(c, order)
	}
}

// GetOrderHandler handles GET requests for a single order.
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		orderID := c.Param("order_id")

		order, err := h.service.GetOrder(orderID, userID)
		if errors.Is(err, engine.ErrOrderNotFound) {
			response.NotFound(c, "Order not found")
			return
		}
		response.Handle(c, order, err)
	}
}

// OpenOrdersHandler lists the user's open orders, optionally scoped to one
// market via topic_id and share_type query params.
func (h *GinHandlers) OpenOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")

		var market *types.Market
		if topicID := c.Query("topic_id"); topicID != "" {
			st := types.ShareType(c.Query("share_type"))
			if st != types.ShareYes && st != types.ShareNo {
				response.BadRequest(c, "share_type must be YES or NO")
				return
			}
			market = &types.Market{TopicID: topicID, ShareType: st}
		}

		orders, err := h.service.OpenOrders(c.Request.Context(), userID, market)
		if err != nil {
			handleEngineError(c, err)
			return
		}
		response.Success(c, orders)
	}
}

// BalancesHandler answers the balances query for the authenticated user.
func (h *GinHandlers) BalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")

		balances, err := h.service.Balances(userID)
		if errors.Is(err, ledger.ErrUserNotFound) {
			response.NotFound(c, "User not found")
			return
		}
		response.Handle(c, balances, err)
	}
}

// handleEngineError maps the engine's typed failures onto the response
// envelope. Every rejection here had no side effects.
func handleEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, engine.ErrInvalidShare),
		errors.Is(err, engine.ErrSelfTrade):
		response.BadRequest(c, err.Error())
	case errors.Is(err, engine.ErrTopicNotFound),
		errors.Is(err, engine.ErrOrderNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, engine.ErrMarketClosed):
		response.MarketClosed(c, err.Error())
	case errors.Is(err, engine.ErrEngineBusy):
		response.EngineBusy(c, err.Error())
	case errors.Is(err, engine.ErrOrderTerminal):
		response.AlreadyTerminal(c, err.Error())
	case errors.Is(err, engine.ErrNotOrderOwner):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		response.InsufficientBalance(c, err.Error())
	case errors.Is(err, ledger.ErrUserNotFound):
		response.NotFound(c, err.Error())
	default:
		response.InternalError(c, "An unexpected error occurred")
	}
}
