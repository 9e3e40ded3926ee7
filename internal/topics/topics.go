package topics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/predictx/predictx-api/internal/engine"
	"github.com/predictx/predictx-api/internal/ledger"
	"github.com/predictx/predictx-api/internal/types"
	"github.com/predictx/predictx-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrTopicNotFound     = errors.New("topic not found")
	ErrAlreadyResolved   = errors.New("topic already resolved")
	ErrInvalidResolution = errors.New("invalid resolution state")
)

// Notifier receives topic-list changes for push delivery.
type Notifier interface {
	BroadcastTopics(topics []types.TopicInfo)
}

// Service owns topic lifecycle: creation, listing, and the resolution
// boundary that closes a topic's two markets.
type Service struct {
	db       *gorm.DB
	engine   *engine.Engine
	ledger   *ledger.Ledger
	notifier Notifier
}

func NewService(db *gorm.DB, eng *engine.Engine, l *ledger.Ledger) *Service {
	return &Service{db: db, engine: eng, ledger: l}
}

// SetNotifier wires the market data publisher; may stay nil in tests.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) CreateTopic(name string, expiresAt *time.Time) (*types.Topic, error) {
	topic := &types.Topic{
		TopicID:    uuid.New().String(),
		Name:       name,
		Resolution: types.TopicPending,
		ExpiresAt:  expiresAt,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := s.db.Create(topic).Error; err != nil {
		return nil, err
	}

	log.Info().Str("topic_id", topic.TopicID).Str("name", name).Msg("topic created")
	s.broadcast()
	return topic, nil
}

func (s *Service) GetTopic(topicID string) (*types.Topic, error) {
	var topic types.Topic
	if err := s.db.Where("topic_id = ?", topicID).First(&topic).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTopicNotFound
		}
		return nil, err
	}
	return &topic, nil
}

func (s *Service) ListTopics() ([]types.TopicInfo, error) {
	var topics []types.Topic
	if err := s.db.Order("created_at asc").Find(&topics).Error; err != nil {
		return nil, err
	}

	infos := make([]types.TopicInfo, 0, len(topics))
	for _, t := range topics {
		infos = append(infos, types.TopicInfo{
			TopicID:    t.TopicID,
			Name:       t.Name,
			Resolution: t.Resolution,
			ExpiresAt:  t.ExpiresAt,
		})
	}
	return infos, nil
}

// ResolveTopic transitions PENDING -> RESOLVED_YES/RESOLVED_NO/CANCELED.
// The topic row leaves PENDING first so new intake fails market-closed,
// then both books are swept and winning shares pay out at 1.00. Resolving an
// already-resolved topic with the same outcome reruns the sweep and payout,
// both of which are idempotent, so an interrupted resolution can be retried
// to completion.
func (s *Service) ResolveTopic(ctx context.Context, topicID string, resolution types.TopicResolution) (*types.Topic, error) {
	switch resolution {
	case types.TopicResolvedYes, types.TopicResolvedNo, types.TopicCanceled:
	default:
		return nil, ErrInvalidResolution
	}

	topic, err := s.GetTopic(topicID)
	if err != nil {
		return nil, err
	}
	switch {
	case topic.Resolution == types.TopicPending:
		topic.Resolution = resolution
		topic.UpdatedAt = time.Now()
		if err := s.db.Save(topic).Error; err != nil {
			return nil, err
		}
	case topic.Resolution != resolution:
		return nil, ErrAlreadyResolved
	}

	// Once the row has left PENDING the sweep and payout must finish even if
	// the caller disconnects.
	ctx = context.WithoutCancel(ctx)

	if err := s.engine.CloseMarket(ctx, topicID); err != nil {
		return nil, fmt.Errorf("close markets for topic %s: %w", topicID, err)
	}

	if resolution == types.TopicResolvedYes || resolution == types.TopicResolvedNo {
		winner := types.ShareYes
		if resolution == types.TopicResolvedNo {
			winner = types.ShareNo
		}
		err := s.db.Transaction(func(tx *gorm.DB) error {
			return s.ledger.PayoutResolution(tx, topicID, winner)
		})
		if err != nil {
			return nil, fmt.Errorf("payout for topic %s: %w", topicID, err)
		}
	}

	log.Info().
		Str("topic_id", topicID).
		Str("resolution", string(resolution)).
		Msg("topic resolved")

	s.broadcast()
	return topic, nil
}

func (s *Service) broadcast() {
	if s.notifier == nil {
		return
	}
	infos, err := s.ListTopics()
	if err != nil {
		log.Error().Err(err).Msg("failed to load topics for broadcast")
		return
	}
	s.notifier.BroadcastTopics(infos)
}

// GinHandlers contains HTTP handlers for topic endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type createTopicRequest struct {
	Name      string     `json:"name" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *GinHandlers) CreateTopicHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createTopicRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		topic, err := h.service.CreateTopic(req.Name, req.ExpiresAt)
		response.Handle(c, topic, err)
	}
}

type resolveTopicRequest struct {
	Resolution types.TopicResolution `json:"resolution" binding:"required"`
}

func (h *GinHandlers) ResolveTopicHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		topicID := c.Param("topic_id")

		var req resolveTopicRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		topic, err := h.service.ResolveTopic(c.Request.Context(), topicID, req.Resolution)
		switch {
		case errors.Is(err, ErrTopicNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrInvalidResolution):
			response.BadRequest(c, err.Error())
		default:
			response.Handle(c, topic, err)
		}
	}
}

func (h *GinHandlers) ListTopicsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		topics, err := h.service.ListTopics()
		response.Handle(c, topics, err)
	}
}
