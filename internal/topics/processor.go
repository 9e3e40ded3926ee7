package topics

import (
	"context"
	"time"

	"github.com/predictx/predictx-api/internal/types"
	"github.com/rs/zerolog/log"
)

// Processor sweeps expired topics: a PENDING topic past its expiry is
// resolved CANCELED, which closes both markets and releases every resting
// reservation.
type Processor struct {
	service      *Service
	processDelay time.Duration
}

func NewProcessor(service *Service) *Processor {
	return &Processor{
		service:      service,
		processDelay: time.Minute,
	}
}

// Start begins the expiry sweep loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "topic_expiry_processor").Logger()
	logger.Info().Msg("starting topic expiry processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down topic expiry processor")
			return
		case <-ticker.C:
			if err := p.sweepExpired(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to sweep expired topics")
			}
		}
	}
}

func (p *Processor) sweepExpired(ctx context.Context) error {
	logger := log.With().Str("component", "topic_expiry_processor").Logger()

	var expired []types.Topic
	err := p.service.db.
		Where("resolution = ? AND expires_at IS NOT NULL AND expires_at < ?",
			types.TopicPending, time.Now()).
		Find(&expired).Error
	if err != nil {
		return err
	}

	for _, topic := range expired {
		if _, err := p.service.ResolveTopic(ctx, topic.TopicID, types.TopicCanceled); err != nil {
			logger.Error().
				Err(err).
				Str("topic_id", topic.TopicID).
				Msg("failed to cancel expired topic")
			continue
		}
		logger.Info().
			Str("topic_id", topic.TopicID).
			Msg("expired topic canceled")
	}

	return nil
}
