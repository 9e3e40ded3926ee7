package marketdata

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/predictx/predictx-api/internal/engine"
	"github.com/predictx/predictx-api/internal/types"
	"github.com/predictx/predictx-api/pkg/response"
)

// GinHandlers contains the synchronous market data queries.
type GinHandlers struct {
	engine *engine.Engine
}

func NewGinHandlers(eng *engine.Engine) *GinHandlers {
	return &GinHandlers{engine: eng}
}

// OrderBookHandler answers an on-demand depth snapshot for one market.
func (h *GinHandlers) OrderBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		topicID := c.Param("topic_id")
		st := types.ShareType(c.Param("share_type"))
		if st != types.ShareYes && st != types.ShareNo {
			response.BadRequest(c, "share_type must be YES or NO")
			return
		}

		depth, err := h.engine.Depth(c.Request.Context(),
			types.Market{TopicID: topicID, ShareType: st})
		if errors.Is(err, engine.ErrEngineBusy) {
			response.EngineBusy(c, err.Error())
			return
		}
		response.Handle(c, depth, err)
	}
}
