// Package marketdata fans engine events out to websocket subscribers.
// The matching path never blocks on a client: events are handed off on a
// channel and slow consumers are disconnected.
package marketdata

import (
	"context"
	"encoding/json"

	"github.com/predictx/predictx-api/internal/engine"
	"github.com/predictx/predictx-api/internal/types"
	"github.com/rs/zerolog/log"
)

// TopicLister supplies the topic-list message content.
type TopicLister interface {
	ListTopics() ([]types.TopicInfo, error)
}

// Message is the server->client envelope.
type Message struct {
	Type string      `json:"type"` // orderbook, trades, topics
	Data interface{} `json:"data"`
}

// subscription is a client's subscribe/unsubscribe request, routed through
// the hub loop so subscription state has a single writer.
type subscription struct {
	client    *Client
	market    types.Market
	subscribe bool
}

// snapshotPush carries a fetched depth snapshot back onto the hub loop,
// which alone may touch client queues.
type snapshotPush struct {
	client  *Client
	payload []byte
}

// Hub owns all websocket clients and their per-market subscriptions.
// Engine events for one market arrive and are delivered in intake order.
type Hub struct {
	engine *engine.Engine
	topics TopicLister

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	actions    chan subscription
	topicPush  chan []types.TopicInfo
	snapshots  chan snapshotPush
}

func NewHub(eng *engine.Engine, topics TopicLister) *Hub {
	return &Hub{
		engine:     eng,
		topics:     topics,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		actions:    make(chan subscription),
		topicPush:  make(chan []types.TopicInfo, 8),
		snapshots:  make(chan snapshotPush, 16),
	}
}

// BroadcastTopics implements topics.Notifier.
func (h *Hub) BroadcastTopics(infos []types.TopicInfo) {
	select {
	case h.topicPush <- infos:
	default:
		// A newer topic list will follow; dropping is harmless.
	}
}

// Run is the hub loop; it is the only goroutine touching clients and
// subscriptions.
func (h *Hub) Run(ctx context.Context) {
	logger := log.With().Str("component", "marketdata_hub").Logger()
	logger.Info().Msg("starting market data hub")

	events := h.engine.Events()

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.close()
			}
			logger.Info().Msg("shutting down market data hub")
			return

		case client := <-h.register:
			h.clients[client] = true
			h.sendTopicList(client)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}

		case action := <-h.actions:
			h.handleSubscription(action)

		case push := <-h.snapshots:
			if h.clients[push.client] {
				h.deliver(push.client, push.payload)
			}

		case infos := <-h.topicPush:
			payload := marshal(Message{Type: "topics", Data: infos})
			for client := range h.clients {
				h.deliver(client, payload)
			}

		case event, ok := <-events:
			if !ok {
				return
			}
			h.broadcastEvent(event)
		}
	}
}

func (h *Hub) handleSubscription(action subscription) {
	if !h.clients[action.client] {
		return
	}
	if !action.subscribe {
		delete(action.client.subs, action.market)
		return
	}

	action.client.subs[action.market] = true

	// Answer a fresh subscription with the current snapshot so the client
	// does not wait for the next book change. The fetch calls back into the
	// engine, whose event stream this loop consumes, so it must run off the
	// loop or a busy market could wedge both sides.
	go h.fetchSnapshot(action.client, action.market)
}

func (h *Hub) fetchSnapshot(client *Client, market types.Market) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	depth, err := h.engine.Depth(ctx, market)
	if err != nil {
		log.Warn().Err(err).Str("market", market.String()).
			Msg("could not load snapshot for new subscriber")
		return
	}

	select {
	case h.snapshots <- snapshotPush{client: client, payload: marshal(Message{Type: "orderbook", Data: depth})}:
	default:
		// The next book event brings the subscriber up to date.
	}
}

func (h *Hub) broadcastEvent(event engine.Event) {
	book := marshal(Message{Type: "orderbook", Data: event.Depth})
	var trades []byte
	if len(event.Trades) > 0 {
		trades = marshal(Message{Type: "trades", Data: event.Trades})
	}

	for client := range h.clients {
		if !client.subs[event.Market] {
			continue
		}
		h.deliver(client, book)
		if trades != nil {
			h.deliver(client, trades)
		}
	}
}

// deliver enqueues without blocking; a client that cannot keep up is
// disconnected rather than allowed to stall the stream.
func (h *Hub) deliver(client *Client, payload []byte) {
	select {
	case client.send <- payload:
	default:
		delete(h.clients, client)
		client.close()
	}
}

func (h *Hub) sendTopicList(client *Client) {
	infos, err := h.topics.ListTopics()
	if err != nil {
		log.Error().Err(err).Msg("failed to load topic list for new client")
		return
	}
	h.deliver(client, marshal(Message{Type: "topics", Data: infos}))
}

func marshal(msg Message) []byte {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal market data message")
		return []byte("{}")
	}
	return payload
}
