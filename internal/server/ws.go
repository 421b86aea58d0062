package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jensholdgaard/dkp-auction-engine/internal/auction"
	"github.com/jensholdgaard/dkp-auction-engine/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 16
)

// wsMessage is the envelope broadcast to every connected client.
type wsMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub fans events out to websocket subscribers. It also implements the
// settlement notifier so clients see results on the same feed as bids.
type Hub struct {
	mu       sync.Mutex
	clients  map[*wsClient]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed is broadcast-only public data.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Hub) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, sendBufferSize)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(client)
	go h.readPump(client)
}

// readPump discards inbound frames; the feed is one-way. It exists to notice
// closed connections and run the pong handler.
func (h *Hub) readPump(client *wsClient) {
	defer h.drop(client)
	client.conn.SetReadLimit(512)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(client)
	}()
	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	_ = client.conn.Close()
}

// broadcast sends msg to every client. A client too slow to drain its buffer
// is dropped rather than allowed to stall the rest.
func (h *Hub) broadcast(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encoding websocket message failed", slog.Any("error", err))
		return
	}

	h.mu.Lock()
	var slow []*wsClient
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.Unlock()

	for _, client := range slow {
		h.drop(client)
	}
}

// BroadcastAuctionOpened announces a newly created auction.
func (h *Hub) BroadcastAuctionOpened(a *store.Auction) {
	h.broadcast(wsMessage{Type: "auction_opened", Payload: auctionView(a, nil)})
}

// BroadcastBidAccepted announces an accepted bid and the new floor.
func (h *Hub) BroadcastBidAccepted(outcome *auction.BidOutcome) {
	h.broadcast(wsMessage{Type: "bid_accepted", Payload: bidOutcomeResponse{
		Bid: bidView{
			ID:        outcome.Bid.ID,
			BidderID:  outcome.Bid.BidderID,
			Amount:    outcome.Bid.Amount,
			CreatedAt: outcome.Bid.CreatedAt,
		},
		NewFloor:      outcome.NewFloor,
		ExtendedUntil: outcome.ExtendedUntil,
	}})
}

// PublishSettlement broadcasts a settlement result to the live feed. It never
// fails; a missed frame on a dropped client is acceptable on a broadcast
// channel, and delivery guarantees belong to the durable notifier path.
func (h *Hub) PublishSettlement(_ context.Context, event store.SettlementEvent) error {
	h.broadcast(wsMessage{Type: "auction_settled", Payload: map[string]any{
		"auction_id":  event.AuctionID,
		"outcome":     event.Outcome,
		"winner_id":   event.WinnerID,
		"winning_bid": event.WinningBid,
	}})
	return nil
}
