package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"golang-stock-gateway/internal/fanout"
	"golang-stock-gateway/internal/logger"
)

// LiveSubscriptions is the slice of the subscription manager the handler
// needs.
type LiveSubscriptions interface {
	Subscribe(subscriberID string, codes []string) error
	Unsubscribe(subscriberID string, codes []string)
	Drop(subscriberID string)
}

// clientMessage is an inbound WebSocket control message.
type clientMessage struct {
	Type  string   `json:"type"`
	Codes []string `json:"codes,omitempty"`
}

// serverMessage is an outbound WebSocket message.
type serverMessage struct {
	Type      string      `json:"type"`
	Codes     []string    `json:"codes,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// wsClient serializes writes to one connection; ticks and control replies
// come from different goroutines.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// WebSocketHandler serves the realtime price stream. Each connection gets a
// fan-out subscriber and a subscription-manager identity sharing the same
// ID; both are torn down together when the connection drops.
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *fanout.Hub
	subs     LiveSubscriptions
	log      *logger.Entry
}

// NewWebSocketHandler creates the realtime price handler.
func NewWebSocketHandler(hub *fanout.Hub, subs LiveSubscriptions, log *logger.Log) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		hub:  hub,
		subs: subs,
		log:  log.WithComponent("websocket"),
	}
}

// HandleRealtimePrice upgrades the connection and streams ticks for the
// codes the client subscribes to.
func (h *WebSocketHandler) HandleRealtimePrice(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Error("🔥 WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	client := &wsClient{conn: conn}
	sub := h.hub.Register()

	h.log.WithFields(logger.Fields{"subscriber": sub.ID(), "remote": r.RemoteAddr}).Info("🔌 WebSocket client connected")

	// Optional initial subscription via query string, e.g. ?stocks=005930,000660
	if stocksParam := r.URL.Query().Get("stocks"); stocksParam != "" {
		h.subscribe(client, sub, strings.Split(stocksParam, ","))
	}

	// Writer: drain the fan-out channel until it closes.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for tick := range sub.Ticks() {
			msg := serverMessage{
				Type:      "realtime",
				Data:      tick,
				Timestamp: time.Now().UnixMilli(),
			}
			if err := client.writeJSON(msg); err != nil {
				return
			}
		}
	}()

	h.readLoop(client, sub)

	// Unregister closes the fan-out channel, which is what lets the writer
	// drain and exit; teardown must happen before waiting on it.
	h.hub.Unregister(sub.ID())
	h.subs.Drop(sub.ID())
	<-writerDone

	h.log.WithFields(logger.Fields{"subscriber": sub.ID()}).Info("🔌 WebSocket client disconnected")
}

// readLoop processes control messages until the connection drops.
func (h *WebSocketHandler) readLoop(client *wsClient, sub *fanout.Subscriber) {
	for {
		var msg clientMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Warn("⚠️ WebSocket read error")
			}
			return
		}

		switch msg.Type {
		case "subscribe":
			h.subscribe(client, sub, msg.Codes)

		case "unsubscribe":
			codes := cleanCodes(msg.Codes)
			sub.RemoveCodes(codes)
			h.subs.Unsubscribe(sub.ID(), codes)
			client.writeJSON(serverMessage{
				Type:      "unsubscribed",
				Codes:     codes,
				Timestamp: time.Now().UnixMilli(),
			})

		case "ping":
			client.writeJSON(serverMessage{Type: "pong", Timestamp: time.Now().UnixMilli()})

		default:
			client.writeJSON(serverMessage{
				Type:      "error",
				Message:   "unknown message type: " + msg.Type,
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
}

// subscribe registers codes with the terminal before enabling delivery, so
// a client never sees codes acknowledged that the terminal rejected.
func (h *WebSocketHandler) subscribe(client *wsClient, sub *fanout.Subscriber, rawCodes []string) {
	codes := cleanCodes(rawCodes)
	if len(codes) == 0 {
		client.writeJSON(serverMessage{
			Type:      "error",
			Message:   "no stock codes given",
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	if err := h.subs.Subscribe(sub.ID(), codes); err != nil {
		client.writeJSON(serverMessage{
			Type:      "error",
			Message:   "subscription failed: " + err.Error(),
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	sub.AddCodes(codes)
	client.writeJSON(serverMessage{
		Type:      "subscribed",
		Codes:     codes,
		Timestamp: time.Now().UnixMilli(),
	})
}

func cleanCodes(raw []string) []string {
	codes := make([]string, 0, len(raw))
	for _, code := range raw {
		code = strings.TrimSpace(code)
		if code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}
