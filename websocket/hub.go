package websocket

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/krshsl/praxis/feedback/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

type sessionMessage struct {
	sessionID string
	payload   []byte
}

// Hub tracks websocket subscribers per session and relays progress events
// to them.
type Hub struct {
	sessions   map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan sessionMessage
	done       chan struct{}
	logger     *slog.Logger
}

type Client struct {
	Hub       *Hub
	Conn      *websocket.Conn
	Send      chan []byte
	UserID    string
	SessionID string
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		sessions:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan sessionMessage, 64),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run owns the subscriber map until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for _, clients := range h.sessions {
				for client := range clients {
					close(client.Send)
				}
			}
			h.sessions = make(map[string]map[*Client]bool)
			return

		case client := <-h.register:
			clients := h.sessions[client.SessionID]
			if clients == nil {
				clients = make(map[*Client]bool)
				h.sessions[client.SessionID] = clients
			}
			clients[client] = true
			h.logger.Info("Client subscribed", "user_id", client.UserID, "session_id", client.SessionID)

		case client := <-h.unregister:
			h.remove(client)
			h.logger.Info("Client unsubscribed", "user_id", client.UserID, "session_id", client.SessionID)

		case msg := <-h.broadcast:
			for client := range h.sessions[msg.sessionID] {
				select {
				case client.Send <- msg.payload:
				default:
					// slow consumer
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	clients := h.sessions[client.SessionID]
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.sessions, client.SessionID)
	}
}

// Broadcast queues payload for every subscriber of sessionID
func (h *Hub) Broadcast(sessionID string, payload []byte) {
	select {
	case h.broadcast <- sessionMessage{sessionID: sessionID, payload: payload}:
	case <-h.done:
	}
}

// Listen relays events published on Redis to local subscribers. It returns
// when ctx is done or the subscription breaks.
func (h *Hub) Listen(ctx context.Context, rdb redis.UniversalClient) error {
	pubsub := rdb.PSubscribe(ctx, events.ChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	h.logger.Info("Listening for session events", "pattern", events.ChannelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			sessionID := strings.TrimPrefix(msg.Channel, events.ChannelPrefix)
			select {
			case h.broadcast <- sessionMessage{sessionID: sessionID, payload: []byte(msg.Payload)}:
			case <-h.done:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (h *Hub) Subscribe(conn *websocket.Conn, sessionID, userID string) *Client {
	client := &Client{
		Hub:       h,
		Conn:      conn,
		Send:      make(chan []byte, 256),
		UserID:    userID,
		SessionID: sessionID,
	}
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
	return client
}

// ReadPump drains control frames and detects disconnects. Subscribers never
// send anything meaningful.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("WebSocket error", "error", err, "session_id", c.SessionID)
			}
			return
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
