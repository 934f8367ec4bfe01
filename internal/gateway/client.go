package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/joilabs/joi-gateway/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// Client is one connected WebSocket session.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan *protocol.Frame
	done   chan struct{}

	limiter *rate.Limiter
}

func NewClient(conn *websocket.Conn, server *Server) *Client {
	c := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan *protocol.Frame, sendBuffer),
		done:   make(chan struct{}),
	}
	if rpm := server.cfg.Gateway.RateLimitRPM; rpm > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 5)
	}
	return c
}

// Send queues an outbound frame. A full buffer drops the frame rather
// than blocking the turn; the client is likely gone.
func (c *Client) Send(frame *protocol.Frame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		slog.Warn("client send buffer full, dropping frame", "client", c.id, "type", frame.Type)
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.conn.Close()
}

// Run drives the read and write pumps until the connection drops.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("client read error", "client", c.id, "error", err)
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.Send(protocol.NewErrorFrame("", "malformed frame"))
			continue
		}

		if c.limiter != nil && frame.Type == protocol.ChatSend && !c.limiter.Allow() {
			c.Send(protocol.NewErrorFrame(frame.ID, "rate limit exceeded"))
			continue
		}

		// Frames dispatch concurrently; turn ordering per conversation is
		// enforced by the server's per-conversation lock.
		go c.server.dispatch(ctx, c, &frame)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				slog.Warn("client write failed", "client", c.id, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
