package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/courtside/chatsync/internal/logger"
	"github.com/courtside/chatsync/internal/transport"
	"github.com/courtside/chatsync/internal/transport/wsstream"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufSize    = 256
)

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client is one server-side WebSocket connection.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan transport.Event
	playerID    string
	displayName string

	// subs is guarded by hub.mu.
	subs map[string]struct{}

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, playerID, displayName string) *Client {
	if displayName == "" {
		displayName = playerID
	}
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan transport.Event, sendBufSize),
		playerID:    playerID,
		displayName: displayName,
		subs:        make(map[string]struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches both pumps. ctx controls pump lifetime; cancel is stored
// for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

// Send queues an event for delivery. A client that cannot keep up is closed
// rather than allowed to stall the broadcast path.
func (c *Client) Send(ev transport.Event) {
	select {
	case <-c.done:
	case c.send <- ev:
	default:
		logger.Errorf("ws send buffer full, closing slow client player=%s", c.playerID)
		c.Close()
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline player=%s: %v", c.playerID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read player=%s: %v", c.playerID, err)
			}
			return
		}
		var f wsstream.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Errorf("ws bad frame player=%s: %v", c.playerID, err)
			continue
		}
		c.handleFrame(ctx, f)
	}
}

func (c *Client) handleFrame(ctx context.Context, f wsstream.Frame) {
	if f.ConversationID == "" {
		return
	}
	switch f.Type {
	case wsstream.FrameSubscribe:
		subCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		c.hub.Subscribe(subCtx, c, f.ConversationID)
		cancel()
	case wsstream.FrameUnsubscribe:
		c.hub.Unsubscribe(c, f.ConversationID)
	case wsstream.FrameTyping:
		c.hub.BroadcastTyping(f.ConversationID, c, f.Typing)
	default:
		logger.Debugf("ws unknown frame type=%q player=%s", f.Type, c.playerID)
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case ev := <-c.send:
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(ev); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws encode player=%s: %v", c.playerID, err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.TextMessage, buf.Bytes())
			bufPool.Put(buf)
			if err != nil {
				logger.Errorf("ws write player=%s: %v", c.playerID, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
