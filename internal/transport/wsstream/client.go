// Package wsstream implements the realtime event stream and the typing
// broadcast channel over a single multiplexed WebSocket connection. The
// connection reconnects with backoff; after a gap every live subscription
// receives a synthetic resubscribed event so its consumer can re-baseline.
package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/courtside/chatsync/internal/logger"
	"github.com/courtside/chatsync/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16
	sendBufSize    = 64
	eventBufSize   = 256
	reconnectBase  = time.Second
	reconnectMax   = 30 * time.Second
)

var ErrNotConnected = errors.New("wsstream: not connected")

// Frame is the client-to-server envelope.
type Frame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Typing         bool   `json:"typing,omitempty"`
}

const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameTyping      = "typing"
)

// Client multiplexes one WebSocket connection into per-conversation event
// streams. It implements transport.EventStream and transport.PresenceChannel.
type Client struct {
	url    string
	header http.Header

	mu            sync.Mutex
	send          chan Frame // nil while disconnected
	subs          map[string]*subscription
	everConnected bool
}

func NewClient(url string, header http.Header) *Client {
	return &Client{url: url, header: header, subs: make(map[string]*subscription)}
}

type subscription struct {
	conversationID string
	events         chan transport.Event
	client         *Client
	once           sync.Once
}

func (s *subscription) Events() <-chan transport.Event { return s.events }

// Stop unsubscribes immediately: once it returns, no further events are
// delivered and the events channel is closed.
func (s *subscription) Stop() {
	s.once.Do(func() {
		c := s.client
		c.mu.Lock()
		delete(c.subs, s.conversationID)
		if c.send != nil {
			c.enqueueLocked(Frame{Type: FrameUnsubscribe, ConversationID: s.conversationID})
		}
		close(s.events)
		c.mu.Unlock()
	})
}

// Subscribe registers interest in one conversation. The subscribe frame goes
// out now if connected, or on the next (re)connect otherwise.
func (c *Client) Subscribe(ctx context.Context, conversationID string) (transport.StreamHandle, error) {
	sub := &subscription{
		conversationID: conversationID,
		events:         make(chan transport.Event, eventBufSize),
		client:         c,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.subs[conversationID]; dup {
		return nil, errors.New("wsstream: already subscribed to " + conversationID)
	}
	c.subs[conversationID] = sub
	if c.send != nil {
		c.enqueueLocked(Frame{Type: FrameSubscribe, ConversationID: conversationID})
	}
	return sub, nil
}

// SignalTyping broadcasts the local player's typing state. Typing is
// ephemeral: while disconnected the signal is not queued.
func (c *Client) SignalTyping(ctx context.Context, conversationID string, typing bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil {
		return ErrNotConnected
	}
	c.enqueueLocked(Frame{Type: FrameTyping, ConversationID: conversationID, Typing: typing})
	return nil
}

// caller holds c.mu.
func (c *Client) enqueueLocked(f Frame) {
	select {
	case c.send <- f:
	default:
		logger.Errorf("wsstream send buffer full, dropping frame type=%s conv=%s", f.Type, f.ConversationID)
	}
}

// Run dials and pumps until ctx is cancelled, reconnecting with backoff.
func (c *Client) Run(ctx context.Context) {
	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			logger.Errorf("wsstream dial %s: %v", c.url, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < reconnectMax {
				backoff *= 2
			}
			continue
		}
		backoff = reconnectBase
		c.attach()
		c.pump(ctx, conn)
		c.detach()
	}
}

// attach publishes a fresh send channel, resubscribes every live
// subscription and, after a reconnect gap, tells each one to re-baseline.
func (c *Client) attach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.send = make(chan Frame, sendBufSize)
	gap := c.everConnected
	c.everConnected = true
	for conv, sub := range c.subs {
		c.enqueueLocked(Frame{Type: FrameSubscribe, ConversationID: conv})
		if gap {
			c.deliverLocked(sub, transport.Event{Type: transport.EventResubscribed, ConversationID: conv})
		}
	}
}

func (c *Client) detach() {
	c.mu.Lock()
	c.send = nil
	c.mu.Unlock()
}

func (c *Client) pump(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(connCtx, conn, send)
	}()

	c.readPump(connCtx, conn)
	cancel()
	conn.Close()
	wg.Wait()
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("wsstream set read deadline: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("wsstream read: %v", err)
			}
			return
		}
		var ev transport.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			// One bad frame must not take the stream down.
			logger.Errorf("wsstream unmarshal: %v", err)
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send <-chan Frame) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := conn.WriteMessage(websocket.CloseMessage, nil); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				logger.Debugf("wsstream close message: %v", err)
			}
			return
		case f := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(f); err != nil {
				logger.Errorf("wsstream write: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(ev transport.Event) {
	conv := eventConversation(ev)
	if conv == "" {
		logger.Debugf("wsstream event without conversation type=%s dropped", ev.Type)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[conv]
	if !ok {
		return
	}
	c.deliverLocked(sub, ev)
}

// caller holds c.mu.
func (c *Client) deliverLocked(sub *subscription, ev transport.Event) {
	select {
	case sub.events <- ev:
	default:
		logger.Errorf("wsstream consumer slow, dropping event type=%s conv=%s", ev.Type, sub.conversationID)
	}
}

func eventConversation(ev transport.Event) string {
	switch {
	case ev.ConversationID != "":
		return ev.ConversationID
	case ev.Message != nil:
		return ev.Message.ConversationID
	case ev.Typing != nil:
		return ev.Typing.ConversationID
	case ev.Read != nil:
		return ev.Read.ConversationID
	}
	return ""
}
