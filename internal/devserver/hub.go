package devserver

import (
	"context"
	"sync"

	"github.com/courtside/chatsync/internal/logger"
	"github.com/courtside/chatsync/internal/transport"
)

// Hub owns all live WebSocket clients and fans events out to the clients
// subscribed to each conversation.
type Hub struct {
	mu     sync.RWMutex
	byConv map[string]map[*Client]struct{}
	all    map[*Client]struct{}
	total  int

	maxConns int
	convRepo *ConversationRepository

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(convRepo *ConversationRepository, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		byConv:     make(map[string]map[*Client]struct{}),
		all:        make(map[*Client]struct{}),
		maxConns:   maxConns,
		convRepo:   convRepo,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	clients := make([]*Client, 0, h.total)
	for c := range h.all {
		clients = append(clients, c)
	}
	h.byConv = make(map[string]map[*Client]struct{})
	h.all = make(map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	for _, c := range clients {
		c.Wait()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting player=%s", h.maxConns, c.playerID)
		c.Close()
		return
	}
	h.all[c] = struct{}{}
	h.total++
	h.mu.Unlock()
	logger.Infof("ws connected player=%s total=%d", c.playerID, h.total)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.all[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.all, c)
	h.total--
	for conv := range c.subs {
		if set, ok := h.byConv[conv]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byConv, conv)
			}
		}
	}
	h.mu.Unlock()
	c.Close()
	logger.Infof("ws disconnected player=%s total=%d", c.playerID, h.total)
}

// Subscribe attaches the client to a conversation stream after checking
// membership. Unknown players get no events and no error frame; the REST API
// is where authorization failures surface.
func (h *Hub) Subscribe(ctx context.Context, c *Client, conversationID string) {
	ok, err := h.convRepo.IsParticipant(ctx, conversationID, c.playerID)
	if err != nil {
		logger.Errorf("ws subscribe membership player=%s conv=%s: %v", c.playerID, conversationID, err)
		return
	}
	if !ok {
		logger.Infof("ws subscribe denied player=%s conv=%s", c.playerID, conversationID)
		return
	}
	h.mu.Lock()
	set, exists := h.byConv[conversationID]
	if !exists {
		set = make(map[*Client]struct{})
		h.byConv[conversationID] = set
	}
	set[c] = struct{}{}
	c.subs[conversationID] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) Unsubscribe(c *Client, conversationID string) {
	h.mu.Lock()
	if set, ok := h.byConv[conversationID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byConv, conversationID)
		}
	}
	delete(c.subs, conversationID)
	h.mu.Unlock()
}

// Broadcast fans one event out to every client subscribed to its
// conversation, including the sender's own connections.
func (h *Hub) Broadcast(conversationID string, ev transport.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byConv[conversationID] {
		c.Send(ev)
	}
}

// BroadcastTyping relays a typing signal to everyone in the conversation
// except its author.
func (h *Hub) BroadcastTyping(conversationID string, from *Client, typing bool) {
	ev := transport.Event{
		Type:           transport.EventTyping,
		ConversationID: conversationID,
		Typing: &transport.TypingPayload{
			ConversationID: conversationID,
			PlayerID:       from.playerID,
			DisplayName:    from.displayName,
			Typing:         typing,
		},
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byConv[conversationID] {
		if c == from {
			continue
		}
		c.Send(ev)
	}
}
