// Package engine ties the page store, the optimistic sender and the event
// reconciler into one session per local player. The UI reads pages and
// derived counters from here and never touches the transport directly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/courtside/chatsync/internal/logger"
	"github.com/courtside/chatsync/internal/model"
	"github.com/courtside/chatsync/internal/pagestore"
	"github.com/courtside/chatsync/internal/presence"
	"github.com/courtside/chatsync/internal/search"
	"github.com/courtside/chatsync/internal/transport"
	"github.com/courtside/chatsync/internal/unread"
)

const (
	// PageSize is the history fetch window; fewer returned items signal
	// exhaustion.
	PageSize = 30

	mutationTimeout = 10 * time.Second
)

var ErrAlreadySubscribed = errors.New("engine: conversation already subscribed")

// Config wires a Session. Everything is passed in explicitly so independent
// sessions (tests, multiple windows) never share hidden state.
type Config struct {
	SelfID      string
	DisplayName string
	Write       transport.WriteAPI
	History     transport.HistoryAPI
	Stream      transport.EventStream
	Presence    transport.PresenceChannel
	Status      *presence.StatusAggregator
}

type Session struct {
	selfID     string
	store      *pagestore.Store
	sender     *Sender
	reconciler *Reconciler
	write      transport.WriteAPI
	history    transport.HistoryAPI
	stream     transport.EventStream
	typing     *presence.TypingTracker
	statuses   *presence.StatusAggregator
	unread     *unread.Counter
	search     *search.Gateway

	mu       sync.Mutex
	subs     map[string]*Subscription
	previews map[string]*model.Message
}

func NewSession(cfg Config) *Session {
	store := pagestore.New()
	s := &Session{
		selfID:   cfg.SelfID,
		store:    store,
		write:    cfg.Write,
		history:  cfg.History,
		stream:   cfg.Stream,
		statuses: cfg.Status,
		typing:   presence.NewTypingTracker(cfg.Presence, cfg.SelfID),
		unread:   unread.New(cfg.Write),
		search:   search.New(cfg.Write),
		subs:     make(map[string]*Subscription),
		previews: make(map[string]*model.Message),
	}
	s.sender = NewSender(store, cfg.Write, cfg.SelfID)
	s.reconciler = NewReconciler(store, cfg.SelfID,
		func(string) { s.unread.Invalidate() },
		s.refreshPreview,
	)
	return s
}

// Run drives the session's background work (typing sweep, status refresh)
// until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.typing.Run(ctx)
	}()
	if s.statuses != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.statuses.Run(ctx)
		}()
	}
	wg.Wait()
}

// Subscription owns one conversation's realtime feed. Stop tears down event
// application and typing state immediately; in-flight sends keep settling.
type Subscription struct {
	ConversationID string
	cancel         context.CancelFunc
	done           chan struct{}
}

func (sub *Subscription) Stop() {
	sub.cancel()
	<-sub.done
}

// Subscribe opens the realtime feed for a conversation and loads its first
// page if the cache is cold.
func (s *Session) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	s.mu.Lock()
	if _, dup := s.subs[conversationID]; dup {
		s.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	s.mu.Unlock()

	handle, err := s.stream.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("session.Subscribe: %w", err)
	}
	if s.store.Len(conversationID) == 0 {
		if err := s.fetchFirstPage(ctx, conversationID); err != nil {
			handle.Stop()
			return nil, err
		}
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{ConversationID: conversationID, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.subs[conversationID] = sub
	s.mu.Unlock()
	go s.pump(pumpCtx, sub, handle)
	return sub, nil
}

func (s *Session) pump(ctx context.Context, sub *Subscription, handle transport.StreamHandle) {
	defer close(sub.done)
	defer func() {
		handle.Stop()
		s.typing.DropConversation(sub.ConversationID)
		s.mu.Lock()
		delete(s.subs, sub.ConversationID)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-handle.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case transport.EventTyping:
				if ev.Typing == nil {
					continue
				}
				if ev.Typing.Typing {
					s.typing.Observe(sub.ConversationID, model.TypingIndicator{
						PlayerID:    ev.Typing.PlayerID,
						DisplayName: ev.Typing.DisplayName,
						At:          time.Now(),
					})
				} else {
					s.typing.Clear(sub.ConversationID, ev.Typing.PlayerID)
				}
			case transport.EventResubscribed:
				// Events missed during the gap are not backfilled; re-fetch
				// page one to reestablish a consistent baseline.
				bctx, cancel := context.WithTimeout(ctx, mutationTimeout)
				if err := s.rebaseline(bctx, sub.ConversationID); err != nil {
					logger.Errorf("session rebaseline conv=%s: %v", sub.ConversationID, err)
				}
				cancel()
			default:
				s.reconciler.Apply(ev)
			}
		}
	}
}

func (s *Session) fetchFirstPage(ctx context.Context, conversationID string) error {
	defer logger.DeferLogDuration("session.fetchFirstPage", time.Now())()
	items, err := s.history.Messages(ctx, conversationID, PageSize, 0)
	if err != nil {
		return fmt.Errorf("session.fetchFirstPage: %w", err)
	}
	s.store.AppendPage(conversationID, items, len(items) == PageSize,
		pagestore.Attr{Writer: pagestore.WriterPagination})
	s.refreshPreview(conversationID)
	return nil
}

func (s *Session) rebaseline(ctx context.Context, conversationID string) error {
	s.store.Reset(conversationID)
	return s.fetchFirstPage(ctx, conversationID)
}

// Page returns a cached page; cursor 0 is the newest.
func (s *Session) Page(conversationID string, cursor int) (pagestore.Page, bool) {
	return s.store.GetPage(conversationID, cursor)
}

// LoadMore fetches the next older page. Returns whether more remain.
func (s *Session) LoadMore(ctx context.Context, conversationID string) (bool, error) {
	defer logger.DeferLogDuration("session.LoadMore", time.Now())()
	offset := s.store.ConfirmedLen(conversationID)
	items, err := s.history.Messages(ctx, conversationID, PageSize, offset)
	if err != nil {
		return false, fmt.Errorf("session.LoadMore: %w", err)
	}
	hasMore := len(items) == PageSize
	s.store.AppendPage(conversationID, items, hasMore,
		pagestore.Attr{Writer: pagestore.WriterPagination})
	return hasMore, nil
}

func (s *Session) refreshPreview(conversationID string) {
	p := s.store.Preview(conversationID)
	s.mu.Lock()
	s.previews[conversationID] = p
	s.mu.Unlock()
}

// Preview returns the conversation-list preview message, if cached.
func (s *Session) Preview(conversationID string) *model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previews[conversationID]
}

// --- mutation entry points ---

func (s *Session) Send(conversationID, content string) string {
	return s.sender.Send(conversationID, content)
}

func (s *Session) RetrySend(conversationID, tentativeID string) bool {
	return s.sender.Retry(conversationID, tentativeID)
}

func (s *Session) DismissSend(conversationID, tentativeID string) bool {
	return s.sender.Dismiss(conversationID, tentativeID)
}

func (s *Session) Edit(ctx context.Context, conversationID, messageID, content string) error {
	return s.sender.Edit(ctx, conversationID, messageID, content)
}

func (s *Session) Delete(ctx context.Context, conversationID, messageID string) error {
	return s.sender.Delete(ctx, conversationID, messageID)
}

func (s *Session) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return s.sender.ToggleReaction(ctx, conversationID, messageID, emoji)
}

// MarkRead settles the mutation and invalidates the unread counter before
// returning: a Count read immediately after reflects the marked state.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	if err := s.unread.MarkRead(ctx, conversationID, s.selfID); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.store.PatchAll(conversationID, func(m *model.Message) {
		if m.SenderID == s.selfID || m.CreatedAt.After(now) {
			return
		}
		for _, p := range m.ReadBy {
			if p == s.selfID {
				return
			}
		}
		m.ReadBy = append(append([]string(nil), m.ReadBy...), s.selfID)
	}, pagestore.Attr{Writer: pagestore.WriterOptimistic, CorrelationKey: s.selfID})
	return nil
}

func (s *Session) UnreadCount(ctx context.Context) (int, error) {
	return s.unread.Count(ctx, s.selfID)
}

func (s *Session) SetFlag(ctx context.Context, conversationID string, flag model.ConversationFlag, on bool) error {
	if err := s.write.SetConversationFlag(ctx, conversationID, s.selfID, flag, on); err != nil {
		return fmt.Errorf("session.SetFlag: %w", err)
	}
	return nil
}

// Leave soft-removes the local player and drops the conversation's local
// state; the conversation itself survives for the remaining participants.
func (s *Session) Leave(ctx context.Context, conversationID string) error {
	if err := s.write.LeaveConversation(ctx, conversationID, s.selfID); err != nil {
		return fmt.Errorf("session.Leave: %w", err)
	}
	s.mu.Lock()
	sub := s.subs[conversationID]
	delete(s.previews, conversationID)
	s.mu.Unlock()
	if sub != nil {
		sub.Stop()
	}
	s.store.Reset(conversationID)
	return nil
}

// --- presence, status, search ---

func (s *Session) SignalTyping(ctx context.Context, conversationID string, typing bool) error {
	return s.typing.SignalTyping(ctx, conversationID, typing)
}

func (s *Session) ActiveTypers(conversationID string) []model.TypingIndicator {
	return s.typing.Active(conversationID)
}

// WatchStatuses returns nil when the session was built without a status
// aggregator.
func (s *Session) WatchStatuses(ctx context.Context, playerIDs []string) *presence.WatchHandle {
	if s.statuses == nil {
		return nil
	}
	return s.statuses.Watch(ctx, playerIDs)
}

func (s *Session) Statuses(playerIDs []string) map[string]model.PlayerStatus {
	if s.statuses == nil {
		return nil
	}
	return s.statuses.Statuses(playerIDs)
}

func (s *Session) Heartbeat(ctx context.Context) error {
	if s.statuses == nil {
		return nil
	}
	return s.statuses.Heartbeat(ctx, s.selfID)
}

func (s *Session) Search(ctx context.Context, conversationID, query string) ([]model.Message, error) {
	return s.search.Search(ctx, conversationID, query)
}

// Close stops all subscriptions and waits for in-flight sends to settle.
func (s *Session) Close() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Stop()
	}
	s.sender.Wait()
}
