package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/courtside/chatsync/internal/logger"
	"github.com/courtside/chatsync/internal/model"
	"github.com/courtside/chatsync/internal/pagestore"
	"github.com/courtside/chatsync/internal/transport"
)

const sendTimeout = 10 * time.Second

// Sender is the optimistic mutation engine: every user-initiated write lands
// in the store synchronously and settles against the server afterwards.
// Together with the Reconciler it is the only writer of the page store.
type Sender struct {
	store  *pagestore.Store
	api    transport.WriteAPI
	selfID string
	now    func() time.Time
	wg     sync.WaitGroup
}

func NewSender(store *pagestore.Store, api transport.WriteAPI, selfID string) *Sender {
	return &Sender{store: store, api: api, selfID: selfID, now: time.Now}
}

// Send prepends a tentative record and returns its id immediately; the
// network write settles in the background. The tentative id doubles as the
// correlation key: it is submitted as client_msg_id and echoed back on the
// authoritative record.
func (s *Sender) Send(conversationID, content string) string {
	tentativeID := model.TentativeIDPrefix + uuid.New().String()
	m := model.Message{
		ID:             tentativeID,
		ConversationID: conversationID,
		SenderID:       s.selfID,
		Content:        content,
		Status:         model.MessageStatusSending,
		ClientMsgID:    tentativeID,
		CreatedAt:      s.now().UTC(),
	}
	s.store.Prepend(conversationID, m, pagestore.Attr{Writer: pagestore.WriterOptimistic, CorrelationKey: tentativeID})
	s.wg.Add(1)
	go s.settle(conversationID, tentativeID, content)
	return tentativeID
}

// settle runs on its own context: an in-flight send keeps settling even
// after the view unsubscribes, so failure feedback is never lost.
func (s *Sender) settle(conversationID, tentativeID, content string) {
	defer s.wg.Done()
	defer logger.DeferLogDuration("sender.settle", time.Now())()
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	srv, err := s.api.SendMessage(ctx, transport.SendInput{
		ConversationID: conversationID,
		SenderID:       s.selfID,
		Content:        content,
		ClientMsgID:    tentativeID,
	})
	attr := pagestore.Attr{Writer: pagestore.WriterOptimistic, CorrelationKey: tentativeID}
	if err != nil {
		logger.Errorf("send failed conv=%s key=%s: %v", conversationID, tentativeID, err)
		// Never silently drop a failed send: the record stays, flagged, until
		// the user retries or dismisses it.
		s.store.Patch(conversationID, tentativeID, func(m *model.Message) {
			m.Status = model.MessageStatusFailed
		}, attr)
		return
	}
	if srv == nil {
		logger.Errorf("send returned no record conv=%s key=%s", conversationID, tentativeID)
		return
	}
	// Promotion is an in-place replace; the message must not reorder. When
	// the realtime echo won the race the tentative is already gone and the
	// response carries nothing the store still needs.
	if !s.store.Replace(conversationID, tentativeID, *srv, attr) {
		logger.Debugf("send superseded conv=%s key=%s id=%s", conversationID, tentativeID, srv.ID)
	}
}

// Retry resubmits a failed send under its original correlation key, so the
// server-side idempotency guard absorbs any duplicate delivery.
func (s *Sender) Retry(conversationID, tentativeID string) bool {
	var content string
	armed := false
	s.store.Patch(conversationID, tentativeID, func(m *model.Message) {
		if m.Status != model.MessageStatusFailed {
			return
		}
		m.Status = model.MessageStatusSending
		content = m.Content
		armed = true
	}, pagestore.Attr{Writer: pagestore.WriterOptimistic, CorrelationKey: tentativeID})
	if !armed {
		return false
	}
	s.wg.Add(1)
	go s.settle(conversationID, tentativeID, content)
	return true
}

// Dismiss removes a failed tentative record. Authoritative records cannot be
// dismissed, only deleted through the write API.
func (s *Sender) Dismiss(conversationID, tentativeID string) bool {
	if !strings.HasPrefix(tentativeID, model.TentativeIDPrefix) {
		return false
	}
	return s.store.Remove(conversationID, tentativeID, pagestore.Attr{Writer: pagestore.WriterOptimistic, CorrelationKey: tentativeID})
}

// Edit patches the cached record optimistically and rolls the patch back if
// the write API rejects it.
func (s *Sender) Edit(ctx context.Context, conversationID, messageID, content string) error {
	attr := pagestore.Attr{Writer: pagestore.WriterOptimistic, CorrelationKey: messageID}
	var prevContent string
	var prevUpdated *time.Time
	patched := s.store.Patch(conversationID, messageID, func(m *model.Message) {
		prevContent, prevUpdated = m.Content, m.UpdatedAt
		now := s.now().UTC()
		m.Content = content
		m.UpdatedAt = &now
	}, attr)

	srv, err := s.api.EditMessage(ctx, messageID, content)
	if err != nil {
		if patched {
			s.store.Patch(conversationID, messageID, func(m *model.Message) {
				m.Content, m.UpdatedAt = prevContent, prevUpdated
			}, attr)
		}
		return err
	}
	if srv != nil {
		s.store.Patch(conversationID, messageID, func(m *model.Message) {
			m.Content = srv.Content
			m.UpdatedAt = srv.UpdatedAt
		}, attr)
	}
	return nil
}

// Delete tombstones the cached record optimistically; the slot keeps its id
// and position so surrounding state stays stable.
func (s *Sender) Delete(ctx context.Context, conversationID, messageID string) error {
	attr := pagestore.Attr{Writer: pagestore.WriterOptimistic, CorrelationKey: messageID}
	var prevContent string
	var prevStatus model.MessageStatus
	patched := s.store.Patch(conversationID, messageID, func(m *model.Message) {
		prevContent, prevStatus = m.Content, m.Status
		m.Content = ""
		m.Status = model.MessageStatusDeleted
	}, attr)

	if err := s.api.DeleteMessage(ctx, messageID); err != nil {
		if patched {
			s.store.Patch(conversationID, messageID, func(m *model.Message) {
				m.Content, m.Status = prevContent, prevStatus
			}, attr)
		}
		return err
	}
	return nil
}

// ToggleReaction flips the local summary immediately, then reconciles with
// the authoritative summary from the write API. A second toggle before the
// first settles still converges: the server response carries the full group
// list, not a delta.
func (s *Sender) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	attr := pagestore.Attr{Writer: pagestore.WriterOptimistic, CorrelationKey: messageID}
	s.store.Patch(conversationID, messageID, func(m *model.Message) {
		m.Reactions = model.ToggleReaction(m.Reactions, emoji, s.selfID)
	}, attr)

	groups, err := s.api.ToggleReaction(ctx, messageID, s.selfID, emoji)
	if err != nil {
		s.store.Patch(conversationID, messageID, func(m *model.Message) {
			m.Reactions = model.ToggleReaction(m.Reactions, emoji, s.selfID)
		}, attr)
		return err
	}
	s.store.Patch(conversationID, messageID, func(m *model.Message) {
		m.Reactions = groups
	}, attr)
	return nil
}

// Wait blocks until all in-flight settles have finished.
func (s *Sender) Wait() {
	s.wg.Wait()
}
