// Package pagestore is the single source of truth the UI reads: a keyed
// cache of ordered, newest-first message pages per conversation. Only the
// optimistic sender and the event reconciler write to it; every write is
// attributed to its origin so dedup rules stay auditable.
package pagestore

import (
	"strings"
	"sync"

	"github.com/courtside/chatsync/internal/logger"
	"github.com/courtside/chatsync/internal/model"
)

// Writer identifies the component performing a store mutation.
type Writer string

const (
	WriterOptimistic Writer = "optimistic"
	WriterReconciler Writer = "reconciler"
	WriterPagination Writer = "pagination"
)

// Attr attributes a write: which component and under which correlation key.
type Attr struct {
	Writer         Writer
	CorrelationKey string
}

// Page is one fetch-sized window of a conversation, newest first. Cursor is
// the continuation to request the next page; HasMore reports whether that
// request can yield anything.
type Page struct {
	Items   []model.Message
	Cursor  int
	HasMore bool
}

type partition struct {
	pages   [][]model.Message
	ids     map[string]struct{}
	hasMore bool
	total   int
}

// Store holds one partition per conversation. Safe for concurrent use from
// multiple conversation views; pass the instance in explicitly, there is no
// package-level singleton.
type Store struct {
	mu    sync.RWMutex
	parts map[string]*partition
}

func New() *Store {
	return &Store{parts: make(map[string]*partition)}
}

func (s *Store) part(conversationID string) *partition {
	p, ok := s.parts[conversationID]
	if !ok {
		p = &partition{ids: make(map[string]struct{})}
		s.parts[conversationID] = p
	}
	return p
}

// GetPage returns the page at cursor (0 = newest). ok is false when the
// conversation has no cached page at that cursor.
func (s *Store) GetPage(conversationID string, cursor int) (Page, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parts[conversationID]
	if !ok || cursor < 0 || cursor >= len(p.pages) {
		return Page{}, false
	}
	items := make([]model.Message, len(p.pages[cursor]))
	copy(items, p.pages[cursor])
	return Page{
		Items:   items,
		Cursor:  cursor + 1,
		HasMore: cursor+1 < len(p.pages) || p.hasMore,
	}, true
}

// Len returns the number of cached messages for the conversation; it is also
// the offset for the next history fetch.
func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.parts[conversationID]; ok {
		return p.total
	}
	return 0
}

// Has reports whether a message id is cached anywhere in the conversation.
func (s *Store) Has(conversationID, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parts[conversationID]
	if !ok {
		return false
	}
	_, found := p.ids[id]
	return found
}

// Prepend inserts m at the head of the first page. It is a no-op returning
// false if a message with the same id exists in any page.
func (s *Store) Prepend(conversationID string, m model.Message, attr Attr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.part(conversationID)
	if _, dup := p.ids[m.ID]; dup {
		logger.Debugf("pagestore prepend dup conv=%s id=%s writer=%s", conversationID, m.ID, attr.Writer)
		return false
	}
	if len(p.pages) == 0 {
		p.pages = append(p.pages, nil)
	}
	p.pages[0] = append([]model.Message{m}, p.pages[0]...)
	p.ids[m.ID] = struct{}{}
	p.total++
	logger.Debugf("pagestore prepend conv=%s id=%s writer=%s key=%s", conversationID, m.ID, attr.Writer, attr.CorrelationKey)
	return true
}

// AppendPage adds an older page from a pagination fetch. Items already
// cached (e.g. an optimistic record promoted meanwhile) are skipped; cursor
// continuation is purely additive and never reorders existing pages.
func (s *Store) AppendPage(conversationID string, items []model.Message, hasMore bool, attr Attr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.part(conversationID)
	page := make([]model.Message, 0, len(items))
	for _, m := range items {
		if _, dup := p.ids[m.ID]; dup {
			continue
		}
		page = append(page, m)
		p.ids[m.ID] = struct{}{}
	}
	p.pages = append(p.pages, page)
	p.total += len(page)
	p.hasMore = hasMore
	logger.Debugf("pagestore append conv=%s n=%d hasMore=%v writer=%s", conversationID, len(page), hasMore, attr.Writer)
}

// Patch applies fn to the message with the given id. A patch for an unknown
// id is silently ignored: it may have raced ahead of its insert.
func (s *Store) Patch(conversationID, id string, fn func(*model.Message), attr Attr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[conversationID]
	if !ok {
		return false
	}
	if _, found := p.ids[id]; !found {
		return false
	}
	for pi := range p.pages {
		for i := range p.pages[pi] {
			if p.pages[pi][i].ID == id {
				fn(&p.pages[pi][i])
				logger.Debugf("pagestore patch conv=%s id=%s writer=%s", conversationID, id, attr.Writer)
				return true
			}
		}
	}
	return false
}

// PatchAll applies fn to every cached message of the conversation (used for
// read receipts, which cover the whole partition).
func (s *Store) PatchAll(conversationID string, fn func(*model.Message), attr Attr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[conversationID]
	if !ok {
		return
	}
	for pi := range p.pages {
		for i := range p.pages[pi] {
			fn(&p.pages[pi][i])
		}
	}
	logger.Debugf("pagestore patchAll conv=%s writer=%s", conversationID, attr.Writer)
}

// Replace swaps the record oldID for m in place, preserving its position.
// If m.ID is already cached elsewhere (its insert won the race), the oldID
// record is removed instead so the id stays unique. Returns false when oldID
// is not cached.
func (s *Store) Replace(conversationID, oldID string, m model.Message, attr Attr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[conversationID]
	if !ok {
		return false
	}
	if _, found := p.ids[oldID]; !found {
		return false
	}
	if _, dup := p.ids[m.ID]; dup && m.ID != oldID {
		s.removeLocked(p, oldID)
		logger.Debugf("pagestore replace-dedup conv=%s old=%s new=%s writer=%s", conversationID, oldID, m.ID, attr.Writer)
		return true
	}
	for pi := range p.pages {
		for i := range p.pages[pi] {
			if p.pages[pi][i].ID == oldID {
				p.pages[pi][i] = m
				delete(p.ids, oldID)
				p.ids[m.ID] = struct{}{}
				logger.Debugf("pagestore replace conv=%s old=%s new=%s writer=%s", conversationID, oldID, m.ID, attr.Writer)
				return true
			}
		}
	}
	return false
}

// ReplaceOldestSending promotes the oldest still-sending tentative record
// from senderID with exactly this content. Content matching is the fallback
// correlation path for authoritative records that lack a client_msg_id echo.
func (s *Store) ReplaceOldestSending(conversationID, senderID, content string, m model.Message, attr Attr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[conversationID]
	if !ok {
		return false
	}
	for pi := len(p.pages) - 1; pi >= 0; pi-- {
		for i := len(p.pages[pi]) - 1; i >= 0; i-- {
			c := &p.pages[pi][i]
			if c.Tentative() && c.Status == model.MessageStatusSending &&
				c.SenderID == senderID && c.Content == content {
				delete(p.ids, c.ID)
				p.ids[m.ID] = struct{}{}
				*c = m
				logger.Debugf("pagestore replace-fallback conv=%s new=%s writer=%s", conversationID, m.ID, attr.Writer)
				return true
			}
		}
	}
	return false
}

// Remove deletes the record outright (dismissing a failed send). Server-side
// deletions tombstone via Patch instead, so ordering state stays put.
func (s *Store) Remove(conversationID, id string, attr Attr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[conversationID]
	if !ok {
		return false
	}
	if _, found := p.ids[id]; !found {
		return false
	}
	s.removeLocked(p, id)
	logger.Debugf("pagestore remove conv=%s id=%s writer=%s", conversationID, id, attr.Writer)
	return true
}

func (s *Store) removeLocked(p *partition, id string) {
	for pi := range p.pages {
		for i := range p.pages[pi] {
			if p.pages[pi][i].ID == id {
				p.pages[pi] = append(p.pages[pi][:i], p.pages[pi][i+1:]...)
				delete(p.ids, id)
				p.total--
				return
			}
		}
	}
}

// Reset drops the conversation's cached pages; the caller re-fetches page
// one afterwards to re-baseline (the reconnect path). Tentative records are
// carried over: an unsettled send still owes the user its outcome.
func (s *Store) Reset(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[conversationID]
	if !ok {
		return
	}
	var kept []model.Message
	for pi := range p.pages {
		for _, m := range p.pages[pi] {
			if m.Tentative() {
				kept = append(kept, m)
			}
		}
	}
	if len(kept) == 0 {
		delete(s.parts, conversationID)
		return
	}
	fresh := &partition{ids: make(map[string]struct{}, len(kept)), total: len(kept)}
	fresh.pages = append(fresh.pages, kept)
	for _, m := range kept {
		fresh.ids[m.ID] = struct{}{}
	}
	s.parts[conversationID] = fresh
}

// ConfirmedLen counts non-tentative cached messages; it is the offset for
// the next history fetch (tentative records are unknown to the server).
func (s *Store) ConfirmedLen(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parts[conversationID]
	if !ok {
		return 0
	}
	n := 0
	for id := range p.ids {
		if !strings.HasPrefix(id, model.TentativeIDPrefix) {
			n++
		}
	}
	return n
}

// Preview returns a copy of the newest cached message, for the conversation
// list. Tombstones are included; the list renders them as "deleted".
func (s *Store) Preview(conversationID string) *model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parts[conversationID]
	if !ok || len(p.pages) == 0 || len(p.pages[0]) == 0 {
		return nil
	}
	m := p.pages[0][0]
	return &m
}
