package engine

import (
	"context"
	"sync"
	"time"

	"github.com/courtside/chatsync/internal/logger"
	"github.com/courtside/chatsync/internal/model"
	"github.com/courtside/chatsync/internal/pagestore"
	"github.com/courtside/chatsync/internal/transport"
)

const (
	// droppedRetain bounds how long we remember an update/delete that arrived
	// ahead of its insert. The drop itself is the accepted relaxation; the
	// record exists so a late insert can be flagged in the log.
	droppedRetain = time.Minute
	droppedMax    = 1024
)

// Reconciler applies the unordered, possibly-duplicated realtime event
// stream onto the page store. Apply is idempotent under redelivery and never
// lets one malformed event corrupt the rest of the store.
type Reconciler struct {
	store           *pagestore.Store
	selfID          string
	onForeignInsert func(conversationID string)
	onPreview       func(conversationID string)

	mu      sync.Mutex
	dropped map[string]time.Time
	now     func() time.Time
}

func NewReconciler(store *pagestore.Store, selfID string, onForeignInsert, onPreview func(conversationID string)) *Reconciler {
	return &Reconciler{
		store:           store,
		selfID:          selfID,
		onForeignInsert: onForeignInsert,
		onPreview:       onPreview,
		dropped:         make(map[string]time.Time),
		now:             time.Now,
	}
}

// Run applies events until ctx is cancelled or the channel closes.
func (r *Reconciler) Run(ctx context.Context, events <-chan transport.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Apply(ev)
		}
	}
}

// Apply processes one event in arrival order. Typing and list-level events
// are not store concerns and fall through untouched.
func (r *Reconciler) Apply(ev transport.Event) {
	switch ev.Type {
	case transport.EventMessageInserted:
		r.applyInsert(ev)
	case transport.EventMessageUpdated:
		r.applyUpdate(ev)
	case transport.EventMessageDeleted:
		r.applyDelete(ev)
	case transport.EventMessageRead:
		r.applyRead(ev)
	}
}

func (r *Reconciler) applyInsert(ev transport.Event) {
	m := ev.Message
	if m == nil || m.ID == "" || m.ConversationID == "" {
		logger.Errorf("reconciler: malformed insert dropped conv=%s", ev.ConversationID)
		return
	}
	conv := m.ConversationID
	attr := pagestore.Attr{Writer: pagestore.WriterReconciler, CorrelationKey: m.ClientMsgID}

	switch {
	case r.store.Has(conv, m.ID):
		// Redelivery: applying the same insert twice is a no-op.
		return
	case m.ClientMsgID != "" && r.store.Replace(conv, m.ClientMsgID, *m, attr):
		// Our own echo arrived ahead of the write response; the tentative
		// record is promoted in place, position preserved.
	case m.SenderID == r.selfID && m.ClientMsgID == "" &&
		r.store.ReplaceOldestSending(conv, m.SenderID, m.Content, *m, attr):
		// Echo without a correlation key: content fallback against the
		// oldest still-sending record only, never an arbitrary store scan.
	default:
		r.store.Prepend(conv, *m, attr)
	}

	r.noteInsert(m.ID)
	if r.onPreview != nil {
		r.onPreview(conv)
	}
	if m.SenderID != r.selfID && r.onForeignInsert != nil {
		r.onForeignInsert(conv)
	}
}

func (r *Reconciler) applyUpdate(ev transport.Event) {
	if ev.MessageID == "" || ev.ConversationID == "" || ev.Patch == nil {
		logger.Errorf("reconciler: malformed update dropped conv=%s id=%s", ev.ConversationID, ev.MessageID)
		return
	}
	patch := ev.Patch
	ok := r.store.Patch(ev.ConversationID, ev.MessageID, func(m *model.Message) {
		if patch.Deleted {
			m.Content = ""
			m.Status = model.MessageStatusDeleted
			return
		}
		if patch.Content != nil {
			m.Content = *patch.Content
		}
		if patch.EditedAt != nil {
			m.UpdatedAt = patch.EditedAt
		}
		if patch.Reactions != nil {
			m.Reactions = patch.Reactions
		}
	}, pagestore.Attr{Writer: pagestore.WriterReconciler, CorrelationKey: ev.MessageID})
	if !ok {
		// Update raced ahead of its insert: dropped, not queued.
		r.recordDropped(ev.MessageID)
		return
	}
	if r.onPreview != nil {
		r.onPreview(ev.ConversationID)
	}
}

func (r *Reconciler) applyDelete(ev transport.Event) {
	if ev.MessageID == "" || ev.ConversationID == "" {
		logger.Errorf("reconciler: malformed delete dropped conv=%s", ev.ConversationID)
		return
	}
	// Deletions tombstone rather than remove, so read and ordering state
	// around the message stays stable.
	ok := r.store.Patch(ev.ConversationID, ev.MessageID, func(m *model.Message) {
		m.Content = ""
		m.Status = model.MessageStatusDeleted
	}, pagestore.Attr{Writer: pagestore.WriterReconciler, CorrelationKey: ev.MessageID})
	if !ok {
		r.recordDropped(ev.MessageID)
		return
	}
	if r.onPreview != nil {
		r.onPreview(ev.ConversationID)
	}
}

func (r *Reconciler) applyRead(ev transport.Event) {
	if ev.Read == nil || ev.Read.ConversationID == "" || ev.Read.PlayerID == "" {
		return
	}
	read := ev.Read
	r.store.PatchAll(read.ConversationID, func(m *model.Message) {
		if m.CreatedAt.After(read.ReadAt) || m.SenderID == read.PlayerID {
			return
		}
		for _, p := range m.ReadBy {
			if p == read.PlayerID {
				return
			}
		}
		m.ReadBy = append(append([]string(nil), m.ReadBy...), read.PlayerID)
	}, pagestore.Attr{Writer: pagestore.WriterReconciler, CorrelationKey: read.PlayerID})
}

func (r *Reconciler) recordDropped(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for k, t := range r.dropped {
		if now.Sub(t) > droppedRetain {
			delete(r.dropped, k)
		}
	}
	if len(r.dropped) < droppedMax {
		r.dropped[id] = now
	}
	logger.Debugf("reconciler: update/delete before insert dropped id=%s", id)
}

func (r *Reconciler) noteInsert(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.dropped[id]; ok {
		delete(r.dropped, id)
		logger.Infof("reconciler: insert arrived %s after an update for id=%s was dropped; record may be stale until the next update", r.now().Sub(t).Round(time.Millisecond), id)
	}
}
