package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courtside/chatsync/internal/model"
	"github.com/courtside/chatsync/internal/pagestore"
	"github.com/courtside/chatsync/internal/transport"
)

func insertEvent(id, sender, content string) transport.Event {
	return transport.Event{
		Type:           transport.EventMessageInserted,
		ConversationID: conv,
		Message: &model.Message{
			ID:             id,
			ConversationID: conv,
			SenderID:       sender,
			Content:        content,
			Status:         model.MessageStatusSent,
			CreatedAt:      time.Now().UTC(),
		},
	}
}

func TestApplyInsert_IdempotentUnderRedelivery(t *testing.T) {
	store := pagestore.New()
	r := NewReconciler(store, self, nil, nil)

	ev := insertEvent("m1", "p2", "hi")
	r.Apply(ev)
	r.Apply(ev)

	require.Equal(t, 1, store.Len(conv))
}

func TestApplyInsert_MalformedDropped(t *testing.T) {
	store := pagestore.New()
	r := NewReconciler(store, self, nil, nil)

	r.Apply(transport.Event{Type: transport.EventMessageInserted, ConversationID: conv})
	r.Apply(transport.Event{Type: transport.EventMessageInserted, Message: &model.Message{ID: "m1"}})

	require.Equal(t, 0, store.Len(conv))
}

func TestApplyInsert_ForeignInsertFiresCallback(t *testing.T) {
	store := pagestore.New()
	var invalidated []string
	r := NewReconciler(store, self, func(c string) { invalidated = append(invalidated, c) }, nil)

	r.Apply(insertEvent("m1", "p2", "hi"))
	r.Apply(insertEvent("m2", self, "mine"))

	require.Equal(t, []string{conv}, invalidated)
}

func TestApplyInsert_EchoPromotesInPlace(t *testing.T) {
	store := pagestore.New()
	tentativeID := model.TentativeIDPrefix + "abc"
	store.Prepend(conv, model.Message{
		ID: tentativeID, ConversationID: conv, SenderID: self,
		Content: "hi", Status: model.MessageStatusSending,
		ClientMsgID: tentativeID, CreatedAt: time.Now().UTC(),
	}, pagestore.Attr{Writer: pagestore.WriterOptimistic, CorrelationKey: tentativeID})
	store.Prepend(conv, model.Message{
		ID: "m43", ConversationID: conv, SenderID: "p2",
		Content: "newer", Status: model.MessageStatusSent, CreatedAt: time.Now().UTC(),
	}, pagestore.Attr{Writer: pagestore.WriterReconciler})

	r := NewReconciler(store, self, nil, nil)
	echo := insertEvent("m42", self, "hi")
	echo.Message.ClientMsgID = tentativeID
	r.Apply(echo)

	page, _ := store.GetPage(conv, 0)
	require.Equal(t, []string{"m43", "m42"}, []string{page.Items[0].ID, page.Items[1].ID})
	require.Equal(t, model.MessageStatusSent, page.Items[1].Status)
}

func TestApplyInsert_ContentFallbackWithoutClientMsgID(t *testing.T) {
	store := pagestore.New()
	tentativeID := model.TentativeIDPrefix + "abc"
	store.Prepend(conv, model.Message{
		ID: tentativeID, ConversationID: conv, SenderID: self,
		Content: "hi", Status: model.MessageStatusSending,
		ClientMsgID: tentativeID, CreatedAt: time.Now().UTC(),
	}, pagestore.Attr{Writer: pagestore.WriterOptimistic, CorrelationKey: tentativeID})

	r := NewReconciler(store, self, nil, nil)
	r.Apply(insertEvent("m42", self, "hi"))

	require.Equal(t, 1, store.Len(conv))
	require.True(t, store.Has(conv, "m42"))
	require.False(t, store.Has(conv, tentativeID))
}

func TestApplyInsert_ForeignSameContentNotCorrelated(t *testing.T) {
	store := pagestore.New()
	tentativeID := model.TentativeIDPrefix + "abc"
	store.Prepend(conv, model.Message{
		ID: tentativeID, ConversationID: conv, SenderID: self,
		Content: "hi", Status: model.MessageStatusSending,
		ClientMsgID: tentativeID, CreatedAt: time.Now().UTC(),
	}, pagestore.Attr{Writer: pagestore.WriterOptimistic, CorrelationKey: tentativeID})

	r := NewReconciler(store, self, nil, nil)
	// Another player says "hi" too: must insert, never replace our tentative.
	r.Apply(insertEvent("m50", "p2", "hi"))

	require.Equal(t, 2, store.Len(conv))
	require.True(t, store.Has(conv, tentativeID))
}

func TestApplyUpdate_EditAndReactions(t *testing.T) {
	store := pagestore.New()
	r := NewReconciler(store, self, nil, nil)
	r.Apply(insertEvent("m1", "p2", "hi"))

	edited := "hello"
	at := time.Now().UTC()
	groups := []model.ReactionGroup{{Emoji: "👍", Count: 1, Players: []string{"p2"}}}
	r.Apply(transport.Event{
		Type:           transport.EventMessageUpdated,
		ConversationID: conv,
		MessageID:      "m1",
		Patch:          &transport.MessagePatch{Content: &edited, EditedAt: &at, Reactions: groups},
	})

	page, _ := store.GetPage(conv, 0)
	require.Equal(t, "hello", page.Items[0].Content)
	require.Equal(t, &at, page.Items[0].UpdatedAt)
	require.Equal(t, groups, page.Items[0].Reactions)
}

func TestApplyUpdate_BeforeInsertIsDropped(t *testing.T) {
	store := pagestore.New()
	r := NewReconciler(store, self, nil, nil)

	edited := "hello"
	r.Apply(transport.Event{
		Type:           transport.EventMessageUpdated,
		ConversationID: conv,
		MessageID:      "m1",
		Patch:          &transport.MessagePatch{Content: &edited},
	})
	require.Equal(t, 0, store.Len(conv))

	// The insert arriving later is applied as sent, not merged with the
	// dropped update.
	r.Apply(insertEvent("m1", "p2", "hi"))
	page, _ := store.GetPage(conv, 0)
	require.Equal(t, "hi", page.Items[0].Content)
}

func TestApplyDelete_Tombstones(t *testing.T) {
	store := pagestore.New()
	r := NewReconciler(store, self, nil, nil)
	r.Apply(insertEvent("m1", "p2", "hi"))
	r.Apply(insertEvent("m2", "p2", "yo"))

	r.Apply(transport.Event{
		Type:           transport.EventMessageDeleted,
		ConversationID: conv,
		MessageID:      "m1",
	})

	require.Equal(t, 2, store.Len(conv))
	page, _ := store.GetPage(conv, 0)
	require.Equal(t, model.MessageStatusDeleted, page.Items[1].Status)
	require.Empty(t, page.Items[1].Content)
}

func TestApplyRead_AddsReaderBelowCursor(t *testing.T) {
	store := pagestore.New()
	r := NewReconciler(store, self, nil, nil)

	old := insertEvent("m1", self, "mine")
	old.Message.CreatedAt = time.Now().UTC().Add(-time.Minute)
	r.Apply(old)
	foreign := insertEvent("m2", "p2", "theirs")
	foreign.Message.CreatedAt = time.Now().UTC().Add(-time.Minute)
	r.Apply(foreign)

	r.Apply(transport.Event{
		Type:           transport.EventMessageRead,
		ConversationID: conv,
		Read: &transport.ReadPayload{
			ConversationID: conv,
			PlayerID:       "p2",
			ReadAt:         time.Now().UTC(),
		},
	})

	page, _ := store.GetPage(conv, 0)
	for _, item := range page.Items {
		if item.SenderID == "p2" {
			// A reader is never added to their own messages.
			require.NotContains(t, item.ReadBy, "p2")
		} else {
			require.Contains(t, item.ReadBy, "p2")
		}
	}

	// Redelivery must not duplicate the reader.
	r.Apply(transport.Event{
		Type:           transport.EventMessageRead,
		ConversationID: conv,
		Read: &transport.ReadPayload{
			ConversationID: conv,
			PlayerID:       "p2",
			ReadAt:         time.Now().UTC(),
		},
	})
	page, _ = store.GetPage(conv, 0)
	for _, item := range page.Items {
		if item.SenderID == self {
			require.Equal(t, []string{"p2"}, item.ReadBy)
		}
	}
}

func TestApplyInsert_UpdatesPreviewCallback(t *testing.T) {
	store := pagestore.New()
	var previews []string
	r := NewReconciler(store, self, nil, func(c string) { previews = append(previews, c) })

	r.Apply(insertEvent("m1", "p2", "hi"))
	require.Equal(t, []string{conv}, previews)
}
