package pagestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courtside/chatsync/internal/model"
)

const conv = "c1"

func msg(id, sender, content string) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		Status:         model.MessageStatusSent,
		CreatedAt:      time.Now().UTC(),
	}
}

func optimistic(key string) Attr {
	return Attr{Writer: WriterOptimistic, CorrelationKey: key}
}

func TestPrependIsIdempotentByID(t *testing.T) {
	s := New()
	require.True(t, s.Prepend(conv, msg("m1", "p1", "hi"), optimistic("m1")))
	require.False(t, s.Prepend(conv, msg("m1", "p1", "hi"), optimistic("m1")))
	require.Equal(t, 1, s.Len(conv))
}

func TestGetPageCopiesItems(t *testing.T) {
	s := New()
	s.Prepend(conv, msg("m1", "p1", "hi"), optimistic("m1"))
	page, ok := s.GetPage(conv, 0)
	require.True(t, ok)
	page.Items[0].Content = "mutated"

	again, _ := s.GetPage(conv, 0)
	require.Equal(t, "hi", again.Items[0].Content)
}

func TestPatchUnknownIDIsNoOp(t *testing.T) {
	s := New()
	s.Prepend(conv, msg("m1", "p1", "hi"), optimistic("m1"))
	ok := s.Patch(conv, "missing", func(m *model.Message) {
		m.Content = "boom"
	}, Attr{Writer: WriterReconciler})
	require.False(t, ok)

	page, _ := s.GetPage(conv, 0)
	require.Equal(t, "hi", page.Items[0].Content)
}

func TestReplacePreservesPosition(t *testing.T) {
	s := New()
	tent := msg("tmp-1", "p1", "hi")
	tent.Status = model.MessageStatusSending
	s.Prepend(conv, tent, optimistic("tmp-1"))
	s.Prepend(conv, msg("m43", "p2", "newer"), Attr{Writer: WriterReconciler})

	require.True(t, s.Replace(conv, "tmp-1", msg("m42", "p1", "hi"), optimistic("tmp-1")))

	page, _ := s.GetPage(conv, 0)
	require.Equal(t, []string{"m43", "m42"}, []string{page.Items[0].ID, page.Items[1].ID})
	require.False(t, s.Has(conv, "tmp-1"))
}

func TestReplaceDedupsWhenNewIDAlreadyCached(t *testing.T) {
	s := New()
	tent := msg("tmp-1", "p1", "hi")
	tent.Status = model.MessageStatusSending
	s.Prepend(conv, tent, optimistic("tmp-1"))
	// The realtime echo won the race and inserted the authoritative record.
	s.Prepend(conv, msg("m42", "p1", "hi"), Attr{Writer: WriterReconciler})

	require.True(t, s.Replace(conv, "tmp-1", msg("m42", "p1", "hi"), optimistic("tmp-1")))
	require.Equal(t, 1, s.Len(conv))
	require.True(t, s.Has(conv, "m42"))
	require.False(t, s.Has(conv, "tmp-1"))
}

func TestReplaceOldestSendingMatchesOldestFirst(t *testing.T) {
	s := New()
	first := msg("tmp-a", "p1", "hi")
	first.Status = model.MessageStatusSending
	second := msg("tmp-b", "p1", "hi")
	second.Status = model.MessageStatusSending
	s.Prepend(conv, first, optimistic("tmp-a"))
	s.Prepend(conv, second, optimistic("tmp-b"))

	require.True(t, s.ReplaceOldestSending(conv, "p1", "hi", msg("m42", "p1", "hi"), Attr{Writer: WriterReconciler}))
	require.False(t, s.Has(conv, "tmp-a"))
	require.True(t, s.Has(conv, "tmp-b"))
}

func TestAppendPageSkipsCachedIDs(t *testing.T) {
	s := New()
	s.Prepend(conv, msg("m1", "p1", "hi"), optimistic("m1"))
	s.AppendPage(conv, []model.Message{msg("m1", "p1", "hi"), msg("m0", "p2", "older")}, false, Attr{Writer: WriterPagination})

	require.Equal(t, 2, s.Len(conv))
	page, ok := s.GetPage(conv, 1)
	require.True(t, ok)
	require.Len(t, page.Items, 1)
	require.Equal(t, "m0", page.Items[0].ID)
	require.False(t, page.HasMore)
}

func TestRemoveAndTombstone(t *testing.T) {
	s := New()
	s.Prepend(conv, msg("m1", "p1", "hi"), optimistic("m1"))
	s.Prepend(conv, msg("m2", "p1", "yo"), optimistic("m2"))

	require.True(t, s.Remove(conv, "m2", optimistic("m2")))
	require.Equal(t, 1, s.Len(conv))

	// Server deletions tombstone via Patch: id and position survive.
	s.Patch(conv, "m1", func(m *model.Message) {
		m.Content = ""
		m.Status = model.MessageStatusDeleted
	}, Attr{Writer: WriterReconciler})
	page, _ := s.GetPage(conv, 0)
	require.Equal(t, "m1", page.Items[0].ID)
	require.Equal(t, model.MessageStatusDeleted, page.Items[0].Status)
}

func TestResetKeepsTentativeRecords(t *testing.T) {
	s := New()
	s.AppendPage(conv, []model.Message{msg("m2", "p2", "b"), msg("m1", "p2", "a")}, true, Attr{Writer: WriterPagination})
	tent := msg("tmp-1", "p1", "unsettled")
	tent.Status = model.MessageStatusSending
	s.Prepend(conv, tent, optimistic("tmp-1"))

	s.Reset(conv)

	require.Equal(t, 1, s.Len(conv))
	require.True(t, s.Has(conv, "tmp-1"))
	require.False(t, s.Has(conv, "m2"))
	require.Equal(t, 0, s.ConfirmedLen(conv))
}

func TestResetDropsEmptyPartition(t *testing.T) {
	s := New()
	s.AppendPage(conv, []model.Message{msg("m1", "p2", "a")}, false, Attr{Writer: WriterPagination})
	s.Reset(conv)
	require.Equal(t, 0, s.Len(conv))
	_, ok := s.GetPage(conv, 0)
	require.False(t, ok)
}

func TestConfirmedLenExcludesTentative(t *testing.T) {
	s := New()
	s.AppendPage(conv, []model.Message{msg("m2", "p2", "b"), msg("m1", "p2", "a")}, true, Attr{Writer: WriterPagination})
	tent := msg("tmp-1", "p1", "hi")
	tent.Status = model.MessageStatusSending
	s.Prepend(conv, tent, optimistic("tmp-1"))

	require.Equal(t, 3, s.Len(conv))
	require.Equal(t, 2, s.ConfirmedLen(conv))
}

func TestGetPageCursorChain(t *testing.T) {
	s := New()
	s.AppendPage(conv, []model.Message{msg("m3", "p1", "c")}, true, Attr{Writer: WriterPagination})
	s.AppendPage(conv, []model.Message{msg("m2", "p1", "b")}, false, Attr{Writer: WriterPagination})

	first, ok := s.GetPage(conv, 0)
	require.True(t, ok)
	require.True(t, first.HasMore)
	require.Equal(t, 1, first.Cursor)

	second, ok := s.GetPage(conv, first.Cursor)
	require.True(t, ok)
	require.False(t, second.HasMore)

	_, ok = s.GetPage(conv, second.Cursor)
	require.False(t, ok)
}

func TestPreviewReturnsNewestCopy(t *testing.T) {
	s := New()
	require.Nil(t, s.Preview(conv))
	s.Prepend(conv, msg("m1", "p1", "hi"), optimistic("m1"))
	p := s.Preview(conv)
	require.NotNil(t, p)
	require.Equal(t, "m1", p.ID)
	p.Content = "mutated"
	require.Equal(t, "hi", s.Preview(conv).Content)
}
