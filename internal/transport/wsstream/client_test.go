package wsstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courtside/chatsync/internal/model"
	"github.com/courtside/chatsync/internal/transport"
)

func TestEventConversation(t *testing.T) {
	require.Equal(t, "c1", eventConversation(transport.Event{ConversationID: "c1"}))
	require.Equal(t, "c2", eventConversation(transport.Event{Message: &model.Message{ConversationID: "c2"}}))
	require.Equal(t, "c3", eventConversation(transport.Event{Typing: &transport.TypingPayload{ConversationID: "c3"}}))
	require.Equal(t, "c4", eventConversation(transport.Event{Read: &transport.ReadPayload{ConversationID: "c4"}}))
	require.Empty(t, eventConversation(transport.Event{Type: transport.EventError}))
}

func TestSubscribeAndDispatch(t *testing.T) {
	c := NewClient("ws://example/ws", nil)

	handle, err := c.Subscribe(context.Background(), "c1")
	require.NoError(t, err)

	_, err = c.Subscribe(context.Background(), "c1")
	require.Error(t, err)

	ev := transport.Event{Type: transport.EventMessageDeleted, ConversationID: "c1", MessageID: "m1"}
	c.dispatch(ev)
	select {
	case got := <-handle.Events():
		require.Equal(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}

	// Events for conversations without a subscription are discarded.
	c.dispatch(transport.Event{Type: transport.EventMessageDeleted, ConversationID: "other", MessageID: "m2"})
}

func TestStopClosesEventsAndAllowsResubscribe(t *testing.T) {
	c := NewClient("ws://example/ws", nil)

	handle, err := c.Subscribe(context.Background(), "c1")
	require.NoError(t, err)
	handle.Stop()
	handle.Stop() // idempotent

	_, open := <-handle.Events()
	require.False(t, open)

	// Dispatch after stop must not panic or deliver.
	c.dispatch(transport.Event{Type: transport.EventMessageDeleted, ConversationID: "c1", MessageID: "m1"})

	again, err := c.Subscribe(context.Background(), "c1")
	require.NoError(t, err)
	again.Stop()
}

func TestSignalTypingRequiresConnection(t *testing.T) {
	c := NewClient("ws://example/ws", nil)
	require.ErrorIs(t, c.SignalTyping(context.Background(), "c1", true), ErrNotConnected)
}

func TestAttachResubscribesAndSignalsGap(t *testing.T) {
	c := NewClient("ws://example/ws", nil)
	handle, err := c.Subscribe(context.Background(), "c1")
	require.NoError(t, err)
	defer handle.Stop()

	// First connect: subscribe frame queued, no re-baseline signal.
	c.attach()
	require.Equal(t, Frame{Type: FrameSubscribe, ConversationID: "c1"}, <-c.send)
	select {
	case ev := <-handle.Events():
		t.Fatalf("unexpected event on first connect: %+v", ev)
	default:
	}

	// Reconnect after a gap: subscribe again and tell the consumer.
	c.detach()
	c.attach()
	require.Equal(t, Frame{Type: FrameSubscribe, ConversationID: "c1"}, <-c.send)
	select {
	case ev := <-handle.Events():
		require.Equal(t, transport.EventResubscribed, ev.Type)
		require.Equal(t, "c1", ev.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("resubscribed event never delivered")
	}

	require.NoError(t, c.SignalTyping(context.Background(), "c1", true))
	require.Equal(t, Frame{Type: FrameTyping, ConversationID: "c1", Typing: true}, <-c.send)
}
