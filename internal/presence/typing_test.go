package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courtside/chatsync/internal/model"
)

const (
	conv = "c1"
	self = "p1"
)

type signal struct {
	conversationID string
	typing         bool
}

type fakeChannel struct {
	mu      sync.Mutex
	signals []signal
	notify  chan signal
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{notify: make(chan signal, 16)}
}

func (f *fakeChannel) SignalTyping(ctx context.Context, conversationID string, typing bool) error {
	s := signal{conversationID: conversationID, typing: typing}
	f.mu.Lock()
	f.signals = append(f.signals, s)
	f.mu.Unlock()
	f.notify <- s
	return nil
}

func (f *fakeChannel) all() []signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signal(nil), f.signals...)
}

func indicator(playerID string, at time.Time) model.TypingIndicator {
	return model.TypingIndicator{PlayerID: playerID, DisplayName: playerID, At: at}
}

func TestActive_ExpiresAtStalenessWindow(t *testing.T) {
	tr := NewTypingTracker(newFakeChannel(), self)
	base := time.Now()
	tr.now = func() time.Time { return base }
	tr.Observe(conv, indicator("p2", base))

	tr.now = func() time.Time { return base.Add(4999 * time.Millisecond) }
	require.Len(t, tr.Active(conv), 1)

	// At t+5001ms the signal is older than five seconds: gone.
	tr.now = func() time.Time { return base.Add(5001 * time.Millisecond) }
	require.Empty(t, tr.Active(conv))
}

func TestObserve_RefreshExtendsWindow(t *testing.T) {
	tr := NewTypingTracker(newFakeChannel(), self)
	base := time.Now()
	tr.Observe(conv, indicator("p2", base))
	tr.Observe(conv, indicator("p2", base.Add(4*time.Second)))

	tr.now = func() time.Time { return base.Add(8 * time.Second) }
	active := tr.Active(conv)
	require.Len(t, active, 1)
	require.Equal(t, "p2", active[0].PlayerID)
}

func TestObserve_IgnoresSelf(t *testing.T) {
	tr := NewTypingTracker(newFakeChannel(), self)
	now := time.Now()
	tr.now = func() time.Time { return now }
	tr.Observe(conv, indicator(self, now))
	require.Empty(t, tr.Active(conv))
}

func TestObserve_RedeliveryHarmless(t *testing.T) {
	tr := NewTypingTracker(newFakeChannel(), self)
	now := time.Now()
	tr.now = func() time.Time { return now }
	ind := indicator("p2", now)
	tr.Observe(conv, ind)
	tr.Observe(conv, ind)
	require.Len(t, tr.Active(conv), 1)
}

func TestClear_RemovesIndicator(t *testing.T) {
	tr := NewTypingTracker(newFakeChannel(), self)
	now := time.Now()
	tr.now = func() time.Time { return now }
	tr.Observe(conv, indicator("p2", now))
	tr.Clear(conv, "p2")
	require.Empty(t, tr.Active(conv))
}

func TestActive_SortedByPlayerID(t *testing.T) {
	tr := NewTypingTracker(newFakeChannel(), self)
	now := time.Now()
	tr.now = func() time.Time { return now }
	tr.Observe(conv, indicator("p3", now))
	tr.Observe(conv, indicator("p2", now))

	active := tr.Active(conv)
	require.Equal(t, "p2", active[0].PlayerID)
	require.Equal(t, "p3", active[1].PlayerID)
}

func TestSignalTyping_AutoStopBroadcastsFalse(t *testing.T) {
	ch := newFakeChannel()
	tr := NewTypingTracker(ch, self)
	tr.autoStopAfter = 10 * time.Millisecond

	require.NoError(t, tr.SignalTyping(context.Background(), conv, true))
	require.Equal(t, signal{conv, true}, <-ch.notify)

	select {
	case s := <-ch.notify:
		require.Equal(t, signal{conv, false}, s)
	case <-time.After(time.Second):
		t.Fatal("auto-stop signal never arrived")
	}
}

func TestSignalTyping_KeystrokeRearmsTimer(t *testing.T) {
	ch := newFakeChannel()
	tr := NewTypingTracker(ch, self)
	tr.autoStopAfter = 50 * time.Millisecond

	require.NoError(t, tr.SignalTyping(context.Background(), conv, true))
	<-ch.notify
	time.Sleep(25 * time.Millisecond)
	require.NoError(t, tr.SignalTyping(context.Background(), conv, true))
	<-ch.notify

	// The first timer was replaced; only one auto-stop fires.
	var stops int
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case s := <-ch.notify:
			require.False(t, s.typing)
			stops++
		case <-deadline:
			require.Equal(t, 1, stops)
			return
		}
	}
}

func TestSignalTyping_ExplicitStopCancelsTimer(t *testing.T) {
	ch := newFakeChannel()
	tr := NewTypingTracker(ch, self)
	tr.autoStopAfter = 20 * time.Millisecond

	require.NoError(t, tr.SignalTyping(context.Background(), conv, true))
	<-ch.notify
	require.NoError(t, tr.SignalTyping(context.Background(), conv, false))
	<-ch.notify

	select {
	case s := <-ch.notify:
		t.Fatalf("unexpected signal after explicit stop: %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
	require.Len(t, ch.all(), 2)
}

func TestDropConversation_CancelsTimerAndState(t *testing.T) {
	ch := newFakeChannel()
	tr := NewTypingTracker(ch, self)
	tr.autoStopAfter = 20 * time.Millisecond
	now := time.Now()
	tr.Observe(conv, indicator("p2", now))

	require.NoError(t, tr.SignalTyping(context.Background(), conv, true))
	<-ch.notify
	tr.DropConversation(conv)

	require.Empty(t, tr.Active(conv))
	select {
	case s := <-ch.notify:
		t.Fatalf("auto-stop fired after drop: %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}
