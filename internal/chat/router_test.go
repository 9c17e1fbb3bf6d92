package chat

import (
	"strings"
	"sync"
	"testing"

	"github.com/andy6609/chatrelay/internal/history"
	"github.com/andy6609/chatrelay/internal/wire"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, capacity int) *Router {
	t.Helper()
	r := NewRouter(128, history.NewStore(capacity, nil), nil, nil)
	go r.Run()
	t.Cleanup(func() {
		r.Stop()
		r.Wait()
	})
	return r
}

func register(t *testing.T, r *Router, s *Session, username string) {
	t.Helper()
	reply := make(chan error, 1)
	ok := r.Submit(Event{
		Type:      EventRegister,
		Session:   s,
		Payload:   wire.ChatEvent{Author: username, Kind: wire.KindInit, Content: "back to the server"},
		ReplyChan: reply,
	})
	require.True(t, ok)
	if err := <-reply; err != nil {
		t.Fatalf("register(%s) error: %v", username, err)
	}
}

func send(t *testing.T, r *Router, s *Session, kind wire.Kind, content string) {
	t.Helper()
	require.True(t, r.Submit(Event{
		Type:    EventInbound,
		Session: s,
		Payload: wire.ChatEvent{Author: s.Name(), Kind: kind, Content: content},
	}))
}

func disconnect(t *testing.T, r *Router, s *Session) {
	t.Helper()
	require.True(t, r.Submit(Event{Type: EventUnregister, Session: s}))
}

// barrier returns once the router has processed everything submitted before it.
func barrier(t *testing.T, r *Router) {
	t.Helper()
	reply := make(chan error, 1)
	require.True(t, r.Submit(Event{Type: EventRegister, Session: newTestSession(), ReplyChan: reply}))
	require.ErrorIs(t, <-reply, ErrNameInvalid)
}

// received drains and decodes everything queued for s.
func received(t *testing.T, s *Session) []wire.ChatEvent {
	t.Helper()
	d := wire.NewDecoder(0)
	for {
		select {
		case item, ok := <-s.out:
			if !ok {
				return decodeAll(t, d)
			}
			d.Feed(item)
		default:
			return decodeAll(t, d)
		}
	}
}

func decodeAll(t *testing.T, d *wire.Decoder) []wire.ChatEvent {
	t.Helper()
	var out []wire.ChatEvent
	for {
		e, ok, err := d.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func contents(events []wire.ChatEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Content)
	}
	return out
}

func TestRouter_NewUserGetsRecentHistoryAndOthersAreNotified(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 2)
	bob, alice := newTestSession(), newTestSession()

	// Given bob is connected and has chatted
	register(t, r, bob, "bob")
	send(t, r, bob, wire.KindBroadcast, "one")
	send(t, r, bob, wire.KindBroadcast, "two")
	barrier(t, r)
	received(t, bob)

	// When alice connects for the first time
	register(t, r, alice, "alice")
	barrier(t, r)

	// Then alice receives the recent window and not her own notice
	req.Equal([]string{"one", "two"}, contents(received(t, alice)))

	// And bob is told alice connected
	got := received(t, bob)
	req.Len(got, 1)
	req.Equal(wire.KindServerNotice, got[0].Kind)
	req.Equal(wire.ServerAuthor, got[0].Author)
	req.Equal("alice connected", got[0].Content)
	req.NotZero(got[0].Seq)
	req.Len(got[0].Timestamp, len("15:04:05"))
}

func TestRouter_SecondDeviceGetsShortReplayWithoutBroadcast(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 20)
	a1, a2, bob := newTestSession(), newTestSession(), newTestSession()

	register(t, r, a1, "alice")
	register(t, r, bob, "bob")
	send(t, r, bob, wire.KindBroadcast, "hello")
	barrier(t, r)
	received(t, a1)
	received(t, bob)

	register(t, r, a2, "alice")
	barrier(t, r)

	req.Equal([]string{"alice connected", "bob connected", "hello"}, contents(received(t, a2)))
	req.Empty(received(t, bob))
	req.Empty(received(t, a1))
}

func TestRouter_MultiDeviceBroadcast(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 20)
	a1, a2, bob, carol := newTestSession(), newTestSession(), newTestSession(), newTestSession()
	register(t, r, a1, "alice")
	register(t, r, a2, "alice")
	register(t, r, bob, "bob")
	register(t, r, carol, "carol")
	barrier(t, r)
	for _, s := range []*Session{a1, a2, bob, carol} {
		received(t, s)
	}

	// When one of alice's devices broadcasts
	send(t, r, a1, wire.KindBroadcast, "from phone")
	barrier(t, r)

	// Then her other device and every other user see it, the sender does not
	req.Empty(received(t, a1))
	for _, s := range []*Session{a2, bob, carol} {
		got := received(t, s)
		req.Len(got, 1)
		req.Equal("alice", got[0].Author)
		req.Equal(wire.KindBroadcast, got[0].Kind)
		req.Equal("from phone", got[0].Content)
	}
}

func TestRouter_DirectMessageIsolation(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 20)
	a1, a2, b1, b2, carol := newTestSession(), newTestSession(), newTestSession(), newTestSession(), newTestSession()
	register(t, r, a1, "alice")
	register(t, r, a2, "alice")
	register(t, r, b1, "bob")
	register(t, r, b2, "bob")
	register(t, r, carol, "carol")
	barrier(t, r)
	for _, s := range []*Session{a1, a2, b1, b2, carol} {
		received(t, s)
	}

	// When alice sends bob a direct message
	send(t, r, a1, wire.KindDirect, "bob   meet at noon")
	barrier(t, r)

	// Then both of bob's sessions and alice's other device get it
	for _, s := range []*Session{a2, b1, b2} {
		got := received(t, s)
		req.Len(got, 1)
		req.Equal(wire.KindDirect, got[0].Kind)
		req.Equal("meet at noon", got[0].Content)
		req.Equal([]string{"alice", "bob"}, got[0].Recipients)
	}
	// And neither the sending session nor carol does
	req.Empty(received(t, a1))
	req.Empty(received(t, carol))

	// And carol's new device does not see it in the replay either
	c2 := newTestSession()
	register(t, r, c2, "carol")
	barrier(t, r)
	for _, e := range received(t, c2) {
		req.NotEqual(wire.KindDirect, e.Kind)
	}
}

func TestRouter_DirectToUnknownUser(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 20)
	a1, a2, carol := newTestSession(), newTestSession(), newTestSession()
	register(t, r, a1, "alice")
	register(t, r, a2, "alice")
	register(t, r, carol, "carol")
	barrier(t, r)
	for _, s := range []*Session{a1, a2, carol} {
		received(t, s)
	}
	before := r.history.FullLen()

	// When alice messages bob, who has never connected
	send(t, r, a1, wire.KindDirect, "bob are you there?")
	barrier(t, r)

	// Then only the sending session gets exactly one notice naming bob
	got := received(t, a1)
	req.Len(got, 1)
	req.Equal(wire.KindServerNotice, got[0].Kind)
	req.Contains(got[0].Content, "bob")
	req.Zero(got[0].Seq)

	req.Empty(received(t, a2))
	req.Empty(received(t, carol))
	req.Equal(before, r.history.FullLen())
}

func TestRouter_DirectToOfflineUserIsReplayedOnReturn(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 20)
	alice, b1, b2 := newTestSession(), newTestSession(), newTestSession()
	register(t, r, b1, "bob")
	register(t, r, alice, "alice")
	disconnect(t, r, b1)

	send(t, r, alice, wire.KindDirect, "bob read this later")
	register(t, r, b2, "bob")
	barrier(t, r)

	got := received(t, b2)
	req.Equal([]string{"read this later"}, contents(got))
	req.Equal(wire.KindDirect, got[0].Kind)
}

func TestRouter_ReconnectReplaysSinceCursor(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 2)
	a1, bob, carol := newTestSession(), newTestSession(), newTestSession()

	// Given alice, bob and carol are connected
	register(t, r, a1, "alice")
	register(t, r, bob, "bob")
	register(t, r, carol, "carol")
	send(t, r, a1, wire.KindBroadcast, "bye for now")

	// When alice disconnects
	disconnect(t, r, a1)
	barrier(t, r)
	received(t, carol)
	notices := received(t, bob)
	req.Equal("alice disconnected", notices[len(notices)-1].Content)

	// And the others keep talking while she is away
	send(t, r, bob, wire.KindBroadcast, "while you were out")
	send(t, r, bob, wire.KindDirect, "carol just between us")
	send(t, r, carol, wire.KindDirect, "alice welcome back")
	send(t, r, carol, wire.KindBroadcast, "last one")
	barrier(t, r)
	received(t, bob)

	// Then on return she gets everything after her disconnect, minus other people's directs
	a2 := newTestSession()
	register(t, r, a2, "alice")
	barrier(t, r)
	req.Equal([]string{"while you were out", "welcome back", "last one"}, contents(received(t, a2)))

	// And the others are told she is back
	got := received(t, bob)
	req.Len(got, 1)
	req.Equal("alice reconnected", got[0].Content)
}

func TestRouter_CloseTwiceAnnouncesOnce(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 20)
	alice, bob := newTestSession(), newTestSession()
	register(t, r, alice, "alice")
	register(t, r, bob, "bob")
	barrier(t, r)
	received(t, bob)

	disconnect(t, r, alice)
	disconnect(t, r, alice)
	barrier(t, r)

	req.Equal([]string{"alice disconnected"}, contents(received(t, bob)))
	req.NoError(alice.Close())
	req.NoError(alice.Close())
	req.Equal(StateClosed, alice.State())
}

func TestRouter_LastDeviceLeavingAnnounces(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 20)
	a1, a2, bob := newTestSession(), newTestSession(), newTestSession()
	register(t, r, a1, "alice")
	register(t, r, a2, "alice")
	register(t, r, bob, "bob")
	barrier(t, r)
	received(t, bob)

	disconnect(t, r, a1)
	barrier(t, r)
	req.Empty(received(t, bob))

	disconnect(t, r, a2)
	barrier(t, r)
	req.Equal([]string{"alice disconnected"}, contents(received(t, bob)))
}

func TestRouter_ConcurrentRegistrationOfOneName(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 20)
	bob := newTestSession()
	register(t, r, bob, "bob")
	barrier(t, r)
	received(t, bob)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := make(chan error, 1)
			r.Submit(Event{
				Type:      EventRegister,
				Session:   newTestSession(),
				Payload:   wire.ChatEvent{Author: "alice", Kind: wire.KindInit},
				ReplyChan: reply,
			})
			errs <- <-reply
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}
	barrier(t, r)

	// Exactly one of them was the new user
	req.Equal([]string{"alice connected"}, contents(received(t, bob)))

	r.Stop()
	r.Wait()
	req.Equal(2, r.registry.ActiveSessions("alice"))
	req.Equal(2, r.registry.Users())
}

func TestRouter_EmptyAndMalformedPayloadsStayWithTheUser(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 20)
	a1, a2, bob := newTestSession(), newTestSession(), newTestSession()
	register(t, r, a1, "alice")
	register(t, r, a2, "alice")
	register(t, r, bob, "bob")
	barrier(t, r)
	for _, s := range []*Session{a1, a2, bob} {
		received(t, s)
	}
	before := r.history.FullLen()

	send(t, r, a1, wire.KindBroadcast, "   ")
	require.True(t, r.Submit(Event{Type: EventMalformed, Session: a1, Err: &wire.ProtocolError{Op: wire.OpPayload, Err: wire.ErrEmptyPayload}}))
	send(t, r, a1, wire.KindServerNotice, "pretending to be the server")
	barrier(t, r)

	want := []string{"Empty message error.", "Empty message error.", "Malformed message error."}
	req.Equal(want, contents(received(t, a1)))
	req.Equal(want, contents(received(t, a2)))
	req.Empty(received(t, bob))
	req.Equal(before, r.history.FullLen())
}

func TestRouter_FirstEventMessageIsRouted(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 20)
	bob, alice := newTestSession(), newTestSession()
	register(t, r, bob, "bob")
	barrier(t, r)
	received(t, bob)

	reply := make(chan error, 1)
	req.True(r.Submit(Event{
		Type:      EventRegister,
		Session:   alice,
		Payload:   wire.ChatEvent{Author: "alice", Kind: wire.KindBroadcast, Content: "hi, just arrived"},
		ReplyChan: reply,
	}))
	req.NoError(<-reply)
	barrier(t, r)

	req.Equal([]string{"alice connected", "hi, just arrived"}, contents(received(t, bob)))
}

func TestRouter_RejectedRegistrationNotifiesSession(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 20)
	s := newTestSession()

	reply := make(chan error, 1)
	req.True(r.Submit(Event{Type: EventRegister, Session: s, Payload: wire.ChatEvent{Author: "two words"}, ReplyChan: reply}))
	req.ErrorIs(<-reply, ErrNameInvalid)

	got := received(t, s)
	req.Len(got, 1)
	req.True(strings.HasPrefix(got[0].Content, "Registration failed"))
	req.Equal(StateConnecting, s.State())
}

func TestRouter_SubmitAfterStop(t *testing.T) {
	r := NewRouter(1, nil, nil, nil)
	go r.Run()
	r.Stop()
	r.Wait()
	r.Stop()

	require.False(t, r.Submit(Event{Type: EventAttach, Session: newTestSession()}))
}

func TestRouter_StopClosesAttachedSessions(t *testing.T) {
	req := require.New(t)
	r := NewRouter(8, nil, nil, nil)
	go r.Run()
	s := newTestSession()
	req.True(r.Submit(Event{Type: EventAttach, Session: s}))
	register(t, r, s, "alice")

	r.Stop()
	r.Wait()

	req.Equal(StateClosing, s.State())
	_, queued := s.enqueue([]byte("late"))
	req.False(queued)
}

func TestSession_EnqueueDropsOldestWhenFull(t *testing.T) {
	req := require.New(t)
	s := NewSession(nil, 2, 0, 0, nil)
	before := testutil.ToFloat64(OutboundDropped)
	r := NewRouter(1, nil, nil, nil)

	r.enqueue(s, []byte("1"))
	r.enqueue(s, []byte("2"))
	r.enqueue(s, []byte("3"))

	req.Equal(before+1, testutil.ToFloat64(OutboundDropped))
	req.Equal([]byte("2"), <-s.out)
	req.Equal([]byte("3"), <-s.out)
}

// contentFilling returns broadcast content that makes alice's inbound payload
// exactly max bytes long, minus slack.
func contentFilling(t *testing.T, max, slack int) string {
	t.Helper()
	base, err := wire.Marshal(wire.ChatEvent{Author: "alice", Kind: wire.KindBroadcast})
	require.NoError(t, err)
	return strings.Repeat("a", max-len(base)-slack)
}

func TestRouter_RefusesEventsThatOutgrowTheFrameLimit(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 20)
	a1, a2, bob := newTestSession(), newTestSession(), newTestSession()
	register(t, r, a1, "alice")
	register(t, r, a2, "alice")
	register(t, r, bob, "bob")
	barrier(t, r)
	for _, s := range []*Session{a1, a2, bob} {
		received(t, s)
	}
	before := r.history.FullLen()

	// Given a payload that was accepted at exactly the inbound limit
	content := contentFilling(t, wire.DefaultMaxFrame, 0)
	inbound, err := wire.Marshal(wire.ChatEvent{Author: "alice", Kind: wire.KindBroadcast, Content: content})
	req.NoError(err)
	req.Len(inbound, wire.DefaultMaxFrame)

	// When it is relayed as a broadcast and as a direct message
	send(t, r, a1, wire.KindBroadcast, content)
	send(t, r, a1, wire.KindDirect, "bob "+content)
	barrier(t, r)

	// Then nothing is stored or delivered, and only alice is told
	req.Equal(before, r.history.FullLen())
	req.Empty(received(t, bob))
	req.Equal([]string{"Message too long.", "Message too long."}, contents(received(t, a1)))
	req.Equal([]string{"Message too long.", "Message too long."}, contents(received(t, a2)))

	// And a newcomer's replay still decodes
	carol := newTestSession()
	register(t, r, carol, "carol")
	barrier(t, r)
	for _, e := range received(t, carol) {
		req.NotEqual("alice", e.Author)
	}
}

func TestRouter_RelaysEventsThatStillFit(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 20)
	alice, bob := newTestSession(), newTestSession()
	register(t, r, alice, "alice")
	register(t, r, bob, "bob")
	barrier(t, r)
	received(t, bob)

	content := contentFilling(t, wire.DefaultMaxFrame, 64)
	send(t, r, alice, wire.KindBroadcast, content)
	barrier(t, r)

	// received decodes with the default limit, so an oversized frame fails here
	got := received(t, bob)
	req.Len(got, 1)
	req.Equal(content, got[0].Content)
	req.Empty(received(t, alice))
}

func TestRouter_UnknownRecipientNoticeStaysSmall(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 20)
	alice := newTestSession()
	register(t, r, alice, "alice")
	barrier(t, r)
	received(t, alice)

	send(t, r, alice, wire.KindDirect, strings.Repeat("x", wire.DefaultMaxFrame-100)+" hi")
	barrier(t, r)

	got := received(t, alice)
	req.Len(got, 1)
	req.Less(len(got[0].Content), 100)
}

func TestRouter_ServerNoticeCannotRegister(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(t, 20)
	s := newTestSession()

	reply := make(chan error, 1)
	req.True(r.Submit(Event{
		Type:      EventRegister,
		Session:   s,
		Payload:   wire.ChatEvent{Author: "mallory", Kind: wire.KindServerNotice, Content: "everyone log out"},
		ReplyChan: reply,
	}))
	req.ErrorIs(<-reply, ErrBadHandshake)

	req.Equal([]string{"Malformed message error."}, contents(received(t, s)))
	req.Empty(s.Name())
	req.Equal(StateConnecting, s.State())

	r.Stop()
	r.Wait()
	req.False(r.registry.Known("mallory"))
}
