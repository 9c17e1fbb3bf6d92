package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/andy6609/chatrelay/internal/history"
	"github.com/andy6609/chatrelay/internal/wire"
	"github.com/samber/lo"
)

// Router owns the identity registry and the history store. Every mutation
// of either happens on the Run goroutine, in the order events arrive.
type Router struct {
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	stop   sync.Once
	logger *slog.Logger

	registry *Registry
	history  *history.Store
	sessions map[*Session]struct{}
	loc      *time.Location
	now      func() time.Time
	// maxFrame caps the payload of every relayed event, after the server
	// has added its timestamp and sequence number.
	maxFrame int
}

func NewRouter(buffer int, store *history.Store, loc *time.Location, logger *slog.Logger) *Router {
	if buffer <= 0 {
		buffer = 64
	}
	if store == nil {
		store = history.NewStore(history.DefaultCapacity, nil)
	}
	if loc == nil {
		loc = wire.DefaultZone
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		events:   make(chan Event, buffer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
		registry: NewRegistry(),
		history:  store,
		sessions: make(map[*Session]struct{}),
		loc:      loc,
		now:      time.Now,
		maxFrame: wire.DefaultMaxFrame,
	}
}

// Submit hands ev to the router. It returns false once the router is stopping.
func (r *Router) Submit(ev Event) bool {
	select {
	case <-r.stopCh:
		return false
	default:
	}
	select {
	case r.events <- ev:
		return true
	case <-r.stopCh:
		return false
	}
}

// Stop signals the Run loop to exit. Safe to call more than once.
func (r *Router) Stop() {
	r.stop.Do(func() { close(r.stopCh) })
}

// Wait blocks until the Run loop has completely finished.
func (r *Router) Wait() {
	<-r.doneCh
}

// Done is closed once Run has returned.
func (r *Router) Done() <-chan struct{} {
	return r.doneCh
}

func (r *Router) Run() {
	defer close(r.doneCh)

	for {
		select {
		case ev := <-r.events:
			start := time.Now()
			eventType := ev.Type.String()

			switch ev.Type {
			case EventAttach:
				r.sessions[ev.Session] = struct{}{}
				ConnectedSessions.Set(float64(len(r.sessions)))
			case EventRegister:
				r.handleRegister(ev)
				KnownUsers.Set(float64(r.registry.Users()))
			case EventUnregister:
				r.handleUnregister(ev)
				ConnectedSessions.Set(float64(len(r.sessions)))
			case EventInbound:
				eventType = ev.Payload.Kind.String()
				r.route(ev.Session, ev.Payload)
			case EventMalformed:
				r.handleMalformed(ev)
			}

			EventsTotal.WithLabelValues(eventType).Inc()
			EventProcessingDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		case <-r.stopCh:
			r.shutdown()
			return
		}
	}
}

// shutdown moves every attached session to Closing and closes its queue so
// the writer flushes what is already buffered.
func (r *Router) shutdown() {
	r.logger.Info("router stopping", "sessions", len(r.sessions))
	for s := range r.sessions {
		s.advance(StateClosing)
		s.closeOutbound()
	}
	clear(r.sessions)
	ConnectedSessions.Set(0)
}

func (r *Router) handleRegister(ev Event) {
	s := ev.Session
	name := ev.Payload.Author

	if ev.Payload.Kind == wire.KindServerNotice {
		r.logger.Warn("registration rejected", "session", s.ID, "user", name, "error", ErrBadHandshake)
		r.sendTo(s, r.notice("Malformed message error."))
		ev.ReplyChan <- ErrBadHandshake
		return
	}

	outcome, err := r.registry.Register(name, s)
	if err != nil {
		r.logger.Warn("registration rejected", "session", s.ID, "user", name, "error", err)
		r.sendTo(s, r.notice(fmt.Sprintf("Registration failed for %q: %v", name, err)))
		ev.ReplyChan <- err
		return
	}
	s.advance(StateActive)
	r.logger.Info("session bound", "session", s.ID, "user", name, "outcome", outcome.String())

	switch outcome {
	case NewUser:
		r.replay(s, r.history.SnapshotRecent(name))
		r.announce(name, name+" connected", s)
	case SameUserNewSession:
		r.replay(s, r.history.SnapshotRecent(name))
	case Reassociated:
		cursor, _ := r.registry.CursorFor(name)
		events, err := r.history.SnapshotSince(name, cursor)
		if err != nil {
			r.logger.Error("long history replay failed", "user", name, "cursor", cursor, "error", err)
			events = r.history.SnapshotRecent(name)
		}
		r.replay(s, events)
		r.announce(name, name+" reconnected", s)
	}
	ev.ReplyChan <- nil

	// An init event only introduces the session; anything else is also routed.
	if ev.Payload.Kind == wire.KindBroadcast || ev.Payload.Kind == wire.KindDirect {
		r.route(s, ev.Payload)
	}
}

func (r *Router) handleUnregister(ev Event) {
	s := ev.Session
	delete(r.sessions, s)
	s.closeOutbound()

	name, ok := r.registry.Unregister(s)
	if !ok {
		return
	}
	r.logger.Info("session unbound", "session", s.ID, "user", name)
	if r.registry.ActiveSessions(name) == 0 {
		r.announce(name, name+" disconnected", nil)
	}
}

func (r *Router) handleMalformed(ev Event) {
	s := ev.Session
	if s.Name() == "" {
		return
	}
	text := "Malformed message error."
	if errors.Is(ev.Err, wire.ErrEmptyPayload) {
		text = "Empty message error."
	}
	r.logger.Info("client error", "session", s.ID, "user", s.Name(), "error", ev.Err)
	r.clientError(s, text)
}

// route handles an event from a bound session. The bound name is
// authoritative; the payload's author field is ignored.
func (r *Router) route(s *Session, ev wire.ChatEvent) {
	name := s.Name()
	if ev.Author != name {
		r.logger.Debug("author field ignored", "session", s.ID, "user", name, "author", ev.Author)
	}

	switch ev.Kind {
	case wire.KindBroadcast:
		if strings.TrimSpace(ev.Content) == "" {
			r.clientError(s, "Empty message error.")
			return
		}
		out := wire.ChatEvent{Author: name, Kind: wire.KindBroadcast, Content: ev.Content}
		if !r.fits(s, out) {
			return
		}
		out = r.record(name, out)
		r.deliver(out, r.registry.BoundSessions(), s)
	case wire.KindDirect:
		r.routeDirect(s, ev)
	case wire.KindInit:
		r.logger.Debug("init from bound session ignored", "session", s.ID, "user", name)
	default:
		r.clientError(s, "Malformed message error.")
	}
}

func (r *Router) routeDirect(s *Session, ev wire.ChatEvent) {
	name := s.Name()
	target, text := splitDirect(ev.Content)
	if target == "" || text == "" {
		r.clientError(s, "Empty message error.")
		return
	}
	if !r.registry.Known(target) {
		r.logger.Info("direct message failed", "user", name, "target", target, "error", ErrUnknownRecipient)
		r.sendTo(s, r.notice(fmt.Sprintf("Failed %s -!> %s. There is no such user!", name, lo.Ellipsis(target, maxNameLen+3))))
		return
	}

	out := wire.ChatEvent{
		Author:     name,
		Kind:       wire.KindDirect,
		Content:    text,
		Recipients: lo.Uniq([]string{name, target}),
	}
	if !r.fits(s, out) {
		return
	}
	out = r.record(name, out)
	recipients := append(r.registry.SessionsOf(target), r.registry.SessionsOf(name)...)
	r.deliver(out, lo.Uniq(recipients), s)
}

// splitDirect takes the first whitespace-delimited token as the target.
func splitDirect(content string) (target, text string) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return "", ""
	}
	target = fields[0]
	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(content), target))
	return target, text
}

// fits reports whether e, once stamped and numbered, still decodes within
// the frame limit on every peer. Oversized events are refused to the author.
func (r *Router) fits(s *Session, e wire.ChatEvent) bool {
	e.Timestamp = wire.Stamp(r.now(), r.loc)
	e.Seq = math.MaxUint64
	body, err := wire.Marshal(e)
	if err == nil && len(body) <= r.maxFrame {
		return true
	}
	r.logger.Info("client error", "session", s.ID, "user", s.Name(), "bytes", len(body), "error", ErrMessageTooLong)
	r.clientError(s, "Message too long.")
	return false
}

// clientError reports a non-fatal client mistake to every session of the
// offending user and to nobody else. It is not stored.
func (r *Router) clientError(s *Session, text string) {
	n := r.notice(text)
	for _, peer := range r.registry.SessionsOf(s.Name()) {
		r.sendTo(peer, n)
	}
}

// announce stores a server notice about subject and broadcasts it.
func (r *Router) announce(subject, text string, except *Session) {
	r.logger.Info("server notice", "user", subject, "content", text)
	out := r.record(subject, r.notice(text))
	r.deliver(out, r.registry.BoundSessions(), except)
}

func (r *Router) notice(text string) wire.ChatEvent {
	return wire.ChatEvent{
		Author:    wire.ServerAuthor,
		Kind:      wire.KindServerNotice,
		Content:   text,
		Timestamp: wire.Stamp(r.now(), r.loc),
	}
}

// record timestamps and stores e, then moves subject's replay cursor to it.
// On a storage failure the event is still returned for live delivery.
func (r *Router) record(subject string, e wire.ChatEvent) wire.ChatEvent {
	if e.Timestamp == "" {
		e.Timestamp = wire.Stamp(r.now(), r.loc)
	}
	stored, err := r.history.Append(e)
	if err != nil {
		r.logger.Error("history append failed", "kind", e.Kind.String(), "error", err)
		return e
	}
	r.registry.SetCursor(subject, stored.Seq)
	HistoryEntries.WithLabelValues("recent").Set(float64(r.history.RecentLen()))
	HistoryEntries.WithLabelValues("full").Set(float64(r.history.FullLen()))
	return stored
}

func (r *Router) deliver(e wire.ChatEvent, sessions []*Session, except *Session) {
	frame, err := wire.Encode(e)
	if err != nil {
		r.logger.Error("encode failed", "kind", e.Kind.String(), "error", err)
		return
	}
	for _, s := range sessions {
		if s == except {
			continue
		}
		r.enqueue(s, frame)
	}
}

func (r *Router) sendTo(s *Session, e wire.ChatEvent) {
	r.deliver(e, []*Session{s}, nil)
}

// replay queues a history batch as a single outbound item.
func (r *Router) replay(s *Session, events []wire.ChatEvent) {
	if len(events) == 0 {
		return
	}
	var batch []byte
	for _, e := range events {
		frame, err := wire.Encode(e)
		if err != nil {
			r.logger.Error("encode failed", "seq", e.Seq, "error", err)
			continue
		}
		batch = append(batch, frame...)
	}
	r.enqueue(s, batch)
}

func (r *Router) enqueue(s *Session, frame []byte) {
	dropped, queued := s.enqueue(frame)
	if dropped {
		OutboundDropped.Inc()
		r.logger.Warn("outbound queue full, dropped oldest frame", "session", s.ID, "user", s.Name())
	}
	if !queued {
		r.logger.Debug("session closed, frame discarded", "session", s.ID, "user", s.Name())
	}
}
