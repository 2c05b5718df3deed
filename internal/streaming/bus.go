package streaming

import (
	"sync"
)

// maxHistory bounds the replay ring per session (§4.8).
const maxHistory = 1000

// sessionStream holds one session's subscriber set and history ring.
type sessionStream struct {
	mu          sync.Mutex
	history     []Event
	nextSeq     int64
	subscribers map[chan Event]struct{}
	closed      bool
}

// Bus fans out events to subscribers and keeps a bounded replay history per
// session id. Grounded on the original internal/events.Bus, generalized
// from a single global bus to one ring+subscriber-set per session so
// reconnects can replay exactly that session's history.
type Bus struct {
	mu       sync.Mutex
	sessions map[string]*sessionStream
}

// NewBus creates an empty streaming bus.
func NewBus() *Bus {
	return &Bus{sessions: make(map[string]*sessionStream)}
}

func (b *Bus) stream(sessionID string) *sessionStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		s = &sessionStream{subscribers: make(map[chan Event]struct{})}
		b.sessions[sessionID] = s
	}
	return s
}

// Publish appends event to sessionID's history ring and fans it out to
// current subscribers. Non-blocking: a subscriber whose buffer is full
// misses the event rather than stalling the publisher.
func (b *Bus) Publish(sessionID string, evt Event) Event {
	s := b.stream(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	evt.Seq = s.nextSeq
	evt.SessionID = sessionID

	s.history = append(s.history, evt)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}

	for ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
	return evt
}

// Subscribe returns a channel of future events for sessionID. When
// replayHistory is true the full retained history is sent first, in order,
// before the channel starts carrying live events.
func (b *Bus) Subscribe(sessionID string, replayHistory bool) <-chan Event {
	s := b.stream(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, maxHistory)
	if replayHistory {
		for _, evt := range s.history {
			ch <- evt
		}
	}
	s.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a channel previously returned by Subscribe.
func (b *Bus) Unsubscribe(sessionID string, ch <-chan Event) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.subscribers {
		if c == ch {
			delete(s.subscribers, c)
			close(c)
			return
		}
	}
}

// History returns a snapshot of sessionID's retained events.
func (b *Bus) History(sessionID string) []Event {
	s := b.stream(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.history))
	copy(out, s.history)
	return out
}

// Close removes a session's stream state, closing all of its subscriber
// channels. Called once a session reaches a terminal status.
func (b *Bus) Close(sessionID string) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.subscribers {
		close(ch)
	}
}
