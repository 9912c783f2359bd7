package channel

import (
	"encoding/json"
	"sync"
)

// LoopbackEnd is one side of an in-process channel pair. It is used by the
// self-test command and by tests that need a real two-peer topology
// without a network.
type LoopbackEnd struct {
	mu       sync.Mutex
	peer     *LoopbackEnd
	handlers map[int]Handler
	nextID   int
	closed   bool
}

// Loopback returns two connected in-process endpoints. A message sent on
// one is delivered synchronously to the handlers of the other.
func Loopback() (*LoopbackEnd, *LoopbackEnd) {
	a := &LoopbackEnd{handlers: make(map[int]Handler)}
	b := &LoopbackEnd{handlers: make(map[int]Handler)}
	a.peer, b.peer = b, a
	return a, b
}

// Connected reports whether both ends are still open.
func (e *LoopbackEnd) Connected() bool {
	e.mu.Lock()
	closed := e.closed
	peer := e.peer
	e.mu.Unlock()
	if closed || peer == nil {
		return false
	}

	peer.mu.Lock()
	defer peer.mu.Unlock()
	return !peer.closed
}

// Send delivers msg to the peer endpoint's handlers.
func (e *LoopbackEnd) Send(msg json.RawMessage) error {
	if !e.Connected() {
		return ErrClosed
	}

	// Deliver a copy so neither side can mutate the other's buffer.
	dup := make(json.RawMessage, len(msg))
	copy(dup, msg)

	e.peer.dispatch(dup)
	return nil
}

func (e *LoopbackEnd) dispatch(msg json.RawMessage) {
	e.mu.Lock()
	handlers := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// Subscribe registers a handler for messages arriving on this end.
func (e *LoopbackEnd) Subscribe(h Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.handlers[id] = h

	return &loopbackSub{end: e, id: id}
}

// Close marks this end as gone. The peer observes Connected() == false.
func (e *LoopbackEnd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type loopbackSub struct {
	end *LoopbackEnd
	id  int
}

func (s *loopbackSub) Cancel() {
	s.end.mu.Lock()
	defer s.end.mu.Unlock()
	delete(s.end.handlers, s.id)
}
