// Package sessiontest provides an in-memory Transport whose socket events are
// driven by the test.
package sessiontest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/meowfeeder/meowfeeder/internal/session"
	"github.com/meowfeeder/meowfeeder/pkg/protocol"
)

// Transport records every Open call
type Transport struct {
	mu       sync.Mutex
	sockets  []*Socket
	FailOpen bool
}

// NewTransport creates an empty fake
func NewTransport() *Transport {
	return &Transport{}
}

// Open implements session.Transport
func (t *Transport) Open(url string, l session.Listener) (session.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailOpen {
		return nil, errors.New("dial refused")
	}
	s := &Socket{URL: url, listener: l, state: session.ReadyConnecting}
	t.sockets = append(t.sockets, s)
	return s, nil
}

// Opens is the number of sockets created
func (t *Transport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sockets)
}

// Last returns the most recently opened socket
func (t *Transport) Last() *Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sockets) == 0 {
		return nil
	}
	return t.sockets[len(t.sockets)-1]
}

// Socket is a scripted connection
type Socket struct {
	URL string

	mu        sync.Mutex
	listener  session.Listener
	state     session.ReadyState
	sent      [][]byte
	closed    bool
	closeCode int
	closeText string
	SendErr   error
}

// Send implements session.Socket
func (s *Socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

// Close implements session.Socket. The close event is not delivered until
// the test calls Closed.
func (s *Socket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCode = code
	s.closeText = reason
	s.state = session.ReadyClosing
	return nil
}

// ReadyState implements session.Socket
func (s *Socket) ReadyState() session.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetReadyState forces the transport state without any event
func (s *Socket) SetReadyState(st session.ReadyState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Open delivers the open event
func (s *Socket) Open() {
	s.mu.Lock()
	s.state = session.ReadyOpen
	l := s.listener
	s.mu.Unlock()
	if l.OnOpen != nil {
		l.OnOpen()
	}
}

// Receive delivers an inbound frame
func (s *Socket) Receive(frame string) {
	if s.listener.OnMessage != nil {
		s.listener.OnMessage([]byte(frame))
	}
}

// Fail delivers an error event
func (s *Socket) Fail(err error) {
	if s.listener.OnError != nil {
		s.listener.OnError(err)
	}
}

// Closed delivers the close event
func (s *Socket) Closed(code int, reason string) {
	s.mu.Lock()
	s.state = session.ReadyClosed
	l := s.listener
	s.mu.Unlock()
	if l.OnClose != nil {
		l.OnClose(code, reason)
	}
}

// CloseCalled reports the code and reason passed to Close
func (s *Socket) CloseCalled() (int, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeText, s.closed
}

// Sent returns the decoded command envelopes written so far
func (s *Socket) Sent() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Command, 0, len(s.sent))
	for _, raw := range s.sent {
		var c protocol.Command
		if err := json.Unmarshal(raw, &c); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// SentRaw returns the raw frames written so far
func (s *Socket) SentRaw() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}
