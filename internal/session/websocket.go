package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const sendBufferSize = 32

// ErrSocketNotOpen is returned by Send outside the open state
var ErrSocketNotOpen = errors.New("socket not open")

// ErrSendBufferFull is returned when the write pump falls behind
var ErrSendBufferFull = errors.New("send buffer full")

// WebSocketTransportConfig tunes the gorilla transport
type WebSocketTransportConfig struct {
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	CloseWait        time.Duration
}

// WebSocketTransport dials device sockets with gorilla/websocket
type WebSocketTransport struct {
	cfg    WebSocketTransportConfig
	dialer *websocket.Dialer
}

// NewWebSocketTransport creates a transport
func NewWebSocketTransport(cfg WebSocketTransportConfig) *WebSocketTransport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 5 * time.Second
	}
	if cfg.CloseWait <= 0 {
		cfg.CloseWait = 2 * time.Second
	}
	return &WebSocketTransport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            nil,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Open implements Transport
func (t *WebSocketTransport) Open(url string, l Listener) (Socket, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSocket{
		cfg:      t.cfg,
		listener: l,
		cancel:   cancel,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		logger:   log.With().Str("component", "ws").Str("url", url).Logger(),
	}
	s.state.Store(int32(ReadyConnecting))

	go s.run(ctx, t.dialer, url)
	return s, nil
}

type wsSocket struct {
	cfg      WebSocketTransportConfig
	listener Listener
	cancel   context.CancelFunc
	logger   zerolog.Logger

	state atomic.Int32

	mu          sync.Mutex
	conn        *websocket.Conn
	closeCode   int
	closeReason string
	closing     bool

	send chan []byte
	done chan struct{}
}

func (s *wsSocket) ReadyState() ReadyState {
	return ReadyState(s.state.Load())
}

// Send queues a text frame for the write pump
func (s *wsSocket) Send(data []byte) error {
	if s.ReadyState() != ReadyOpen {
		return ErrSocketNotOpen
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close starts the closing handshake. The final OnClose carries the given
// code and reason.
func (s *wsSocket) Close(code int, reason string) error {
	s.mu.Lock()
	if s.closing || s.ReadyState() == ReadyClosed {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.closeCode = code
	s.closeReason = reason
	s.state.Store(int32(ReadyClosing))
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		// still dialing
		s.cancel()
		return nil
	}

	msg := websocket.FormatCloseMessage(code, reason)
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug().Err(err).Msg("Failed to write close frame")
		conn.Close()
		return nil
	}

	go func() {
		select {
		case <-s.done:
		case <-time.After(s.cfg.CloseWait):
			conn.Close()
		}
	}()
	return nil
}

func (s *wsSocket) run(ctx context.Context, dialer *websocket.Dialer, url string) {
	defer close(s.done)
	defer s.cancel()

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		s.state.Store(int32(ReadyClosed))
		if code, reason, ok := s.initiatedClose(); ok {
			s.emitClose(code, reason)
			return
		}
		s.emitError(err)
		s.emitClose(CloseAbnormal, "")
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		s.state.Store(int32(ReadyClosed))
		code, reason, _ := s.initiatedClose()
		s.emitClose(code, reason)
		return
	}
	s.conn = conn
	s.state.Store(int32(ReadyOpen))
	s.mu.Unlock()
	if s.listener.OnOpen != nil {
		s.listener.OnOpen()
	}

	stop := make(chan struct{})
	go s.writePump(conn, stop)

	code, reason := s.readPump(conn)
	close(stop)
	conn.Close()
	s.state.Store(int32(ReadyClosed))
	s.emitClose(code, reason)
}

func (s *wsSocket) readPump(conn *websocket.Conn) (int, string) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if code, reason, ok := s.initiatedClose(); ok {
				return code, reason
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
				return ce.Code, ce.Text
			}
			s.emitError(err)
			return CloseAbnormal, ""
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if s.listener.OnMessage != nil {
			s.listener.OnMessage(data)
		}
	}
}

func (s *wsSocket) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case data := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn().Err(err).Msg("Write failed")
				conn.Close()
				return
			}
		}
	}
}

func (s *wsSocket) initiatedClose() (int, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason, s.closing
}

func (s *wsSocket) emitError(err error) {
	if s.listener.OnError != nil {
		s.listener.OnError(err)
	}
}

func (s *wsSocket) emitClose(code int, reason string) {
	if s.listener.OnClose != nil {
		s.listener.OnClose(code, reason)
	}
}
