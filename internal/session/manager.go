// Package session owns the live socket to a single feeder: connect, bounded
// reconnect with exponential backoff, at-most-once send and teardown.
package session

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meowfeeder/meowfeeder/internal/schedule"
	"github.com/meowfeeder/meowfeeder/pkg/protocol"
)

// ErrNotConfigured is returned by Connect for an empty or placeholder address
var ErrNotConfigured = errors.New("no device IP configured")

// State is the session lifecycle as seen by callers
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// ErrorKind separates configuration, transport and exhaustion failures
type ErrorKind string

const (
	ErrorConfiguration ErrorKind = "configuration"
	ErrorTransport     ErrorKind = "transport"
	ErrorExhausted     ErrorKind = "exhausted"
)

// Messages surfaced to the user
const (
	MsgNotConfigured = "No device IP configured"
	MsgTransport     = "Connection error occurred"
	MsgCreateFailed  = "Failed to create connection"
	MsgExhausted     = "Failed to connect after multiple attempts"
)

// ConnError is the last connection problem recorded by the manager
type ConnError struct {
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason"`
}

func (e *ConnError) Error() string {
	return e.Reason
}

// Status is a snapshot of the manager
type Status struct {
	Address   string     `json:"address"`
	State     State      `json:"state"`
	Connected bool       `json:"connected"`
	Attempts  int        `json:"attempts"`
	Err       *ConnError `json:"error,omitempty"`
}

// Options tunes connection behavior
type Options struct {
	Port           int
	Placeholders   []string
	BackoffBase    time.Duration
	MaxAttempts    int
	SettleDelay    time.Duration
	ReconnectDelay time.Duration
}

// DefaultOptions matches the stock firmware
func DefaultOptions() Options {
	return Options{
		Port:           protocol.DefaultPort,
		Placeholders:   []string{"esp32.local"},
		BackoffBase:    time.Second,
		MaxAttempts:    5,
		SettleDelay:    100 * time.Millisecond,
		ReconnectDelay: 500 * time.Millisecond,
	}
}

// Handlers are invoked outside the manager's lock
type Handlers struct {
	OnOpen   func()
	OnFrame  func(data []byte)
	OnStatus func(Status)
}

// Manager owns at most one socket at a time. Every opened socket gets a new
// generation; events and timers from an older generation are ignored.
type Manager struct {
	opts      Options
	transport Transport
	sched     schedule.Scheduler
	logger    zerolog.Logger

	mu        sync.Mutex
	handlers  Handlers
	address   string
	url       string
	state     State
	socket    Socket
	connected bool
	attempts  int
	gen       uint64
	lastErr   *ConnError

	retryTimer     schedule.Timer
	settleTimer    schedule.Timer
	reconnectTimer schedule.Timer
}

// NewManager creates an idle manager
func NewManager(opts Options, transport Transport, sched schedule.Scheduler) *Manager {
	if sched == nil {
		sched = schedule.Real{}
	}
	if opts.Port == 0 {
		opts.Port = protocol.DefaultPort
	}
	return &Manager{
		opts:      opts,
		transport: transport,
		sched:     sched,
		state:     StateIdle,
		logger:    log.With().Str("component", "session").Logger(),
	}
}

// SetHandlers replaces the event hooks
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	m.handlers = h
	m.mu.Unlock()
}

// Configured reports whether address can be dialed
func (m *Manager) Configured(address string) bool {
	a := strings.TrimSpace(address)
	if a == "" {
		return false
	}
	for _, p := range m.opts.Placeholders {
		if strings.EqualFold(a, p) {
			return false
		}
	}
	return true
}

// URL builds the socket URL for a device address
func (m *Manager) URL(address string) (string, bool) {
	if !m.Configured(address) {
		return "", false
	}
	host := strings.TrimSpace(address)
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(m.opts.Port))
	}
	u := url.URL{Scheme: "ws", Host: host}
	return u.String(), true
}

// Connect opens a session to address, closing any existing one first. The
// superseded socket's close never schedules a retry.
func (m *Manager) Connect(address string) error {
	target, ok := m.URL(address)

	m.mu.Lock()
	if !ok {
		m.lastErr = &ConnError{Kind: ErrorConfiguration, Reason: MsgNotConfigured}
		h, st := m.handlers, m.statusLocked()
		m.mu.Unlock()

		m.logger.Warn().Str("address", address).Msg("Device address not configured")
		publish(h, st)
		return ErrNotConfigured
	}

	m.stopTimersLocked()
	old := m.detachLocked()
	if address != m.address {
		m.attempts = 0
	}
	m.address = address
	m.url = target
	err := m.openLocked()
	h, st := m.handlers, m.statusLocked()
	m.mu.Unlock()

	if old != nil {
		old.Close(CloseNormal, "Superseded")
	}
	publish(h, st)
	return err
}

// Disconnect cancels pending timers and closes the live socket with the
// normal closure code. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopTimersLocked()
	old := m.detachLocked()
	changed := old != nil || (m.state != StateClosed && m.state != StateIdle)
	if changed {
		m.state = StateClosed
	}
	h, st := m.handlers, m.statusLocked()
	m.mu.Unlock()

	if old != nil {
		m.logger.Info().Str("address", st.Address).Msg("Disconnecting")
		old.Close(CloseNormal, "User disconnected")
	}
	if changed {
		publish(h, st)
	}
}

// Reconnect disconnects, then after a short delay connects again to the same
// address with the attempt counter reset.
func (m *Manager) Reconnect() {
	m.Disconnect()

	m.mu.Lock()
	defer m.mu.Unlock()

	address := m.address
	gen := m.gen
	m.reconnectTimer = m.sched.AfterFunc(m.opts.ReconnectDelay, func() {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil
		m.attempts = 0
		m.mu.Unlock()

		m.Connect(address)
	})
}

// Send delivers one frame if the session is connected and the socket is open.
// Nothing is queued while disconnected.
func (m *Manager) Send(cmd protocol.Command) bool {
	data, err := cmd.Encode()
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to encode command")
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendLocked(cmd, data)
}

// Connected reports whether a session is open
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && m.socket != nil && m.socket.ReadyState() == ReadyOpen
}

// Address is the current target
func (m *Manager) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

// Status returns a snapshot
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) sendLocked(cmd protocol.Command, data []byte) bool {
	if m.socket == nil || !m.connected || m.socket.ReadyState() != ReadyOpen {
		m.logger.Warn().
			Str("command", string(cmd.Command)).
			Bool("connected", m.connected).
			Msg("Socket not ready")
		return false
	}
	if err := m.socket.Send(data); err != nil {
		m.logger.Warn().Err(err).Str("command", string(cmd.Command)).Msg("Send failed")
		return false
	}
	m.logger.Debug().
		Str("command", string(cmd.Command)).
		Str("device_id", cmd.DeviceID).
		Str("correlation_id", cmd.CorrelationID).
		Msg("Command sent")
	return true
}

// openLocked starts a new socket generation
func (m *Manager) openLocked() error {
	m.gen++
	gen := m.gen
	m.state = StateConnecting

	l := Listener{
		OnOpen:    func() { m.handleOpen(gen) },
		OnMessage: func(data []byte) { m.handleMessage(gen, data) },
		OnError:   func(err error) { m.handleError(gen, err) },
		OnClose:   func(code int, reason string) { m.handleClose(gen, code, reason) },
	}

	m.logger.Info().Str("url", m.url).Int("attempt", m.attempts).Msg("Connecting to device")
	sock, err := m.transport.Open(m.url, l)
	if err != nil {
		m.logger.Error().Err(err).Str("url", m.url).Msg("Failed to create connection")
		m.state = StateFailed
		m.lastErr = &ConnError{Kind: ErrorTransport, Reason: MsgCreateFailed}
		return err
	}
	m.socket = sock
	return nil
}

// detachLocked forgets the current socket and invalidates its generation
func (m *Manager) detachLocked() Socket {
	old := m.socket
	m.socket = nil
	m.connected = false
	m.gen++
	return old
}

func (m *Manager) stopTimersLocked() {
	for _, t := range []*schedule.Timer{&m.retryTimer, &m.settleTimer, &m.reconnectTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (m *Manager) handleOpen(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = StateOpen
	m.connected = true
	m.attempts = 0
	m.lastErr = nil
	m.settleTimer = m.sched.AfterFunc(m.opts.SettleDelay, func() { m.probe(gen) })
	h, st := m.handlers, m.statusLocked()
	m.mu.Unlock()

	m.logger.Info().Str("url", st.Address).Msg("Device connected")
	if h.OnOpen != nil {
		h.OnOpen()
	}
	publish(h, st)
}

// probe asks for status once the device has settled after accept
func (m *Manager) probe(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.settleTimer = nil

	cmd := protocol.Command{Command: protocol.CommandGetStatus, Timestamp: time.Now().UnixMilli()}
	data, err := cmd.Encode()
	if err != nil {
		return
	}
	m.sendLocked(cmd, data)
}

func (m *Manager) handleMessage(gen uint64, data []byte) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	h := m.handlers
	m.mu.Unlock()

	if h.OnFrame != nil {
		h.OnFrame(data)
	}
}

func (m *Manager) handleError(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.lastErr = &ConnError{Kind: ErrorTransport, Reason: MsgTransport}
	h, st := m.handlers, m.statusLocked()
	m.mu.Unlock()

	m.logger.Error().Err(err).Str("address", st.Address).Msg("Socket error")
	publish(h, st)
}

func (m *Manager) handleClose(gen uint64, code int, reason string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.socket = nil
	m.connected = false
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}

	logger := m.logger.With().Int("code", code).Str("reason", reason).Logger()

	if code == CloseNormal {
		m.state = StateClosed
		logger.Info().Msg("Device disconnected")
	} else {
		m.scheduleRetryLocked(gen, logger)
	}

	h, st := m.handlers, m.statusLocked()
	m.mu.Unlock()

	publish(h, st)
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.attempts++
	if err := m.openLocked(); err != nil {
		m.scheduleRetryLocked(m.gen, m.logger.With().Err(err).Logger())
	}
	h, st := m.handlers, m.statusLocked()
	m.mu.Unlock()

	publish(h, st)
}

// scheduleRetryLocked arms the next backoff step, or marks the session
// exhausted once MaxAttempts retries have been made.
func (m *Manager) scheduleRetryLocked(gen uint64, logger zerolog.Logger) {
	m.state = StateFailed
	if m.attempts >= m.opts.MaxAttempts {
		m.lastErr = &ConnError{Kind: ErrorExhausted, Reason: MsgExhausted}
		logger.Error().Int("attempts", m.attempts).Msg("Giving up on device")
		return
	}
	delay := m.opts.BackoffBase << uint(m.attempts)
	m.retryTimer = m.sched.AfterFunc(delay, func() { m.retry(gen) })
	logger.Info().
		Dur("delay", delay).
		Int("attempt", m.attempts+1).
		Int("max_attempts", m.opts.MaxAttempts).
		Msg("Scheduling reconnect")
}

func (m *Manager) statusLocked() Status {
	st := Status{
		Address:   m.address,
		State:     m.state,
		Connected: m.connected,
		Attempts:  m.attempts,
	}
	if m.lastErr != nil {
		e := *m.lastErr
		st.Err = &e
	}
	return st
}

func publish(h Handlers, st Status) {
	if h.OnStatus != nil {
		h.OnStatus(st)
	}
}
