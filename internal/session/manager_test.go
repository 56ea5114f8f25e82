package session_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meowfeeder/meowfeeder/internal/schedule"
	"github.com/meowfeeder/meowfeeder/internal/session"
	"github.com/meowfeeder/meowfeeder/internal/session/sessiontest"
	"github.com/meowfeeder/meowfeeder/pkg/protocol"
)

type harness struct {
	clock     *schedule.Manual
	transport *sessiontest.Transport
	mgr       *session.Manager

	mu       sync.Mutex
	frames   []string
	statuses []session.Status
	opens    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:     schedule.NewManual(),
		transport: sessiontest.NewTransport(),
	}
	h.mgr = session.NewManager(session.DefaultOptions(), h.transport, h.clock)
	h.mgr.SetHandlers(session.Handlers{
		OnOpen: func() {
			h.mu.Lock()
			h.opens++
			h.mu.Unlock()
		},
		OnFrame: func(data []byte) {
			h.mu.Lock()
			h.frames = append(h.frames, string(data))
			h.mu.Unlock()
		},
		OnStatus: func(st session.Status) {
			h.mu.Lock()
			h.statuses = append(h.statuses, st)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) connectOpen(t *testing.T, addr string) *sessiontest.Socket {
	t.Helper()
	require.NoError(t, h.mgr.Connect(addr))
	sock := h.transport.Last()
	require.NotNil(t, sock)
	sock.Open()
	return sock
}

func TestManager_URL(t *testing.T) {
	m := session.NewManager(session.DefaultOptions(), sessiontest.NewTransport(), schedule.NewManual())

	tests := []struct {
		addr string
		want string
		ok   bool
	}{
		{addr: "192.168.1.40", want: "ws://192.168.1.40:81", ok: true},
		{addr: " 10.0.0.2 ", want: "ws://10.0.0.2:81", ok: true},
		{addr: "feeder.lan:8081", want: "ws://feeder.lan:8081", ok: true},
		{addr: "fe80::1", want: "ws://[fe80::1]:81", ok: true},
		{addr: "", ok: false},
		{addr: "   ", ok: false},
		{addr: "esp32.local", ok: false},
		{addr: "ESP32.local", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got, ok := m.URL(tt.addr)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManager_ConnectUnconfigured(t *testing.T) {
	for _, addr := range []string{"", "esp32.local"} {
		t.Run(addr, func(t *testing.T) {
			h := newHarness(t)

			err := h.mgr.Connect(addr)
			assert.ErrorIs(t, err, session.ErrNotConfigured)
			assert.Equal(t, 0, h.transport.Opens())

			st := h.mgr.Status()
			require.NotNil(t, st.Err)
			assert.Equal(t, session.ErrorConfiguration, st.Err.Kind)
			assert.Equal(t, "No device IP configured", st.Err.Reason)
			assert.False(t, st.Connected)
			assert.Equal(t, 0, h.clock.Pending())
		})
	}
}

func TestManager_OpenSendsStatusProbeAfterSettle(t *testing.T) {
	h := newHarness(t)
	sock := h.connectOpen(t, "192.168.1.40")

	assert.True(t, h.mgr.Connected())
	assert.Equal(t, session.StateOpen, h.mgr.Status().State)
	assert.Equal(t, 1, h.opens)
	assert.Empty(t, sock.Sent())

	h.clock.Advance(99 * time.Millisecond)
	assert.Empty(t, sock.Sent())

	h.clock.Advance(time.Millisecond)
	sent := sock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.CommandGetStatus, sent[0].Command)
	assert.Empty(t, sent[0].DeviceID)
	assert.NotZero(t, sent[0].Timestamp)
}

func TestManager_BackoffSchedule(t *testing.T) {
	h := newHarness(t)
	h.connectOpen(t, "192.168.1.40")

	// each failure happens right after the attempt is made
	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}

	h.transport.Last().Closed(session.CloseAbnormal, "")
	for i, delay := range expected {
		opens := h.transport.Opens()

		h.clock.Advance(delay - time.Millisecond)
		assert.Equal(t, opens, h.transport.Opens(), "attempt %d fired early", i+1)

		h.clock.Advance(time.Millisecond)
		require.Equal(t, opens+1, h.transport.Opens(), "attempt %d did not fire", i+1)
		assert.Equal(t, i+1, h.mgr.Status().Attempts)

		h.transport.Last().Closed(session.CloseAbnormal, "")
	}

	st := h.mgr.Status()
	assert.Equal(t, session.StateFailed, st.State)
	require.NotNil(t, st.Err)
	assert.Equal(t, session.ErrorExhausted, st.Err.Kind)
	assert.Equal(t, "Failed to connect after multiple attempts", st.Err.Reason)

	opens := h.transport.Opens()
	h.clock.Advance(time.Hour)
	assert.Equal(t, opens, h.transport.Opens())
	assert.Equal(t, 6, opens)
}

func TestManager_OpenResetsAttempts(t *testing.T) {
	h := newHarness(t)
	h.connectOpen(t, "192.168.1.40")

	h.transport.Last().Closed(session.CloseAbnormal, "")
	h.clock.Advance(time.Second)
	h.transport.Last().Closed(session.CloseAbnormal, "")
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, 2, h.mgr.Status().Attempts)

	h.transport.Last().Open()
	assert.Equal(t, 0, h.mgr.Status().Attempts)

	// next failure starts over at the base delay
	h.transport.Last().Closed(session.CloseAbnormal, "")
	opens := h.transport.Opens()
	h.clock.Advance(time.Second)
	assert.Equal(t, opens+1, h.transport.Opens())
}

func TestManager_NormalClosureNeverRetries(t *testing.T) {
	h := newHarness(t)
	h.connectOpen(t, "192.168.1.40")

	h.transport.Last().Closed(session.CloseNormal, "bye")
	assert.Equal(t, session.StateClosed, h.mgr.Status().State)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, h.transport.Opens())
}

func TestManager_ErrorDoesNotRetry(t *testing.T) {
	h := newHarness(t)
	h.connectOpen(t, "192.168.1.40")
	h.clock.Advance(time.Second)

	h.transport.Last().Fail(errors.New("econnreset"))

	st := h.mgr.Status()
	require.NotNil(t, st.Err)
	assert.Equal(t, session.ErrorTransport, st.Err.Kind)
	assert.Equal(t, "Connection error occurred", st.Err.Reason)
	assert.True(t, st.Connected)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, h.transport.Opens())
}

func TestManager_DisconnectCancelsPendingRetry(t *testing.T) {
	h := newHarness(t)
	h.connectOpen(t, "192.168.1.40")
	h.transport.Last().Closed(session.CloseAbnormal, "")
	require.Equal(t, 1, h.clock.Pending())

	h.mgr.Disconnect()
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, h.transport.Opens())
}

func TestManager_DisconnectCancelsSettleProbe(t *testing.T) {
	h := newHarness(t)
	sock := h.connectOpen(t, "192.168.1.40")

	h.mgr.Disconnect()
	h.clock.Advance(time.Second)
	assert.Empty(t, sock.Sent())

	code, reason, closed := sock.CloseCalled()
	assert.True(t, closed)
	assert.Equal(t, session.CloseNormal, code)
	assert.Equal(t, "User disconnected", reason)
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	h := newHarness(t)
	h.connectOpen(t, "192.168.1.40")

	h.mgr.Disconnect()
	n := len(h.statuses)
	h.mgr.Disconnect()
	h.mgr.Disconnect()

	assert.Equal(t, n, len(h.statuses))
	assert.Equal(t, session.StateClosed, h.mgr.Status().State)
	assert.False(t, h.mgr.Connected())
}

func TestManager_SendRequiresOpenSession(t *testing.T) {
	h := newHarness(t)
	cmd := protocol.NewCommand(protocol.CommandFeedNow, "abc123")

	assert.False(t, h.mgr.Send(cmd), "no session")

	require.NoError(t, h.mgr.Connect("192.168.1.40"))
	sock := h.transport.Last()
	assert.False(t, h.mgr.Send(cmd), "still connecting")

	sock.Open()
	assert.True(t, h.mgr.Send(cmd))

	sock.SetReadyState(session.ReadyClosing)
	assert.False(t, h.mgr.Send(cmd), "transport closing")
	sock.SetReadyState(session.ReadyOpen)

	sock.SendErr = errors.New("broken pipe")
	assert.False(t, h.mgr.Send(cmd), "write error")
	sock.SendErr = nil

	h.mgr.Disconnect()
	assert.False(t, h.mgr.Send(cmd), "after disconnect")

	// late open event from the discarded socket must not revive it
	sock.Open()
	assert.False(t, h.mgr.Send(cmd))

	next := h.connectOpen(t, "192.168.1.40")
	assert.True(t, h.mgr.Send(cmd))
	assert.Len(t, next.Sent(), 1)
}

func TestManager_ConnectSupersedesWithoutRetry(t *testing.T) {
	h := newHarness(t)
	first := h.connectOpen(t, "192.168.1.40")

	second := h.connectOpen(t, "192.168.1.41")
	code, _, closed := first.CloseCalled()
	assert.True(t, closed)
	assert.Equal(t, session.CloseNormal, code)

	// the old socket reports an abnormal close late; it is ignored
	first.Closed(session.CloseAbnormal, "")
	first.Receive(`{"type":"device_status"}`)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 2, h.transport.Opens())
	assert.Equal(t, "ws://192.168.1.41:81", second.URL)
	assert.True(t, h.mgr.Connected())
	assert.Empty(t, h.frames)
}

func TestManager_FramesDeliveredInOrder(t *testing.T) {
	h := newHarness(t)
	sock := h.connectOpen(t, "192.168.1.40")

	sock.Receive(`{"type":"a"}`)
	sock.Receive(`not json`)
	sock.Receive(`{"type":"b"}`)

	assert.Equal(t, []string{`{"type":"a"}`, `not json`, `{"type":"b"}`}, h.frames)
}

func TestManager_Reconnect(t *testing.T) {
	h := newHarness(t)
	h.connectOpen(t, "192.168.1.40")

	// exhaust the retry budget
	for i := 0; i < 6; i++ {
		h.transport.Last().Closed(session.CloseAbnormal, "")
		h.clock.Advance(time.Minute)
	}
	require.Equal(t, session.ErrorExhausted, h.mgr.Status().Err.Kind)
	opens := h.transport.Opens()

	h.mgr.Reconnect()
	h.clock.Advance(499 * time.Millisecond)
	assert.Equal(t, opens, h.transport.Opens())

	h.clock.Advance(time.Millisecond)
	require.Equal(t, opens+1, h.transport.Opens())
	assert.Equal(t, 0, h.mgr.Status().Attempts)
	assert.Equal(t, "ws://192.168.1.40:81", h.transport.Last().URL)

	h.transport.Last().Open()
	assert.True(t, h.mgr.Connected())
	assert.Nil(t, h.mgr.Status().Err)
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	h.connectOpen(t, "192.168.1.40")

	h.mgr.Reconnect()
	h.mgr.Disconnect()
	h.clock.Advance(time.Second)

	assert.Equal(t, 1, h.transport.Opens())
}

func TestManager_CreateFailure(t *testing.T) {
	h := newHarness(t)
	h.transport.FailOpen = true

	err := h.mgr.Connect("192.168.1.40")
	require.Error(t, err)

	st := h.mgr.Status()
	assert.Equal(t, session.StateFailed, st.State)
	require.NotNil(t, st.Err)
	assert.Equal(t, "Failed to create connection", st.Err.Reason)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestManager_RetryCreateFailureKeepsBackingOff(t *testing.T) {
	h := newHarness(t)
	h.connectOpen(t, "192.168.1.40")

	h.transport.FailOpen = true
	h.transport.Last().Closed(session.CloseAbnormal, "")

	for i, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		h.clock.Advance(delay)
		st := h.mgr.Status()
		assert.Equal(t, i+1, st.Attempts)
		assert.Equal(t, session.StateFailed, st.State)
		require.NotNil(t, st.Err)
		assert.Equal(t, "Failed to create connection", st.Err.Reason)
		assert.Equal(t, 1, h.clock.Pending(), "attempt %d left no retry armed", i+1)
	}

	h.clock.Advance(16 * time.Second)
	st := h.mgr.Status()
	assert.Equal(t, 5, st.Attempts)
	require.NotNil(t, st.Err)
	assert.Equal(t, session.ErrorExhausted, st.Err.Kind)
	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, 1, h.transport.Opens())
}

func TestManager_ConnectNewAddressResetsAttempts(t *testing.T) {
	h := newHarness(t)
	h.connectOpen(t, "192.168.1.40")

	h.transport.Last().Closed(session.CloseAbnormal, "")
	for _, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second} {
		h.clock.Advance(delay)
		h.transport.Last().Closed(session.CloseAbnormal, "")
	}
	st := h.mgr.Status()
	require.NotNil(t, st.Err)
	require.Equal(t, session.ErrorExhausted, st.Err.Kind)

	require.NoError(t, h.mgr.Connect("192.168.1.41"))
	assert.Equal(t, 0, h.mgr.Status().Attempts)

	h.transport.Last().Closed(session.CloseAbnormal, "")
	opens := h.transport.Opens()
	h.clock.Advance(time.Second)
	assert.Equal(t, opens+1, h.transport.Opens())
	assert.Equal(t, "ws://192.168.1.41:81", h.transport.Last().URL)
}
