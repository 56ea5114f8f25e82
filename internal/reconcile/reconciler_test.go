package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meowfeeder/meowfeeder/internal/command"
	"github.com/meowfeeder/meowfeeder/internal/models"
	"github.com/meowfeeder/meowfeeder/internal/reconcile"
	"github.com/meowfeeder/meowfeeder/internal/schedule"
	"github.com/meowfeeder/meowfeeder/internal/session"
	"github.com/meowfeeder/meowfeeder/internal/session/sessiontest"
	"github.com/meowfeeder/meowfeeder/pkg/protocol"
)

type deviceMap map[string]*models.Device

func (m deviceMap) Lookup(id string) (*models.Device, bool) {
	d, ok := m[id]
	return d, ok
}

type recorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recorder) RecordFeeding(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, deviceID)
	return r.err
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fixture struct {
	clock     *schedule.Manual
	transport *sessiontest.Transport
	mgr       *session.Manager
	devices   deviceMap
	rec       *recorder
	rc        *reconcile.Reconciler

	mu      sync.Mutex
	updates []reconcile.Update
}

func device(id string, status models.DeviceStatus, addr string) *models.Device {
	d := models.NewDevice()
	d.Status = status
	d.IPAddress = addr
	return d
}

func newFixture(t *testing.T, devices deviceMap) *fixture {
	t.Helper()
	f := &fixture{
		clock:     schedule.NewManual(),
		transport: sessiontest.NewTransport(),
		devices:   devices,
		rec:       &recorder{},
	}
	f.mgr = session.NewManager(session.DefaultOptions(), f.transport, f.clock)
	f.rc = reconcile.New(reconcile.Options{}, devices, f.mgr, command.NewFacade(f.mgr), f.rec, f.clock)
	f.rc.SetObserver(func(u reconcile.Update) {
		f.mu.Lock()
		f.updates = append(f.updates, u)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) connect(t *testing.T, addr string) *sessiontest.Socket {
	t.Helper()
	require.NoError(t, f.mgr.Connect(addr))
	sock := f.transport.Last()
	sock.Open()
	return sock
}

func (f *fixture) feedCommands(sock *sessiontest.Socket) []protocol.Command {
	var out []protocol.Command
	for _, c := range sock.Sent() {
		if c.Command == protocol.CommandFeedNow {
			out = append(out, c)
		}
	}
	return out
}

func (f *fixture) updatesOf(kind reconcile.UpdateKind) []reconcile.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []reconcile.Update
	for _, u := range f.updates {
		if u.Kind == kind {
			out = append(out, u)
		}
	}
	return out
}

func TestReconciler_PreconditionOrder(t *testing.T) {
	tests := []struct {
		name      string
		device    *models.Device
		connectTo string
		want      reconcile.Category
	}{
		{name: "missing beats everything", device: nil, want: reconcile.CategoryDeviceMissing},
		{name: "offline beats missing address", device: device("d", models.DeviceStatusOffline, ""), want: reconcile.CategoryDeviceOffline},
		{name: "feeding counts as not online", device: device("d", models.DeviceStatusFeeding, "10.0.0.5"), connectTo: "10.0.0.5", want: reconcile.CategoryDeviceOffline},
		{name: "address missing beats disconnected", device: device("d", models.DeviceStatusOnline, ""), want: reconcile.CategoryAddressMissing},
		{name: "not connected", device: device("d", models.DeviceStatusOnline, "10.0.0.5"), want: reconcile.CategoryNotConnected},
		{name: "connected to another device", device: device("d", models.DeviceStatusOnline, "10.0.0.5"), connectTo: "10.0.0.6", want: reconcile.CategoryNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices := deviceMap{}
			if tt.device != nil {
				devices["d"] = tt.device
			}
			f := newFixture(t, devices)
			var sock *sessiontest.Socket
			if tt.connectTo != "" {
				sock = f.connect(t, tt.connectTo)
			}

			out := f.rc.FeedNow("d")
			f.rc.Wait()

			assert.False(t, out.Sent)
			require.NotNil(t, out.Failure)
			assert.Equal(t, tt.want, out.Failure.Category)
			assert.NotEmpty(t, out.Failure.Reason)
			assert.Empty(t, f.rec.Calls())
			if sock != nil {
				assert.Empty(t, f.feedCommands(sock))
			}
		})
	}
}

func TestReconciler_MissingDeviceID(t *testing.T) {
	f := newFixture(t, deviceMap{})
	out := f.rc.FeedNow("")
	require.NotNil(t, out.Failure)
	assert.Equal(t, reconcile.CategoryMissingDeviceID, out.Failure.Category)
}

func TestReconciler_OfflineDeviceTouchesNothing(t *testing.T) {
	f := newFixture(t, deviceMap{"abc123": device("abc123", models.DeviceStatusOffline, "10.0.0.5")})
	sock := f.connect(t, "10.0.0.5")

	out := f.rc.FeedNow("abc123")
	f.rc.Wait()

	require.NotNil(t, out.Failure)
	assert.Equal(t, reconcile.CategoryDeviceOffline, out.Failure.Category)
	assert.Equal(t, "Device is offline", out.Failure.Reason)
	assert.Empty(t, f.feedCommands(sock))
	assert.Empty(t, f.rec.Calls())
	assert.Empty(t, f.updatesOf(reconcile.UpdateStatus))
}

func TestReconciler_FeedSendsOneFrameAndOneRecord(t *testing.T) {
	f := newFixture(t, deviceMap{"abc123": device("abc123", models.DeviceStatusOnline, "10.0.0.5")})
	sock := f.connect(t, "10.0.0.5")

	out := f.rc.FeedNow("abc123")
	f.rc.Wait()

	require.Nil(t, out.Failure)
	assert.True(t, out.Sent)

	cmds := f.feedCommands(sock)
	require.Len(t, cmds, 1)
	assert.Equal(t, "abc123", cmds[0].DeviceID)
	assert.Equal(t, out.Command.CorrelationID, cmds[0].CorrelationID)

	assert.Equal(t, []string{"abc123"}, f.rec.Calls())
	assert.Len(t, f.updatesOf(reconcile.UpdateHistoryRecorded), 1)
}

func TestReconciler_SendFailureSkipsRecord(t *testing.T) {
	f := newFixture(t, deviceMap{"abc123": device("abc123", models.DeviceStatusOnline, "10.0.0.5")})
	sock := f.connect(t, "10.0.0.5")
	sock.SendErr = errors.New("broken pipe")

	out := f.rc.FeedNow("abc123")
	f.rc.Wait()

	require.NotNil(t, out.Failure)
	assert.Equal(t, reconcile.CategorySendFailed, out.Failure.Category)
	assert.Empty(t, f.rec.Calls())
	status, _ := f.rc.ObservedStatus("abc123")
	assert.Equal(t, models.DeviceStatusOnline, status)
}

func TestReconciler_HistoryFailureKeepsOutcome(t *testing.T) {
	f := newFixture(t, deviceMap{"abc123": device("abc123", models.DeviceStatusOnline, "10.0.0.5")})
	f.rec.err = errors.New("backend unavailable")
	f.connect(t, "10.0.0.5")

	out := f.rc.FeedNow("abc123")
	f.rc.Wait()

	assert.True(t, out.Sent)
	assert.Nil(t, out.Failure)

	failed := f.updatesOf(reconcile.UpdateHistoryFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, reconcile.CategoryDurableWrite, failed[0].Failure.Category)

	status, _ := f.rc.ObservedStatus("abc123")
	assert.Equal(t, models.DeviceStatusFeeding, status)
}

func TestReconciler_OptimisticWindow(t *testing.T) {
	f := newFixture(t, deviceMap{"abc123": device("abc123", models.DeviceStatusOnline, "10.0.0.5")})
	f.connect(t, "10.0.0.5")

	f.rc.FeedNow("abc123")
	status, _ := f.rc.ObservedStatus("abc123")
	assert.Equal(t, models.DeviceStatusFeeding, status)

	f.clock.Advance(15*time.Second - time.Millisecond)
	status, _ = f.rc.ObservedStatus("abc123")
	assert.Equal(t, models.DeviceStatusFeeding, status)

	f.clock.Advance(time.Millisecond)
	status, _ = f.rc.ObservedStatus("abc123")
	assert.Equal(t, models.DeviceStatusOnline, status)

	statuses := f.updatesOf(reconcile.UpdateStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, models.DeviceStatusFeeding, statuses[0].Status)
	assert.Equal(t, models.DeviceStatusOnline, statuses[1].Status)
}

func TestReconciler_SuccessResponseKeepsWindow(t *testing.T) {
	f := newFixture(t, deviceMap{"abc123": device("abc123", models.DeviceStatusOnline, "10.0.0.5")})
	f.connect(t, "10.0.0.5")

	out := f.rc.FeedNow("abc123")
	ok := true
	f.rc.HandleFeedResponse(protocol.FeedResponse{CorrelationID: out.Command.CorrelationID, Success: &ok})

	status, _ := f.rc.ObservedStatus("abc123")
	assert.Equal(t, models.DeviceStatusFeeding, status)
	assert.Empty(t, f.updatesOf(reconcile.UpdateDeviceFailure))

	f.clock.Advance(15 * time.Second)
	status, _ = f.rc.ObservedStatus("abc123")
	assert.Equal(t, models.DeviceStatusOnline, status)
}

func TestReconciler_FailureResponseRevertsImmediately(t *testing.T) {
	tests := []struct {
		name string
		resp func(correlationID string) protocol.FeedResponse
	}{
		{
			name: "by correlation id",
			resp: func(id string) protocol.FeedResponse {
				no := false
				return protocol.FeedResponse{CorrelationID: id, Success: &no, Message: "Hopper empty"}
			},
		},
		{
			name: "firmware without correlation id",
			resp: func(string) protocol.FeedResponse {
				return protocol.FeedResponse{Status: "error", Message: "Hopper empty"}
			},
		},
		{
			name: "by device id",
			resp: func(string) protocol.FeedResponse {
				return protocol.FeedResponse{DeviceID: "abc123", Status: "failed", Error: "Hopper empty"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, deviceMap{"abc123": device("abc123", models.DeviceStatusOnline, "10.0.0.5")})
			f.connect(t, "10.0.0.5")

			out := f.rc.FeedNow("abc123")
			f.clock.Advance(3 * time.Second)
			f.rc.HandleFeedResponse(tt.resp(out.Command.CorrelationID))

			status, _ := f.rc.ObservedStatus("abc123")
			assert.Equal(t, models.DeviceStatusOnline, status)

			failures := f.updatesOf(reconcile.UpdateDeviceFailure)
			require.Len(t, failures, 1)
			assert.Equal(t, reconcile.CategoryDeviceReported, failures[0].Failure.Category)
			assert.Equal(t, "Hopper empty", failures[0].Failure.Reason)

			// the window timer was cancelled
			n := len(f.updatesOf(reconcile.UpdateStatus))
			f.clock.Advance(time.Minute)
			assert.Len(t, f.updatesOf(reconcile.UpdateStatus), n)
		})
	}
}

func TestReconciler_UnknownCorrelationIgnored(t *testing.T) {
	f := newFixture(t, deviceMap{"abc123": device("abc123", models.DeviceStatusOnline, "10.0.0.5")})
	f.connect(t, "10.0.0.5")

	f.rc.FeedNow("abc123")
	no := false
	f.rc.HandleFeedResponse(protocol.FeedResponse{CorrelationID: "someone-else", Success: &no})

	status, _ := f.rc.ObservedStatus("abc123")
	assert.Equal(t, models.DeviceStatusFeeding, status)
	assert.Empty(t, f.updatesOf(reconcile.UpdateDeviceFailure))
}

func TestReconciler_LaterFeedGovernsWindow(t *testing.T) {
	f := newFixture(t, deviceMap{"abc123": device("abc123", models.DeviceStatusOnline, "10.0.0.5")})
	f.connect(t, "10.0.0.5")

	f.rc.FeedNow("abc123")
	f.clock.Advance(10 * time.Second)
	f.rc.FeedNow("abc123")

	// the first window would have ended here
	f.clock.Advance(5 * time.Second)
	status, _ := f.rc.ObservedStatus("abc123")
	assert.Equal(t, models.DeviceStatusFeeding, status)

	f.clock.Advance(10 * time.Second)
	status, _ = f.rc.ObservedStatus("abc123")
	assert.Equal(t, models.DeviceStatusOnline, status)
	f.rc.Wait()
	assert.Len(t, f.rec.Calls(), 2)
}

func TestReconciler_CloseCancelsWindows(t *testing.T) {
	f := newFixture(t, deviceMap{"abc123": device("abc123", models.DeviceStatusOnline, "10.0.0.5")})
	f.connect(t, "10.0.0.5")

	f.rc.FeedNow("abc123")
	f.rc.Close()

	n := len(f.updatesOf(reconcile.UpdateStatus))
	f.clock.Advance(time.Minute)
	assert.Len(t, f.updatesOf(reconcile.UpdateStatus), n)
	assert.Len(t, f.rec.Calls(), 1)
}

func TestReconciler_ResetRevertsFeedingDevices(t *testing.T) {
	f := newFixture(t, deviceMap{"abc123": device("abc123", models.DeviceStatusOnline, "10.0.0.5")})
	f.connect(t, "10.0.0.5")

	out := f.rc.FeedNow("abc123")
	require.True(t, out.Sent)

	f.rc.Reset()
	status, _ := f.rc.ObservedStatus("abc123")
	assert.Equal(t, models.DeviceStatusOnline, status)

	statuses := f.updatesOf(reconcile.UpdateStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, models.DeviceStatusOnline, statuses[1].Status)
	assert.Equal(t, "abc123", statuses[1].DeviceID)
	assert.Equal(t, out.Command.CorrelationID, statuses[1].CorrelationID)

	// a second reset has nothing left to revert
	f.rc.Reset()
	f.clock.Advance(time.Minute)
	assert.Len(t, f.updatesOf(reconcile.UpdateStatus), 2)
	f.rc.Wait()
}
