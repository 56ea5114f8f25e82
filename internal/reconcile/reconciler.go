// Package reconcile turns a feed-now action into one outcome across the live
// device socket and the durable feeding-history record.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meowfeeder/meowfeeder/internal/command"
	"github.com/meowfeeder/meowfeeder/internal/models"
	"github.com/meowfeeder/meowfeeder/internal/schedule"
	"github.com/meowfeeder/meowfeeder/pkg/protocol"
)

// Defaults
const (
	DefaultFeedingTimeout = 15 * time.Second
	DefaultHistoryTimeout = 10 * time.Second
)

// DeviceLookup resolves the recorded device state
type DeviceLookup interface {
	Lookup(deviceID string) (*models.Device, bool)
}

// Session reports the live link
type Session interface {
	Connected() bool
	Address() string
}

// Commander issues feed_now
type Commander interface {
	FeedNow(deviceID string) (protocol.Command, error)
}

// Recorder writes the durable feeding-history entry
type Recorder interface {
	RecordFeeding(ctx context.Context, deviceID string) error
}

// RecorderFunc adapts a function to Recorder
type RecorderFunc func(ctx context.Context, deviceID string) error

// RecordFeeding implements Recorder
func (f RecorderFunc) RecordFeeding(ctx context.Context, deviceID string) error {
	return f(ctx, deviceID)
}

// UpdateKind tells observers what changed
type UpdateKind string

const (
	UpdateStatus          UpdateKind = "status"
	UpdateDeviceFailure   UpdateKind = "device_failure"
	UpdateHistoryRecorded UpdateKind = "history_recorded"
	UpdateHistoryFailed   UpdateKind = "history_failed"
)

// Update is published to the observer
type Update struct {
	Kind          UpdateKind          `json:"kind"`
	DeviceID      string              `json:"deviceId"`
	Status        models.DeviceStatus `json:"status,omitempty"`
	CorrelationID string              `json:"correlationId,omitempty"`
	Failure       *Failure            `json:"failure,omitempty"`
}

// Outcome is the user-visible result of a feed-now action
type Outcome struct {
	DeviceID string           `json:"deviceId"`
	Sent     bool             `json:"sent"`
	Command  protocol.Command `json:"command,omitempty"`
	Failure  *Failure         `json:"failure,omitempty"`
}

// Options tunes timing
type Options struct {
	FeedingTimeout time.Duration
	HistoryTimeout time.Duration
}

type optimistic struct {
	token         uint64
	correlationID string
	timer         schedule.Timer
}

// Reconciler coordinates feed-now actions
type Reconciler struct {
	opts     Options
	devices  DeviceLookup
	session  Session
	commands Commander
	recorder Recorder
	sched    schedule.Scheduler
	logger   zerolog.Logger

	baseCtx context.Context
	wg      sync.WaitGroup

	mu       sync.Mutex
	observer func(Update)
	seq      uint64
	feeding  map[string]*optimistic
	pending  map[string]string // correlation id -> device id
	lastFeed string            // correlation id of the most recent feed
}

// New creates a reconciler
func New(opts Options, devices DeviceLookup, session Session, commands Commander, recorder Recorder, sched schedule.Scheduler) *Reconciler {
	if opts.FeedingTimeout <= 0 {
		opts.FeedingTimeout = DefaultFeedingTimeout
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = DefaultHistoryTimeout
	}
	if sched == nil {
		sched = schedule.Real{}
	}
	return &Reconciler{
		opts:     opts,
		devices:  devices,
		session:  session,
		commands: commands,
		recorder: recorder,
		sched:    sched,
		baseCtx:  context.Background(),
		feeding:  make(map[string]*optimistic),
		pending:  make(map[string]string),
		logger:   log.With().Str("component", "reconcile").Logger(),
	}
}

// SetObserver installs the update callback
func (r *Reconciler) SetObserver(f func(Update)) {
	r.mu.Lock()
	r.observer = f
	r.mu.Unlock()
}

// Check runs the feed preconditions in order and returns the first failure
func (r *Reconciler) Check(deviceID string) *Failure {
	if deviceID == "" {
		return newFailure(CategoryMissingDeviceID)
	}
	dev, ok := r.devices.Lookup(deviceID)
	if !ok || dev == nil {
		return newFailure(CategoryDeviceMissing)
	}
	if dev.Status != models.DeviceStatusOnline {
		return newFailure(CategoryDeviceOffline)
	}
	if !dev.HasAddress() {
		return newFailure(CategoryAddressMissing)
	}
	if !r.session.Connected() || r.session.Address() != dev.IPAddress {
		return newFailure(CategoryNotConnected)
	}
	return nil
}

// FeedNow validates, sends feed_now, starts the durable write and marks the
// device as feeding until a failure response or the timeout.
func (r *Reconciler) FeedNow(deviceID string) Outcome {
	logger := r.logger.With().Str("device_id", deviceID).Logger()

	if f := r.Check(deviceID); f != nil {
		logger.Warn().Str("category", string(f.Category)).Msg("Feed rejected")
		return Outcome{DeviceID: deviceID, Failure: f}
	}

	cmd, err := r.commands.FeedNow(deviceID)
	if err != nil {
		f := newFailure(CategorySendFailed)
		if errors.Is(err, command.ErrMissingDeviceID) {
			f = newFailure(CategoryMissingDeviceID)
		}
		logger.Warn().Err(err).Msg("Feed command not sent")
		return Outcome{DeviceID: deviceID, Failure: f}
	}

	logger.Info().Str("correlation_id", cmd.CorrelationID).Msg("Feed command sent")

	r.recordAsync(deviceID, cmd.CorrelationID)
	r.markFeeding(deviceID, cmd.CorrelationID)

	return Outcome{DeviceID: deviceID, Sent: true, Command: cmd}
}

func (r *Reconciler) recordAsync(deviceID, correlationID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(r.baseCtx, r.opts.HistoryTimeout)
		defer cancel()

		logger := r.logger.With().Str("device_id", deviceID).Str("correlation_id", correlationID).Logger()
		if err := r.recorder.RecordFeeding(ctx, deviceID); err != nil {
			logger.Error().Err(err).Msg("Failed to record feeding in backend")
			r.notify(Update{
				Kind:          UpdateHistoryFailed,
				DeviceID:      deviceID,
				CorrelationID: correlationID,
				Failure:       &Failure{Category: CategoryDurableWrite, Reason: reasons[CategoryDurableWrite] + ": " + err.Error()},
			})
			return
		}
		logger.Debug().Msg("Feeding recorded in backend")
		r.notify(Update{Kind: UpdateHistoryRecorded, DeviceID: deviceID, CorrelationID: correlationID})
	}()
}

func (r *Reconciler) markFeeding(deviceID, correlationID string) {
	r.mu.Lock()
	if prev, ok := r.feeding[deviceID]; ok {
		// the later action's window governs
		prev.timer.Stop()
		delete(r.pending, prev.correlationID)
	}
	r.seq++
	token := r.seq
	st := &optimistic{token: token, correlationID: correlationID}
	st.timer = r.sched.AfterFunc(r.opts.FeedingTimeout, func() { r.expire(deviceID, token) })
	r.feeding[deviceID] = st
	r.pending[correlationID] = deviceID
	r.lastFeed = correlationID
	r.mu.Unlock()

	r.notify(Update{Kind: UpdateStatus, DeviceID: deviceID, Status: models.DeviceStatusFeeding, CorrelationID: correlationID})
}

func (r *Reconciler) expire(deviceID string, token uint64) {
	r.mu.Lock()
	st, ok := r.feeding[deviceID]
	if !ok || st.token != token {
		r.mu.Unlock()
		return
	}
	delete(r.feeding, deviceID)
	delete(r.pending, st.correlationID)
	if r.lastFeed == st.correlationID {
		r.lastFeed = ""
	}
	r.mu.Unlock()

	r.logger.Debug().Str("device_id", deviceID).Msg("Feeding window elapsed")
	r.notify(Update{Kind: UpdateStatus, DeviceID: deviceID, Status: models.DeviceStatusOnline, CorrelationID: st.correlationID})
}

// HandleFeedResponse applies a device acknowledgment. A non-success response
// clears the feeding marker at once and reports the device's message.
func (r *Reconciler) HandleFeedResponse(resp protocol.FeedResponse) {
	r.mu.Lock()
	deviceID, correlationID, ok := r.attributeLocked(resp)
	if !ok {
		r.mu.Unlock()
		r.logger.Debug().Str("correlation_id", resp.CorrelationID).Msg("Unattributed feed_response")
		return
	}
	delete(r.pending, correlationID)
	if r.lastFeed == correlationID {
		r.lastFeed = ""
	}

	if resp.Succeeded() {
		r.mu.Unlock()
		r.logger.Info().Str("device_id", deviceID).Str("correlation_id", correlationID).Msg("Device acknowledged feed")
		return
	}

	cleared := false
	if st, ok := r.feeding[deviceID]; ok && st.correlationID == correlationID {
		st.timer.Stop()
		delete(r.feeding, deviceID)
		cleared = true
	}
	r.mu.Unlock()

	reason := resp.FailureMessage()
	r.logger.Warn().Str("device_id", deviceID).Str("correlation_id", correlationID).Str("reason", reason).Msg("Device reported feed failure")

	if cleared {
		r.notify(Update{Kind: UpdateStatus, DeviceID: deviceID, Status: models.DeviceStatusOnline, CorrelationID: correlationID})
	}
	r.notify(Update{
		Kind:          UpdateDeviceFailure,
		DeviceID:      deviceID,
		CorrelationID: correlationID,
		Failure:       &Failure{Category: CategoryDeviceReported, Reason: reason},
	})
}

// attributeLocked matches a response to a pending feed: by correlation id
// when the firmware echoes one, otherwise the device's or overall latest.
func (r *Reconciler) attributeLocked(resp protocol.FeedResponse) (string, string, bool) {
	if resp.CorrelationID != "" {
		if deviceID, ok := r.pending[resp.CorrelationID]; ok {
			return deviceID, resp.CorrelationID, true
		}
		return "", "", false
	}
	if resp.DeviceID != "" {
		if st, ok := r.feeding[resp.DeviceID]; ok {
			if _, pending := r.pending[st.correlationID]; pending {
				return resp.DeviceID, st.correlationID, true
			}
		}
	}
	if r.lastFeed != "" {
		if deviceID, ok := r.pending[r.lastFeed]; ok {
			return deviceID, r.lastFeed, true
		}
	}
	return "", "", false
}

// ObservedStatus is the recorded status overlaid with the optimistic marker
func (r *Reconciler) ObservedStatus(deviceID string) (models.DeviceStatus, bool) {
	r.mu.Lock()
	_, feeding := r.feeding[deviceID]
	r.mu.Unlock()
	if feeding {
		return models.DeviceStatusFeeding, true
	}
	dev, ok := r.devices.Lookup(deviceID)
	if !ok || dev == nil {
		return "", false
	}
	return dev.Status, true
}

// Reset drops every optimistic marker and pending correlation. Observers get
// the revert to online for each device that was still marked feeding.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	reverts := make([]Update, 0, len(r.feeding))
	for deviceID, st := range r.feeding {
		st.timer.Stop()
		reverts = append(reverts, Update{Kind: UpdateStatus, DeviceID: deviceID, Status: models.DeviceStatusOnline, CorrelationID: st.correlationID})
	}
	r.feeding = make(map[string]*optimistic)
	r.pending = make(map[string]string)
	r.lastFeed = ""
	r.mu.Unlock()

	sort.Slice(reverts, func(i, j int) bool { return reverts[i].DeviceID < reverts[j].DeviceID })
	for _, u := range reverts {
		r.notify(u)
	}
}

// Wait blocks until in-flight durable writes finish
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Close cancels timers and waits for durable writes
func (r *Reconciler) Close() {
	r.Reset()
	r.Wait()
}

func (r *Reconciler) notify(u Update) {
	r.mu.Lock()
	f := r.observer
	r.mu.Unlock()
	if f != nil {
		f(u)
	}
}
