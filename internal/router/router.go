// Package router classifies inbound device frames and keeps the latest
// observations for the current session.
package router

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meowfeeder/meowfeeder/internal/schedule"
	"github.com/meowfeeder/meowfeeder/pkg/protocol"
)

// DefaultRefreshDelay is the pause before asking for status after a feed
const DefaultRefreshDelay = 200 * time.Millisecond

// Sender is the part of the session the router needs
type Sender interface {
	Send(cmd protocol.Command) bool
	Connected() bool
}

// FeedRecord is one observed feed_complete push
type FeedRecord struct {
	Timestamp  int64  `json:"timestamp"`
	Message    string `json:"message"`
	DailyCount *int   `json:"dailyCount,omitempty"`
	ReceivedAt int64  `json:"receivedAt"`
}

// Hooks are called after the matching slot is updated, outside the lock
type Hooks struct {
	OnStatus       func(protocol.DeviceStatus)
	OnFeedComplete func(protocol.FeedComplete)
	OnFeedResponse func(protocol.FeedResponse)
	OnEvent        func(protocol.Event)
}

// Router holds the observation slots of one session
type Router struct {
	sender       Sender
	sched        schedule.Scheduler
	refreshDelay time.Duration
	now          func() time.Time
	logger       zerolog.Logger

	mu           sync.Mutex
	hooks        Hooks
	status       *protocol.DeviceStatus
	history      []FeedRecord
	lastResponse *protocol.FeedResponse
	timers       map[schedule.Timer]struct{}
}

// New creates a router that sends follow-up status requests through sender
func New(sender Sender, sched schedule.Scheduler, refreshDelay time.Duration) *Router {
	if sched == nil {
		sched = schedule.Real{}
	}
	if refreshDelay <= 0 {
		refreshDelay = DefaultRefreshDelay
	}
	return &Router{
		sender:       sender,
		sched:        sched,
		refreshDelay: refreshDelay,
		now:          time.Now,
		timers:       make(map[schedule.Timer]struct{}),
		logger:       log.With().Str("component", "router").Logger(),
	}
}

// SetHooks replaces the observers
func (r *Router) SetHooks(h Hooks) {
	r.mu.Lock()
	r.hooks = h
	r.mu.Unlock()
}

// HandleFrame parses and dispatches one raw frame. Frames that are not a
// JSON object with a type are logged and dropped without touching any slot.
// Known fields with an unexpected type are read as empty.
func (r *Router) HandleFrame(data []byte) {
	ev, err := protocol.ParseEvent(data, r.now())
	if err != nil {
		r.logger.Warn().Err(err).Int("size", len(data)).Msg("Dropping malformed frame")
		return
	}

	r.mu.Lock()
	hooks := r.hooks
	r.mu.Unlock()

	switch ev.Type {
	case protocol.EventDeviceStatus:
		st := ev.DeviceStatus()
		r.mu.Lock()
		r.status = &st
		r.mu.Unlock()

		r.logger.Debug().Str("status", st.Status).Msg("Device status updated")
		if hooks.OnStatus != nil {
			hooks.OnStatus(st)
		}

	case protocol.EventFeedComplete:
		fc := ev.FeedComplete()
		r.mu.Lock()
		r.history = append(r.history, FeedRecord{
			Timestamp:  fc.Timestamp,
			Message:    fc.Message,
			DailyCount: fc.DailyCount,
			ReceivedAt: fc.ReceivedAt,
		})
		r.scheduleRefreshLocked()
		r.mu.Unlock()

		r.logger.Info().Str("message", fc.Message).Msg("Feed sequence completed")
		if hooks.OnFeedComplete != nil {
			hooks.OnFeedComplete(fc)
		}

	case protocol.EventFeedResponse:
		resp := ev.FeedResponse()
		r.mu.Lock()
		r.lastResponse = &resp
		r.mu.Unlock()

		if hooks.OnFeedResponse != nil {
			hooks.OnFeedResponse(resp)
		}

	default:
		r.logger.Debug().Str("type", string(ev.Type)).Msg("Ignoring unknown frame type")
		return
	}

	if hooks.OnEvent != nil {
		hooks.OnEvent(ev)
	}
}

func (r *Router) scheduleRefreshLocked() {
	var t schedule.Timer
	t = r.sched.AfterFunc(r.refreshDelay, func() {
		r.mu.Lock()
		_, live := r.timers[t]
		delete(r.timers, t)
		r.mu.Unlock()
		if !live {
			return
		}
		if !r.sender.Connected() {
			return
		}
		r.sender.Send(protocol.Command{
			Command:   protocol.CommandGetStatus,
			Timestamp: r.now().UnixMilli(),
		})
	})
	r.timers[t] = struct{}{}
}

// Reset clears every slot and cancels pending follow-ups. Called when the
// session is replaced or torn down.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for t := range r.timers {
		t.Stop()
	}
	r.timers = make(map[schedule.Timer]struct{})
	r.status = nil
	r.history = nil
	r.lastResponse = nil
}

// Status returns the last device_status snapshot
func (r *Router) Status() (protocol.DeviceStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == nil {
		return protocol.DeviceStatus{}, false
	}
	return *r.status, true
}

// History returns the feed_complete observations in arrival order
func (r *Router) History() []FeedRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FeedRecord(nil), r.history...)
}

// LastFeedResponse returns the most recent feed_response
func (r *Router) LastFeedResponse() (protocol.FeedResponse, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastResponse == nil {
		return protocol.FeedResponse{}, false
	}
	return *r.lastResponse, true
}
