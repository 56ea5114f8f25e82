// Package controller composes the live control core for one client process:
// the device selector, the session manager, the frame router, the command
// facade and the feed reconciler.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meowfeeder/meowfeeder/internal/backend"
	"github.com/meowfeeder/meowfeeder/internal/command"
	"github.com/meowfeeder/meowfeeder/internal/config"
	"github.com/meowfeeder/meowfeeder/internal/events"
	"github.com/meowfeeder/meowfeeder/internal/models"
	"github.com/meowfeeder/meowfeeder/internal/reconcile"
	"github.com/meowfeeder/meowfeeder/internal/router"
	"github.com/meowfeeder/meowfeeder/internal/schedule"
	"github.com/meowfeeder/meowfeeder/internal/selector"
	"github.com/meowfeeder/meowfeeder/internal/session"
	"github.com/meowfeeder/meowfeeder/pkg/protocol"
)

// ErrNoOnlineDevice is returned while no device of the account is online
var ErrNoOnlineDevice = errors.New("no online device")

// ErrClosed is returned after Close
var ErrClosed = errors.New("controller closed")

// Backend is the part of the REST client the core needs
type Backend interface {
	ListUserDevices(ctx context.Context, email string) ([]*models.Device, error)
	RecordFeeding(ctx context.Context, deviceID string) (*backend.FeedingReceipt, error)
}

// Options wires timing for every component
type Options struct {
	Email              string
	Session            session.Options
	Reconcile          reconcile.Options
	StatusRefreshDelay time.Duration
	RefreshInterval    time.Duration
}

// OptionsFromConfig maps the configuration sections onto Options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Email: cfg.Backend.Email,
		Session: session.Options{
			Port:           cfg.Device.Port,
			Placeholders:   cfg.Device.PlaceholderHosts,
			BackoffBase:    cfg.Session.BackoffBase,
			MaxAttempts:    cfg.Session.MaxAttempts,
			SettleDelay:    cfg.Session.SettleDelay,
			ReconnectDelay: cfg.Session.ReconnectDelay,
		},
		Reconcile: reconcile.Options{
			FeedingTimeout: cfg.Session.FeedingTimeout,
			HistoryTimeout: cfg.Session.HistoryTimeout,
		},
		StatusRefreshDelay: cfg.Session.StatusRefreshDelay,
		RefreshInterval:    cfg.Session.RefreshInterval,
	}
}

// Hooks observe the core. All are optional and run outside internal locks.
type Hooks struct {
	OnSession   func(session.Status)
	OnSelection func(prev, next selector.Selection)
	OnEvent     func(protocol.Event)
	OnUpdate    func(reconcile.Update)
}

// Snapshot is everything the core currently knows
type Snapshot struct {
	Selection        selector.Selection     `json:"selection"`
	Session          session.Status         `json:"session"`
	DeviceStatus     *protocol.DeviceStatus `json:"deviceStatus,omitempty"`
	FeedHistory      []router.FeedRecord    `json:"feedHistory"`
	LastFeedResponse *protocol.FeedResponse `json:"lastFeedResponse,omitempty"`
}

// Controller owns one session at a time
type Controller struct {
	opts      Options
	backend   Backend
	publisher events.Publisher
	logger    zerolog.Logger

	manager    *session.Manager
	router     *router.Router
	facade     *command.Facade
	selector   *selector.Selector
	reconciler *reconcile.Reconciler

	mu      sync.Mutex
	hooks   Hooks
	changed chan struct{}
	closed  bool
}

// New wires the core over transport. A nil publisher discards events.
func New(opts Options, api Backend, transport session.Transport, publisher events.Publisher, sched schedule.Scheduler) *Controller {
	if sched == nil {
		sched = schedule.Real{}
	}
	if publisher == nil {
		publisher = events.Discard{}
	}

	c := &Controller{
		opts:      opts,
		backend:   api,
		publisher: publisher,
		changed:   make(chan struct{}),
		logger:    log.With().Str("component", "controller").Logger(),
	}

	c.manager = session.NewManager(opts.Session, transport, sched)
	c.router = router.New(c.manager, sched, opts.StatusRefreshDelay)
	c.facade = command.NewFacade(c.manager)
	c.selector = selector.New(c.manager)
	c.reconciler = reconcile.New(opts.Reconcile, c.selector, c.manager, c.facade, reconcile.RecorderFunc(c.recordFeeding), sched)

	c.manager.SetHandlers(session.Handlers{
		OnFrame:  c.router.HandleFrame,
		OnStatus: c.handleSession,
	})
	c.router.SetHooks(router.Hooks{
		OnFeedResponse: c.reconciler.HandleFeedResponse,
		OnEvent:        c.handleEvent,
	})
	c.selector.OnSwitch(c.handleSwitch)
	c.reconciler.SetObserver(c.handleUpdate)

	return c
}

// SetHooks replaces the observers
func (c *Controller) SetHooks(h Hooks) {
	c.mu.Lock()
	c.hooks = h
	c.mu.Unlock()
}

// Refresh reloads the account's devices and re-evaluates the selection
func (c *Controller) Refresh(ctx context.Context) (selector.Selection, error) {
	if c.isClosed() {
		return selector.Selection{}, ErrClosed
	}
	devices, err := c.backend.ListUserDevices(ctx, c.opts.Email)
	if err != nil {
		return c.selector.Current(), err
	}
	return c.selector.Update(devices), nil
}

// Run refreshes on the configured interval until ctx is done, then closes
// the controller.
func (c *Controller) Run(ctx context.Context) error {
	defer c.Close()

	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Failed to load devices")
	}

	if c.opts.RefreshInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("Device refresh failed")
			}
		}
	}
}

// WaitConnected blocks until the session is open. It fails early when no
// device is online or the session gave up.
func (c *Controller) WaitConnected(ctx context.Context) error {
	for {
		if c.selector.Current().State != selector.StateActive {
			return ErrNoOnlineDevice
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		ch := c.changed
		c.mu.Unlock()

		st := c.manager.Status()
		if st.Connected {
			return nil
		}
		if st.Err != nil && st.Err.Kind != session.ErrorTransport {
			return st.Err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// FeedNow runs a reconciled feed-now action
func (c *Controller) FeedNow(deviceID string) reconcile.Outcome {
	out := c.reconciler.FeedNow(deviceID)
	if out.Sent {
		c.publish(deviceID, events.KindFeedRequested, out.Command)
	}
	return out
}

// GetStatus asks the device for a status push
func (c *Controller) GetStatus(deviceID string) (protocol.Command, error) {
	return c.facade.GetStatus(deviceID)
}

// StopFeed asks the device to stop dispensing
func (c *Controller) StopFeed(deviceID string) (protocol.Command, error) {
	return c.facade.StopFeed(deviceID)
}

// Reconnect restarts the session with a fresh attempt budget
func (c *Controller) Reconnect() {
	c.manager.Reconnect()
}

// Devices returns the last loaded device list
func (c *Controller) Devices() []*models.Device {
	return c.selector.Devices()
}

// ObservedStatus is the device status as the user should see it
func (c *Controller) ObservedStatus(deviceID string) (models.DeviceStatus, bool) {
	return c.reconciler.ObservedStatus(deviceID)
}

// Snapshot returns the current state of every component
func (c *Controller) Snapshot() Snapshot {
	snap := Snapshot{
		Selection:   c.selector.Current(),
		Session:     c.manager.Status(),
		FeedHistory: c.router.History(),
	}
	if st, ok := c.router.Status(); ok {
		snap.DeviceStatus = &st
	}
	if resp, ok := c.router.LastFeedResponse(); ok {
		snap.LastFeedResponse = &resp
	}
	return snap
}

// Close tears the session down and waits for in-flight durable writes
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.changed)
	c.mu.Unlock()

	c.selector.Clear()
	c.manager.Disconnect()
	c.router.Reset()
	c.reconciler.Close()
	c.logger.Debug().Msg("Controller closed")
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) recordFeeding(ctx context.Context, deviceID string) error {
	receipt, err := c.backend.RecordFeeding(ctx, deviceID)
	if err != nil {
		return err
	}
	c.logger.Info().
		Str("device_id", deviceID).
		Int("total_feedings", receipt.TotalFeedings).
		Msg("Feeding recorded")
	return nil
}

func (c *Controller) handleSession(st session.Status) {
	c.mu.Lock()
	if !c.closed {
		close(c.changed)
		c.changed = make(chan struct{})
	}
	hooks := c.hooks
	c.mu.Unlock()

	if hooks.OnSession != nil {
		hooks.OnSession(st)
	}
}

func (c *Controller) handleSwitch(prev, next selector.Selection) {
	// observations and pending feeds belong to the previous session
	c.router.Reset()
	c.reconciler.Reset()

	c.mu.Lock()
	hooks := c.hooks
	c.mu.Unlock()
	if hooks.OnSelection != nil {
		hooks.OnSelection(prev, next)
	}
}

func (c *Controller) handleEvent(ev protocol.Event) {
	deviceID := c.selector.Current().DeviceID
	if id, ok := ev.Fields["deviceId"].(string); ok && id != "" {
		deviceID = id
	}
	c.publish(deviceID, events.Kind(ev.Type), ev)

	c.mu.Lock()
	hooks := c.hooks
	c.mu.Unlock()
	if hooks.OnEvent != nil {
		hooks.OnEvent(ev)
	}
}

func (c *Controller) handleUpdate(u reconcile.Update) {
	c.mu.Lock()
	hooks := c.hooks
	c.mu.Unlock()
	if hooks.OnUpdate != nil {
		hooks.OnUpdate(u)
	}
}

func (c *Controller) publish(deviceID string, kind events.Kind, data interface{}) {
	if deviceID == "" {
		return
	}
	if err := c.publisher.Publish(context.Background(), deviceID, kind, data); err != nil {
		c.logger.Warn().Err(err).Str("device_id", deviceID).Str("kind", string(kind)).Msg("Failed to publish event")
	}
}
