// Package selector picks which of an account's feeders gets the live session.
package selector

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meowfeeder/meowfeeder/internal/models"
)

// State is the selection state shown to the user
type State string

const (
	StateNone     State = "none"
	StateNoOnline State = "no_online_device"
	StateActive   State = "active"
)

// Connector is the session the selector drives
type Connector interface {
	Connect(address string) error
	Disconnect()
}

// Selection describes the active device
type Selection struct {
	State    State  `json:"state"`
	DeviceID string `json:"deviceId,omitempty"`
	Address  string `json:"address,omitempty"`
}

// Selector re-evaluates the active device whenever the list changes
type Selector struct {
	conn   Connector
	logger zerolog.Logger

	mu       sync.Mutex
	devices  []*models.Device
	byID     map[string]*models.Device
	current  Selection
	onSwitch func(prev, next Selection)
}

// New creates a selector with nothing selected
func New(conn Connector) *Selector {
	return &Selector{
		conn:    conn,
		byID:    make(map[string]*models.Device),
		current: Selection{State: StateNone},
		logger:  log.With().Str("component", "selector").Logger(),
	}
}

// OnSwitch is called after the old session is torn down and before the new
// one is opened
func (s *Selector) OnSwitch(f func(prev, next Selection)) {
	s.mu.Lock()
	s.onSwitch = f
	s.mu.Unlock()
}

// Pick returns the first online device in list order
func Pick(devices []*models.Device) *models.Device {
	for _, d := range devices {
		if d != nil && d.Status == models.DeviceStatusOnline {
			return d
		}
	}
	return nil
}

// Update replaces the device list and moves the session if the selected
// device or its address changed.
func (s *Selector) Update(devices []*models.Device) Selection {
	byID := make(map[string]*models.Device, len(devices))
	for _, d := range devices {
		if d != nil {
			byID[d.ID.String()] = d
		}
	}

	next := Selection{State: StateNoOnline}
	if d := Pick(devices); d != nil {
		next = Selection{State: StateActive, DeviceID: d.ID.String(), Address: d.IPAddress}
	}

	s.mu.Lock()
	prev := s.current
	s.devices = devices
	s.byID = byID
	s.current = next
	onSwitch := s.onSwitch
	s.mu.Unlock()

	if prev == next {
		return next
	}

	logger := s.logger.With().Str("device_id", next.DeviceID).Str("address", next.Address).Logger()

	if prev.State == StateActive {
		s.conn.Disconnect()
	}
	if onSwitch != nil {
		onSwitch(prev, next)
	}
	if next.State != StateActive {
		logger.Info().Msg("No online device")
		return next
	}

	logger.Info().Msg("Selected device")
	if err := s.conn.Connect(next.Address); err != nil {
		logger.Warn().Err(err).Msg("Selected device has no usable address")
	}
	return next
}

// Current returns the active selection
func (s *Selector) Current() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Active returns the selected device record
func (s *Selector) Active() (*models.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.State != StateActive {
		return nil, false
	}
	d, ok := s.byID[s.current.DeviceID]
	return d, ok
}

// Lookup finds a device in the last list by id
func (s *Selector) Lookup(deviceID string) (*models.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[deviceID]
	return d, ok
}

// Devices returns the last list in order
func (s *Selector) Devices() []*models.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Device(nil), s.devices...)
}

// Clear drops the selection and tears down the session
func (s *Selector) Clear() {
	s.mu.Lock()
	prev := s.current
	s.current = Selection{State: StateNone}
	s.mu.Unlock()

	if prev.State == StateActive {
		s.conn.Disconnect()
	}
}
