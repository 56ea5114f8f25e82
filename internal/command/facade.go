// Package command builds device commands and hands them to the session.
package command

import (
	"errors"
	"strings"

	"github.com/meowfeeder/meowfeeder/pkg/protocol"
)

var (
	// ErrMissingDeviceID is returned before anything is sent
	ErrMissingDeviceID = errors.New("no device ID provided")
	// ErrNotSent means the session refused the frame
	ErrNotSent = errors.New("device not connected")
)

// Sender delivers a command at most once
type Sender interface {
	Send(cmd protocol.Command) bool
}

// Facade issues typed commands. It never retries.
type Facade struct {
	sender Sender
}

// NewFacade creates a facade over sender
func NewFacade(sender Sender) *Facade {
	return &Facade{sender: sender}
}

// FeedNow asks the device to dispense one portion
func (f *Facade) FeedNow(deviceID string) (protocol.Command, error) {
	return f.issue(protocol.CommandFeedNow, deviceID)
}

// GetStatus asks the device for a device_status frame
func (f *Facade) GetStatus(deviceID string) (protocol.Command, error) {
	return f.issue(protocol.CommandGetStatus, deviceID)
}

// StopFeed interrupts a running feed sequence
func (f *Facade) StopFeed(deviceID string) (protocol.Command, error) {
	return f.issue(protocol.CommandStopFeed, deviceID)
}

// Issue sends an arbitrary known command
func (f *Facade) Issue(name protocol.CommandName, deviceID string) (protocol.Command, error) {
	if !name.Valid() {
		return protocol.Command{}, errors.New("unknown command " + string(name))
	}
	return f.issue(name, deviceID)
}

func (f *Facade) issue(name protocol.CommandName, deviceID string) (protocol.Command, error) {
	if strings.TrimSpace(deviceID) == "" {
		return protocol.Command{}, ErrMissingDeviceID
	}
	cmd := protocol.NewCommand(name, deviceID)
	if !f.sender.Send(cmd) {
		return cmd, ErrNotSent
	}
	return cmd, nil
}
