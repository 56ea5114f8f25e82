package models

import (
	"time"
)

// OwnerNotSet marks a device nobody has claimed yet
const OwnerNotSet = "notSet"

// DeviceStatus is the lifecycle status recorded for a feeder
type DeviceStatus string

const (
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusFeeding DeviceStatus = "feeding"
)

// Valid reports whether s is a known status
func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceStatusOffline, DeviceStatusOnline, DeviceStatusFeeding:
		return true
	}
	return false
}

// Device represents a physical feeder
type Device struct {
	BaseModel

	// Owner account email, or OwnerNotSet
	OwnerEmail string       `json:"user_email" db:"user_email"`
	Status     DeviceStatus `json:"status" db:"status"`

	// Local network address the feeder's socket listens on
	IPAddress string `json:"ipAddress,omitempty" db:"ip_address"`

	// Feeding configuration
	FeedingTime []string `json:"feedingTime" db:"feeding_time"`
	AutoFeeding bool     `json:"autoFeeding" db:"auto_feeding"`

	// Feeding history
	LastFeedTime   *time.Time  `json:"lastFeedTime" db:"last_feed_time"`
	FeedingHistory []time.Time `json:"feedingHistory" db:"-"`
}

// Claimed reports whether the device has an owner
func (d *Device) Claimed() bool {
	return d.OwnerEmail != "" && d.OwnerEmail != OwnerNotSet
}

// HasAddress reports whether a live session could be attempted
func (d *Device) HasAddress() bool {
	return d.IPAddress != ""
}

// RecordFeeding appends at to the history and moves the last-fed pointer
// forward. The history is kept in insertion order.
func (d *Device) RecordFeeding(at time.Time) {
	d.FeedingHistory = append(d.FeedingHistory, at)
	if d.LastFeedTime == nil || at.After(*d.LastFeedTime) {
		t := at
		d.LastFeedTime = &t
	}
}

// FeedingStats summarizes the history
type FeedingStats struct {
	FeedingHistory []time.Time `json:"feedingHistory"`
	TotalFeedings  int         `json:"totalFeedings"`
	LastFeedTime   *time.Time  `json:"lastFeedTime"`
}

// Stats returns the history summary
func (d *Device) Stats() FeedingStats {
	history := d.FeedingHistory
	if history == nil {
		history = []time.Time{}
	}
	return FeedingStats{
		FeedingHistory: history,
		TotalFeedings:  len(history),
		LastFeedTime:   d.LastFeedTime,
	}
}

// NewDevice returns an unclaimed offline feeder with empty schedule and history
func NewDevice() *Device {
	return &Device{
		OwnerEmail:     OwnerNotSet,
		Status:         DeviceStatusOffline,
		FeedingTime:    []string{},
		FeedingHistory: []time.Time{},
	}
}
