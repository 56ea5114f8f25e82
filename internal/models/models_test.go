package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidFeedingTime(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"08:30", true},
		{"8:30", true},
		{"00:00", true},
		{"23:59", true},
		{"19:05", true},
		{"24:00", false},
		{"12:60", false},
		{"1230", false},
		{"12:3", false},
		{" 12:30", false},
		{"", false},
		{"ab:cd", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidFeedingTime(tt.in))
		})
	}
}

func TestSchedulesFromTimes(t *testing.T) {
	got := SchedulesFromTimes([]string{"08:30", "7:05"})
	require.Len(t, got, 2)
	assert.Equal(t, Schedule{ID: 0, Time: "08:30", Hour: "08", Minute: "30", Enabled: true, Portion: "Standard portion"}, got[0])
	assert.Equal(t, "7", got[1].Hour)
	assert.Equal(t, 1, got[1].ID)

	assert.Empty(t, SchedulesFromTimes(nil))
	assert.NotNil(t, SchedulesFromTimes(nil))
}

func TestAddFeedingTime(t *testing.T) {
	times, err := AddFeedingTime(nil, "08:30")
	require.NoError(t, err)
	assert.Equal(t, []string{"08:30"}, times)

	_, err = AddFeedingTime(times, "08:30")
	assert.ErrorIs(t, err, ErrDuplicateFeedingTime)

	// exact string match only
	times, err = AddFeedingTime(times, "8:30")
	require.NoError(t, err)
	assert.Equal(t, []string{"08:30", "8:30"}, times)

	_, err = AddFeedingTime(times, "25:00")
	assert.ErrorIs(t, err, ErrInvalidFeedingTime)
}

func TestRemoveFeedingTime(t *testing.T) {
	times := []string{"07:00", "12:00", "19:00"}

	out, err := RemoveFeedingTime(times, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"07:00", "19:00"}, out)
	assert.Equal(t, []string{"07:00", "12:00", "19:00"}, times)

	for _, idx := range []int{-1, 3, 100} {
		_, err := RemoveFeedingTime(times, idx)
		assert.ErrorIs(t, err, ErrScheduleIndex)
	}
}

func TestValidateFeedingTimes(t *testing.T) {
	assert.NoError(t, ValidateFeedingTimes([]string{"07:00", "19:00"}))
	assert.NoError(t, ValidateFeedingTimes(nil))
	assert.ErrorIs(t, ValidateFeedingTimes([]string{"07:00", "7:0"}), ErrInvalidFeedingTime)
	assert.ErrorIs(t, ValidateFeedingTimes([]string{"07:00", "07:00"}), ErrDuplicateFeedingTime)
}

func TestDevice_RecordFeeding(t *testing.T) {
	d := NewDevice()
	assert.Equal(t, OwnerNotSet, d.OwnerEmail)
	assert.Equal(t, DeviceStatusOffline, d.Status)
	assert.False(t, d.Claimed())

	t1 := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Minute)
	d.RecordFeeding(t1)
	d.RecordFeeding(t0)

	stats := d.Stats()
	assert.Equal(t, 2, stats.TotalFeedings)
	assert.Equal(t, []time.Time{t1, t0}, stats.FeedingHistory)
	require.NotNil(t, stats.LastFeedTime)
	assert.Equal(t, t1, *stats.LastFeedTime)
}

func TestDeviceStatus_Valid(t *testing.T) {
	assert.True(t, DeviceStatusFeeding.Valid())
	assert.False(t, DeviceStatus("rebooting").Valid())
}
