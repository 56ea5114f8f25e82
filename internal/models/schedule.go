package models

import (
	"errors"
	"regexp"
	"strings"
)

// DefaultPortion is the only portion size the firmware supports
const DefaultPortion = "Standard portion"

var feedingTimeRe = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):[0-5][0-9]$`)

var (
	ErrInvalidFeedingTime   = errors.New("invalid time format, use HH:MM")
	ErrDuplicateFeedingTime = errors.New("feeding time already exists")
	ErrScheduleIndex        = errors.New("invalid schedule index")
)

// Schedule is the read view of one feeding time
type Schedule struct {
	ID      int    `json:"id"`
	Time    string `json:"time"`
	Hour    string `json:"hour"`
	Minute  string `json:"minute"`
	Enabled bool   `json:"enabled"`
	Portion string `json:"portion"`
}

// ValidFeedingTime reports whether s is a 24h HH:MM (or H:MM) time
func ValidFeedingTime(s string) bool {
	return feedingTimeRe.MatchString(s)
}

// SchedulesFromTimes derives the schedule view, ids are list positions
func SchedulesFromTimes(times []string) []Schedule {
	out := make([]Schedule, 0, len(times))
	for i, t := range times {
		hour, minute, _ := strings.Cut(t, ":")
		out = append(out, Schedule{
			ID:      i,
			Time:    t,
			Hour:    hour,
			Minute:  minute,
			Enabled: true,
			Portion: DefaultPortion,
		})
	}
	return out
}

// AddFeedingTime returns times with t appended
func AddFeedingTime(times []string, t string) ([]string, error) {
	if !ValidFeedingTime(t) {
		return times, ErrInvalidFeedingTime
	}
	for _, existing := range times {
		if existing == t {
			return times, ErrDuplicateFeedingTime
		}
	}
	out := make([]string, 0, len(times)+1)
	out = append(out, times...)
	return append(out, t), nil
}

// RemoveFeedingTime returns times without the entry at index
func RemoveFeedingTime(times []string, index int) ([]string, error) {
	if index < 0 || index >= len(times) {
		return times, ErrScheduleIndex
	}
	out := make([]string, 0, len(times)-1)
	out = append(out, times[:index]...)
	return append(out, times[index+1:]...), nil
}

// ValidateFeedingTimes checks a full replacement schedule
func ValidateFeedingTimes(times []string) error {
	seen := make(map[string]struct{}, len(times))
	for _, t := range times {
		if !ValidFeedingTime(t) {
			return ErrInvalidFeedingTime
		}
		if _, dup := seen[t]; dup {
			return ErrDuplicateFeedingTime
		}
		seen[t] = struct{}{}
	}
	return nil
}
