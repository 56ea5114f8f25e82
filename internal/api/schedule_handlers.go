package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/meowfeeder/meowfeeder/internal/models"
)

// HandleGetSchedules returns the schedule view of a device's feeding times
func (s *RESTServer) HandleGetSchedules(w http.ResponseWriter, r *http.Request) {
	device, ok := s.loadDevice(w, r, s.store)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, models.SchedulesFromTimes(device.FeedingTime))
}

// HandleAddSchedule appends one feeding time
func (s *RESTServer) HandleAddSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Time string `json:"time"`
	}
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	req.Time = strings.TrimSpace(req.Time)
	if req.Time == "" {
		s.respondError(w, http.StatusBadRequest, msgTimeRequired)
		return
	}

	device, ok := s.loadDevice(w, r, s.store)
	if !ok {
		return
	}

	times, err := models.AddFeedingTime(device.FeedingTime, req.Time)
	if err != nil {
		s.respondScheduleError(w, err)
		return
	}
	device.FeedingTime = times
	if err := s.store.UpdateDevice(r.Context(), device); err != nil {
		s.respondStoreError(w, err, msgDeviceNotFound)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":     msgScheduleAdded,
		"feedingTime": device.FeedingTime,
	})
}

// HandleDeleteSchedule removes the feeding time at a list position
func (s *RESTServer) HandleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScheduleIndex *int `json:"scheduleIndex"`
	}
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if req.ScheduleIndex == nil {
		s.respondError(w, http.StatusBadRequest, msgIndexRequired)
		return
	}

	device, ok := s.loadDevice(w, r, s.store)
	if !ok {
		return
	}

	times, err := models.RemoveFeedingTime(device.FeedingTime, *req.ScheduleIndex)
	if err != nil {
		s.respondScheduleError(w, err)
		return
	}
	device.FeedingTime = times
	if err := s.store.UpdateDevice(r.Context(), device); err != nil {
		s.respondStoreError(w, err, msgDeviceNotFound)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":     msgScheduleDeleted,
		"feedingTime": device.FeedingTime,
	})
}

// HandleModifyFeedingTime replaces the whole feeding schedule
func (s *RESTServer) HandleModifyFeedingTime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID    string   `json:"deviceId" validate:"required"`
		FeedingTime []string `json:"feedingTime" validate:"required"`
	}
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, msgFeedingTimeRequired)
		return
	}
	if err := models.ValidateFeedingTimes(req.FeedingTime); err != nil {
		s.respondScheduleError(w, err)
		return
	}

	device, ok := s.loadDeviceByID(w, r, s.store, req.DeviceID)
	if !ok {
		return
	}
	device.FeedingTime = req.FeedingTime
	if err := s.store.UpdateDevice(r.Context(), device); err != nil {
		s.respondStoreError(w, err, msgDeviceNotFound)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": msgFeedingTimeUpdated,
		"device":  device,
	})
}

// HandleUpdateAutoFeeding toggles automatic feeding
func (s *RESTServer) HandleUpdateAutoFeeding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AutoFeeding *bool `json:"autoFeeding"`
	}
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if req.AutoFeeding == nil {
		s.respondError(w, http.StatusBadRequest, msgAutoFeedingRequired)
		return
	}

	device, ok := s.loadDevice(w, r, s.store)
	if !ok {
		return
	}
	device.AutoFeeding = *req.AutoFeeding
	if err := s.store.UpdateDevice(r.Context(), device); err != nil {
		s.respondStoreError(w, err, msgDeviceNotFound)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":     msgAutoFeedingUpdated,
		"autoFeeding": device.AutoFeeding,
	})
}

func (s *RESTServer) respondScheduleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidFeedingTime):
		s.respondError(w, http.StatusBadRequest, msgInvalidTime)
	case errors.Is(err, models.ErrDuplicateFeedingTime):
		s.respondError(w, http.StatusBadRequest, msgDuplicateTime)
	case errors.Is(err, models.ErrScheduleIndex):
		s.respondError(w, http.StatusBadRequest, msgInvalidIndex)
	default:
		s.respondError(w, http.StatusInternalServerError, msgServerError)
	}
}
