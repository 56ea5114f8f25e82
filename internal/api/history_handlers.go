package api

import (
	"errors"
	"net/http"

	"github.com/meowfeeder/meowfeeder/internal/events"
	"github.com/meowfeeder/meowfeeder/internal/storage"
)

// HandleAddFeedingToHistory records a completed feeding at server time
func (s *RESTServer) HandleAddFeedingToHistory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}

	device, ok := s.loadDeviceByID(w, r, s.store, req.DeviceID)
	if !ok {
		return
	}

	ctx := r.Context()
	at := s.now().UTC()
	if err := s.store.AddFeeding(ctx, device.ID, at); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, msgDeviceNotFound)
			return
		}
		s.logger.Error().Err(err).Str("device_id", device.ID.String()).Msg("Failed to record feeding")
		s.respondError(w, http.StatusInternalServerError, msgFeedingFailed)
		return
	}

	device, err := s.store.GetDevice(ctx, device.ID)
	if err != nil {
		s.respondStoreError(w, err, msgDeviceNotFound)
		return
	}
	stats := device.Stats()

	s.publish(r, device.ID, events.KindFeedingRecorded, map[string]interface{}{
		"feedingDate":   at,
		"totalFeedings": stats.TotalFeedings,
	})
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":       msgFeedingRecorded,
		"feedingDate":   at,
		"totalFeedings": stats.TotalFeedings,
		"deviceStatus":  device.Status,
	})
}

// HandleGetFeedingHistory returns the feeding history summary
func (s *RESTServer) HandleGetFeedingHistory(w http.ResponseWriter, r *http.Request) {
	device, ok := s.loadDevice(w, r, s.store)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, device.Stats())
}
