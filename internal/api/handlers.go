package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meowfeeder/meowfeeder/internal/models"
	"github.com/meowfeeder/meowfeeder/internal/storage"
)

// Messages returned to clients
const (
	msgLoginRequired       = "You must be logged in!"
	msgAccessDenied        = "Access denied."
	msgInvalidBody         = "Invalid request body."
	msgServerError         = "Internal server error."
	msgUserNotFound        = "User not found."
	msgDeviceNotFound      = "Device not found."
	msgDeviceIDRequired    = "Device ID is required."
	msgInvalidDeviceID     = "Invalid device ID."
	msgEmailDeviceRequired = "User email and device ID are required."
	msgDeviceClaimed       = "Device is already associated with a user."
	msgDeviceAdded         = "Device added to user successfully."
	msgFeedingTimeRequired = "Device ID and feeding time are required."
	msgFeedingTimeUpdated  = "Feeding time updated successfully."
	msgFeedingRecorded     = "Feeding recorded successfully."
	msgFeedingFailed       = "Failed to record feeding."
	msgTimeRequired        = "Time is required."
	msgInvalidTime         = "Invalid time format. Use HH:MM format."
	msgDuplicateTime       = "This feeding time already exists."
	msgScheduleAdded       = "Schedule added successfully."
	msgIndexRequired       = "Schedule index is required."
	msgInvalidIndex        = "Invalid schedule index."
	msgScheduleDeleted     = "Schedule deleted successfully."
	msgAutoFeedingRequired = "Auto feeding value is required."
	msgAutoFeedingUpdated  = "Auto feeding setting updated successfully."
	msgInvalidStatus       = "Invalid status. Use offline, online or feeding."
	msgStatusUpdated       = "Device status updated successfully."
	msgNetworkUpdated      = "Device network updated successfully."
)

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   s.now(),
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "Meow Feeder API",
		"version": s.config.Server.Version,
		"health":  "/api/health",
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondStoreError maps storage sentinels onto HTTP answers
func (s *RESTServer) respondStoreError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, notFound)
	case errors.Is(err, storage.ErrInvalidData):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Storage failure")
		s.respondError(w, http.StatusInternalServerError, msgServerError)
	}
}

// decode reads a JSON body into v
func decode(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// ========== Helper functions ==========

func parseDeviceID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, errors.New(msgDeviceIDRequired)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New(msgInvalidDeviceID)
	}
	return id, nil
}

// loadDevice resolves the {deviceId} path parameter and checks the caller
// may act on it. It writes the error response itself.
func (s *RESTServer) loadDevice(w http.ResponseWriter, r *http.Request, store storage.Store) (*models.Device, bool) {
	return s.loadDeviceByID(w, r, store, chi.URLParam(r, "deviceId"))
}

func (s *RESTServer) loadDeviceByID(w http.ResponseWriter, r *http.Request, store storage.Store, raw string) (*models.Device, bool) {
	id, err := parseDeviceID(raw)
	if err != nil {
		status := http.StatusBadRequest
		if err.Error() == msgInvalidDeviceID {
			status = http.StatusNotFound
			err = errors.New(msgDeviceNotFound)
		}
		s.respondError(w, status, err.Error())
		return nil, false
	}

	device, err := store.GetDevice(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, msgDeviceNotFound)
		return nil, false
	}

	if !s.canAccess(r, device) {
		s.respondError(w, http.StatusForbidden, msgAccessDenied)
		return nil, false
	}
	return device, true
}

// canAccess allows unclaimed devices and devices owned by the caller
func (s *RESTServer) canAccess(r *http.Request, device *models.Device) bool {
	if !device.Claimed() {
		return true
	}
	claims := claimsFrom(r.Context())
	return claims != nil && sameEmail(claims.Email, device.OwnerEmail)
}

func pagination(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
