package api

import (
	"errors"
	"net/http"
	"net/netip"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meowfeeder/meowfeeder/internal/events"
	"github.com/meowfeeder/meowfeeder/internal/models"
	"github.com/meowfeeder/meowfeeder/internal/storage"
)

var errDeviceClaimed = errors.New(msgDeviceClaimed)

// HandleCreateDevice registers a new unclaimed feeder
func (s *RESTServer) HandleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IPAddress string `json:"ipAddress"`
	}
	// the body is optional
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, msgInvalidBody)
			return
		}
	}
	if req.IPAddress != "" && !validHost(req.IPAddress) {
		s.respondError(w, http.StatusBadRequest, "Invalid IP address.")
		return
	}

	device := models.NewDevice()
	device.IPAddress = req.IPAddress
	if err := s.store.CreateDevice(r.Context(), device); err != nil {
		s.respondStoreError(w, err, msgDeviceNotFound)
		return
	}

	s.logger.Info().Str("device_id", device.ID.String()).Msg("Device created")
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"newDevice": device,
	})
}

// HandleAddDeviceToUser claims an unowned device for the caller
func (s *RESTServer) HandleAddDeviceToUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserEmail string `json:"userEmail"`
		DeviceID  string `json:"deviceId"`
	}
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if req.UserEmail == "" || req.DeviceID == "" {
		s.respondError(w, http.StatusBadRequest, msgEmailDeviceRequired)
		return
	}
	if !sameEmail(req.UserEmail, claimsFrom(r.Context()).Email) {
		s.respondError(w, http.StatusForbidden, msgAccessDenied)
		return
	}
	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		s.respondError(w, http.StatusNotFound, msgDeviceNotFound)
		return
	}

	ctx := r.Context()
	var device *models.Device
	err = storage.WithTx(ctx, s.store, func(tx storage.Store) error {
		user, err := tx.GetUserByEmail(ctx, req.UserEmail)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return errUserNotFound
			}
			return err
		}

		device, err = tx.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		if device.Claimed() {
			return errDeviceClaimed
		}

		device.OwnerEmail = user.Email
		device.Status = models.DeviceStatusOnline
		if err := tx.UpdateDevice(ctx, device); err != nil {
			return err
		}
		return tx.AddUserDevice(ctx, user.ID, device.ID)
	})
	switch {
	case err == nil:
	case errors.Is(err, errUserNotFound):
		s.respondError(w, http.StatusNotFound, msgUserNotFound)
		return
	case errors.Is(err, errDeviceClaimed):
		s.respondError(w, http.StatusBadRequest, msgDeviceClaimed)
		return
	default:
		s.respondStoreError(w, err, msgDeviceNotFound)
		return
	}

	s.logger.Info().
		Str("device_id", device.ID.String()).
		Str("email", device.OwnerEmail).
		Msg("Device claimed")
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": msgDeviceAdded,
		"device":  device,
	})
}

var errUserNotFound = errors.New(msgUserNotFound)

// HandleGetDevice returns a single device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := s.loadDevice(w, r, s.store)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, device)
}

// HandleGetUserDevices lists the ids of the caller's devices
func (s *RESTServer) HandleGetUserDevices(w http.ResponseWriter, r *http.Request) {
	user, ok := s.loadPathUser(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": user.Devices,
	})
}

// HandleGetUserDevicesWithDetails lists the caller's devices in claim order
func (s *RESTServer) HandleGetUserDevicesWithDetails(w http.ResponseWriter, r *http.Request) {
	user, ok := s.loadPathUser(w, r)
	if !ok {
		return
	}
	devices, err := s.store.ListDevicesByIDs(r.Context(), user.Devices)
	if err != nil {
		s.respondStoreError(w, err, msgDeviceNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
	})
}

func (s *RESTServer) loadPathUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	email := chi.URLParam(r, "userEmail")
	if !sameEmail(email, claimsFrom(r.Context()).Email) {
		s.respondError(w, http.StatusForbidden, msgAccessDenied)
		return nil, false
	}
	user, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		s.respondStoreError(w, err, msgUserNotFound)
		return nil, false
	}
	return user, true
}

// HandleUpdateStatus records the lifecycle status of a device
func (s *RESTServer) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.DeviceStatus `json:"status" validate:"required,oneof=offline online feeding"`
	}
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, msgInvalidStatus)
		return
	}

	device, ok := s.loadDevice(w, r, s.store)
	if !ok {
		return
	}
	device.Status = req.Status
	if err := s.store.UpdateDevice(r.Context(), device); err != nil {
		s.respondStoreError(w, err, msgDeviceNotFound)
		return
	}

	s.publish(r, device.ID, events.KindDeviceStatus, map[string]interface{}{
		"status": device.Status,
	})
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": msgStatusUpdated,
		"device":  device,
	})
}

// HandleUpdateNetwork records the address a device's socket listens on
func (s *RESTServer) HandleUpdateNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IPAddress string `json:"ipAddress" validate:"required,max=253"`
	}
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	req.IPAddress = strings.TrimSpace(req.IPAddress)
	if err := s.validator.Validate(req); err != nil || !validHost(req.IPAddress) {
		s.respondError(w, http.StatusBadRequest, "Invalid IP address.")
		return
	}

	device, ok := s.loadDevice(w, r, s.store)
	if !ok {
		return
	}
	device.IPAddress = req.IPAddress
	if err := s.store.UpdateDevice(r.Context(), device); err != nil {
		s.respondStoreError(w, err, msgDeviceNotFound)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": msgNetworkUpdated,
		"device":  device,
	})
}

// validHost accepts an IP literal or a plain host name
func validHost(host string) bool {
	if _, err := netip.ParseAddr(host); err == nil {
		return true
	}
	if host == "" || strings.ContainsAny(host, " /:?#@") {
		return false
	}
	return true
}

func (s *RESTServer) publish(r *http.Request, deviceID uuid.UUID, kind events.Kind, data interface{}) {
	if err := s.publisher.Publish(r.Context(), deviceID.String(), kind, data); err != nil {
		s.logger.Warn().Err(err).
			Str("device_id", deviceID.String()).
			Str("kind", string(kind)).
			Msg("Failed to publish event")
	}
}
