package api

import (
	"net/http"
	"time"

	"github.com/meowfeeder/meowfeeder/internal/models"
	"github.com/meowfeeder/meowfeeder/internal/storage"
)

// HandleListDeviceEvents lists the event log of a device, newest first.
// Optional filters: type, level, since, until (RFC3339).
func (s *RESTServer) HandleListDeviceEvents(w http.ResponseWriter, r *http.Request) {
	device, ok := s.loadDevice(w, r, s.store)
	if !ok {
		return
	}

	q := r.URL.Query()
	filters := storage.EventLogFilters{DeviceID: &device.ID}
	if v := q.Get("type"); v != "" {
		t := models.EventType(v)
		filters.Type = &t
	}
	if v := q.Get("level"); v != "" {
		l := models.EventLevel(v)
		filters.Level = &l
	}
	for key, dst := range map[string]**time.Time{"since": &filters.StartTime, "until": &filters.EndTime} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid "+key+" time, use RFC3339.")
			return
		}
		*dst = &t
	}

	limit, offset := pagination(r)
	logs, total, err := s.store.ListEventLogs(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondStoreError(w, err, msgDeviceNotFound)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": logs,
		"total":  total,
	})
}
