package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up routes under /api
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Account routes (public)
	r.Route("/user", func(r chi.Router) {
		r.Post("/register", s.HandleRegister)
		r.Post("/signup", s.HandleRegister)
		r.Post("/login", s.HandleLogin)
		r.Post("/signin", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
		r.With(s.authMiddleware).Get("/me", s.HandleGetCurrentUser)
	})

	// Device routes
	r.Route("/device", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/createDevice", s.HandleCreateDevice)
		r.Post("/addDeviceToUser", s.HandleAddDeviceToUser)
		r.Get("/getDeviceById/{deviceId}", s.HandleGetDevice)
		r.Get("/getUserDevices/{userEmail}", s.HandleGetUserDevices)
		r.Get("/getUserDevicesWithDetails/{userEmail}", s.HandleGetUserDevicesWithDetails)
		r.Post("/modifyFeedingTime", s.HandleModifyFeedingTime)
		r.Post("/addFeedingToHistory", s.HandleAddFeedingToHistory)
		r.Get("/getFeedingHistory/{deviceId}", s.HandleGetFeedingHistory)
		r.Get("/schedules/{deviceId}", s.HandleGetSchedules)

		r.Route("/{deviceId}", func(r chi.Router) {
			r.Post("/addSchedule", s.HandleAddSchedule)
			r.Delete("/deleteSchedule", s.HandleDeleteSchedule)
			r.Put("/auto-feeding", s.HandleUpdateAutoFeeding)
			r.Put("/status", s.HandleUpdateStatus)
			r.Put("/network", s.HandleUpdateNetwork)
			r.Get("/events", s.HandleListDeviceEvents)
		})
	})
}
