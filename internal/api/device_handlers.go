package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-lms/internal/data"
	"github.com/technosupport/ts-lms/internal/devices"
	"github.com/technosupport/ts-lms/internal/metrics"
	"github.com/technosupport/ts-lms/internal/middleware"
)

type DeviceHandler struct {
	Registry *devices.Service
	Metrics  *metrics.Collector
}

func NewDeviceHandler(registry *devices.Service, collector *metrics.Collector) *DeviceHandler {
	return &DeviceHandler{Registry: registry, Metrics: collector}
}

type registerRequest struct {
	Hostname string `json:"hostname"`
}

// Register POST /device/{productID}/{key}/register
//
// Binds the calling installation to the license. Calls repeated from the
// same origin return the previously issued installation id.
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "License not found")
		return
	}
	key := chi.URLParam(r, "key")

	var req registerRequest
	// Body is optional; an empty or invalid body falls back to a default name.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Hostname == "" {
		req.Hostname = "Unknown Device"
	}

	origin := middleware.ClientIP(r)

	res, err := h.Registry.Register(r.Context(), productID, key, origin, req.Hostname)
	if err != nil {
		switch {
		case errors.Is(err, data.ErrLicenseNotFound):
			h.Metrics.RecordRegistration("rejected")
			writeError(w, http.StatusNotFound, "License not found")
		case errors.Is(err, devices.ErrLicenseInactive):
			h.Metrics.RecordRegistration("rejected")
			writeError(w, http.StatusForbidden, "License is not active")
		case errors.Is(err, devices.ErrLicenseExpired):
			h.Metrics.RecordRegistration("rejected")
			writeError(w, http.StatusForbidden, "License has expired")
		case errors.Is(err, devices.ErrOriginBlacklisted):
			h.Metrics.RecordRegistration("rejected")
			writeError(w, http.StatusForbidden, "IP address is blacklisted")
		case errors.Is(err, devices.ErrDeviceLimitExceeded):
			h.Metrics.RecordRegistration("limit_exceeded")
			writeError(w, http.StatusForbidden, "Device limit reached")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	message := "Device registered successfully"
	if res.Created {
		h.Metrics.RecordRegistration("created")
	} else {
		h.Metrics.RecordRegistration("deduplicated")
		message = "Device already registered. Returning existing ID."
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"installation_id": res.Device.InstallationID,
		"device_id":       res.Device.ID,
		"message":         message,
	})
}
