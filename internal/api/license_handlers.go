package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-lms/internal/data"
	"github.com/technosupport/ts-lms/internal/metrics"
	"github.com/technosupport/ts-lms/internal/middleware"
	"github.com/technosupport/ts-lms/internal/validation"
)

type LicenseHandler struct {
	Gateway *validation.Service
	Metrics *metrics.Collector
}

func NewLicenseHandler(gateway *validation.Service, collector *metrics.Collector) *LicenseHandler {
	return &LicenseHandler{Gateway: gateway, Metrics: collector}
}

type checkRequest struct {
	InstallationID string `json:"installation_id"`
}

// Check POST /license/{productID}/{key}
//
// The periodic liveness check. A registered device proves possession of the
// key and its installation id; a passing check refreshes last_seen and the
// observed origin.
func (h *LicenseHandler) Check(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "License not found")
		return
	}
	key := chi.URLParam(r, "key")

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InstallationID == "" {
		writeError(w, http.StatusBadRequest, "installation_id is required")
		return
	}

	origin := middleware.ClientIP(r)

	verdict, err := h.Gateway.Check(r.Context(), productID, key, req.InstallationID, origin)
	if err != nil {
		switch {
		case errors.Is(err, data.ErrLicenseNotFound):
			h.Metrics.RecordCheck("not_found")
			writeError(w, http.StatusNotFound, "License not found")
		case errors.Is(err, data.ErrDeviceNotFound):
			h.Metrics.RecordCheck("not_found")
			writeError(w, http.StatusNotFound, "Device not found")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	if !verdict.Valid {
		h.Metrics.RecordCheck(checkLabel(verdict.Reason))
		writeJSON(w, http.StatusForbidden, map[string]any{
			"valid": false,
			"error": string(verdict.Reason),
		})
		return
	}

	h.Metrics.RecordCheck("valid")
	writeJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"license": map[string]any{
			"name":            verdict.License.Name,
			"product_id":      verdict.License.ProductID,
			"valid_until":     wireTimePtr(verdict.License.ValidUntil),
			"max_devices":     verdict.Tariff.MaxDevices,
			"current_devices": verdict.CurrentDevices,
			"owner":           verdict.OwnerUsername,
		},
		"device": map[string]any{
			"id":        verdict.Device.ID,
			"name":      verdict.Device.Name,
			"last_seen": wireTime(verdict.Device.LastSeen),
		},
	})
}

// Status GET /license/{productID}/{key}/status
//
// Diagnostic snapshot: license, tariff, and the full device roster. No
// installation id required and nothing is mutated.
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "License not found")
		return
	}
	key := chi.URLParam(r, "key")

	status, err := h.Gateway.GetStatus(r.Context(), productID, key)
	if err != nil {
		if errors.Is(err, data.ErrLicenseNotFound) {
			writeError(w, http.StatusNotFound, "License not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	deviceList := make([]map[string]any, 0, len(status.Devices))
	for _, d := range status.Devices {
		deviceList = append(deviceList, map[string]any{
			"id":              d.ID,
			"name":            d.Name,
			"installation_id": d.InstallationID,
			"ip_address":      d.IPAddress,
			"last_seen":       wireTime(d.LastSeen),
			"created_at":      wireTime(d.CreatedAt),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"license": map[string]any{
			"key":         status.License.Key,
			"name":        status.License.Name,
			"is_active":   status.License.IsActive,
			"valid_until": wireTimePtr(status.License.ValidUntil),
			"created_at":  wireTime(status.License.CreatedAt),
			"product":     status.Product.Name,
		},
		"tariff": map[string]any{
			"name":        status.Tariff.Name,
			"max_devices": status.Tariff.MaxDevices,
			"period_days": status.Tariff.PeriodDays,
		},
		"devices":      deviceList,
		"device_count": len(status.Devices),
		"is_valid":     status.IsValid,
	})
}

func checkLabel(reason validation.Reason) string {
	switch reason {
	case validation.ReasonInactive:
		return "inactive"
	case validation.ReasonExpired:
		return "expired"
	case validation.ReasonBlacklisted:
		return "blacklisted"
	}
	return "invalid"
}
