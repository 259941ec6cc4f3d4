package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-lms/internal/data"
	"github.com/technosupport/ts-lms/internal/devices"
	"github.com/technosupport/ts-lms/internal/licenses"
	"github.com/technosupport/ts-lms/internal/middleware"
)

// AccountHandler serves the authenticated customer API under /api/v1.
type AccountHandler struct {
	DB       *sql.DB
	Licenses *licenses.Service
	Devices  *devices.Service
}

func NewAccountHandler(db *sql.DB, lic *licenses.Service, dev *devices.Service) *AccountHandler {
	return &AccountHandler{DB: db, Licenses: lic, Devices: dev}
}

func actorFrom(r *http.Request) (licenses.Actor, bool) {
	auth, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		return licenses.Actor{}, false
	}
	return licenses.Actor{ID: auth.UserID, Admin: auth.IsAdmin}, true
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

type licenseResponse struct {
	ID             int64    `json:"id"`
	Key            string   `json:"key"`
	Name           string   `json:"name"`
	ProductID      int64    `json:"product_id"`
	TariffID       int64    `json:"tariff_id"`
	IsActive       bool     `json:"is_active"`
	ValidUntil     *string  `json:"valid_until"`
	BlacklistedIPs []string `json:"blacklisted_ips"`
	CreatedAt      string   `json:"created_at"`
}

func renderLicense(l *data.License) licenseResponse {
	return licenseResponse{
		ID:             l.ID,
		Key:            l.Key,
		Name:           l.Name,
		ProductID:      l.ProductID,
		TariffID:       l.TariffID,
		IsActive:       l.IsActive,
		ValidUntil:     wireTimePtr(l.ValidUntil),
		BlacklistedIPs: l.Blacklist(),
		CreatedAt:      wireTime(l.CreatedAt),
	}
}

type deviceResponse struct {
	ID             int64  `json:"id"`
	InstallationID string `json:"installation_id"`
	Name           string `json:"name"`
	IPAddress      string `json:"ip_address"`
	LastSeen       string `json:"last_seen"`
	CreatedAt      string `json:"created_at"`
}

func renderDevice(d *data.Device) deviceResponse {
	return deviceResponse{
		ID:             d.ID,
		InstallationID: d.InstallationID,
		Name:           d.Name,
		IPAddress:      d.IPAddress,
		LastSeen:       wireTime(d.LastSeen),
		CreatedAt:      wireTime(d.CreatedAt),
	}
}

// serviceError maps license and device service errors onto HTTP statuses.
func serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, data.ErrLicenseNotFound),
		errors.Is(err, data.ErrProductNotFound),
		errors.Is(err, data.ErrTariffNotFound),
		errors.Is(err, data.ErrDeviceNotFound),
		errors.Is(err, data.ErrUserNotFound),
		errors.Is(err, data.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, licenses.ErrNotOwner), errors.Is(err, devices.ErrNotOwner):
		writeError(w, http.StatusForbidden, "Access denied")
	case errors.Is(err, licenses.ErrInsufficientBalance), errors.Is(err, data.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "Insufficient balance")
	case errors.Is(err, licenses.ErrDeviceCapViolation):
		writeError(w, http.StatusConflict, "New tariff allows fewer devices than are registered")
	case errors.Is(err, licenses.ErrTariffMismatch):
		writeError(w, http.StatusBadRequest, "Tariff does not belong to the product")
	case errors.Is(err, licenses.ErrInvalidIP):
		writeError(w, http.StatusBadRequest, "Invalid IP address")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Me GET /api/v1/me
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	users := data.UserModel{DB: h.DB}
	user, err := users.GetByID(r.Context(), actor.ID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"balance":  user.Balance,
		"is_admin": user.IsAdmin,
	})
}

// BalanceHistory GET /api/v1/balance/history
func (h *AccountHandler) BalanceHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	users := data.UserModel{DB: h.DB}
	entries, err := users.BalanceHistory(r.Context(), actor.ID, limit)
	if err != nil {
		serviceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"amount":        e.Amount,
			"description":   e.Description,
			"balance_after": e.BalanceAfter,
			"created_at":    wireTime(e.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

// ListProducts GET /api/v1/products
func (h *AccountHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products := data.ProductModel{DB: h.DB}
	list, err := products.ListActive(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, p := range list {
		out = append(out, map[string]any{
			"id":          p.ID,
			"name":        p.Name,
			"description": p.Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": out})
}

// ListTariffs GET /api/v1/products/{productID}/tariffs
func (h *AccountHandler) ListTariffs(w http.ResponseWriter, r *http.Request) {
	productID, err := pathID(r, "productID")
	if err != nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	tariffs := data.TariffModel{DB: h.DB}
	list, err := tariffs.ListForProduct(r.Context(), productID)
	if err != nil {
		serviceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, t := range list {
		out = append(out, map[string]any{
			"id":          t.ID,
			"name":        t.Name,
			"description": t.Description,
			"price":       t.Price,
			"period_days": t.PeriodDays,
			"max_devices": t.MaxDevices,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tariffs": out})
}

// ListLicenses GET /api/v1/licenses
func (h *AccountHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	list, err := h.Licenses.List(r.Context(), actor)
	if err != nil {
		serviceError(w, err)
		return
	}
	out := make([]licenseResponse, 0, len(list))
	for _, l := range list {
		out = append(out, renderLicense(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"licenses": out})
}

// GetLicense GET /api/v1/licenses/{licenseID}
func (h *AccountHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	licenseID, err := pathID(r, "licenseID")
	if err != nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	lic, err := h.Licenses.Get(r.Context(), actor, licenseID)
	if err != nil {
		serviceError(w, err)
		return
	}
	roster, err := h.Devices.ListForLicense(r.Context(), actor.ID, licenseID, actor.Admin)
	if err != nil {
		serviceError(w, err)
		return
	}
	devs := make([]deviceResponse, 0, len(roster))
	for _, d := range roster {
		devs = append(devs, renderDevice(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"license": renderLicense(lic),
		"devices": devs,
	})
}

type purchaseRequest struct {
	ProductID int64  `json:"product_id"`
	TariffID  int64  `json:"tariff_id"`
	Name      string `json:"name"`
}

// Purchase POST /api/v1/licenses
func (h *AccountHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	lic, err := h.Licenses.Purchase(r.Context(), actor, req.ProductID, req.TariffID, req.Name)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"license": renderLicense(lic)})
}

type extendRequest struct {
	TariffID int64 `json:"tariff_id"`
}

// Extend POST /api/v1/licenses/{licenseID}/extend
func (h *AccountHandler) Extend(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(actor licenses.Actor, licenseID int64) (*data.License, error) {
		var req extendRequest
		// tariff_id 0 re-buys the license's current tariff
		json.NewDecoder(r.Body).Decode(&req)
		return h.Licenses.Extend(r.Context(), actor, licenseID, req.TariffID)
	})
}

// Rekey POST /api/v1/licenses/{licenseID}/rekey
func (h *AccountHandler) Rekey(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(actor licenses.Actor, licenseID int64) (*data.License, error) {
		return h.Licenses.Rekey(r.Context(), actor, licenseID)
	})
}

// ChangeTariff POST /api/v1/licenses/{licenseID}/tariff
func (h *AccountHandler) ChangeTariff(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(actor licenses.Actor, licenseID int64) (*data.License, error) {
		var req extendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, licenses.ErrTariffMismatch
		}
		return h.Licenses.ChangeTariff(r.Context(), actor, licenseID, req.TariffID)
	})
}

// ToggleActive POST /api/v1/licenses/{licenseID}/toggle
func (h *AccountHandler) ToggleActive(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(actor licenses.Actor, licenseID int64) (*data.License, error) {
		return h.Licenses.ToggleActive(r.Context(), actor, licenseID)
	})
}

type renameRequest struct {
	Name string `json:"name"`
}

// Rename POST /api/v1/licenses/{licenseID}/rename
func (h *AccountHandler) Rename(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(actor licenses.Actor, licenseID int64) (*data.License, error) {
		var req renameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			return nil, errInvalidRequest
		}
		return h.Licenses.Rename(r.Context(), actor, licenseID, req.Name)
	})
}

type blacklistRequest struct {
	IP string `json:"ip"`
}

// AddBlacklistIP POST /api/v1/licenses/{licenseID}/blacklist
func (h *AccountHandler) AddBlacklistIP(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(actor licenses.Actor, licenseID int64) (*data.License, error) {
		var req blacklistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, licenses.ErrInvalidIP
		}
		return h.Licenses.AddBlacklistedIP(r.Context(), actor, licenseID, req.IP)
	})
}

// RemoveBlacklistIP DELETE /api/v1/licenses/{licenseID}/blacklist
func (h *AccountHandler) RemoveBlacklistIP(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(actor licenses.Actor, licenseID int64) (*data.License, error) {
		var req blacklistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, licenses.ErrInvalidIP
		}
		return h.Licenses.RemoveBlacklistedIP(r.Context(), actor, licenseID, req.IP)
	})
}

// DeleteDevice DELETE /api/v1/licenses/{licenseID}/devices/{deviceID}
func (h *AccountHandler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	licenseID, err := pathID(r, "licenseID")
	if err != nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	deviceID, err := pathID(r, "deviceID")
	if err != nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if err := h.Devices.Delete(r.Context(), actor.ID, licenseID, deviceID); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Device removed"})
}

// ListNotifications GET /api/v1/notifications
func (h *AccountHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	unreadOnly := r.URL.Query().Get("unread") == "true"
	repo := data.NotificationModel{DB: h.DB}
	list, err := repo.ListForUser(r.Context(), actor.ID, unreadOnly, 100)
	if err != nil {
		serviceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, n := range list {
		out = append(out, map[string]any{
			"id":         n.ID,
			"title":      n.Title,
			"message":    n.Message,
			"is_read":    n.IsRead,
			"created_at": wireTime(n.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

// MarkNotificationRead POST /api/v1/notifications/{notificationID}/read
func (h *AccountHandler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, err := pathID(r, "notificationID")
	if err != nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	repo := data.NotificationModel{DB: h.DB}
	if err := repo.MarkRead(r.Context(), id, actor.ID); err != nil {
		if errors.Is(err, data.ErrNotificationNotFound) {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Notification marked as read"})
}

var errInvalidRequest = errors.New("invalid request")

// mutate runs a license mutation and renders the updated license.
func (h *AccountHandler) mutate(w http.ResponseWriter, r *http.Request, fn func(licenses.Actor, int64) (*data.License, error)) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	licenseID, err := pathID(r, "licenseID")
	if err != nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	lic, err := fn(actor, licenseID)
	if err != nil {
		if errors.Is(err, errInvalidRequest) {
			writeError(w, http.StatusBadRequest, "Invalid request")
			return
		}
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"license": renderLicense(lic)})
}
