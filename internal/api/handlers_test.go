package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-lms/internal/api"
	"github.com/technosupport/ts-lms/internal/devices"
	"github.com/technosupport/ts-lms/internal/metrics"
	"github.com/technosupport/ts-lms/internal/validation"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	testKey        = "TEST-AAAAAAAAAAAAAAAAAAAA"
	installationID = "aabbccddeeff00112233445566778899"
)

func newRouter(t *testing.T) (chi.Router, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	collector := metrics.NewCollector()

	deviceService := devices.NewService(db, nopNotifier{})
	deviceService.Now = func() time.Time { return testNow }
	validationService := validation.NewService(db)
	validationService.Now = func() time.Time { return testNow }

	deviceHandler := api.NewDeviceHandler(deviceService, collector)
	licenseHandler := api.NewLicenseHandler(validationService, collector)

	r := chi.NewRouter()
	r.Post("/device/{productID}/{key}/register", deviceHandler.Register)
	r.Post("/license/{productID}/{key}", licenseHandler.Check)
	r.Get("/license/{productID}/{key}/status", licenseHandler.Status)
	return r, mock
}

type nopNotifier struct{}

func (nopNotifier) Notify(_ context.Context, _ int64, _, _ string) {}

func licenseRows(active bool, validUntil *time.Time, blacklist string) *sqlmock.Rows {
	var vu interface{}
	if validUntil != nil {
		vu = *validUntil
	}
	return sqlmock.NewRows([]string{"id", "key", "product_id", "tariff_id", "user_id", "name", "is_active", "valid_until", "blacklisted_ips", "created_at"}).
		AddRow(5, testKey, 1, 2, 7, "My License", active, vu, blacklist, testNow)
}

func noLicenseRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "key", "product_id", "tariff_id", "user_id", "name", "is_active", "valid_until", "blacklisted_ips", "created_at"})
}

func tariffRows(maxDevices int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "product_id", "name", "description", "price", "period_days", "max_devices", "key_prefix", "is_active"}).
		AddRow(2, 1, "Monthly", "", 10.0, 30, maxDevices, "TEST", true)
}

func doJSON(t *testing.T, r chi.Router, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.RemoteAddr = "192.168.1.50:51234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterEndpointCreates(t *testing.T) {
	r, mock := newRouter(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM licenses WHERE product_id").
		WithArgs(int64(1), testKey).WillReturnRows(licenseRows(true, nil, ""))
	mock.ExpectQuery("SELECT (.+) FROM devices WHERE license_id = (.+) AND ip_address").
		WillReturnRows(sqlmock.NewRows([]string{"id", "license_id", "installation_id", "name", "ip_address", "last_seen", "created_at"}))
	mock.ExpectQuery("SELECT id, product_id, name").WillReturnRows(tariffRows(3))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("^SAVEPOINT device_insert").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("INSERT INTO devices").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(11), testNow))
	mock.ExpectExec("^RELEASE SAVEPOINT device_insert").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	w := doJSON(t, r, "POST", "/device/1/"+testKey+"/register", map[string]string{"hostname": "office-pc"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		InstallationID string `json:"installation_id"`
		DeviceID       int64  `json:"device_id"`
		Message        string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Len(t, resp.InstallationID, 32)
	assert.Equal(t, int64(11), resp.DeviceID)
	assert.Equal(t, "Device registered successfully", resp.Message)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterEndpointDedup(t *testing.T) {
	r, mock := newRouter(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM licenses WHERE product_id").
		WithArgs(int64(1), testKey).WillReturnRows(licenseRows(true, nil, ""))
	mock.ExpectQuery("SELECT (.+) FROM devices WHERE license_id = (.+) AND ip_address").
		WillReturnRows(sqlmock.NewRows([]string{"id", "license_id", "installation_id", "name", "ip_address", "last_seen", "created_at"}).
			AddRow(11, 5, installationID, "office-pc", "192.168.1.50", testNow.Add(-time.Hour), testNow.Add(-time.Hour)))
	mock.ExpectExec("UPDATE devices").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := doJSON(t, r, "POST", "/device/1/"+testKey+"/register", map[string]string{"hostname": "office-pc"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		InstallationID string `json:"installation_id"`
		Message        string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, installationID, resp.InstallationID)
	assert.Equal(t, "Device already registered. Returning existing ID.", resp.Message)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterEndpointLimitExceeded(t *testing.T) {
	r, mock := newRouter(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM licenses WHERE product_id").
		WithArgs(int64(1), testKey).WillReturnRows(licenseRows(true, nil, ""))
	mock.ExpectQuery("SELECT (.+) FROM devices WHERE license_id = (.+) AND ip_address").
		WillReturnRows(sqlmock.NewRows([]string{"id", "license_id", "installation_id", "name", "ip_address", "last_seen", "created_at"}))
	mock.ExpectQuery("SELECT id, product_id, name").WillReturnRows(tariffRows(3))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	w := doJSON(t, r, "POST", "/device/1/"+testKey+"/register", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "Device limit reached", resp["error"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterEndpointUnknownLicense(t *testing.T) {
	r, mock := newRouter(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM licenses WHERE product_id").
		WithArgs(int64(1), testKey).WillReturnRows(noLicenseRows())
	mock.ExpectRollback()

	w := doJSON(t, r, "POST", "/device/1/"+testKey+"/register", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "License not found", resp["error"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckEndpointValid(t *testing.T) {
	r, mock := newRouter(t)
	expiry := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM licenses WHERE product_id").
		WithArgs(int64(1), testKey).WillReturnRows(licenseRows(true, &expiry, ""))
	mock.ExpectQuery("SELECT (.+) FROM devices WHERE license_id = (.+) AND installation_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "license_id", "installation_id", "name", "ip_address", "last_seen", "created_at"}).
			AddRow(11, 5, installationID, "office-pc", "192.168.1.50", testNow.Add(-time.Hour), testNow.Add(-time.Hour)))
	mock.ExpectExec("UPDATE devices").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, product_id, name").WillReturnRows(tariffRows(3))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT id, username, email").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "balance", "is_admin", "created_at"}).
			AddRow(7, "alice", "alice@example.com", "x", 50.0, false, testNow))
	mock.ExpectCommit()

	w := doJSON(t, r, "POST", "/license/1/"+testKey, map[string]string{"installation_id": installationID})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Valid   bool `json:"valid"`
		License struct {
			Name           string  `json:"name"`
			ValidUntil     *string `json:"valid_until"`
			MaxDevices     int     `json:"max_devices"`
			CurrentDevices int     `json:"current_devices"`
			Owner          string  `json:"owner"`
		} `json:"license"`
		Device struct {
			ID       int64  `json:"id"`
			LastSeen string `json:"last_seen"`
		} `json:"device"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Valid)
	assert.Equal(t, "My License", resp.License.Name)
	require.NotNil(t, resp.License.ValidUntil)
	assert.Equal(t, "2026-04-01T00:00:00", *resp.License.ValidUntil, "wire timestamps carry no timezone suffix")
	assert.Equal(t, 3, resp.License.MaxDevices)
	assert.Equal(t, 2, resp.License.CurrentDevices)
	assert.Equal(t, "alice", resp.License.Owner)
	assert.Equal(t, "2026-03-01T12:00:00", resp.Device.LastSeen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckEndpointRejectionShape(t *testing.T) {
	r, mock := newRouter(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM licenses WHERE product_id").
		WithArgs(int64(1), testKey).WillReturnRows(licenseRows(false, nil, ""))
	mock.ExpectQuery("SELECT (.+) FROM devices WHERE license_id = (.+) AND installation_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "license_id", "installation_id", "name", "ip_address", "last_seen", "created_at"}).
			AddRow(11, 5, installationID, "office-pc", "192.168.1.50", testNow.Add(-time.Hour), testNow.Add(-time.Hour)))
	mock.ExpectCommit()

	w := doJSON(t, r, "POST", "/license/1/"+testKey, map[string]string{"installation_id": installationID})
	require.Equal(t, http.StatusForbidden, w.Code)

	var resp struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Valid)
	assert.Equal(t, "license is not active", resp.Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckEndpointMissingInstallationID(t *testing.T) {
	r, _ := newRouter(t)

	w := doJSON(t, r, "POST", "/license/1/"+testKey, map[string]string{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "installation_id is required", resp["error"])
}

func TestStatusEndpoint(t *testing.T) {
	r, mock := newRouter(t)

	mock.ExpectQuery("SELECT (.+) FROM licenses WHERE product_id").
		WithArgs(int64(1), testKey).WillReturnRows(licenseRows(true, nil, ""))
	mock.ExpectQuery("SELECT id, name, description, is_active").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "is_active", "created_at"}).
			AddRow(1, "Test Product", "", true, testNow))
	mock.ExpectQuery("SELECT id, product_id, name").WillReturnRows(tariffRows(3))
	mock.ExpectQuery("SELECT (.+) FROM devices WHERE license_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "license_id", "installation_id", "name", "ip_address", "last_seen", "created_at"}).
			AddRow(11, 5, installationID, "office-pc", "192.168.1.50", testNow, testNow))

	w := doJSON(t, r, "GET", "/license/1/"+testKey+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		License struct {
			Key        string  `json:"key"`
			Product    string  `json:"product"`
			ValidUntil *string `json:"valid_until"`
		} `json:"license"`
		Tariff struct {
			MaxDevices int `json:"max_devices"`
		} `json:"tariff"`
		DeviceCount int  `json:"device_count"`
		IsValid     bool `json:"is_valid"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, testKey, resp.License.Key)
	assert.Equal(t, "Test Product", resp.License.Product)
	assert.Nil(t, resp.License.ValidUntil, "perpetual license serializes a null expiry")
	assert.Equal(t, 3, resp.Tariff.MaxDevices)
	assert.Equal(t, 1, resp.DeviceCount)
	assert.True(t, resp.IsValid)
	assert.NoError(t, mock.ExpectationsWereMet())
}
