package validation_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-lms/internal/data"
	"github.com/technosupport/ts-lms/internal/validation"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const installationID = "aabbccddeeff00112233445566778899"

func newTestService(t *testing.T) (*validation.Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc := validation.NewService(db)
	svc.Now = func() time.Time { return testNow }
	return svc, mock
}

func licenseRows(active bool, validUntil *time.Time, blacklist string) *sqlmock.Rows {
	var vu interface{}
	if validUntil != nil {
		vu = *validUntil
	}
	return sqlmock.NewRows([]string{"id", "key", "product_id", "tariff_id", "user_id", "name", "is_active", "valid_until", "blacklisted_ips", "created_at"}).
		AddRow(5, "TEST-AAAAAAAAAAAAAAAAAAAA", 1, 2, 7, "My License", active, vu, blacklist, testNow)
}

func deviceRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "license_id", "installation_id", "name", "ip_address", "last_seen", "created_at"}).
		AddRow(11, 5, installationID, "office-pc", "192.168.1.50", testNow.Add(-time.Hour), testNow.Add(-24*time.Hour))
}

func expectLookups(mock sqlmock.Sqlmock, lic *sqlmock.Rows) {
	mock.ExpectQuery("SELECT (.+) FROM licenses WHERE product_id").
		WithArgs(int64(1), "TEST-AAAAAAAAAAAAAAAAAAAA").
		WillReturnRows(lic)
	mock.ExpectQuery("SELECT (.+) FROM devices WHERE license_id = (.+) AND installation_id").
		WithArgs(int64(5), installationID).
		WillReturnRows(deviceRows())
}

func TestCheckValid(t *testing.T) {
	svc, mock := newTestService(t)
	expiry := testNow.Add(10 * 24 * time.Hour)

	mock.ExpectBegin()
	expectLookups(mock, licenseRows(true, &expiry, ""))
	mock.ExpectExec("UPDATE devices").
		WithArgs("office-pc", "10.1.2.3", testNow, int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, product_id, name").WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "product_id", "name", "description", "price", "period_days", "max_devices", "key_prefix", "is_active"}).
			AddRow(2, 1, "Monthly", "", 10.0, 30, 3, "TEST", true))
	mock.ExpectQuery("SELECT COUNT").WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT id, username, email").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "balance", "is_admin", "created_at"}).
			AddRow(7, "alice", "alice@example.com", "x", 50.0, false, testNow))
	mock.ExpectCommit()

	v, err := svc.Check(context.Background(), 1, "TEST-AAAAAAAAAAAAAAAAAAAA", installationID, "10.1.2.3")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "alice", v.OwnerUsername)
	assert.Equal(t, 2, v.CurrentDevices)
	assert.Equal(t, "10.1.2.3", v.Device.IPAddress, "origin drift updates the stored address")
	assert.Equal(t, testNow, v.Device.LastSeen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckInactive(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectBegin()
	expectLookups(mock, licenseRows(false, nil, ""))
	mock.ExpectCommit()

	v, err := svc.Check(context.Background(), 1, "TEST-AAAAAAAAAAAAAAAAAAAA", installationID, "10.1.2.3")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, validation.ReasonInactive, v.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckExpired(t *testing.T) {
	svc, mock := newTestService(t)
	expired := testNow.Add(-time.Minute)

	mock.ExpectBegin()
	expectLookups(mock, licenseRows(true, &expired, ""))
	mock.ExpectCommit()

	v, err := svc.Check(context.Background(), 1, "TEST-AAAAAAAAAAAAAAAAAAAA", installationID, "10.1.2.3")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, validation.ReasonExpired, v.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckInactiveBeatsExpired(t *testing.T) {
	svc, mock := newTestService(t)
	expired := testNow.Add(-time.Minute)

	// A license that is both inactive and expired reports inactive.
	mock.ExpectBegin()
	expectLookups(mock, licenseRows(false, &expired, ""))
	mock.ExpectCommit()

	v, err := svc.Check(context.Background(), 1, "TEST-AAAAAAAAAAAAAAAAAAAA", installationID, "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, validation.ReasonInactive, v.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckBlacklistedOrigin(t *testing.T) {
	svc, mock := newTestService(t)

	// No Touch expected: a rejected check must not refresh liveness.
	mock.ExpectBegin()
	expectLookups(mock, licenseRows(true, nil, "10.1.2.3"))
	mock.ExpectCommit()

	v, err := svc.Check(context.Background(), 1, "TEST-AAAAAAAAAAAAAAAAAAAA", installationID, "10.1.2.3")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, validation.ReasonBlacklisted, v.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckPerpetualLicense(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectBegin()
	expectLookups(mock, licenseRows(true, nil, ""))
	mock.ExpectExec("UPDATE devices").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, product_id, name").WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "product_id", "name", "description", "price", "period_days", "max_devices", "key_prefix", "is_active"}).
			AddRow(2, 1, "Lifetime", "", 300.0, 0, 10, "TEST", true))
	mock.ExpectQuery("SELECT COUNT").WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT id, username, email").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "balance", "is_admin", "created_at"}).
			AddRow(7, "alice", "alice@example.com", "x", 50.0, false, testNow))
	mock.ExpectCommit()

	v, err := svc.Check(context.Background(), 1, "TEST-AAAAAAAAAAAAAAAAAAAA", installationID, "10.1.2.3")
	require.NoError(t, err)
	assert.True(t, v.Valid, "a license without an expiry never expires")
	assert.Nil(t, v.License.ValidUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckUnknownDevice(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM licenses WHERE product_id").
		WithArgs(int64(1), "TEST-AAAAAAAAAAAAAAAAAAAA").
		WillReturnRows(licenseRows(true, nil, ""))
	mock.ExpectQuery("SELECT (.+) FROM devices WHERE license_id = (.+) AND installation_id").
		WithArgs(int64(5), "ffffffffffffffffffffffffffffffff").
		WillReturnRows(sqlmock.NewRows([]string{"id", "license_id", "installation_id", "name", "ip_address", "last_seen", "created_at"}))
	mock.ExpectRollback()

	_, err := svc.Check(context.Background(), 1, "TEST-AAAAAAAAAAAAAAAAAAAA", "ffffffffffffffffffffffffffffffff", "10.1.2.3")
	assert.ErrorIs(t, err, data.ErrDeviceNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStatus(t *testing.T) {
	svc, mock := newTestService(t)
	expiry := testNow.Add(10 * 24 * time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM licenses WHERE product_id").
		WithArgs(int64(1), "TEST-AAAAAAAAAAAAAAAAAAAA").
		WillReturnRows(licenseRows(true, &expiry, ""))
	mock.ExpectQuery("SELECT id, name, description, is_active").WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "is_active", "created_at"}).
			AddRow(1, "Test Product", "", true, testNow))
	mock.ExpectQuery("SELECT id, product_id, name").WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "product_id", "name", "description", "price", "period_days", "max_devices", "key_prefix", "is_active"}).
			AddRow(2, 1, "Monthly", "", 10.0, 30, 3, "TEST", true))
	mock.ExpectQuery("SELECT (.+) FROM devices WHERE license_id").WithArgs(int64(5)).
		WillReturnRows(deviceRows())

	status, err := svc.GetStatus(context.Background(), 1, "TEST-AAAAAAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	assert.True(t, status.IsValid)
	assert.Equal(t, "Test Product", status.Product.Name)
	assert.Len(t, status.Devices, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStatusDeactivatedThenReactivated(t *testing.T) {
	svc, mock := newTestService(t)

	// Deactivated
	mock.ExpectBegin()
	expectLookups(mock, licenseRows(false, nil, ""))
	mock.ExpectCommit()

	v, err := svc.Check(context.Background(), 1, "TEST-AAAAAAAAAAAAAAAAAAAA", installationID, "10.1.2.3")
	require.NoError(t, err)
	assert.False(t, v.Valid)

	// Reactivated: the very next check passes with no grace period.
	mock.ExpectBegin()
	expectLookups(mock, licenseRows(true, nil, ""))
	mock.ExpectExec("UPDATE devices").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, product_id, name").WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "product_id", "name", "description", "price", "period_days", "max_devices", "key_prefix", "is_active"}).
			AddRow(2, 1, "Monthly", "", 10.0, 30, 3, "TEST", true))
	mock.ExpectQuery("SELECT COUNT").WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT id, username, email").WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "balance", "is_admin", "created_at"}).
			AddRow(7, "alice", "alice@example.com", "x", 50.0, false, testNow))
	mock.ExpectCommit()

	v, err = svc.Check(context.Background(), 1, "TEST-AAAAAAAAAAAAAAAAAAAA", installationID, "10.1.2.3")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}
