package data

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
)

type Device struct {
	ID             int64
	LicenseID      int64
	InstallationID string
	Name           string
	IPAddress      string
	LastSeen       time.Time
	CreatedAt      time.Time
}

type DeviceModel struct {
	DB DBTX
}

const deviceColumns = `id, license_id, installation_id, name, ip_address, last_seen, created_at`

func (m DeviceModel) GetByInstallationID(ctx context.Context, licenseID int64, installationID string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE license_id = $1 AND installation_id = $2`
	var d Device
	err := m.DB.QueryRowContext(ctx, query, licenseID, installationID).Scan(
		&d.ID, &d.LicenseID, &d.InstallationID, &d.Name, &d.IPAddress, &d.LastSeen, &d.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return &d, nil
}

// GetByOrigin finds a device on the license by last-observed origin. This is
// the registration dedup lookup.
func (m DeviceModel) GetByOrigin(ctx context.Context, licenseID int64, origin string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE license_id = $1 AND ip_address = $2 ORDER BY id LIMIT 1`
	var d Device
	err := m.DB.QueryRowContext(ctx, query, licenseID, origin).Scan(
		&d.ID, &d.LicenseID, &d.InstallationID, &d.Name, &d.IPAddress, &d.LastSeen, &d.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (m DeviceModel) CountForLicense(ctx context.Context, licenseID int64) (int, error) {
	var count int
	err := m.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE license_id = $1`, licenseID).Scan(&count)
	return count, err
}

func (m DeviceModel) Create(ctx context.Context, d *Device) error {
	query := `
		INSERT INTO devices (license_id, installation_id, name, ip_address, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	return m.DB.QueryRowContext(ctx, query,
		d.LicenseID, d.InstallationID, d.Name, d.IPAddress, d.LastSeen,
	).Scan(&d.ID, &d.CreatedAt)
}

// Touch refreshes liveness fields on a successful check-in or a deduplicated
// registration.
func (m DeviceModel) Touch(ctx context.Context, id int64, name, origin string, seen time.Time) error {
	query := `
		UPDATE devices
		SET name = $1, ip_address = $2, last_seen = $3
		WHERE id = $4
	`
	res, err := m.DB.ExecContext(ctx, query, name, origin, seen, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (m DeviceModel) Delete(ctx context.Context, id, licenseID int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM devices WHERE id = $1 AND license_id = $2`, id, licenseID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (m DeviceModel) ListForLicense(ctx context.Context, licenseID int64) ([]*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE license_id = $1 ORDER BY created_at`
	rows, err := m.DB.QueryContext(ctx, query, licenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.LicenseID, &d.InstallationID, &d.Name, &d.IPAddress, &d.LastSeen, &d.CreatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, &d)
	}
	return devices, rows.Err()
}
