// Package devices is the device registry: it admits new installations under
// the tariff device cap, deduplicates registrations by network origin, and
// tracks liveness.
package devices

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/technosupport/ts-lms/internal/data"
	"github.com/technosupport/ts-lms/internal/keygen"
)

type Notifier interface {
	Notify(ctx context.Context, userID int64, title, message string)
}

// RegisterResult reports the outcome of a registration call. Created is
// false when the call was deduplicated against an existing device.
type RegisterResult struct {
	Device  *data.Device
	Created bool
}

type Service struct {
	DB       *sql.DB
	Notifier Notifier
	Now      func() time.Time
}

func NewService(db *sql.DB, notifier Notifier) *Service {
	return &Service{DB: db, Notifier: notifier, Now: time.Now}
}

// Register binds a device to the license identified by (productID, key).
//
// Repeated calls from the same origin are idempotent: they refresh the
// existing device and return its installation id without re-checking the
// cap. Only a genuinely new origin counts against max_devices. The cap
// check and the insert share one transaction with the license row locked,
// so two near-simultaneous registrations cannot both pass the cap.
func (s *Service) Register(ctx context.Context, productID int64, key, origin, hostname string) (*RegisterResult, error) {
	now := s.Now().UTC()
	var res RegisterResult
	var ownerID int64
	var licName string

	err := data.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		repo := data.LicenseModel{DB: tx}
		devices := data.DeviceModel{DB: tx}
		tariffs := data.TariffModel{DB: tx}

		lic, err := repo.GetByProductKeyForUpdate(ctx, productID, key)
		if err != nil {
			return err
		}
		if !lic.IsActive {
			return ErrLicenseInactive
		}
		if lic.ValidUntil != nil && lic.ValidUntil.Before(now) {
			return ErrLicenseExpired
		}
		if lic.IsBlacklisted(origin) {
			return ErrOriginBlacklisted
		}

		existing, err := devices.GetByOrigin(ctx, lic.ID, origin)
		if err == nil {
			if err := devices.Touch(ctx, existing.ID, hostname, origin, now); err != nil {
				return err
			}
			existing.Name = hostname
			existing.LastSeen = now
			res = RegisterResult{Device: existing, Created: false}
			return nil
		}
		if err != data.ErrDeviceNotFound {
			return err
		}

		tariff, err := tariffs.GetByID(ctx, lic.TariffID)
		if err != nil {
			return err
		}
		count, err := devices.CountForLicense(ctx, lic.ID)
		if err != nil {
			return err
		}
		if count >= tariff.MaxDevices {
			return ErrDeviceLimitExceeded
		}

		d := &data.Device{
			LicenseID:      lic.ID,
			InstallationID: keygen.InstallationID(),
			Name:           hostname,
			IPAddress:      origin,
			LastSeen:       now,
		}
		err = data.WithSavepoint(ctx, tx, "device_insert", func() error {
			return devices.Create(ctx, d)
		})
		if err != nil {
			if !data.IsUniqueViolation(err) {
				return err
			}
			// Installation-id collision: regenerate once and retry.
			d.InstallationID = keygen.InstallationID()
			if err := devices.Create(ctx, d); err != nil {
				return err
			}
		}
		ownerID = lic.UserID
		licName = lic.Name
		res = RegisterResult{Device: d, Created: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Created {
		s.Notifier.Notify(ctx, ownerID, "New device",
			fmt.Sprintf("License %q has a new device\nIP: %s\nDevice name: %s", licName, origin, hostname))
	}
	return &res, nil
}

// Delete removes a device from one of the actor's licenses. Removal frees a
// slot under the device cap immediately.
func (s *Service) Delete(ctx context.Context, actorID, licenseID, deviceID int64) error {
	return data.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		repo := data.LicenseModel{DB: tx}
		devices := data.DeviceModel{DB: tx}

		lic, err := repo.GetByID(ctx, licenseID)
		if err != nil {
			return err
		}
		if lic.UserID != actorID {
			return ErrNotOwner
		}
		return devices.Delete(ctx, deviceID, lic.ID)
	})
}

// ListForLicense returns the device roster of one of the actor's licenses.
func (s *Service) ListForLicense(ctx context.Context, actorID, licenseID int64, admin bool) ([]*data.Device, error) {
	repo := data.LicenseModel{DB: s.DB}
	lic, err := repo.GetByID(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	if lic.UserID != actorID && !admin {
		return nil, ErrNotOwner
	}
	devices := data.DeviceModel{DB: s.DB}
	return devices.ListForLicense(ctx, lic.ID)
}
