// Package validation is the request-facing decision function: it combines
// license state, device binding, and the origin blacklist into a single
// accept/reject verdict for client check-ins.
package validation

import (
	"context"
	"database/sql"
	"time"

	"github.com/technosupport/ts-lms/internal/data"
)

// Reason classifies a rejection so clients can act differently on each
// (stop retrying vs. prompt renewal).
type Reason string

const (
	ReasonInactive    Reason = "license is not active"
	ReasonExpired     Reason = "license has expired"
	ReasonBlacklisted Reason = "ip address is blacklisted"
)

// Verdict is the outcome of a liveness check. On success it carries enough
// license and device state for the client to self-report status without a
// second call.
type Verdict struct {
	Valid  bool
	Reason Reason

	License        *data.License
	Tariff         *data.Tariff
	Device         *data.Device
	OwnerUsername  string
	CurrentDevices int
}

// Status is the stateless diagnostic snapshot of a license: no installation
// id required, no mutation performed.
type Status struct {
	License *data.License
	Product *data.Product
	Tariff  *data.Tariff
	Devices []*data.Device
	IsValid bool
}

type Service struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{DB: db, Now: time.Now}
}

// Check validates a registered device against the license identified by
// (productID, key). Not-found conditions surface as data.ErrLicenseNotFound
// and data.ErrDeviceNotFound; state rejections come back as an invalid
// Verdict with a reason. A passing check refreshes the device's last_seen
// and ip_address: origin drift is expected and never penalized.
func (s *Service) Check(ctx context.Context, productID int64, key, installationID, origin string) (*Verdict, error) {
	now := s.Now().UTC()
	var v Verdict

	err := data.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		repo := data.LicenseModel{DB: tx}
		devices := data.DeviceModel{DB: tx}
		tariffs := data.TariffModel{DB: tx}
		users := data.UserModel{DB: tx}

		lic, err := repo.GetByProductKey(ctx, productID, key)
		if err != nil {
			return err
		}
		device, err := devices.GetByInstallationID(ctx, lic.ID, installationID)
		if err != nil {
			return err
		}

		if !lic.IsActive {
			v = Verdict{Valid: false, Reason: ReasonInactive, License: lic}
			return nil
		}
		if lic.ValidUntil != nil && lic.ValidUntil.Before(now) {
			v = Verdict{Valid: false, Reason: ReasonExpired, License: lic}
			return nil
		}
		if lic.IsBlacklisted(origin) {
			v = Verdict{Valid: false, Reason: ReasonBlacklisted, License: lic}
			return nil
		}

		if err := devices.Touch(ctx, device.ID, device.Name, origin, now); err != nil {
			return err
		}
		device.IPAddress = origin
		device.LastSeen = now

		tariff, err := tariffs.GetByID(ctx, lic.TariffID)
		if err != nil {
			return err
		}
		count, err := devices.CountForLicense(ctx, lic.ID)
		if err != nil {
			return err
		}
		owner, err := users.GetByID(ctx, lic.UserID)
		if err != nil {
			return err
		}

		v = Verdict{
			Valid:          true,
			License:        lic,
			Tariff:         tariff,
			Device:         device,
			OwnerUsername:  owner.Username,
			CurrentDevices: count,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetStatus returns the full license snapshot for diagnostic use.
func (s *Service) GetStatus(ctx context.Context, productID int64, key string) (*Status, error) {
	now := s.Now().UTC()

	repo := data.LicenseModel{DB: s.DB}
	lic, err := repo.GetByProductKey(ctx, productID, key)
	if err != nil {
		return nil, err
	}

	products := data.ProductModel{DB: s.DB}
	product, err := products.GetByID(ctx, lic.ProductID)
	if err != nil {
		return nil, err
	}
	tariffs := data.TariffModel{DB: s.DB}
	tariff, err := tariffs.GetByID(ctx, lic.TariffID)
	if err != nil {
		return nil, err
	}
	devices := data.DeviceModel{DB: s.DB}
	roster, err := devices.ListForLicense(ctx, lic.ID)
	if err != nil {
		return nil, err
	}

	return &Status{
		License: lic,
		Product: product,
		Tariff:  tariff,
		Devices: roster,
		IsValid: lic.IsValid(now),
	}, nil
}
