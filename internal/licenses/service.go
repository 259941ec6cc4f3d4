// Package licenses owns the license lifecycle: purchase, extension,
// re-keying, tariff changes, activation toggling, and blacklist edits.
// Every operation that checks a precondition against stored state and then
// writes (balance debit + license write, cap check + tariff change) runs in
// a single transaction; notifications are emitted after commit.
package licenses

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/technosupport/ts-lms/internal/data"
	"github.com/technosupport/ts-lms/internal/keygen"
)

var ipv4Pattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// Actor identifies the user performing an operation. Admin actors may read
// and re-key licenses they do not own.
type Actor struct {
	ID    int64
	Admin bool
}

type Notifier interface {
	Notify(ctx context.Context, userID int64, title, message string)
}

type Service struct {
	DB       *sql.DB
	Notifier Notifier
	Now      func() time.Time
}

func NewService(db *sql.DB, notifier Notifier) *Service {
	return &Service{DB: db, Notifier: notifier, Now: time.Now}
}

// Purchase debits the tariff price and creates the license atomically.
// A zero-period tariff yields a perpetual license (no expiry).
func (s *Service) Purchase(ctx context.Context, actor Actor, productID, tariffID int64, name string) (*data.License, error) {
	now := s.Now().UTC()
	var lic *data.License

	err := data.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		products := data.ProductModel{DB: tx}
		tariffs := data.TariffModel{DB: tx}
		users := data.UserModel{DB: tx}
		repo := data.LicenseModel{DB: tx}

		product, err := products.GetByID(ctx, productID)
		if err != nil {
			return err
		}
		tariff, err := tariffs.GetByID(ctx, tariffID)
		if err != nil {
			return err
		}
		if tariff.ProductID != product.ID {
			return ErrTariffMismatch
		}

		l := &data.License{
			ProductID: product.ID,
			TariffID:  tariff.ID,
			UserID:    actor.ID,
			Name:      name,
			IsActive:  true,
		}
		if tariff.PeriodDays > 0 {
			t := now.Add(time.Duration(tariff.PeriodDays) * 24 * time.Hour)
			l.ValidUntil = &t
		}

		l.Key = keygen.LicenseKey(tariff.KeyPrefix)
		if err := users.Charge(ctx, actor.ID, tariff.Price, fmt.Sprintf("License purchase %s", l.Key)); err != nil {
			if errors.Is(err, data.ErrInsufficientBalance) {
				return ErrInsufficientBalance
			}
			return err
		}
		err = data.WithSavepoint(ctx, tx, "license_insert", func() error {
			return repo.Create(ctx, l)
		})
		if err != nil {
			if !data.IsUniqueViolation(err) {
				return err
			}
			// Key collision: regenerate once and retry the insert.
			l.Key = keygen.LicenseKey(tariff.KeyPrefix)
			if err := repo.Create(ctx, l); err != nil {
				return err
			}
		}
		lic = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Notifier.Notify(ctx, actor.ID, "License created",
		fmt.Sprintf("License %q created successfully. Key: %s", name, lic.Key))
	return lic, nil
}

// Extend re-debits the tariff price and pushes out the expiry. The new term
// is anchored at the current expiry while the license is still in term, and
// at now once it has lapsed. tariffID 0 means the license's current tariff.
// Not idempotent: each call debits and extends again.
func (s *Service) Extend(ctx context.Context, actor Actor, licenseID, tariffID int64) (*data.License, error) {
	now := s.Now().UTC()
	var lic *data.License

	err := data.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		repo := data.LicenseModel{DB: tx}
		tariffs := data.TariffModel{DB: tx}
		users := data.UserModel{DB: tx}

		l, err := repo.GetByIDForUpdate(ctx, licenseID)
		if err != nil {
			return err
		}
		if l.UserID != actor.ID {
			return ErrNotOwner
		}

		if tariffID == 0 {
			tariffID = l.TariffID
		}
		tariff, err := tariffs.GetByID(ctx, tariffID)
		if err != nil {
			return err
		}
		if tariff.ProductID != l.ProductID {
			return ErrTariffMismatch
		}

		if err := users.Charge(ctx, actor.ID, tariff.Price, fmt.Sprintf("License extension %s", l.Key)); err != nil {
			if errors.Is(err, data.ErrInsufficientBalance) {
				return ErrInsufficientBalance
			}
			return err
		}
		if tariff.PeriodDays > 0 {
			l.AddTime(tariff.PeriodDays, now)
		}
		if err := repo.Update(ctx, l); err != nil {
			return err
		}
		lic = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Notifier.Notify(ctx, actor.ID, "License extended",
		fmt.Sprintf("License %q extended successfully", lic.Name))
	return lic, nil
}

// Rekey atomically replaces the license key, keeping the old prefix. The old
// key stops resolving the moment the transaction commits.
func (s *Service) Rekey(ctx context.Context, actor Actor, licenseID int64) (*data.License, error) {
	var lic *data.License
	var oldKey string

	err := data.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		repo := data.LicenseModel{DB: tx}

		l, err := repo.GetByIDForUpdate(ctx, licenseID)
		if err != nil {
			return err
		}
		if l.UserID != actor.ID && !actor.Admin {
			return ErrNotOwner
		}

		oldKey = l.Key
		l.Key = keygen.LicenseKey(keygen.KeyPrefix(oldKey))
		err = data.WithSavepoint(ctx, tx, "license_rekey", func() error {
			return repo.Update(ctx, l)
		})
		if err != nil {
			if !data.IsUniqueViolation(err) {
				return err
			}
			l.Key = keygen.LicenseKey(keygen.KeyPrefix(oldKey))
			if err := repo.Update(ctx, l); err != nil {
				return err
			}
		}
		lic = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Notifier.Notify(ctx, lic.UserID, "License key reset",
		fmt.Sprintf("The key of license %q was reset. Old key: %s, new key: %s", lic.Name, oldKey, lic.Key))
	return lic, nil
}

// ChangeTariff switches the license to another tariff of the same product.
// Only a positive price delta is charged; downgrades are not refunded. The
// change is refused when the new cap is below the current device count.
func (s *Service) ChangeTariff(ctx context.Context, actor Actor, licenseID, newTariffID int64) (*data.License, error) {
	now := s.Now().UTC()
	var lic *data.License
	var oldName, newName string

	err := data.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		repo := data.LicenseModel{DB: tx}
		tariffs := data.TariffModel{DB: tx}
		devices := data.DeviceModel{DB: tx}
		users := data.UserModel{DB: tx}

		l, err := repo.GetByIDForUpdate(ctx, licenseID)
		if err != nil {
			return err
		}
		if l.UserID != actor.ID {
			return ErrNotOwner
		}

		oldTariff, err := tariffs.GetByID(ctx, l.TariffID)
		if err != nil {
			return err
		}
		newTariff, err := tariffs.GetByID(ctx, newTariffID)
		if err != nil {
			return err
		}
		if newTariff.ProductID != l.ProductID {
			return ErrTariffMismatch
		}

		count, err := devices.CountForLicense(ctx, l.ID)
		if err != nil {
			return err
		}
		if newTariff.MaxDevices < count {
			return ErrDeviceCapViolation
		}

		if delta := newTariff.Price - oldTariff.Price; delta > 0 {
			if err := users.Charge(ctx, actor.ID, delta, fmt.Sprintf("Tariff change %s", l.Key)); err != nil {
				if errors.Is(err, data.ErrInsufficientBalance) {
					return ErrInsufficientBalance
				}
				return err
			}
		}

		l.TariffID = newTariff.ID
		if newTariff.PeriodDays > 0 {
			l.AddTime(newTariff.PeriodDays, now)
		} else {
			l.ValidUntil = nil
		}
		if err := repo.Update(ctx, l); err != nil {
			return err
		}
		lic = l
		oldName, newName = oldTariff.Name, newTariff.Name
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Notifier.Notify(ctx, actor.ID, "License tariff changed",
		fmt.Sprintf("Tariff of license %q changed from %q to %q", lic.Name, oldName, newName))
	return lic, nil
}

// ToggleActive flips is_active. The new state applies to the very next
// validation check, with no grace period.
func (s *Service) ToggleActive(ctx context.Context, actor Actor, licenseID int64) (*data.License, error) {
	var lic *data.License
	err := data.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		repo := data.LicenseModel{DB: tx}
		l, err := repo.GetByIDForUpdate(ctx, licenseID)
		if err != nil {
			return err
		}
		if l.UserID != actor.ID {
			return ErrNotOwner
		}
		l.IsActive = !l.IsActive
		if err := repo.Update(ctx, l); err != nil {
			return err
		}
		lic = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lic, nil
}

// Rename updates the display name.
func (s *Service) Rename(ctx context.Context, actor Actor, licenseID int64, name string) (*data.License, error) {
	var lic *data.License
	err := data.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		repo := data.LicenseModel{DB: tx}
		l, err := repo.GetByIDForUpdate(ctx, licenseID)
		if err != nil {
			return err
		}
		if l.UserID != actor.ID {
			return ErrNotOwner
		}
		l.Name = name
		if err := repo.Update(ctx, l); err != nil {
			return err
		}
		lic = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lic, nil
}

// AddBlacklistedIP adds an origin to the license blacklist. Adding an origin
// that is already present is a no-op, not an error.
func (s *Service) AddBlacklistedIP(ctx context.Context, actor Actor, licenseID int64, ip string) (*data.License, error) {
	if !ipv4Pattern.MatchString(ip) {
		return nil, ErrInvalidIP
	}
	return s.editBlacklist(ctx, actor, licenseID, func(l *data.License) {
		l.AddBlacklistedIP(ip)
	})
}

// RemoveBlacklistedIP removes an origin; removing an absent one is a no-op.
func (s *Service) RemoveBlacklistedIP(ctx context.Context, actor Actor, licenseID int64, ip string) (*data.License, error) {
	return s.editBlacklist(ctx, actor, licenseID, func(l *data.License) {
		l.RemoveBlacklistedIP(ip)
	})
}

func (s *Service) editBlacklist(ctx context.Context, actor Actor, licenseID int64, edit func(*data.License)) (*data.License, error) {
	var lic *data.License
	err := data.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		repo := data.LicenseModel{DB: tx}
		l, err := repo.GetByIDForUpdate(ctx, licenseID)
		if err != nil {
			return err
		}
		if l.UserID != actor.ID {
			return ErrNotOwner
		}
		edit(l)
		if err := repo.Update(ctx, l); err != nil {
			return err
		}
		lic = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lic, nil
}

// Get returns a license with ownership enforced (admins may read any).
func (s *Service) Get(ctx context.Context, actor Actor, licenseID int64) (*data.License, error) {
	repo := data.LicenseModel{DB: s.DB}
	l, err := repo.GetByID(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	if l.UserID != actor.ID && !actor.Admin {
		return nil, ErrNotOwner
	}
	return l, nil
}

// List returns the actor's licenses.
func (s *Service) List(ctx context.Context, actor Actor) ([]*data.License, error) {
	repo := data.LicenseModel{DB: s.DB}
	return repo.ListForUser(ctx, actor.ID)
}
