package data

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

var (
	ErrLicenseNotFound = errors.New("license not found")
)

type License struct {
	ID             int64
	Key            string
	ProductID      int64
	TariffID       int64
	UserID         int64
	Name           string
	IsActive       bool
	ValidUntil     *time.Time // nil = perpetual
	BlacklistedIPs string     // CSV list of origins
	CreatedAt      time.Time
}

// IsValid reports whether the license passes the state check at instant now.
// Inactive always loses; a nil ValidUntil never expires.
func (l *License) IsValid(now time.Time) bool {
	if !l.IsActive {
		return false
	}
	if l.ValidUntil != nil && l.ValidUntil.Before(now) {
		return false
	}
	return true
}

// AddTime extends ValidUntil by days, anchored at now when already expired or
// unset, otherwise at the existing expiry.
func (l *License) AddTime(days int, now time.Time) {
	d := time.Duration(days) * 24 * time.Hour
	if l.ValidUntil != nil && l.ValidUntil.After(now) {
		t := l.ValidUntil.Add(d)
		l.ValidUntil = &t
		return
	}
	t := now.Add(d)
	l.ValidUntil = &t
}

func (l *License) Blacklist() []string {
	if l.BlacklistedIPs == "" {
		return nil
	}
	var ips []string
	for _, ip := range strings.Split(l.BlacklistedIPs, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func (l *License) IsBlacklisted(origin string) bool {
	for _, ip := range l.Blacklist() {
		if ip == origin {
			return true
		}
	}
	return false
}

// AddBlacklistedIP has set semantics: adding a present origin is a no-op.
func (l *License) AddBlacklistedIP(origin string) {
	if l.IsBlacklisted(origin) {
		return
	}
	ips := append(l.Blacklist(), origin)
	l.BlacklistedIPs = strings.Join(ips, ",")
}

// RemoveBlacklistedIP has set semantics: removing an absent origin is a no-op.
func (l *License) RemoveBlacklistedIP(origin string) {
	ips := l.Blacklist()
	kept := ips[:0]
	for _, ip := range ips {
		if ip != origin {
			kept = append(kept, ip)
		}
	}
	l.BlacklistedIPs = strings.Join(kept, ",")
}

type LicenseModel struct {
	DB DBTX
}

const licenseColumns = `id, key, product_id, tariff_id, user_id, name, is_active, valid_until, blacklisted_ips, created_at`

func scanLicense(row interface{ Scan(...any) error }) (*License, error) {
	var l License
	var validUntil sql.NullTime
	err := row.Scan(
		&l.ID, &l.Key, &l.ProductID, &l.TariffID, &l.UserID, &l.Name, &l.IsActive, &validUntil, &l.BlacklistedIPs, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if validUntil.Valid {
		t := validUntil.Time
		l.ValidUntil = &t
	}
	return &l, nil
}

func (m LicenseModel) GetByID(ctx context.Context, id int64) (*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE id = $1`
	l, err := scanLicense(m.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrLicenseNotFound
	}
	return l, err
}

// GetByIDForUpdate locks the license row for the duration of the enclosing
// transaction. Lifecycle mutations go through this to serialize concurrent
// extend/re-key/tariff-change calls per license.
func (m LicenseModel) GetByIDForUpdate(ctx context.Context, id int64) (*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE id = $1 FOR UPDATE`
	l, err := scanLicense(m.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrLicenseNotFound
	}
	return l, err
}

func (m LicenseModel) GetByProductKey(ctx context.Context, productID int64, key string) (*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE product_id = $1 AND key = $2`
	l, err := scanLicense(m.DB.QueryRowContext(ctx, query, productID, key))
	if err == sql.ErrNoRows {
		return nil, ErrLicenseNotFound
	}
	return l, err
}

// GetByProductKeyForUpdate locks the license row; used by device registration
// so that concurrent registrations against one license serialize on the cap
// check.
func (m LicenseModel) GetByProductKeyForUpdate(ctx context.Context, productID int64, key string) (*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE product_id = $1 AND key = $2 FOR UPDATE`
	l, err := scanLicense(m.DB.QueryRowContext(ctx, query, productID, key))
	if err == sql.ErrNoRows {
		return nil, ErrLicenseNotFound
	}
	return l, err
}

func (m LicenseModel) Create(ctx context.Context, l *License) error {
	query := `
		INSERT INTO licenses (key, product_id, tariff_id, user_id, name, is_active, valid_until, blacklisted_ips)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	var validUntil sql.NullTime
	if l.ValidUntil != nil {
		validUntil = sql.NullTime{Time: *l.ValidUntil, Valid: true}
	}
	return m.DB.QueryRowContext(ctx, query,
		l.Key, l.ProductID, l.TariffID, l.UserID, l.Name, l.IsActive, validUntil, l.BlacklistedIPs,
	).Scan(&l.ID, &l.CreatedAt)
}

func (m LicenseModel) Update(ctx context.Context, l *License) error {
	query := `
		UPDATE licenses
		SET key = $1, tariff_id = $2, name = $3, is_active = $4, valid_until = $5, blacklisted_ips = $6
		WHERE id = $7
	`
	var validUntil sql.NullTime
	if l.ValidUntil != nil {
		validUntil = sql.NullTime{Time: *l.ValidUntil, Valid: true}
	}
	res, err := m.DB.ExecContext(ctx, query,
		l.Key, l.TariffID, l.Name, l.IsActive, validUntil, l.BlacklistedIPs, l.ID,
	)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrLicenseNotFound
	}
	return nil
}

func (m LicenseModel) ListForUser(ctx context.Context, userID int64) ([]*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := m.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var licenses []*License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, l)
	}
	return licenses, rows.Err()
}
