package data

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrTariffNotFound  = errors.New("tariff not found")
)

type Product struct {
	ID          int64
	Name        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
}

type Tariff struct {
	ID          int64
	ProductID   int64
	Name        string
	Description string
	Price       float64
	PeriodDays  int // 0 = perpetual
	MaxDevices  int
	KeyPrefix   string
	IsActive    bool
}

type ProductModel struct {
	DB DBTX
}

func (m ProductModel) GetByID(ctx context.Context, id int64) (*Product, error) {
	query := `
		SELECT id, name, description, is_active, created_at
		FROM products
		WHERE id = $1
	`
	var p Product
	err := m.DB.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.Description, &p.IsActive, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (m ProductModel) Create(ctx context.Context, p *Product) error {
	query := `
		INSERT INTO products (name, description, is_active)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	return m.DB.QueryRowContext(ctx, query, p.Name, p.Description, p.IsActive).Scan(&p.ID, &p.CreatedAt)
}

func (m ProductModel) ListActive(ctx context.Context) ([]*Product, error) {
	query := `
		SELECT id, name, description, is_active, created_at
		FROM products
		WHERE is_active = TRUE
		ORDER BY id
	`
	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, err
		}
		products = append(products, &p)
	}
	return products, rows.Err()
}

type TariffModel struct {
	DB DBTX
}

func (m TariffModel) GetByID(ctx context.Context, id int64) (*Tariff, error) {
	query := `
		SELECT id, product_id, name, description, price, period_days, max_devices, key_prefix, is_active
		FROM tariffs
		WHERE id = $1
	`
	var t Tariff
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.ProductID, &t.Name, &t.Description, &t.Price, &t.PeriodDays, &t.MaxDevices, &t.KeyPrefix, &t.IsActive,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTariffNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (m TariffModel) Create(ctx context.Context, t *Tariff) error {
	query := `
		INSERT INTO tariffs (product_id, name, description, price, period_days, max_devices, key_prefix, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	return m.DB.QueryRowContext(ctx, query,
		t.ProductID, t.Name, t.Description, t.Price, t.PeriodDays, t.MaxDevices, t.KeyPrefix, t.IsActive,
	).Scan(&t.ID)
}

func (m TariffModel) ListForProduct(ctx context.Context, productID int64) ([]*Tariff, error) {
	query := `
		SELECT id, product_id, name, description, price, period_days, max_devices, key_prefix, is_active
		FROM tariffs
		WHERE product_id = $1 AND is_active = TRUE
		ORDER BY price
	`
	rows, err := m.DB.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tariffs []*Tariff
	for rows.Next() {
		var t Tariff
		if err := rows.Scan(&t.ID, &t.ProductID, &t.Name, &t.Description, &t.Price, &t.PeriodDays, &t.MaxDevices, &t.KeyPrefix, &t.IsActive); err != nil {
			return nil, err
		}
		tariffs = append(tariffs, &t)
	}
	return tariffs, rows.Err()
}
