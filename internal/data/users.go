package data

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Balance      float64
	IsAdmin      bool
	CreatedAt    time.Time
}

type BalanceEntry struct {
	ID           int64
	UserID       int64
	Amount       float64
	Description  string
	BalanceAfter float64
	CreatedAt    time.Time
}

type UserModel struct {
	DB DBTX
}

func (m UserModel) GetByID(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT id, username, email, password_hash, balance, is_admin, created_at
		FROM users
		WHERE id = $1
	`
	var u User
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Balance, &u.IsAdmin, &u.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (m UserModel) GetByUsername(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT id, username, email, password_hash, balance, is_admin, created_at
		FROM users
		WHERE username = $1
	`
	var u User
	err := m.DB.QueryRowContext(ctx, query, username).Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Balance, &u.IsAdmin, &u.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// Create inserts a new user
func (m UserModel) Create(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (username, email, password_hash, balance, is_admin)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	return m.DB.QueryRowContext(ctx, query, u.Username, u.Email, u.PasswordHash, u.Balance, u.IsAdmin).Scan(
		&u.ID, &u.CreatedAt,
	)
}

// Charge debits amount from the user's balance and records a ledger entry
// with the resulting balance. The conditional UPDATE makes the affordability
// check race-free: a concurrent charge that would overdraw matches zero rows.
// Must run inside the same transaction as the state change it pays for.
func (m UserModel) Charge(ctx context.Context, userID int64, amount float64, description string) error {
	query := `
		UPDATE users
		SET balance = balance - $1
		WHERE id = $2 AND balance >= $1
		RETURNING balance
	`
	var after float64
	err := m.DB.QueryRowContext(ctx, query, amount, userID).Scan(&after)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrInsufficientBalance
		}
		return err
	}
	return m.recordEntry(ctx, userID, -amount, description, after)
}

// Deposit credits amount to the user's balance and records a ledger entry.
func (m UserModel) Deposit(ctx context.Context, userID int64, amount float64, description string) error {
	query := `
		UPDATE users
		SET balance = balance + $1
		WHERE id = $2
		RETURNING balance
	`
	var after float64
	err := m.DB.QueryRowContext(ctx, query, amount, userID).Scan(&after)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrUserNotFound
		}
		return err
	}
	return m.recordEntry(ctx, userID, amount, description, after)
}

func (m UserModel) recordEntry(ctx context.Context, userID int64, amount float64, description string, after float64) error {
	query := `
		INSERT INTO balance_history (user_id, amount, description, balance_after)
		VALUES ($1, $2, $3, $4)
	`
	_, err := m.DB.ExecContext(ctx, query, userID, amount, description, after)
	return err
}

// BalanceHistory retrieves ledger entries newest first
func (m UserModel) BalanceHistory(ctx context.Context, userID int64, limit int) ([]*BalanceEntry, error) {
	query := `
		SELECT id, user_id, amount, description, balance_after, created_at
		FROM balance_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := m.DB.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*BalanceEntry
	for rows.Next() {
		var e BalanceEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Description, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
