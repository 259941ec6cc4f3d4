package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"

	_ "github.com/lib/pq"

	"github.com/technosupport/ts-lms/internal/auth"
	"github.com/technosupport/ts-lms/internal/config"
	"github.com/technosupport/ts-lms/internal/data"
)

// Seeds an admin account plus a demo product with monthly, yearly and
// perpetual tariffs. Safe to re-run: existing rows are left alone.
func main() {
	username := flag.String("username", "admin", "Admin username")
	email := flag.String("email", "admin@example.com", "Admin email")
	password := flag.String("password", "adminpassword", "Admin password")
	balance := flag.Float64("balance", 1000, "Starting balance")
	flag.Parse()

	db, err := sql.Open("postgres", config.PostgresDSN())
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	users := data.UserModel{DB: db}
	products := data.ProductModel{DB: db}
	tariffs := data.TariffModel{DB: db}

	if _, err := users.GetByUsername(ctx, *username); err == nil {
		log.Printf("User %q already exists, skipping user seed.", *username)
	} else if errors.Is(err, data.ErrUserNotFound) {
		hash, err := auth.HashPassword(*password)
		if err != nil {
			log.Fatalf("Hash password failed: %v", err)
		}
		admin := &data.User{
			Username:     *username,
			Email:        *email,
			PasswordHash: hash,
			Balance:      *balance,
			IsAdmin:      true,
		}
		if err := users.Create(ctx, admin); err != nil {
			log.Fatalf("User insert failed: %v", err)
		}
		log.Printf("Created admin user %q (id %d).", *username, admin.ID)
	} else {
		log.Fatalf("User lookup failed: %v", err)
	}

	var productID int64
	err = db.QueryRowContext(ctx, "SELECT id FROM products WHERE name = $1", "Demo Product").Scan(&productID)
	if errors.Is(err, sql.ErrNoRows) {
		p := &data.Product{Name: "Demo Product", Description: "Seeded demo product", IsActive: true}
		if err := products.Create(ctx, p); err != nil {
			log.Fatalf("Product insert failed: %v", err)
		}
		productID = p.ID

		seedTariffs := []*data.Tariff{
			{ProductID: productID, Name: "Monthly", Price: 10, PeriodDays: 30, MaxDevices: 3, KeyPrefix: "DEMO", IsActive: true},
			{ProductID: productID, Name: "Yearly", Price: 100, PeriodDays: 365, MaxDevices: 5, KeyPrefix: "DEMO", IsActive: true},
			{ProductID: productID, Name: "Lifetime", Price: 300, PeriodDays: 0, MaxDevices: 10, KeyPrefix: "DEMO", IsActive: true},
		}
		for _, t := range seedTariffs {
			if err := tariffs.Create(ctx, t); err != nil {
				log.Fatalf("Tariff insert failed for %s: %v", t.Name, err)
			}
		}
		log.Printf("Created demo product (id %d) with %d tariffs.", productID, len(seedTariffs))
	} else if err != nil {
		log.Fatalf("Product lookup failed: %v", err)
	} else {
		log.Println("Demo product already exists, skipping product seed.")
	}

	fmt.Println("SUCCESS: database seeded.")
}
