package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-lms/internal/api"
	"github.com/technosupport/ts-lms/internal/auth"
	"github.com/technosupport/ts-lms/internal/config"
	"github.com/technosupport/ts-lms/internal/data"
	"github.com/technosupport/ts-lms/internal/devices"
	"github.com/technosupport/ts-lms/internal/licenses"
	"github.com/technosupport/ts-lms/internal/metrics"
	"github.com/technosupport/ts-lms/internal/middleware"
	"github.com/technosupport/ts-lms/internal/notify"
	"github.com/technosupport/ts-lms/internal/ratelimit"
	"github.com/technosupport/ts-lms/internal/tokens"
	"github.com/technosupport/ts-lms/internal/validation"
)

const serviceName = "TS-LMS"

func main() {
	configPath := config.Env("CONFIG_PATH", "config/default.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	jwtKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtKey == "" {
		jwtKey = "dev-secret-do-not-use-in-prod"
	}
	redisAddr := config.Env("REDIS_ADDR", "localhost:6379")
	rateLimitSalt := config.Env("RATE_LIMIT_SALT", "stable-salt-val")

	db, err := sql.Open("postgres", config.PostgresDSN())
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})

	// NATS is optional: without a broker, notifications stay local.
	var nc *nats.Conn
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		nc, err = nats.Connect(natsURL, nats.Name(serviceName))
		if err != nil {
			log.Printf("Warning: NATS connect failed: %v. Live event mirroring disabled.", err)
		} else {
			defer nc.Close()
		}
	}

	tokenMgr := tokens.NewManager(jwtKey)
	blacklist := auth.NewRedisBlacklist(rdb)
	collector := metrics.NewCollector()

	hub := notify.NewHub()
	notifier := notify.NewService(data.NotificationModel{DB: db}, hub, nc, cfg.Notify.Subject)

	licenseService := licenses.NewService(db, notifier)
	deviceService := devices.NewService(db, notifier)
	validationService := validation.NewService(db)

	limiter := ratelimit.NewLimiter(rdb, rateLimitSalt)
	rlMiddleware := middleware.NewRateLimitMiddleware(limiter, collector, cfg.RateLimit)

	// Rate limit tiers follow the config file; edits apply without a restart.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go config.Watch(watchCtx, configPath, func(next *config.Config) {
		rlMiddleware.UpdateConfig(next.RateLimit)
		log.Printf("config reloaded from %s", configPath)
	})

	jwtMiddleware := middleware.NewJWTAuth(tokenMgr, blacklist)

	deviceHandler := api.NewDeviceHandler(deviceService, collector)
	licenseHandler := api.NewLicenseHandler(validationService, collector)
	authHandler := &api.AuthHandler{DB: db, Tokens: tokenMgr, Blacklist: blacklist}
	accountHandler := api.NewAccountHandler(db, licenseService, deviceService)
	wsHandler := api.NewNotificationWsHandler(tokenMgr, hub)

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORS)
	r.Use(middleware.Metrics(collector))

	// The limiter reads the matched chi route pattern, so it attaches at
	// group level rather than on the root router.
	r.Group(func(r chi.Router) {
		r.Use(rlMiddleware.Limit)

		// Client-facing validation endpoints. No auth: the license key is
		// the credential.
		r.Post("/device/{productID}/{key}/register", deviceHandler.Register)
		r.Post("/license/{productID}/{key}", licenseHandler.Check)
		r.Get("/license/{productID}/{key}/status", licenseHandler.Status)
	})

	r.Handle("/metrics", collector.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rlMiddleware.Limit)
		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/refresh", authHandler.Refresh)
		r.Post("/auth/logout", authHandler.Logout)

		r.Get("/notifications/ws", wsHandler.ServeWS)

		r.Group(func(r chi.Router) {
			r.Use(jwtMiddleware.Middleware)

			r.Get("/me", accountHandler.Me)
			r.Get("/balance/history", accountHandler.BalanceHistory)

			r.Get("/products", accountHandler.ListProducts)
			r.Get("/products/{productID}/tariffs", accountHandler.ListTariffs)

			r.Get("/licenses", accountHandler.ListLicenses)
			r.Post("/licenses", accountHandler.Purchase)
			r.Get("/licenses/{licenseID}", accountHandler.GetLicense)
			r.Post("/licenses/{licenseID}/extend", accountHandler.Extend)
			r.Post("/licenses/{licenseID}/rekey", accountHandler.Rekey)
			r.Post("/licenses/{licenseID}/tariff", accountHandler.ChangeTariff)
			r.Post("/licenses/{licenseID}/toggle", accountHandler.ToggleActive)
			r.Post("/licenses/{licenseID}/rename", accountHandler.Rename)
			r.Post("/licenses/{licenseID}/blacklist", accountHandler.AddBlacklistIP)
			r.Delete("/licenses/{licenseID}/blacklist", accountHandler.RemoveBlacklistIP)
			r.Delete("/licenses/{licenseID}/devices/{deviceID}", accountHandler.DeleteDevice)

			r.Get("/notifications", accountHandler.ListNotifications)
			r.Post("/notifications/{notificationID}/read", accountHandler.MarkNotificationRead)
		})
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Graceful shutdown error: %v", err)
	}
	log.Println("Server stopped gracefully")
}
