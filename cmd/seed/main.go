package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"bookingflow/backend/internal/config"
	"bookingflow/backend/internal/logging"
	"bookingflow/backend/internal/repository"
	"bookingflow/backend/pkg/models"
)

func main() {
	ctx := context.Background()

	envFile := flag.String("env", "", "Path to .env file")
	flag.Parse()

	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.NewLogger(logging.Options{Level: cfg.Log.Level, Environment: cfg.Environment})

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	providers := []struct {
		Name  string
		Email string
		Phone string
	}{
		{"Northern Coaches", "bookings@northern-coaches.example", "+441904000001"},
		{"Pennine Travel", "quotes@pennine-travel.example", ""},
		{"Dales Minibus Hire", "hello@dales-minibus.example", "+441756000003"},
		{"Coastal Executive Cars", "ops@coastal-exec.example", ""},
	}

	now := time.Now().UTC()
	for _, p := range providers {
		sp := &models.ServiceProvider{
			ID:        uuid.New().String(),
			Name:      p.Name,
			Email:     p.Email,
			Phone:     p.Phone,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}

		if err := store.CreateProvider(ctx, sp); err != nil {
			if errors.Is(err, repository.ErrDuplicateProvider) {
				logger.Info("Skipping existing provider", "email", p.Email)
				continue
			}
			log.Printf("Failed to create provider %s: %v", p.Name, err)
			continue
		}
		logger.Info("Seeded provider", "name", p.Name, "id", sp.ID)
	}
	logger.Info("Seeding complete!")
}
