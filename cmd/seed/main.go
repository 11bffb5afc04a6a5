package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careloop/telehealth-engine/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedDoctors(context.Background(), pool, 100); err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 9000); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d doctors", count)

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		name := "Dr. " + gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO parties (id, role, name, email, balance, created_at, updated_at)
			VALUES ($1, 'doctor', $2, $3, 0, now(), now())
		`, id, name, gofakeit.Email())
		if err != nil {
			return err
		}

		base := gofakeit.Number(4, 20) * 100
		onlinePrices, err := json.Marshal(map[string]int{
			"15": base / 2,
			"30": base,
			"45": base + base/2,
			"60": base * 2,
		})
		if err != nil {
			return err
		}

		clinics, err := json.Marshal([]map[string]any{
			{
				"id":               uuid.New().String(),
				"name":             gofakeit.Company() + " Clinic",
				"consultation_fee": gofakeit.Number(8, 25) * 100,
			},
		})
		if err != nil {
			return err
		}

		var homeVisitCost *int
		if gofakeit.Bool() {
			cost := gofakeit.Number(10, 30) * 100
			homeVisitCost = &cost
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO doctors (party_id, specialty, online_prices, clinics, home_visit_cost, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
		`, id, spec, onlinePrices, clinics, homeVisitCost)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO subscriptions (
				id, doctor_id, plan_name, started_at,
				online_platform_fee, online_ops_pct,
				clinic_platform_fee, clinic_ops_pct,
				home_platform_fee, home_ops_pct,
				emergency_platform_fee, emergency_ops_pct
			)
			VALUES ($1, $2, 'standard', now() - interval '30 days', 50, 10, 50, 10, 50, 10, 100, 5)
		`, uuid.New(), id)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("doctors seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()
			balance := gofakeit.Number(0, 100) * 100

			_, err := tx.Exec(ctx, `
				INSERT INTO parties (id, role, name, email, balance, created_at, updated_at)
				VALUES ($1, 'patient', $2, $3, $4, now(), now())
			`, id, name, email, balance)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return nil
}
