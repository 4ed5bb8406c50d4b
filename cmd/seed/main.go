package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aloktripathi1/hospital-management-system/internal/appointment"
	"github.com/aloktripathi1/hospital-management-system/internal/db"
)

const (
	providerCount  = 50
	subjectCount   = 2000
	scheduleDays   = 14
	blacklistRatio = 0.02
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

	if err := db.Migrate(context.Background(), pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	gofakeit.Seed(time.Now().UnixNano())

	providerIDs, err := seedProviders(context.Background(), pool, providerCount)
	if err != nil {
		log.Fatalf("seed providers: %v", err)
	}
	if err := seedSubjects(context.Background(), pool, subjectCount); err != nil {
		log.Fatalf("seed subjects: %v", err)
	}
	if err := seedAvailability(context.Background(), pool, providerIDs); err != nil {
		log.Fatalf("seed availability: %v", err)
	}

	log.Println("seed complete")
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, count int) ([]int64, error) {
	log.Printf("seeding %d providers", count)

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
	slotMinutes := []int{0, 60, 120} // 0 falls back to the deployment default

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO providers (name, specialty, active, slot_minutes, created_at, updated_at)
			VALUES ($1, $2, TRUE, $3, now(), now())
			RETURNING id
		`,
			"Dr. "+gofakeit.Name(),
			specialties[gofakeit.Number(0, len(specialties)-1)],
			slotMinutes[gofakeit.Number(0, len(slotMinutes)-1)],
		).Scan(&id)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("providers seeded")
	return ids, nil
}

func seedSubjects(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d subjects", count)

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
			_, err := tx.Exec(ctx, `
				INSERT INTO subjects (name, blacklisted, created_at, updated_at)
				VALUES ($1, $2, now(), now())
			`, gofakeit.Name(), gofakeit.Float64() < blacklistRatio)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("subjects seeded: %d/%d", end, count)
	}

	log.Println("subjects seeded")
	return nil
}

// seedAvailability declares a weekday morning/evening schedule per provider and
// expands it into dated windows for the next scheduleDays days.
func seedAvailability(ctx context.Context, pool *pgxpool.Pool, providerIDs []int64) error {
	log.Printf("seeding availability for %d providers", len(providerIDs))

	now := time.Now()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	to := from.AddDate(0, 0, scheduleDays-1)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	total := 0
	for _, providerID := range providerIDs {
		var rules []appointment.WeeklyRule
		for wd := time.Monday; wd <= time.Friday; wd++ {
			rules = append(rules,
				appointment.WeeklyRule{
					ProviderID: providerID,
					Weekday:    wd,
					Start:      9 * time.Hour,
					End:        13 * time.Hour,
					Open:       true,
				},
				appointment.WeeklyRule{
					ProviderID: providerID,
					Weekday:    wd,
					Start:      15 * time.Hour,
					End:        19 * time.Hour,
					Open:       true,
				},
			)
		}

		for _, w := range appointment.ExpandWeeklyRules(rules, from, to) {
			_, err := tx.Exec(ctx, `
				INSERT INTO availability_windows (provider_id, starts_at, ends_at, open, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
				ON CONFLICT ON CONSTRAINT availability_windows_provider_start_key DO NOTHING
			`, w.ProviderID, w.StartsAt, w.EndsAt, w.Open)
			if err != nil {
				return err
			}
			total++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Printf("availability seeded: %d windows", total)
	return nil
}
