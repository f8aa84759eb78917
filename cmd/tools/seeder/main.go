package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

type roomType struct {
	ID       uuid.UUID
	Name     string
	Capacity int
	Price    int64
	Currency string
	Rooms    []string
}

// Fixed IDs keep repeated runs idempotent.
var roomTypes = []roomType{
	{uuid.MustParse("6f1c7d52-51b8-4b0a-9a1e-1c1f6c0a0001"), "Garden Chalet", 2, 28000, "MYR", []string{"C1", "C2", "C3", "C4"}},
	{uuid.MustParse("6f1c7d52-51b8-4b0a-9a1e-1c1f6c0a0002"), "Family Longhouse", 6, 65000, "MYR", []string{"L1", "L2"}},
	{uuid.MustParse("6f1c7d52-51b8-4b0a-9a1e-1c1f6c0a0003"), "Paddy View Room", 3, 35000, "MYR", []string{"P1", "P2", "P3"}},
	{uuid.MustParse("6f1c7d52-51b8-4b0a-9a1e-1c1f6c0a0004"), "Orchard Tent", 2, 12000, "MYR", []string{"T1", "T2", "T3", "T4", "T5", "T6"}},
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return seedRooms(ctx, tx)
	})
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	log.Println("Seeding completed successfully!")
}

func seedRooms(ctx context.Context, tx pgx.Tx) error {
	log.Println("Seeding room types...")
	for _, rt := range roomTypes {
		_, err := tx.Exec(ctx, `
			INSERT INTO room_types (id, name, capacity, base_price, currency)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, capacity = EXCLUDED.capacity,
			    base_price = EXCLUDED.base_price, currency = EXCLUDED.currency`,
			rt.ID, rt.Name, rt.Capacity, rt.Price, rt.Currency)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, number := range rt.Rooms {
			batch.Queue(`
				INSERT INTO rooms (room_type_id, number)
				VALUES ($1, $2)
				ON CONFLICT (room_type_id, number) DO UPDATE SET active = true`,
				rt.ID, number)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		log.Printf("  %s: %d rooms", rt.Name, len(rt.Rooms))
	}
	return nil
}
