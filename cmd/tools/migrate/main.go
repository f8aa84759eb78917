package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"

	"github.com/noah-isme/backend-farmstay/internal/app"
)

// usage: migrate [up|down|steps N|force V|version]
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}
	flag.Parse()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	m, err := app.NewMigrate(dbURL)
	if err != nil {
		log.Fatalf("Failed to initialise migrations: %v", err)
	}
	defer func() { _, _ = m.Close() }()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}
	if err := run(m, cmd, flag.Arg(1)); err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Println("version: none")
	case err != nil:
		log.Fatalf("read version: %v", err)
	default:
		fmt.Printf("version: %d dirty: %t\n", version, dirty)
	}
}

func run(m *migrate.Migrate, cmd, arg string) error {
	switch cmd {
	case "up":
		return app.RunMigrations(m)
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	case "steps":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("steps needs an integer argument: %w", err)
		}
		if err := m.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	case "force":
		v, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("force needs a version argument: %w", err)
		}
		return m.Force(v)
	case "version":
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
