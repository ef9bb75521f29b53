package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

func main() {
	up := flag.Bool("up", false, "apply all pending migrations")
	down := flag.Bool("down", false, "roll every migration back")
	steps := flag.Int("steps", 0, "apply a signed number of migrations")
	source := flag.String("source", "file://db/migrations", "migration source URL")
	flag.Parse()

	db, err := sql.Open("postgres", connString())
	if err != nil {
		log.Fatalf("[Migrator] Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("[Migrator] Failed to connect to database: %v", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("[Migrator] Failed to create driver: %v", err)
	}
	m, err := migrate.NewWithDatabaseInstance(*source, "postgres", driver)
	if err != nil {
		log.Fatalf("[Migrator] Failed to load migrations from %s: %v", *source, err)
	}

	switch {
	case *up:
		run("up", m.Up)
	case *down:
		run("down", m.Down)
	case *steps != 0:
		run(fmt.Sprintf("%+d steps", *steps), func() error { return m.Steps(*steps) })
	default:
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("[Migrator] No migrations applied yet; use -up, -down or -steps")
			return
		}
		if err != nil {
			log.Fatalf("[Migrator] Read version: %v", err)
		}
		log.Printf("[Migrator] At version %d (dirty=%v); use -up, -down or -steps", version, dirty)
	}
}

func run(name string, fn func() error) {
	if err := fn(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("[Migrator] %s: nothing to do", name)
			return
		}
		log.Fatalf("[Migrator] %s failed: %v", name, err)
	}
	log.Printf("[Migrator] %s completed", name)
}

func connString() string {
	get := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		get("DB_USER", "postgres"), get("DB_PASSWORD", "postgres"),
		get("DB_HOST", "localhost"), get("DB_PORT", "5432"),
		get("DB_NAME", "intellioptics"), get("DB_SSLMODE", "disable"))
}
