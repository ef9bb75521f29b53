package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/intellioptics/platform/internal/auth"
	"github.com/intellioptics/platform/internal/data"
)

// seed-admin provisions (or re-keys) the first operator account so a fresh
// deployment can log in. Safe to re-run: an existing account gets its
// password and roles refreshed.
func main() {
	email := flag.String("email", getEnv("SEED_ADMIN_EMAIL", "admin@intellioptics.local"), "account email")
	password := flag.String("password", os.Getenv("SEED_ADMIN_PASSWORD"), "account password")
	name := flag.String("name", "Administrator", "display name")
	flag.Parse()

	if *password == "" {
		log.Fatal("[Seed] A password is required: pass -password or set SEED_ADMIN_PASSWORD")
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("DB_USER", "postgres"), getEnv("DB_PASSWORD", "postgres"),
		getEnv("DB_HOST", "localhost"), getEnv("DB_PORT", "5432"),
		getEnv("DB_NAME", "intellioptics"), getEnv("DB_SSLMODE", "disable"))
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("[Seed] Failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("[Seed] Failed to hash password: %v", err)
	}
	roles := []string{"admin", data.RoleReviewer}

	users := data.UserModel{DB: db}
	existing, err := users.GetByEmail(ctx, *email)
	switch {
	case err == nil:
		existing.PasswordHash = hash
		existing.Roles = roles
		existing.IsDisabled = false
		if err := users.Update(ctx, existing); err != nil {
			log.Fatalf("[Seed] Failed to update %s: %v", *email, err)
		}
		// A re-key invalidates outstanding sessions.
		refresh := data.RefreshTokenModel{DB: db}
		if err := refresh.RevokeAllForUser(ctx, existing.ID); err != nil {
			log.Fatalf("[Seed] Failed to revoke refresh tokens for %s: %v", *email, err)
		}
		log.Printf("[Seed] Refreshed existing account %s (%s)", *email, existing.ID)
	case errors.Is(err, data.ErrRecordNotFound):
		u := &data.User{
			Email:        *email,
			DisplayName:  *name,
			PasswordHash: hash,
			Roles:        roles,
		}
		if err := users.Create(ctx, u); err != nil {
			log.Fatalf("[Seed] Failed to create %s: %v", *email, err)
		}
		log.Printf("[Seed] Created account %s (%s)", *email, u.ID)
	default:
		log.Fatalf("[Seed] Failed to look up %s: %v", *email, err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
