package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/intellioptics/platform/internal/alerting"
	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/inspect"
	"github.com/intellioptics/platform/internal/storage"
)

func main() {
	log.Println("[Inspector] Starting camera inspector...")

	// --- Database ---
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "postgres")
	dbPassword := getEnv("DB_PASSWORD", "postgres")
	dbName := getEnv("DB_NAME", "intellioptics")
	sslMode := getEnv("DB_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		dbUser, dbPassword, dbHost, dbPort, dbName, sslMode)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("[Inspector] Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("[Inspector] Failed to connect to database at %s:%s: %v", dbHost, dbPort, err)
	}

	// --- Blob storage. Optional: without it view-change detection is off ---
	var blobs storage.Gateway
	if conn := os.Getenv("AZURE_STORAGE_CONNECTION_STRING"); conn != "" {
		gw, err := storage.NewAzureGateway(conn)
		if err != nil {
			log.Fatalf("[Inspector] Failed to init blob storage: %v", err)
		}
		blobs = gw
	} else {
		log.Println("[Inspector] AZURE_STORAGE_CONNECTION_STRING not set; baseline comparison disabled")
	}

	repo := &data.InspectionModel{DB: db}
	svc := &inspect.Service{
		Repo:      repo,
		Cameras:   data.CameraModel{DB: db},
		Blobs:     blobs,
		Connector: &inspect.StreamConnector{},
	}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		svc.Mail = &alerting.Mailer{
			Host:     host,
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     getEnv("SMTP_FROM", os.Getenv("SMTP_USERNAME")),
		}
		log.Printf("[Inspector] SMTP configured via %s", host)
	} else {
		log.Println("[Inspector] SMTP not configured, alert email disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pruneLoop(ctx, repo)

	sched := &inspect.Scheduler{Service: svc}
	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("[Inspector] Scheduler stopped: %v", err)
	}
	log.Println("[Inspector] Stopped")
}

// pruneLoop enforces the retention windows, once at startup and then daily.
func pruneLoop(ctx context.Context, repo *data.InspectionModel) {
	healthDays := getEnvInt("HEALTH_RETENTION_DAYS", 30)
	alertDays := getEnvInt("ALERT_RETENTION_DAYS", 90)

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		prune(ctx, repo, healthDays, alertDays)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func prune(ctx context.Context, repo *data.InspectionModel, healthDays, alertDays int) {
	now := time.Now().UTC()
	if n, err := repo.PruneHealthRecords(ctx, now.AddDate(0, 0, -healthDays)); err != nil {
		log.Printf("[Inspector] prune health records: %v", err)
	} else if n > 0 {
		log.Printf("[Inspector] pruned %d health records older than %d days", n, healthDays)
	}
	if n, err := repo.PruneAlerts(ctx, now.AddDate(0, 0, -alertDays)); err != nil {
		log.Printf("[Inspector] prune alerts: %v", err)
	} else if n > 0 {
		log.Printf("[Inspector] pruned %d alerts older than %d days", n, alertDays)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
