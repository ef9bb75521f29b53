package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
)

// Verifies every table the migrations create is present, for diagnosing
// half-applied schemas.
func main() {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("DB_USER", "postgres"), getEnv("DB_PASSWORD", "postgres"),
		getEnv("DB_HOST", "localhost"), getEnv("DB_PORT", "5432"),
		getEnv("DB_NAME", "intellioptics"), getEnv("DB_SSLMODE", "disable"))
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	tables := []string{
		"users", "refresh_tokens",
		"detectors", "detector_configs", "alert_rules", "alert_events",
		"queries", "escalations", "feedback", "annotations",
		"hubs", "cameras", "camera_health_records",
		"inspection_config", "inspection_runs", "inspection_alerts",
		"demo_sessions", "demo_results",
	}

	missing := 0
	for _, table := range tables {
		var exists bool
		err := db.QueryRow(
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`,
			table).Scan(&exists)
		if err != nil {
			log.Fatal(err)
		}
		if exists {
			fmt.Printf("ok      %s\n", table)
		} else {
			fmt.Printf("MISSING %s\n", table)
			missing++
		}
	}
	if missing > 0 {
		log.Fatalf("%d of %d tables missing; run the migrator", missing, len(tables))
	}
	fmt.Printf("all %d tables present\n", len(tables))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
