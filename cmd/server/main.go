package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/intellioptics/platform/internal/alerting"
	"github.com/intellioptics/platform/internal/api"
	"github.com/intellioptics/platform/internal/auth"
	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/demo"
	"github.com/intellioptics/platform/internal/infer"
	"github.com/intellioptics/platform/internal/ingest"
	"github.com/intellioptics/platform/internal/metrics"
	"github.com/intellioptics/platform/internal/queries"
	"github.com/intellioptics/platform/internal/queue"
	"github.com/intellioptics/platform/internal/ratelimit"
	"github.com/intellioptics/platform/internal/storage"
	"github.com/intellioptics/platform/internal/tokens"
)

func main() {
	log.Println("[API] Starting IntelliOptics API server...")

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
		log.Fatalf("[API] Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("[API] Failed to connect to database at %s:%s: %v", dbHost, dbPort, err)
	}
	log.Printf("[API] Connected to database %s", dbName)

	// --- Redis (lockouts, rate limits, demo frame fan-out) ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()

	// --- Blob storage ---
	blobConn := os.Getenv("AZURE_STORAGE_CONNECTION_STRING")
	if blobConn == "" {
		log.Fatal("[API] AZURE_STORAGE_CONNECTION_STRING is required")
	}
	blobs, err := storage.NewAzureGateway(blobConn)
	if err != nil {
		log.Fatalf("[API] Failed to init blob storage: %v", err)
	}
	imagesContainer := getEnv("BLOB_CONTAINER", queries.DefaultImagesContainer)

	// --- Queues ---
	// The pipeline enqueues unconditionally on async submits and escalations,
	// so a broker is not optional for the API server.
	qIn := getEnv("QUEUE_IN", queue.DefaultInbound)
	qOut := getEnv("QUEUE_OUT", queue.DefaultOutbound)
	qFallback := getEnv("QUEUE_FALLBACK", queue.DefaultFallback)

	// Older manifests name the queue connection SB_CONN or SERVICE_BUS_CONN.
	natsURL := getEnv("NATS_URL", getEnv("SB_CONN", getEnv("SERVICE_BUS_CONN", nats.DefaultURL)))
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Fatalf("[API] Failed to connect to NATS at %s: %v", natsURL, err)
	}
	defer nc.Close()
	gateway, err := queue.New(nc, qIn, qOut, qFallback)
	if err != nil {
		log.Fatalf("[API] Failed to init queues: %v", err)
	}
	log.Printf("[API] Connected to NATS at %s", natsURL)

	// --- Models ---
	detectors := data.DetectorModel{DB: db}
	queryRepo := data.QueryModel{DB: db}
	alerts := data.AlertModel{DB: db}
	cameras := data.CameraModel{DB: db}
	demoRepo := data.DemoModel{DB: db}
	users := data.UserModel{DB: db}
	inspection := &data.InspectionModel{DB: db}

	// --- Auth ---
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-do-not-use-in-prod"
		log.Println("[API] WARNING: JWT_SECRET not set, using development key")
	}
	accessTTL := time.Duration(getEnvInt("ACCESS_TOKEN_EXPIRE_MINUTES", 0)) * time.Minute
	tokenMgr := tokens.NewManager(jwtSecret, accessTTL)
	authSvc := &auth.Service{
		Users:         users,
		Tokens:        tokenMgr,
		Lockout:       auth.NewLockout(rdb),
		RefreshTokens: data.RefreshTokenModel{DB: db},
	}

	// --- Outbound channels ---
	var mailer *alerting.Mailer
	if host := os.Getenv("SMTP_HOST"); host != "" {
		mailer = &alerting.Mailer{
			Host:      host,
			Port:      getEnvInt("SMTP_PORT", 587),
			Username:  os.Getenv("SMTP_USERNAME"),
			Password:  os.Getenv("SMTP_PASSWORD"),
			From:      getEnv("SMTP_FROM", os.Getenv("SMTP_USERNAME")),
			DefaultTo: splitList(os.Getenv("ALERT_DEFAULT_RECIPIENTS")),
		}
		log.Printf("[API] SMTP configured via %s", host)
	} else {
		log.Println("[API] SMTP not configured, email delivery disabled")
	}

	engine := &alerting.Engine{
		Rules:     alerts,
		Detectors: detectors,
		Queries:   queryRepo,
		Blobs:     blobs,
		Webhooks:  alerting.NewWebhookSender(),
	}
	if mailer != nil {
		engine.Mail = mailer
	}
	if sid := os.Getenv("TWILIO_ACCOUNT_SID"); sid != "" {
		engine.SMS = &alerting.SMSSender{
			AccountSID: sid,
			AuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
			From:       os.Getenv("TWILIO_FROM"),
		}
		log.Println("[API] Twilio SMS configured")
	}
	if fn := os.Getenv("ALERT_FUNCTION_URL"); fn != "" {
		engine.FunctionURL = fn
		log.Printf("[API] Alert function endpoint: %s", fn)
	}

	// --- Inference workers ---
	workerURL := getEnv("WORKER_URL", "http://localhost:8081")
	detClient := infer.NewClient(workerURL)
	ywURL := getEnv("YOLOWORLD_WORKER_URL", workerURL)
	var demoWorker demo.Inference = detClient
	if ywURL != workerURL {
		demoWorker = &splitWorker{det: detClient, yw: infer.NewClient(ywURL)}
	}

	// --- Query pipeline ---
	querySvc := &queries.Service{
		Repo:            queryRepo,
		Detectors:       detectors,
		Blobs:           blobs,
		Queue:           gateway,
		Dispatcher:      detClient,
		Alerts:          engine,
		Tokens:          tokenMgr,
		ImagesContainer: imagesContainer,
		FallbackQueue:   qFallback,
	}
	if mailer != nil {
		querySvc.Mail = mailer
	}

	// --- Demo sessions ---
	demoMgr := &demo.Manager{
		Repo:            demoRepo,
		Detectors:       detectors,
		Queries:         queryRepo,
		Blobs:           blobs,
		Worker:          demoWorker,
		Frames:          demo.NewFrameStore(rdb),
		ImagesContainer: imagesContainer,
	}

	// --- Stream ingestion ---
	var ingestMgr *ingest.Manager
	if cfgPath := os.Getenv("STREAMS_CONFIG"); cfgPath != "" {
		ingestMgr = ingest.NewManager(cfgPath, &ingest.PipelineSubmitter{Queries: querySvc})
	} else {
		log.Println("[API] STREAMS_CONFIG not set, stream ingestion disabled")
	}

	// --- Metrics ---
	collector := metrics.NewCollector(metrics.Config{
		DemoSessions: demoMgr.ActiveSessions,
		IngestWorkers: func() int {
			if ingestMgr == nil {
				return 0
			}
			return ingestMgr.ActiveWorkers()
		},
		QueuePending: func(ctx context.Context) (int, error) {
			return gateway.Pending(ctx, qFallback)
		},
		QueueName: qFallback,
	})

	// --- Router ---
	r := api.NewRouter(api.Deps{
		Auth:       authSvc,
		Tokens:     tokenMgr,
		Detectors:  detectors,
		Alerts:     alerts,
		Queries:    querySvc,
		Inspection: inspection,
		Cameras:    cameras,
		Blobs:      blobs,
		Demo:       demoMgr,
		DemoRepo:   demoRepo,
		Limiter:    ratelimit.NewLimiter(rdb, os.Getenv("RATE_LIMIT_SALT")),
		Metrics:    collector.Handler(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Background loops ---
	go collector.Start(ctx)

	resultSub, err := gateway.Subscribe(qOut, "api-results")
	if err != nil {
		log.Fatalf("[API] Failed to subscribe to %s: %v", qOut, err)
	}
	consumer := &queries.ResultConsumer{Queue: resultSub, Service: querySvc}
	go consumer.Run(ctx)

	if ingestMgr != nil {
		if err := ingestMgr.Start(ctx); err != nil {
			log.Fatalf("[API] Failed to start stream ingestion: %v", err)
		}
		log.Printf("[API] Stream ingestion watching %s", os.Getenv("STREAMS_CONFIG"))
	}

	// --- HTTP server ---
	port := getEnv("PORT", "8080")
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	go func() {
		log.Printf("[API] Listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[API] Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[API] Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[API] Server shutdown: %v", err)
	}
	if ingestMgr != nil {
		ingestMgr.Stop()
	}
	demoMgr.StopAll(shutdownCtx)
	log.Println("[API] Stopped")
}

// splitWorker routes detector inference and open-vocabulary prompts to
// different worker deployments.
type splitWorker struct {
	det *infer.Client
	yw  *infer.Client
}

func (s *splitWorker) Run(ctx context.Context, cfg *data.DetectorConfig, image []byte) (*infer.Response, error) {
	return s.det.Run(ctx, cfg, image)
}

func (s *splitWorker) RunPrompts(ctx context.Context, prompts []string, image []byte) (*infer.Response, error) {
	return s.yw.RunPrompts(ctx, prompts, image)
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
