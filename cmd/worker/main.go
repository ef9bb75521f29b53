package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/infer"
	"github.com/intellioptics/platform/internal/metrics"
	"github.com/intellioptics/platform/internal/modelcache"
	"github.com/intellioptics/platform/internal/queue"
	"github.com/intellioptics/platform/internal/storage"
)

func main() {
	log.Println("[Worker] Starting inference worker...")

	if err := modelcache.InitRuntime(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); err != nil {
		log.Fatalf("[Worker] Failed to init ONNX runtime: %v", err)
	}
	defer modelcache.ShutdownRuntime()

	// --- Blob storage: model artifacts and queued images ---
	blobConn := os.Getenv("AZURE_STORAGE_CONNECTION_STRING")
	if blobConn == "" {
		log.Fatal("[Worker] AZURE_STORAGE_CONNECTION_STRING is required")
	}
	blobs, err := storage.NewAzureGateway(blobConn)
	if err != nil {
		log.Fatalf("[Worker] Failed to init blob storage: %v", err)
	}

	// --- Model cache and dispatcher ---
	cacheDir := getEnv("MODEL_CACHE_DIR", filepath.Join(os.TempDir(), "intellioptics-models"))
	cache, err := modelcache.New(getEnvInt("MODEL_CACHE_CAPACITY", 0), modelcache.NewDiskStore(cacheDir, blobs))
	if err != nil {
		log.Fatalf("[Worker] Failed to init model cache: %v", err)
	}
	dispatcher := infer.New(infer.CacheSource{Cache: cache})

	defaultCfg := defaultConfigFromEnv()
	binaryClass := ""
	if getEnv("IO_MODE", "onnx") == "binary" {
		binaryClass = getEnv("IO_BINARY_CLASS", "person")
	}
	if defaultCfg == nil {
		log.Println("[Worker] MODEL_REPOSITORY not set; octet-stream and queue inference disabled")
	} else {
		log.Printf("[Worker] Default model %s (mode %s, input %d)",
			defaultCfg.PrimaryModelPath, defaultCfg.Mode, defaultCfg.InputWidth)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Queue loop. HTTP inference keeps working without a broker ---
	// Older manifests name the queue connection SB_CONN or SERVICE_BUS_CONN.
	natsURL := getEnv("NATS_URL", getEnv("SB_CONN", getEnv("SERVICE_BUS_CONN", nats.DefaultURL)))
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Printf("[Worker] WARNING: NATS unavailable at %s: %v; queue consumption disabled", natsURL, err)
	} else {
		defer nc.Close()
		if defaultCfg == nil {
			log.Println("[Worker] No default model; queue consumption disabled")
		} else {
			qIn := getEnv("QUEUE_IN", queue.DefaultInbound)
			qOut := getEnv("QUEUE_OUT", queue.DefaultOutbound)
			gateway, err := queue.New(nc, qIn, qOut)
			if err != nil {
				log.Fatalf("[Worker] Failed to init queues: %v", err)
			}
			sub, err := gateway.Subscribe(qIn, "inference-worker")
			if err != nil {
				log.Fatalf("[Worker] Failed to subscribe to %s: %v", qIn, err)
			}
			cons := &consumer{
				Queue:       sub,
				Publisher:   gateway,
				Blobs:       storage.NewFetcher(blobs),
				Dispatcher:  dispatcher,
				Default:     defaultCfg,
				BinaryClass: binaryClass,
				Inbound:     qIn,
				Outbound:    qOut,
			}
			go func() {
				if err := cons.Run(ctx); err != nil && ctx.Err() == nil {
					log.Printf("[Worker] Consumer stopped: %v", err)
				}
			}()
		}
	}

	// --- HTTP ---
	srv := &server{Dispatcher: dispatcher, Default: defaultCfg, BinaryClass: binaryClass}
	port := getEnv("HEALTH_PORT", "8081")
	httpSrv := &http.Server{
		Addr:    ":" + port,
		Handler: srv.routes(promhttp.Handler()),
	}
	metrics.SetWorkerUp(true)
	go func() {
		log.Printf("[Worker] Listening on :%s", port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Worker] Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[Worker] Shutting down...")
	metrics.SetWorkerUp(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Worker] Server shutdown: %v", err)
	}
	log.Println("[Worker] Stopped")
}

// defaultConfigFromEnv builds the detector config behind the octet-stream
// path and the queue loop. Nil when MODEL_REPOSITORY is unset.
func defaultConfigFromEnv() *data.DetectorConfig {
	repo := os.Getenv("MODEL_REPOSITORY")
	if repo == "" {
		return nil
	}
	if !strings.Contains(repo, "/") {
		repo = getEnv("MODEL_CONTAINER", "models") + "/" + repo
	}

	conf := getEnvFloat("IO_CONF_THRESH", 0.50)
	params := data.DefaultDetectionParams()
	params.MinScoreThreshold = conf
	params.IOUThreshold = getEnvFloat("IO_NMS_IOU", 0.45)

	cfg := &data.DetectorConfig{
		Mode:                data.ModeObjectDet,
		ConfidenceThreshold: conf,
		InputWidth:          getEnvInt("IO_IMG_SIZE", 640),
		DetectionParams:     params,
		PrimaryModelPath:    repo,
	}
	if getEnv("IO_MODE", "onnx") == "binary" {
		cfg.Mode = data.ModeBinary
	}
	return cfg
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

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
