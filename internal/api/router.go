package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/intellioptics/platform/internal/auth"
	"github.com/intellioptics/platform/internal/data"
	"github.com/intellioptics/platform/internal/demo"
	"github.com/intellioptics/platform/internal/middleware"
	"github.com/intellioptics/platform/internal/queries"
	"github.com/intellioptics/platform/internal/ratelimit"
	"github.com/intellioptics/platform/internal/storage"
)

// RequestTimeout bounds every request except the live stream.
const RequestTimeout = 60 * time.Second

// Deps carries everything the HTTP surface needs. Baselines, Limiter and
// Metrics are optional; a nil field disables that piece.
type Deps struct {
	Auth       *auth.Service
	Tokens     middleware.TokenValidator
	Detectors  data.DetectorRepository
	Alerts     data.AlertRepository
	Queries    *queries.Service
	Inspection data.InspectionRepository
	Cameras    data.CameraRepository
	Blobs      storage.Gateway
	Baselines  BaselineInvalidator
	Demo       *demo.Manager
	DemoRepo   data.DemoRepository
	Limiter    *ratelimit.Limiter
	Metrics    http.Handler
}

// NewRouter assembles the full route tree.
func NewRouter(deps Deps) chi.Router {
	authH := &AuthHandler{Auth: deps.Auth}
	detectorH := &DetectorHandler{Detectors: deps.Detectors, Alerts: deps.Alerts}
	queryH := &QueryHandler{Queries: deps.Queries}
	alertH := &AlertHandler{Alerts: deps.Alerts}
	inspectionH := &InspectionHandler{Repo: deps.Inspection, Cameras: deps.Cameras}
	cameraH := &CameraHandler{Cameras: deps.Cameras, Blobs: deps.Blobs, Baselines: deps.Baselines}
	demoH := &DemoHandler{Manager: deps.Demo, Repo: deps.DemoRepo, Tokens: deps.Tokens}
	healthH := &HealthHandler{}

	jwtAuth := middleware.NewJWTAuth(deps.Tokens)
	loginLimit := middleware.NewRateLimit(deps.Limiter, "login", middleware.DefaultLoginLimit)
	reviewerOnly := middleware.RequireRole(data.RoleReviewer)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics)
	// CORS sits before auth so preflight requests pass without a token.
	r.Use(middleware.CORS)

	// Probes and scrapes stay outside auth.
	r.Get("/healthz", healthH.Liveness)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		// The live stream holds its connection open, so it skips the
		// request timeout. The handler checks the token itself.
		r.Get("/demo-sessions/{sessionID}/live", demoH.Live)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(RequestTimeout))

			r.Route("/auth", func(r chi.Router) {
				r.Use(loginLimit.Middleware)
				r.Post("/login", authH.Login)
				r.Post("/refresh", authH.Refresh)
			})

			r.Group(func(r chi.Router) {
				r.Use(jwtAuth.Middleware)

				r.Post("/image-queries", queryH.SubmitImage)

				r.Route("/detectors", func(r chi.Router) {
					r.Get("/", detectorH.List)
					r.Post("/", detectorH.Create)
					r.Get("/{detectorID}", detectorH.Get)
					r.Patch("/{detectorID}", detectorH.Update)
					r.Delete("/{detectorID}", detectorH.Delete)
					r.Get("/{detectorID}/config", detectorH.GetConfig)
					r.Put("/{detectorID}/config", detectorH.PutConfig)
					r.Get("/{detectorID}/alert-config", detectorH.GetAlertConfig)
					r.Put("/{detectorID}/alert-config", detectorH.PutAlertConfig)
				})

				r.Route("/queries", func(r chi.Router) {
					r.Get("/", queryH.List)
					r.Post("/", queryH.Submit)
					r.Get("/{queryID}", queryH.Get)
					r.Delete("/{queryID}", queryH.Delete)
					r.Get("/{queryID}/image", queryH.Image)
					r.With(reviewerOnly).Post("/{queryID}/feedback", queryH.Feedback)
					r.With(reviewerOnly).Patch("/{queryID}", queryH.SetGroundTruth)
				})
				r.Get("/metrics/accuracy", queryH.Accuracy)

				r.Route("/detector-alerts", func(r chi.Router) {
					r.Get("/", alertH.List)
					r.Post("/{alertID}/acknowledge", alertH.Acknowledge)
				})

				r.Route("/inspection", func(r chi.Router) {
					r.Get("/config", inspectionH.GetConfig)
					r.Put("/config", inspectionH.PutConfig)
					r.Post("/runs", inspectionH.CreateRun)
					r.Patch("/runs/{runID}", inspectionH.UpdateRun)
					r.Post("/cameras/{cameraID}/health", inspectionH.ReportHealth)
					r.Get("/cameras/{cameraID}/health", inspectionH.ListHealth)
					r.Post("/alerts", inspectionH.CreateAlert)
					r.Get("/alerts", inspectionH.ListAlerts)
					r.Post("/alerts/{alertID}/acknowledge", inspectionH.AcknowledgeAlert)
					r.Post("/alerts/{alertID}/mute", inspectionH.MuteAlert)
				})

				r.Route("/hubs", func(r chi.Router) {
					r.Get("/", cameraH.ListHubs)
					r.Post("/", cameraH.CreateHub)
					r.Post("/{hubID}/ping", cameraH.PingHub)
					r.Post("/{hubID}/cameras", cameraH.AddCamera)
				})
				r.Put("/cameras/{cameraID}/baseline", cameraH.SetBaseline)

				r.Get("/demo-sessions", demoH.List)
				r.Post("/demo-sessions", demoH.Start)
				r.Get("/demo-sessions/{sessionID}", demoH.Get)
				r.Post("/demo-sessions/{sessionID}/stop", demoH.Stop)
				r.Get("/demo-sessions/{sessionID}/frame", demoH.Frame)
				r.Post("/demo-sessions/{sessionID}/frames", demoH.PushFrame)
				r.Get("/demo-sessions/{sessionID}/results", demoH.Results)
			})
		})
	})
	return r
}
