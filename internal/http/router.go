package http

import (
	"context"
	"log/slog"
	"time"

	"github.com/geocoder89/taskbus/internal/auth"
	"github.com/geocoder89/taskbus/internal/bus"
	"github.com/geocoder89/taskbus/internal/http/handlers"
	"github.com/geocoder89/taskbus/internal/http/middlewares"
	"github.com/geocoder89/taskbus/internal/observability"
	"github.com/geocoder89/taskbus/internal/plans"
	"github.com/geocoder89/taskbus/internal/repo/postgres"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Deps carries everything the API surface needs. The bus is constructed
// with the shared pool but never started here; the api binary only sends,
// projects and inspects.
type Deps struct {
	Log  *slog.Logger
	Pool *pgxpool.Pool
	Bus  *bus.Bus

	Env    string
	Schema string

	JWT      *auth.Manager
	AdminKey string

	WebhookSecret string
	Dispatcher    handlers.TaskForwarder
	KeepInSeconds int

	AllowedOrigins []string

	Metrics *observability.Prom
	Reg     *prometheus.Registry
}

func NewRouter(d Deps) *gin.Engine {
	if d.Env != "dev" && d.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	// middleware

	r.Use(gin.Recovery())
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger())
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.MaxBodyBytes(1 << 20))
	r.Use(otelgin.Middleware("taskbus-api"))

	if len(d.AllowedOrigins) > 0 {
		r.Use(middlewares.CORSMiddleware(d.AllowedOrigins))
	}

	if d.Metrics != nil {
		r.Use(d.Metrics.GinHandleMiddleware())
	}

	// health
	ping := func() error {
		if d.Pool == nil {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		return d.Pool.Ping(ctx)
	}

	health := handlers.NewHealthHandler(ping)
	r.GET("/healthz", health.Healthz)
	r.GET("/readyz", health.Readyz)

	if d.Reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Reg, promhttp.HandlerOpts{})))
	} else {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// webhook receiver: raw-body signature check inside the handler, so no
	// JSON middleware on this route
	wh := handlers.NewWebhookHandler(d.Bus.Registry(), d.Dispatcher, d.WebhookSecret, d.KeepInSeconds)
	webhookLimiter := middlewares.NewRateLimiter(120, time.Minute)
	r.POST("/v1/webhook", webhookLimiter.RateLimiterMiddleware(middlewares.KeyByIP), wh.Receive)

	// wire up repositories
	tasksRepo := postgres.NewTasksRepo(d.Pool, plans.New(d.Schema), d.Metrics)

	api := r.Group("/api/v1", middlewares.RequireJSON())

	authHandler := handlers.NewAuthHandler(d.JWT, d.AdminKey)
	tokenLimiter := middlewares.NewRateLimiter(10, time.Minute)
	api.POST("/auth/token", tokenLimiter.RateLimiterMiddleware(middlewares.KeyByIP), authHandler.Token)

	authMW := middlewares.NewAuthMiddleware(d.JWT)
	admin := api.Group("/admin", authMW.RequireAuth(), authMW.RequireRole("admin"))

	adminTasks := handlers.NewAdminTasksHandler(tasksRepo, d.Bus.Registry(), d.Bus)

	admin.GET("/tasks", adminTasks.List)
	admin.POST("/tasks", adminTasks.Enqueue)
	admin.GET("/tasks/:id", adminTasks.GetByID)
	admin.POST("/tasks/:id/retry", adminTasks.Retry)
	admin.GET("/queues/:queue/stats", adminTasks.QueueStats)
	admin.GET("/state", adminTasks.State)

	return r
}
