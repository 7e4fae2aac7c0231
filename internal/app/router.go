package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/domain"
	"ridedispatch/internal/handler"
	"ridedispatch/internal/logger"
	"ridedispatch/internal/middleware"
	"ridedispatch/internal/transport"
)

// RouterDeps contains all dependencies needed for the router.
type RouterDeps struct {
	TripHandler    *handler.TripHandler
	DriverHandler  *handler.DriverHandler
	HealthHandler  *handler.HealthHandler
	SocketHandler  *transport.Handler
	Verifier       *middleware.Verifier
	RedisClient    *redis.Client
	NewRelicApp    *newrelic.Application
	Logger         logger.ILogger
	AllowedOrigins []string
}

// NewRouter creates the HTTP handler with all routes registered, wrapped in CORS.
func NewRouter(deps RouterDeps) http.Handler {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Observe(deps.Logger))

	if deps.NewRelicApp != nil {
		router.Use(nrgin.Middleware(deps.NewRelicApp))
	}

	router.GET("/health", deps.HealthHandler.Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The websocket handler authenticates on its own since browsers send the
	// token as a query parameter.
	router.GET("/ws", deps.SocketHandler.Connect)

	v1 := router.Group("/v1")
	v1.Use(middleware.Auth(deps.Verifier))
	if deps.RedisClient != nil {
		v1.Use(middleware.Idempotency(deps.RedisClient))
	}
	{
		trips := v1.Group("/trips")
		{
			trips.POST("", middleware.RequireRole(domain.RoleCustomer), deps.TripHandler.RequestRide)
			trips.GET("/:id", deps.TripHandler.GetTrip)
			trips.POST("/:id/cancel", deps.TripHandler.CancelTrip)
			trips.POST("/:id/accept", middleware.RequireRole(domain.RoleDriver), deps.TripHandler.AcceptOffer)
			trips.POST("/:id/reject", middleware.RequireRole(domain.RoleDriver), deps.TripHandler.RejectOffer)
			trips.POST("/:id/events", middleware.RequireRole(domain.RoleDriver), deps.TripHandler.ReportLifecycleEvent)
		}

		drivers := v1.Group("/drivers")
		drivers.Use(middleware.RequireRole(domain.RoleDriver))
		{
			drivers.POST("/presence", deps.DriverHandler.UpdatePresence)
			drivers.GET("/:id/offers", deps.DriverHandler.ListOffers)
		}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Idempotent-Replayed"},
		AllowCredentials: false,
		MaxAge:           300,
	})(router)
}
