// README: HTTP router registration.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tracker/internal/http/handlers"
	"tracker/internal/http/middleware"
	"tracker/internal/infra"
)

type RouterDeps struct {
	Verifier       infra.TokenVerifier
	Gateway        handlers.Gateway
	Orders         handlers.OrderService
	Locations      handlers.LocationService
	Rooms          handlers.Authorizer
	AllowedOrigins string
	ReplyTimeout   time.Duration
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Logging())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ws := handlers.NewWSHandler(infra.Authenticator{Verifier: deps.Verifier}, deps.Gateway, deps.AllowedOrigins, deps.ReplyTimeout)
	r.GET("/ws", ws.Serve)

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	orderHandler := handlers.NewOrderHandler(deps.Orders, deps.Rooms)
	api.GET("/orders/:id", orderHandler.Get)
	api.POST("/orders/:id/status", orderHandler.UpdateStatus)

	locationHandler := handlers.NewLocationHandler(deps.Locations, deps.Rooms)
	api.GET("/drivers/:id/location", locationHandler.Get)
	api.DELETE("/drivers/:id/location", locationHandler.Delete)

	return r
}
