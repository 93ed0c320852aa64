package server

import (
	"github.com/OFFIS-RIT/strata/internal/server/routes"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func RegisterRoutes(e *echo.Echo) {
	e.GET("/health", routes.HealthHandler)
	e.GET("/ready", routes.ReadyHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiRoutes := e.Group("/api")
	apiRoutes.GET("/snapshots/:address", routes.GetSnapshotHandler)
	apiRoutes.POST("/rebase", routes.PostRebaseHandler)
}
