package routes

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/OFFIS-RIT/strata/internal/server/middleware"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/labstack/echo/v4"
)

const readyTimeout = 3 * time.Second

func HealthHandler(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// ReadyHandler runs every registered check and fails if any of them does.
func ReadyHandler(c echo.Context) error {
	app := c.(*middleware.AppContext).App
	ctx, cancel := context.WithTimeout(c.Request().Context(), readyTimeout)
	defer cancel()

	names := make([]string, 0, len(app.Checks))
	for name := range app.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	res := make(map[string]string, len(names))
	for _, name := range names {
		if err := app.Checks[name](ctx); err != nil {
			logger.Warn("[Server] Readiness check failed", "check", name, "err", err)
			res[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		res[name] = "ok"
	}
	return c.JSON(status, res)
}
