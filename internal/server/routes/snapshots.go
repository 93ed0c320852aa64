package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/strata/internal/server/middleware"
	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/labstack/echo/v4"
)

func GetSnapshotHandler(c echo.Context) error {
	type getSnapshotParams struct {
		Address string `param:"address" validate:"required,len=64,hexadecimal"`
	}

	params := new(getSnapshotParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	address, err := hash.Parse(params.Address)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid snapshot address"})
	}

	snapshots := c.(*middleware.AppContext).App.Snapshots
	g, ok, err := snapshots.Read(c.Request().Context(), address)
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Snapshot not found"})
	}
	return c.JSON(http.StatusOK, g.Summary())
}
