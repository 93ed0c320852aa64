package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/strata/internal/rebaser"
	"github.com/OFFIS-RIT/strata/internal/server/middleware"
	"github.com/OFFIS-RIT/strata/pkg/ident"
	"github.com/labstack/echo/v4"
)

// PostRebaseHandler submits a rebase and waits for the rebaser's answer.
// Conflicts are a 200 response; only a failed rebase is an error.
func PostRebaseHandler(c echo.Context) error {
	type postRebaseBody struct {
		WorkspaceID         string `json:"workspace_id" validate:"required,len=26"`
		ToRebaseChangeSetID string `json:"to_rebase_change_set_id" validate:"required,len=26"`
		OntoChangeSetID     string `json:"onto_change_set_id" validate:"required,len=26,nefield=ToRebaseChangeSetID"`
	}

	submitter := c.(*middleware.AppContext).App.Rebaser
	if submitter == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "Rebase submission disabled"})
	}

	body := new(postRebaseBody)
	if err := c.Bind(body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	var req rebaser.Request
	var err error
	if req.WorkspaceID, err = ident.Parse(body.WorkspaceID); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid workspace_id"})
	}
	if req.ToRebaseChangeSetID, err = ident.Parse(body.ToRebaseChangeSetID); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid to_rebase_change_set_id"})
	}
	if req.OntoChangeSetID, err = ident.Parse(body.OntoChangeSetID); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid onto_change_set_id"})
	}

	resp, err := submitter.Rebase(c.Request().Context(), req)
	if err != nil {
		if resp.Failed() {
			return c.JSON(http.StatusUnprocessableEntity, resp)
		}
		return c.String(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}
