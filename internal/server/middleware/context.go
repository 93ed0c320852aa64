package middleware

import (
	"context"

	"github.com/OFFIS-RIT/strata/internal/rebaser"
	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/labstack/echo/v4"
)

// SnapshotReader is satisfied by *layerdb.WorkspaceSnapshotDb.
type SnapshotReader interface {
	Read(ctx context.Context, address hash.ContentHash) (*graph.Graph, bool, error)
}

// RebaseSubmitter is satisfied by *rebaser.Client.
type RebaseSubmitter interface {
	Rebase(ctx context.Context, req rebaser.Request) (rebaser.Response, error)
}

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type App struct {
	Snapshots SnapshotReader
	Rebaser   RebaseSubmitter
	Checks    map[string]Check
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{Context: c, App: app})
		}
	}
}
