package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/strata/internal/rebaser"
	mid "github.com/OFFIS-RIT/strata/internal/server/middleware"
	"github.com/OFFIS-RIT/strata/pkg/changeset"
	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/OFFIS-RIT/strata/pkg/ident"
	"github.com/OFFIS-RIT/strata/pkg/rebase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshots map[hash.ContentHash]*graph.Graph

func (f fakeSnapshots) Read(_ context.Context, address hash.ContentHash) (*graph.Graph, bool, error) {
	g, ok := f[address]
	return g, ok, nil
}

type fakeSubmitter struct {
	got  rebaser.Request
	resp rebaser.Response
	err  error
}

func (f *fakeSubmitter) Rebase(_ context.Context, req rebaser.Request) (rebaser.Response, error) {
	f.got = req
	return f.resp, f.err
}

func do(t *testing.T, app *mid.App, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := New(app)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	app := &mid.App{}
	assert.Equal(t, http.StatusOK, do(t, app, http.MethodGet, "/health", "").Code)

	rec := do(t, app, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestReady_ReportsFailingCheck(t *testing.T) {
	app := &mid.App{Checks: map[string]mid.Check{
		"postgres": func(context.Context) error { return nil },
		"rabbitmq": func(context.Context) error { return errors.New("connection closed") },
	}}

	rec := do(t, app, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var res map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "ok", res["postgres"])
	assert.Equal(t, "connection closed", res["rabbitmq"])
}

func TestGetSnapshot(t *testing.T) {
	cs, err := changeset.New(nil)
	require.NoError(t, err)
	g, err := graph.NewWorkspace(cs)
	require.NoError(t, err)
	addr, _, err := g.Address()
	require.NoError(t, err)
	app := &mid.App{Snapshots: fakeSnapshots{addr: g}}

	rec := do(t, app, http.MethodGet, "/api/snapshots/"+addr.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary graph.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, g.NodeCount(), summary.Nodes)

	missing := hash.Compute([]byte("missing"))
	assert.Equal(t, http.StatusNotFound, do(t, app, http.MethodGet, "/api/snapshots/"+missing.String(), "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, app, http.MethodGet, "/api/snapshots/not-a-hash", "").Code)
}

func TestPostRebase(t *testing.T) {
	gen := ident.NewGenerator()
	ws, to, onto := gen.MustNew(), gen.MustNew(), gen.MustNew()
	sub := &fakeSubmitter{resp: rebaser.Response{
		Conflicts: []rebase.ConflictRecord{{Kind: rebase.KindNodeContent}},
	}}
	app := &mid.App{Rebaser: sub}

	body := `{"workspace_id":"` + ws.String() + `","to_rebase_change_set_id":"` + to.String() +
		`","onto_change_set_id":"` + onto.String() + `"}`
	rec := do(t, app, http.MethodPost, "/api/rebase", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, rebaser.Request{WorkspaceID: ws, ToRebaseChangeSetID: to, OntoChangeSetID: onto}, sub.got)

	var resp rebaser.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Conflicts, 1)

	same := `{"workspace_id":"` + ws.String() + `","to_rebase_change_set_id":"` + to.String() +
		`","onto_change_set_id":"` + to.String() + `"}`
	assert.Equal(t, http.StatusBadRequest, do(t, app, http.MethodPost, "/api/rebase", same).Code)
}

func TestPostRebase_FailedRebase(t *testing.T) {
	gen := ident.NewGenerator()
	sub := &fakeSubmitter{resp: rebaser.Response{Error: "snapshot not found"}, err: errors.New("rebase failed")}
	body := `{"workspace_id":"` + gen.MustNew().String() + `","to_rebase_change_set_id":"` + gen.MustNew().String() +
		`","onto_change_set_id":"` + gen.MustNew().String() + `"}`

	rec := do(t, &mid.App{Rebaser: sub}, http.MethodPost, "/api/rebase", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	assert.Equal(t, http.StatusNotImplemented, do(t, &mid.App{}, http.MethodPost, "/api/rebase", body).Code)
}
