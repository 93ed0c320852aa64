package rebaser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/changeset"
	"github.com/OFFIS-RIT/strata/pkg/graph"
	"github.com/OFFIS-RIT/strata/pkg/hash"
	"github.com/OFFIS-RIT/strata/pkg/ident"
	"github.com/OFFIS-RIT/strata/pkg/layerdb"
	"github.com/OFFIS-RIT/strata/pkg/logger"
	"github.com/OFFIS-RIT/strata/pkg/rebase"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotStore is satisfied by *layerdb.WorkspaceSnapshotDb.
type SnapshotStore interface {
	Read(ctx context.Context, address hash.ContentHash) (*graph.Graph, bool, error)
	Write(ctx context.Context, g *graph.Graph, tenancy layerdb.Tenancy, actor string) (hash.ContentHash, *layerdb.StatusReader, error)
}

// Handler performs a single rebase. It assumes no other rebase of the same
// target change set runs at the same time; Server guarantees that.
type Handler struct {
	snapshots SnapshotStore
	pointers  PointerStore
	graphs    *graphCache
	gen       *ident.Generator
	actor     string
}

type HandlerConfig struct {
	// GraphCacheBytes bounds the decoded snapshot cache.
	GraphCacheBytes int64
	// Actor is recorded on snapshot writes.
	Actor string
}

func NewHandler(snapshots SnapshotStore, pointers PointerStore, cfg HandlerConfig) (*Handler, error) {
	graphs, err := newGraphCache(cfg.GraphCacheBytes)
	if err != nil {
		return nil, fmt.Errorf("create graph cache: %w", err)
	}
	actor := cfg.Actor
	if actor == "" {
		actor = layerdb.SystemActor
	}
	return &Handler{
		snapshots: snapshots,
		pointers:  pointers,
		graphs:    graphs,
		gen:       ident.NewGenerator(),
		actor:     actor,
	}, nil
}

func (h *Handler) Close() { h.graphs.close() }

// Rebase applies the changes of the onto change set to the target change
// set. Conflicts leave the target untouched and are returned in the
// response. Errors wrapped with util.Permanent are not worth retrying.
func (h *Handler) Rebase(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, outcome, err := h.rebase(ctx, req)
	if err != nil {
		outcome = outcomeFailed
	}
	rebasesTotal.WithLabelValues(outcome).Inc()
	rebaseDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return resp, err
}

func (h *Handler) rebase(ctx context.Context, req Request) (Response, string, error) {
	target, err := h.pointer(ctx, req.WorkspaceID, req.ToRebaseChangeSetID)
	if err != nil {
		return Response{}, "", err
	}
	source, err := h.pointer(ctx, req.WorkspaceID, req.OntoChangeSetID)
	if err != nil {
		return Response{}, "", err
	}

	toRebase, err := h.load(ctx, target.Address)
	if err != nil {
		return Response{}, "", err
	}
	onto, err := h.load(ctx, source.Address)
	if err != nil {
		return Response{}, "", err
	}

	result, err := rebase.DetectConflictsAndUpdates(toRebase, onto)
	if err != nil {
		return Response{}, "", util.Permanent(fmt.Errorf("detect updates: %w", err))
	}
	if result.HasConflicts() {
		records := rebase.Records(result.Conflicts)
		for _, r := range records {
			conflictsTotal.WithLabelValues(string(r.Kind)).Inc()
		}
		logger.Info("[Rebaser] Rebase has conflicts",
			"workspace_id", req.WorkspaceID, "to_rebase", req.ToRebaseChangeSetID,
			"onto", req.OntoChangeSetID, "conflicts", len(records))
		return Response{Conflicts: records}, outcomeConflicts, nil
	}
	if len(result.Updates) == 0 {
		logger.Debug("[Rebaser] Nothing to rebase", "to_rebase", req.ToRebaseChangeSetID, "onto", req.OntoChangeSetID)
		return Response{Conflicts: []rebase.ConflictRecord{}}, outcomeNoop, nil
	}

	cs := changeset.Existing(target.ChangeSetID, target.VectorClockID, h.gen)
	if err := rebase.PerformUpdates(toRebase, cs, onto, result.Updates); err != nil {
		return Response{}, "", util.Permanent(err)
	}
	if err := toRebase.MarkGraphSeen(cs); err != nil {
		return Response{}, "", util.Permanent(fmt.Errorf("mark graph seen: %w", err))
	}
	toRebase.Cleanup()

	tenancy := layerdb.Tenancy{WorkspaceID: req.WorkspaceID, ChangeSetID: req.ToRebaseChangeSetID}
	address, status, err := h.snapshots.Write(ctx, toRebase, tenancy, h.actor)
	if err != nil {
		return Response{}, "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := status.Wait(ctx); err != nil {
		return Response{}, "", fmt.Errorf("persist snapshot %s: %w", address.Short(), err)
	}
	h.graphs.add(address, toRebase)

	moved, err := h.pointers.CompareAndSwap(ctx, req.WorkspaceID, req.ToRebaseChangeSetID, target.Address, address)
	if err != nil {
		return Response{}, "", err
	}
	if !moved {
		return Response{}, "", fmt.Errorf("%w: %s", ErrPointerMoved, req.ToRebaseChangeSetID)
	}

	logger.Info("[Rebaser] Rebase applied",
		"workspace_id", req.WorkspaceID, "to_rebase", req.ToRebaseChangeSetID,
		"onto", req.OntoChangeSetID, "updates", len(result.Updates), "snapshot", address.Short())
	return Response{
		Conflicts:          []rebase.ConflictRecord{},
		UpdatesApplied:     true,
		NewSnapshotAddress: &address,
	}, outcomeApplied, nil
}

func (h *Handler) pointer(ctx context.Context, workspaceID, changeSetID ident.ID) (Pointer, error) {
	p, ok, err := h.pointers.Get(ctx, workspaceID, changeSetID)
	if err != nil {
		return Pointer{}, err
	}
	if !ok {
		return Pointer{}, util.Permanent(fmt.Errorf("%w: %s", ErrChangeSetNotFound, changeSetID))
	}
	return p, nil
}

func (h *Handler) load(ctx context.Context, address hash.ContentHash) (*graph.Graph, error) {
	if g, ok := h.graphs.get(address); ok {
		graphCacheLookups.WithLabelValues("hit").Inc()
		return g, nil
	}
	graphCacheLookups.WithLabelValues("miss").Inc()

	g, ok, err := h.snapshots.Read(ctx, address)
	if err != nil {
		if layerdb.IsIntegrity(err) || graph.IsIntegrity(err) {
			return nil, util.Permanent(err)
		}
		return nil, fmt.Errorf("read snapshot %s: %w", address.Short(), err)
	}
	if !ok {
		return nil, util.Permanent(fmt.Errorf("%w: %s", ErrSnapshotNotFound, address))
	}
	h.graphs.add(address, g)
	return g, nil
}
