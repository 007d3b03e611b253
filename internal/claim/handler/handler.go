// Package handler wires claim queries, guardian voting and release to HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"heirloom/internal/claim/models"
	"heirloom/internal/claim/service"
	"heirloom/internal/release"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/platform/httputil"
	"heirloom/pkg/requestcontext"
)

// Service defines the claim operations the handler exposes.
type Service interface {
	Snapshot(ctx context.Context, claimID id.ClaimID) (*models.Snapshot, error)
	ListByVault(ctx context.Context, vaultID id.VaultID) ([]*models.Claim, error)
	CastVote(ctx context.Context, claimID id.ClaimID, guardianID id.GuardianID, decision models.Decision, actor string) (*service.VoteResult, error)
	RejectAsOwner(ctx context.Context, claimID id.ClaimID, actor, reason string) error
}

// Releaser executes the transfer for an approved claim.
type Releaser interface {
	Release(ctx context.Context, claimID id.ClaimID, actor string) (*release.Result, error)
}

// Handler wires claim endpoints to the claim service and release coordinator.
type Handler struct {
	service  Service
	releaser Releaser
	logger   *slog.Logger
}

// New constructs a claim handler with its dependencies.
func New(service Service, releaser Releaser, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		releaser: releaser,
		logger:   logger,
	}
}

// Register mounts claim endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/vaults/{vaultID}/claims", h.HandleListClaims)
	r.Get("/claims/{claimID}", h.HandleGetClaim)
	r.Post("/claims/{claimID}/votes", h.HandleCastVote)
	r.Post("/claims/{claimID}/reject", h.HandleReject)
	r.Post("/claims/{claimID}/release", h.HandleRelease)
}

// HandleListClaims handles GET /vaults/{vaultID}/claims requests.
func (h *Handler) HandleListClaims(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vaultID, err := id.ParseVaultID(chi.URLParam(r, "vaultID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid vault id"))
		return
	}
	claims, err := h.service.ListByVault(ctx, vaultID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summarize(claims))
}

// HandleGetClaim handles GET /claims/{claimID} requests.
func (h *Handler) HandleGetClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claimID, ok := h.claimID(w, r)
	if !ok {
		return
	}
	snapshot, err := h.service.Snapshot(ctx, claimID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snapshot)
}

// HandleCastVote handles POST /claims/{claimID}/votes requests.
func (h *Handler) HandleCastVote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	claimID, ok := h.claimID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[VoteRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	actor := requestcontext.ActorID(ctx)
	result, err := h.service.CastVote(ctx, claimID, req.ParsedGuardianID(), req.ParsedDecision(), actor)
	if err != nil {
		h.logger.WarnContext(ctx, "vote refused",
			"request_id", requestID,
			"claim_id", claimID.String(),
			"guardian_id", req.GuardianID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	snapshot, err := h.service.Snapshot(ctx, claimID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, VoteResponse{
		Claim:         snapshot,
		QuorumReached: result.QuorumReached,
		Vetoed:        result.Vetoed,
	})
}

// HandleReject handles POST /claims/{claimID}/reject requests.
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	claimID, ok := h.claimID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[RejectRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	actor := requestcontext.ActorID(ctx)
	if err := h.service.RejectAsOwner(ctx, claimID, actor, req.Reason); err != nil {
		httputil.WriteError(w, err)
		return
	}
	snapshot, err := h.service.Snapshot(ctx, claimID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snapshot)
}

// HandleRelease handles POST /claims/{claimID}/release requests.
func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	claimID, ok := h.claimID(w, r)
	if !ok {
		return
	}

	actor := requestcontext.ActorID(ctx)
	result, err := h.releaser.Release(ctx, claimID, actor)
	if err != nil {
		h.logger.ErrorContext(ctx, "release failed",
			"request_id", requestID,
			"claim_id", claimID.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	status := http.StatusOK
	if !result.AlreadyDone {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, fromResult(result))
}

func (h *Handler) claimID(w http.ResponseWriter, r *http.Request) (id.ClaimID, bool) {
	claimID, err := id.ParseClaimID(chi.URLParam(r, "claimID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid claim id"))
		return id.ClaimID{}, false
	}
	return claimID, true
}
