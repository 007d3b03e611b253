// Package handler wires vault administration, activity recording and the
// audit trail to HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"heirloom/internal/activity"
	"heirloom/internal/audit"
	"heirloom/internal/vault/models"
	"heirloom/internal/vault/service"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/platform/httputil"
	"heirloom/pkg/requestcontext"
)

// Service defines the vault operations the handler exposes.
type Service interface {
	CreateVault(ctx context.Context, in service.CreateVaultInput) (*models.Vault, error)
	GetVault(ctx context.Context, vaultID id.VaultID) (*models.Vault, error)
	ListVaultsForOwner(ctx context.Context) ([]*models.Vault, error)
	AddBeneficiary(ctx context.Context, vaultID id.VaultID, walletAddress string, allocationShare int) (*models.Beneficiary, error)
	ListBeneficiaries(ctx context.Context, vaultID id.VaultID) ([]*models.Beneficiary, error)
	AddGuardian(ctx context.Context, vaultID id.VaultID, walletAddress string) (*models.Guardian, string, error)
	ListGuardians(ctx context.Context, vaultID id.VaultID) ([]*models.Guardian, error)
	ActivateGuardian(ctx context.Context, guardianID id.GuardianID, inviteToken string) error
	RevokeGuardian(ctx context.Context, guardianID id.GuardianID) error
	SuspendVault(ctx context.Context, vaultID id.VaultID) error
	ResumeVault(ctx context.Context, vaultID id.VaultID) error
	CloseVault(ctx context.Context, vaultID id.VaultID) error
	AddAsset(ctx context.Context, vaultID id.VaultID, name, kind, reference string, estimatedValue int64) (*models.Asset, error)
	ListAssets(ctx context.Context, vaultID id.VaultID) ([]*models.Asset, error)
	RemoveAsset(ctx context.Context, vaultID id.VaultID, assetID id.AssetID) error
}

// ActivityService defines the activity ledger operations the handler exposes.
type ActivityService interface {
	RecordActivity(ctx context.Context, vaultID id.VaultID, occurredAt time.Time, actor string) error
	Get(ctx context.Context, vaultID id.VaultID) (*activity.Record, error)
}

// AuditTrail exposes the per-vault audit history.
type AuditTrail interface {
	TrailByVault(ctx context.Context, vaultID id.VaultID) ([]audit.Entry, error)
}

// Handler wires vault endpoints to the vault service and activity ledger.
type Handler struct {
	service  Service
	activity ActivityService
	trail    AuditTrail
	logger   *slog.Logger
}

// New constructs a vault handler with its dependencies.
func New(service Service, activity ActivityService, trail AuditTrail, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		activity: activity,
		trail:    trail,
		logger:   logger,
	}
}

// Register mounts vault endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/vaults", h.HandleCreateVault)
	r.Get("/vaults", h.HandleListVaults)
	r.Get("/vaults/{vaultID}", h.HandleGetVault)
	r.Post("/vaults/{vaultID}/suspend", h.HandleSuspendVault)
	r.Post("/vaults/{vaultID}/resume", h.HandleResumeVault)
	r.Post("/vaults/{vaultID}/close", h.HandleCloseVault)

	r.Post("/vaults/{vaultID}/activity", h.HandleRecordActivity)
	r.Get("/vaults/{vaultID}/activity", h.HandleGetActivity)

	r.Post("/vaults/{vaultID}/beneficiaries", h.HandleAddBeneficiary)
	r.Get("/vaults/{vaultID}/beneficiaries", h.HandleListBeneficiaries)
	r.Post("/vaults/{vaultID}/guardians", h.HandleAddGuardian)
	r.Get("/vaults/{vaultID}/guardians", h.HandleListGuardians)
	r.Post("/guardians/{guardianID}/activate", h.HandleActivateGuardian)
	r.Post("/guardians/{guardianID}/revoke", h.HandleRevokeGuardian)

	r.Post("/vaults/{vaultID}/assets", h.HandleAddAsset)
	r.Get("/vaults/{vaultID}/assets", h.HandleListAssets)
	r.Delete("/vaults/{vaultID}/assets/{assetID}", h.HandleRemoveAsset)

	r.Get("/vaults/{vaultID}/audit", h.HandleAuditTrail)
}

// HandleCreateVault handles POST /vaults requests.
func (h *Handler) HandleCreateVault(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	ownerID, err := id.ParseOwnerID(requestcontext.ActorID(ctx))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "owner identity required"))
		return
	}

	req, ok := httputil.DecodeAndPrepare[CreateVaultRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	vault, err := h.service.CreateVault(ctx, service.CreateVaultInput{
		OwnerID:             ownerID,
		Name:                req.Name,
		InactivityThreshold: req.ParsedThreshold(),
		GuardianQuorum:      req.GuardianQuorum,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "vault creation failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, FromVault(vault))
}

// HandleGetVault handles GET /vaults/{vaultID} requests.
func (h *Handler) HandleGetVault(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vaultID, ok := h.vaultID(w, r)
	if !ok {
		return
	}
	vault, err := h.service.GetVault(ctx, vaultID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromVault(vault))
}

// HandleListVaults handles GET /vaults requests, returning the
// authenticated owner's vaults.
func (h *Handler) HandleListVaults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vaults, err := h.service.ListVaultsForOwner(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]VaultResponse, 0, len(vaults))
	for _, v := range vaults {
		out = append(out, FromVault(v))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleRecordActivity handles POST /vaults/{vaultID}/activity requests.
func (h *Handler) HandleRecordActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	vaultID, ok := h.vaultID(w, r)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[RecordActivityRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	occurredAt := req.ParsedOccurredAt()
	if occurredAt.IsZero() {
		occurredAt = requestcontext.Now(ctx)
	}

	actor := requestcontext.ActorID(ctx)
	if err := h.activity.RecordActivity(ctx, vaultID, occurredAt, actor); err != nil {
		h.logger.WarnContext(ctx, "activity record refused",
			"request_id", requestID,
			"vault_id", vaultID.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	record, err := h.activity.Get(ctx, vaultID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromActivity(record))
}

// HandleGetActivity handles GET /vaults/{vaultID}/activity requests.
func (h *Handler) HandleGetActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vaultID, ok := h.vaultID(w, r)
	if !ok {
		return
	}
	record, err := h.activity.Get(ctx, vaultID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromActivity(record))
}

// HandleAddBeneficiary handles POST /vaults/{vaultID}/beneficiaries requests.
func (h *Handler) HandleAddBeneficiary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	vaultID, ok := h.vaultID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[AddBeneficiaryRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	beneficiary, err := h.service.AddBeneficiary(ctx, vaultID, req.WalletAddress, req.AllocationShare)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, FromBeneficiary(beneficiary))
}

// HandleListBeneficiaries handles GET /vaults/{vaultID}/beneficiaries requests.
func (h *Handler) HandleListBeneficiaries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vaultID, ok := h.vaultID(w, r)
	if !ok {
		return
	}
	beneficiaries, err := h.service.ListBeneficiaries(ctx, vaultID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]BeneficiaryResponse, 0, len(beneficiaries))
	for _, b := range beneficiaries {
		out = append(out, FromBeneficiary(b))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleAddGuardian handles POST /vaults/{vaultID}/guardians requests.
func (h *Handler) HandleAddGuardian(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	vaultID, ok := h.vaultID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[AddGuardianRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	guardian, inviteToken, err := h.service.AddGuardian(ctx, vaultID, req.WalletAddress)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	resp := FromGuardian(guardian)
	// The plaintext token appears only in this response; the owner relays it
	// to the guardian out of band.
	resp.InviteToken = inviteToken
	httputil.WriteJSON(w, http.StatusCreated, resp)
}

// HandleListGuardians handles GET /vaults/{vaultID}/guardians requests.
func (h *Handler) HandleListGuardians(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vaultID, ok := h.vaultID(w, r)
	if !ok {
		return
	}
	guardians, err := h.service.ListGuardians(ctx, vaultID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]GuardianResponse, 0, len(guardians))
	for _, g := range guardians {
		out = append(out, FromGuardian(g))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleActivateGuardian handles POST /guardians/{guardianID}/activate requests.
func (h *Handler) HandleActivateGuardian(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[ActivateGuardianRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	h.guardianAction(w, r, func(ctx context.Context, guardianID id.GuardianID) error {
		return h.service.ActivateGuardian(ctx, guardianID, req.InviteToken)
	})
}

// HandleRevokeGuardian handles POST /guardians/{guardianID}/revoke requests.
func (h *Handler) HandleRevokeGuardian(w http.ResponseWriter, r *http.Request) {
	h.guardianAction(w, r, h.service.RevokeGuardian)
}

// HandleSuspendVault handles POST /vaults/{vaultID}/suspend requests.
func (h *Handler) HandleSuspendVault(w http.ResponseWriter, r *http.Request) {
	h.vaultAction(w, r, h.service.SuspendVault)
}

// HandleResumeVault handles POST /vaults/{vaultID}/resume requests.
func (h *Handler) HandleResumeVault(w http.ResponseWriter, r *http.Request) {
	h.vaultAction(w, r, h.service.ResumeVault)
}

// HandleCloseVault handles POST /vaults/{vaultID}/close requests.
func (h *Handler) HandleCloseVault(w http.ResponseWriter, r *http.Request) {
	h.vaultAction(w, r, h.service.CloseVault)
}

// HandleAddAsset handles POST /vaults/{vaultID}/assets requests.
func (h *Handler) HandleAddAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	vaultID, ok := h.vaultID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[AddAssetRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	asset, err := h.service.AddAsset(ctx, vaultID, req.Name, req.Kind, req.Reference, req.EstimatedValue)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, FromAsset(asset))
}

// HandleListAssets handles GET /vaults/{vaultID}/assets requests.
func (h *Handler) HandleListAssets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vaultID, ok := h.vaultID(w, r)
	if !ok {
		return
	}
	assets, err := h.service.ListAssets(ctx, vaultID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]AssetResponse, 0, len(assets))
	for _, a := range assets {
		out = append(out, FromAsset(a))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleRemoveAsset handles DELETE /vaults/{vaultID}/assets/{assetID} requests.
func (h *Handler) HandleRemoveAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vaultID, ok := h.vaultID(w, r)
	if !ok {
		return
	}
	assetID, err := id.ParseAssetID(chi.URLParam(r, "assetID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid asset id"))
		return
	}
	if err := h.service.RemoveAsset(ctx, vaultID, assetID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAuditTrail handles GET /vaults/{vaultID}/audit requests.
func (h *Handler) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vaultID, ok := h.vaultID(w, r)
	if !ok {
		return
	}
	entries, err := h.trail.TrailByVault(ctx, vaultID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromAuditEntries(entries))
}

func (h *Handler) vaultAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, id.VaultID) error) {
	ctx := r.Context()
	vaultID, ok := h.vaultID(w, r)
	if !ok {
		return
	}
	if err := fn(ctx, vaultID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	vault, err := h.service.GetVault(ctx, vaultID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromVault(vault))
}

func (h *Handler) guardianAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, id.GuardianID) error) {
	ctx := r.Context()
	guardianID, err := id.ParseGuardianID(chi.URLParam(r, "guardianID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid guardian id"))
		return
	}
	if err := fn(ctx, guardianID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) vaultID(w http.ResponseWriter, r *http.Request) (id.VaultID, bool) {
	vaultID, err := id.ParseVaultID(chi.URLParam(r, "vaultID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid vault id"))
		return id.VaultID{}, false
	}
	return vaultID, true
}
