package handler

import (
	"time"

	"heirloom/internal/activity"
	"heirloom/internal/audit"
	"heirloom/internal/vault/models"
)

// VaultResponse is the HTTP representation of a vault.
type VaultResponse struct {
	ID                  string    `json:"id"`
	OwnerID             string    `json:"owner_id"`
	Name                string    `json:"name"`
	Status              string    `json:"status"`
	InactivityThreshold string    `json:"inactivity_threshold"`
	GuardianQuorum      int       `json:"guardian_quorum"`
	CreatedAt           time.Time `json:"created_at"`
}

func FromVault(v *models.Vault) VaultResponse {
	return VaultResponse{
		ID:                  v.ID.String(),
		OwnerID:             v.OwnerID.String(),
		Name:                v.Name,
		Status:              string(v.Status),
		InactivityThreshold: v.InactivityThreshold.String(),
		GuardianQuorum:      v.GuardianQuorum,
		CreatedAt:           v.CreatedAt,
	}
}

// BeneficiaryResponse is the HTTP representation of a beneficiary.
type BeneficiaryResponse struct {
	ID              string    `json:"id"`
	VaultID         string    `json:"vault_id"`
	WalletAddress   string    `json:"wallet_address"`
	AllocationShare int       `json:"allocation_share"`
	CreatedAt       time.Time `json:"created_at"`
}

func FromBeneficiary(b *models.Beneficiary) BeneficiaryResponse {
	return BeneficiaryResponse{
		ID:              b.ID.String(),
		VaultID:         b.VaultID.String(),
		WalletAddress:   b.WalletAddress,
		AllocationShare: b.AllocationShare,
		CreatedAt:       b.CreatedAt,
	}
}

// GuardianResponse is the HTTP representation of a guardian. InviteToken is
// set only on the response that created the guardian.
type GuardianResponse struct {
	ID            string    `json:"id"`
	VaultID       string    `json:"vault_id"`
	WalletAddress string    `json:"wallet_address"`
	Status        string    `json:"status"`
	InviteToken   string    `json:"invite_token,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func FromGuardian(g *models.Guardian) GuardianResponse {
	return GuardianResponse{
		ID:            g.ID.String(),
		VaultID:       g.VaultID.String(),
		WalletAddress: g.WalletAddress,
		Status:        string(g.Status),
		CreatedAt:     g.CreatedAt,
	}
}

// AssetResponse is the HTTP representation of a registered asset.
type AssetResponse struct {
	ID             string    `json:"id"`
	VaultID        string    `json:"vault_id"`
	Name           string    `json:"name"`
	Kind           string    `json:"kind"`
	Reference      string    `json:"reference,omitempty"`
	EstimatedValue int64     `json:"estimated_value"`
	CreatedAt      time.Time `json:"created_at"`
}

func FromAsset(a *models.Asset) AssetResponse {
	return AssetResponse{
		ID:             a.ID.String(),
		VaultID:        a.VaultID.String(),
		Name:           a.Name,
		Kind:           a.Kind,
		Reference:      a.Reference,
		EstimatedValue: a.EstimatedValue,
		CreatedAt:      a.CreatedAt,
	}
}

// ActivityResponse is the HTTP representation of an activity record.
type ActivityResponse struct {
	VaultID        string    `json:"vault_id"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Sequence       int64     `json:"sequence"`
}

func FromActivity(r *activity.Record) ActivityResponse {
	return ActivityResponse{
		VaultID:        r.VaultID.String(),
		LastActivityAt: r.LastActivityAt,
		Sequence:       r.Sequence,
	}
}

// AuditEntryResponse is the HTTP representation of one audit entry.
type AuditEntryResponse struct {
	Sequence   int64     `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Hash       string    `json:"hash"`
}

func FromAuditEntries(entries []audit.Entry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryResponse{
			Sequence:   e.Sequence,
			Timestamp:  e.Timestamp,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Action:     e.Action,
			FromState:  e.FromState,
			ToState:    e.ToState,
			Actor:      e.Actor,
			Reason:     e.Reason,
			Hash:       e.Hash,
		})
	}
	return out
}
