package handler

import (
	"strings"
	"time"

	dErrors "heirloom/pkg/domain-errors"
)

// CreateVaultRequest is the HTTP request body for POST /vaults.
type CreateVaultRequest struct {
	Name                string `json:"name"`
	InactivityThreshold string `json:"inactivity_threshold"`
	GuardianQuorum      int    `json:"guardian_quorum"`

	// Parsed values (populated by Validate)
	parsedThreshold time.Duration
}

// Validate validates and parses the request.
// Implements the Validatable interface for httputil.DecodeAndPrepare.
func (r *CreateVaultRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	if len(r.Name) > 200 {
		return dErrors.New(dErrors.CodeValidation, "name must be at most 200 characters")
	}
	if r.InactivityThreshold == "" {
		return dErrors.New(dErrors.CodeValidation, "inactivity_threshold is required")
	}
	threshold, err := time.ParseDuration(r.InactivityThreshold)
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, "inactivity_threshold must be a duration, e.g. 720h")
	}
	r.parsedThreshold = threshold
	if r.GuardianQuorum < 1 {
		return dErrors.New(dErrors.CodeValidation, "guardian_quorum must be at least 1")
	}
	return nil
}

// ParsedThreshold returns the parsed inactivity threshold.
func (r *CreateVaultRequest) ParsedThreshold() time.Duration {
	return r.parsedThreshold
}

// AddBeneficiaryRequest is the HTTP request body for POST /vaults/{id}/beneficiaries.
type AddBeneficiaryRequest struct {
	WalletAddress   string `json:"wallet_address"`
	AllocationShare int    `json:"allocation_share"`
}

func (r *AddBeneficiaryRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.WalletAddress = strings.TrimSpace(r.WalletAddress)
	if r.WalletAddress == "" {
		return dErrors.New(dErrors.CodeValidation, "wallet_address is required")
	}
	if r.AllocationShare < 0 || r.AllocationShare > 100 {
		return dErrors.New(dErrors.CodeValidation, "allocation_share must be between 0 and 100")
	}
	return nil
}

// AddGuardianRequest is the HTTP request body for POST /vaults/{id}/guardians.
type AddGuardianRequest struct {
	WalletAddress string `json:"wallet_address"`
}

func (r *AddGuardianRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.WalletAddress = strings.TrimSpace(r.WalletAddress)
	if r.WalletAddress == "" {
		return dErrors.New(dErrors.CodeValidation, "wallet_address is required")
	}
	return nil
}

// ActivateGuardianRequest is the HTTP request body for POST
// /guardians/{id}/activate. The token is the plaintext invite issued when
// the guardian was added.
type ActivateGuardianRequest struct {
	InviteToken string `json:"invite_token"`
}

func (r *ActivateGuardianRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.InviteToken = strings.TrimSpace(r.InviteToken)
	if r.InviteToken == "" {
		return dErrors.New(dErrors.CodeValidation, "invite_token is required")
	}
	return nil
}

// AddAssetRequest is the HTTP request body for POST /vaults/{id}/assets.
type AddAssetRequest struct {
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	Reference      string `json:"reference"`
	EstimatedValue int64  `json:"estimated_value"`
}

func (r *AddAssetRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	if len(r.Name) > 200 {
		return dErrors.New(dErrors.CodeValidation, "name must be at most 200 characters")
	}
	r.Kind = strings.TrimSpace(r.Kind)
	if r.Kind == "" {
		return dErrors.New(dErrors.CodeValidation, "kind is required")
	}
	if r.EstimatedValue < 0 {
		return dErrors.New(dErrors.CodeValidation, "estimated_value must not be negative")
	}
	return nil
}

// RecordActivityRequest is the HTTP request body for POST /vaults/{id}/activity.
// An empty occurred_at means now.
type RecordActivityRequest struct {
	OccurredAt string `json:"occurred_at"`

	parsedOccurredAt time.Time
}

func (r *RecordActivityRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if r.OccurredAt == "" {
		return nil
	}
	occurredAt, err := time.Parse(time.RFC3339, r.OccurredAt)
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, "occurred_at must be RFC3339")
	}
	r.parsedOccurredAt = occurredAt
	return nil
}

// ParsedOccurredAt returns the parsed timestamp; zero when absent.
func (r *RecordActivityRequest) ParsedOccurredAt() time.Time {
	return r.parsedOccurredAt
}
