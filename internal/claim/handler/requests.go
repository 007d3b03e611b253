package handler

import (
	"strings"

	"heirloom/internal/claim/models"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
)

// VoteRequest is the HTTP request body for POST /claims/{id}/votes.
type VoteRequest struct {
	GuardianID string `json:"guardian_id"`
	Decision   string `json:"decision"`

	// Parsed values (populated by Validate)
	parsedGuardianID id.GuardianID
	parsedDecision   models.Decision
}

// Validate validates and parses the request.
// Implements the Validatable interface for httputil.DecodeAndPrepare.
func (r *VoteRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.GuardianID = strings.TrimSpace(r.GuardianID)
	if r.GuardianID == "" {
		return dErrors.New(dErrors.CodeValidation, "guardian_id is required")
	}
	guardianID, err := id.ParseGuardianID(r.GuardianID)
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, "guardian_id must be a UUID")
	}
	r.parsedGuardianID = guardianID

	decision := models.Decision(strings.ToLower(strings.TrimSpace(r.Decision)))
	if !decision.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "decision must be %q or %q",
			models.DecisionApprove, models.DecisionReject)
	}
	r.parsedDecision = decision
	return nil
}

// ParsedGuardianID returns the parsed guardian ID.
func (r *VoteRequest) ParsedGuardianID() id.GuardianID {
	return r.parsedGuardianID
}

// ParsedDecision returns the parsed decision.
func (r *VoteRequest) ParsedDecision() models.Decision {
	return r.parsedDecision
}

// RejectRequest is the HTTP request body for POST /claims/{id}/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

func (r *RejectRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	if len(r.Reason) > 500 {
		return dErrors.New(dErrors.CodeValidation, "reason must be at most 500 characters")
	}
	return nil
}
