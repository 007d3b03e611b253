package handler

import (
	"time"

	"heirloom/internal/claim/models"
	"heirloom/internal/release"
)

// ClaimSummary is the list representation of a claim.
type ClaimSummary struct {
	ID            string       `json:"id"`
	BeneficiaryID string       `json:"beneficiary_id"`
	State         models.State `json:"state"`
	CreatedAt     time.Time    `json:"created_at"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
}

func summarize(claims []*models.Claim) []ClaimSummary {
	out := make([]ClaimSummary, 0, len(claims))
	for _, c := range claims {
		out = append(out, ClaimSummary{
			ID:            c.ID.String(),
			BeneficiaryID: c.BeneficiaryID.String(),
			State:         c.State,
			CreatedAt:     c.CreatedAt,
			ResolvedAt:    c.ResolvedAt,
		})
	}
	return out
}

// VoteResponse reports the claim state after an accepted vote.
type VoteResponse struct {
	Claim         *models.Snapshot `json:"claim"`
	QuorumReached bool             `json:"quorum_reached"`
	Vetoed        bool             `json:"vetoed"`
}

// ReleaseResponse is the HTTP representation of a completed release.
type ReleaseResponse struct {
	ReleaseRef    string    `json:"release_ref"`
	BeneficiaryID string    `json:"beneficiary_id"`
	ReleasedAt    time.Time `json:"released_at,omitempty"`
	AlreadyDone   bool      `json:"already_done"`
}

func fromResult(r *release.Result) ReleaseResponse {
	return ReleaseResponse{
		ReleaseRef:    r.ReleaseRef,
		BeneficiaryID: r.BeneficiaryID.String(),
		ReleasedAt:    r.ReleasedAt,
		AlreadyDone:   r.AlreadyDone,
	}
}
