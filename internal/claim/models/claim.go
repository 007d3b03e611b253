// Package models defines the claim state machine: a beneficiary's in-progress
// request to inherit a vault's assets.
package models

import (
	"time"

	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
)

// State is a claim's position in the release protocol.
type State string

const (
	StatePending  State = "pending"
	StateEligible State = "eligible"
	StateApproved State = "approved"
	StateReleased State = "released"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateReleased, StateRejected, StateExpired:
		return true
	}
	return false
}

// transitions is the authoritative transition table. Rejected is reachable
// from any non-terminal state (owner override or administrative rejection).
var transitions = map[State][]State{
	StatePending:  {StateEligible, StateRejected},
	StateEligible: {StateApproved, StateRejected, StateExpired},
	StateApproved: {StateReleased, StateRejected},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Decision is a guardian's vote on a claim.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) IsValid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Vote records one guardian's current decision on a claim. A guardian holds
// at most one vote per claim; re-voting overwrites.
type Vote struct {
	GuardianID id.GuardianID
	Decision   Decision
	CastAt     time.Time
}

// Claim tracks one (vault, beneficiary) inheritance request. Version supports
// optimistic concurrency: every state or vote mutation goes through a single
// check-and-set against the stored version, which is what makes concurrent
// guardian votes and monitor sweeps safe.
type Claim struct {
	ID            id.ClaimID
	VaultID       id.VaultID
	BeneficiaryID id.BeneficiaryID
	State         State
	EligibleAt    time.Time
	Votes         map[id.GuardianID]Vote
	CreatedAt     time.Time
	ResolvedAt    *time.Time
	ReleaseRef    string
	Version       int64
}

// Transition moves the claim to a new state or fails with
// CodeInvalidTransition, leaving the claim untouched.
func (c *Claim) Transition(to State, now time.Time) error {
	if !CanTransition(c.State, to) {
		return dErrors.Newf(dErrors.CodeInvalidTransition,
			"claim %s cannot move from %s to %s", c.ID, c.State, to)
	}
	c.State = to
	if to == StateEligible {
		c.EligibleAt = now
	}
	if to.IsTerminal() {
		resolved := now
		c.ResolvedAt = &resolved
	}
	return nil
}

// SetVote records or overwrites a guardian's vote.
func (c *Claim) SetVote(guardianID id.GuardianID, decision Decision, now time.Time) {
	if c.Votes == nil {
		c.Votes = make(map[id.GuardianID]Vote)
	}
	c.Votes[guardianID] = Vote{GuardianID: guardianID, Decision: decision, CastAt: now}
}

// Clone returns a deep copy so service-layer retries never mutate shared
// store state.
func (c *Claim) Clone() *Claim {
	cp := *c
	if c.Votes != nil {
		cp.Votes = make(map[id.GuardianID]Vote, len(c.Votes))
		for k, v := range c.Votes {
			cp.Votes[k] = v
		}
	}
	if c.ResolvedAt != nil {
		resolved := *c.ResolvedAt
		cp.ResolvedAt = &resolved
	}
	return &cp
}

// Snapshot is the read model returned to API callers. IDs are strings so the
// wire format stays stable regardless of the internal ID representation.
type Snapshot struct {
	ID            string     `json:"id"`
	VaultID       string     `json:"vault_id"`
	BeneficiaryID string     `json:"beneficiary_id"`
	State         State      `json:"state"`
	EligibleAt    *time.Time `json:"eligible_at,omitempty"`
	ApproveVotes  int        `json:"approve_votes"`
	RejectVotes   int        `json:"reject_votes"`
	QuorumNeeded  int        `json:"quorum_needed"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ReleaseRef    string     `json:"release_ref,omitempty"`
}
