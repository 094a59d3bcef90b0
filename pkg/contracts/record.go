package contracts

import (
	"fmt"
	"time"
)

// Status is the lifecycle position of a verification record.
type Status string

const (
	// StatusPending: built and registered; storage and/or eligibility not yet established.
	StatusPending Status = "PENDING"
	// StatusVerified: stored and eligible for minting, mint not yet confirmed.
	StatusVerified Status = "VERIFIED"
	// StatusMinted: the ledger confirmed the mint. Terminal.
	StatusMinted Status = "MINTED"
	// StatusRejected: withdrawn from issuance. Terminal.
	StatusRejected Status = "REJECTED"
)

// transitions lists the permitted forward moves. Anything else is a regression.
var transitions = map[Status][]Status{
	StatusPending:  {StatusVerified, StatusRejected},
	StatusVerified: {StatusMinted, StatusRejected},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusMinted, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusMinted || s == StatusRejected
}

// CanTransition reports whether from -> to is a permitted forward move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FarmSnapshot is the subset of the farm record needed for audit.
type FarmSnapshot struct {
	LocationID   string      `json:"location_id"`
	OwnerAddress string      `json:"owner_address"`
	LandArea     float64     `json:"land_area"`
	Coordinates  Coordinates `json:"coordinates"`
}

// Measurement describes the sequestration claim.
type Measurement struct {
	Timestamp             time.Time `json:"timestamp"`
	CarbonSequesteredTons float64   `json:"carbon_sequestered_tons"`
	PeriodStart           time.Time `json:"period_start"`
	PeriodEnd             time.Time `json:"period_end"`
	Method                string    `json:"method"`
}

// Proof binds the claim to the model and the exact inputs that produced it.
type Proof struct {
	ModelVersion    string  `json:"model_version"`
	ConfidenceScore float64 `json:"confidence_score"`
	RawDataHash     string  `json:"raw_data_hash"`
	ImageRef        string  `json:"image_ref,omitempty"`
}

// LedgerRef is populated once credits are minted.
type LedgerRef struct {
	NetworkID string `json:"network_id"`
	TokenID   string `json:"token_id,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
}

// Evidence is the exact (farm, observation, analysis) tuple hashed into Proof.RawDataHash.
type Evidence struct {
	Farm        FarmRecord     `json:"farm"`
	Observation Observation    `json:"observation"`
	Analysis    AnalysisResult `json:"analysis"`
}

// VerificationRecord is the central, append-only entity of the pipeline.
type VerificationRecord struct {
	ReportID     string       `json:"report_id"`
	Farm         FarmSnapshot `json:"farm"`
	Measurement  Measurement  `json:"measurement"`
	Proof        Proof        `json:"proof"`
	Ledger       LedgerRef    `json:"ledger"`
	Status       Status       `json:"status"`
	StatusReason string       `json:"status_reason,omitempty"`
	StorageRef   string       `json:"storage_ref,omitempty"`
	// MintRequested is set before the ledger is asked to mint and cleared once
	// the outcome is known. While set, the ledger may hold credits for this record.
	MintRequested bool      `json:"mint_requested,omitempty"`
	Evidence      Evidence  `json:"evidence"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Advance moves the record to status to. Re-applying the current status is a no-op;
// any backward or sideways move returns ErrInvalidTransition.
func (r *VerificationRecord) Advance(to Status, reason string, at time.Time) error {
	if r.Status == to {
		return nil
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s for report %s", ErrInvalidTransition, r.Status, to, r.ReportID)
	}
	r.Status = to
	r.StatusReason = reason
	r.UpdatedAt = at
	return nil
}

// Owner returns the ledger account the credits are minted to.
func (r *VerificationRecord) Owner() string {
	return r.Farm.OwnerAddress
}

// Clone returns a deep copy so callers cannot mutate indexed state.
func (r VerificationRecord) Clone() VerificationRecord {
	out := r
	if r.Evidence.Farm.Practices != nil {
		out.Evidence.Farm.Practices = append([]string(nil), r.Evidence.Farm.Practices...)
	}
	return out
}

// WorkflowResult summarises one workflow run. Empty fields mean the step did not complete.
type WorkflowResult struct {
	ReportID      string  `json:"report_id"`
	StorageRef    string  `json:"storage_ref,omitempty"`
	TxHash        string  `json:"tx_hash,omitempty"`
	CarbonCredits float64 `json:"carbon_credits"`
	Status        Status  `json:"status"`
	// Error describes the step that stopped the run early, if any.
	Error string `json:"error,omitempty"`
}
