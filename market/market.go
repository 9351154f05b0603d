package market

import (
	"context"
	"errors"
	"time"
)

const (
	invalidStatus = "invalid"

	// MaxBidEstimate is the maximum acceptable estimated generation time for a bid.
	MaxBidEstimate = time.Hour
)

var (
	// ErrNotFound is returned when the referenced request, bid, or proof doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidDeadline is returned when a request deadline is not strictly in the future.
	ErrInvalidDeadline = errors.New("deadline must be in the future")
	// ErrEmptyInput is returned when a request carries no input data.
	ErrEmptyInput = errors.New("input data is empty")
	// ErrEmptyProof is returned when a proof response carries no proof bytes.
	ErrEmptyProof = errors.New("proof data is empty")
	// ErrNoBackends is returned when a prover profile declares no supported backends.
	ErrNoBackends = errors.New("prover must support at least one backend")
	// ErrEstimateTooLong is returned when a bid estimate exceeds MaxBidEstimate.
	ErrEstimateTooLong = errors.New("estimated generation time is too long")
	// ErrNoEligibleProver is returned when no registered prover supports the requested backend.
	ErrNoEligibleProver = errors.New("no provers available for backend")
	// ErrRequestClosed is returned when bidding is attempted on a non-pending request.
	ErrRequestClosed = errors.New("request is no longer accepting bids")
	// ErrRequestNotInProgress is returned when a proof is submitted for a request
	// that is not in progress.
	ErrRequestNotInProgress = errors.New("request is not in progress")
	// ErrInvalidState is returned when a transition is attempted from an illegal status.
	ErrInvalidState = errors.New("illegal status for transition")
	// ErrUnauthorized is returned when a caller doesn't own the request it acts on.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAlreadyRegistered is returned when a prover id is already taken.
	ErrAlreadyRegistered = errors.New("prover already registered")
	// ErrDuplicateProof is returned when a request already has a proof response.
	ErrDuplicateProof = errors.New("request already has a proof response")
	// ErrAlreadyVerified is returned when a proof already has a verification result.
	ErrAlreadyVerified = errors.New("proof already has a verification result")
)

// RequestID is the type used for proof request identity.
type RequestID string

// BidID is the type used for bid identity.
type BidID string

// ProofID is the type used for proof response identity.
type ProofID string

// ProverID is the type used for prover identity.
type ProverID string

// RequestStatus describes the current status of a ProofRequest.
type RequestStatus int

const (
	// RequestStatusUnspecified is an invalid status value. Defined for safety.
	RequestStatusUnspecified RequestStatus = iota
	// RequestStatusPending indicates the request is accepting bids.
	RequestStatusPending
	// RequestStatusInProgress indicates a bid was accepted and a proof is being generated.
	RequestStatusInProgress
	// RequestStatusCompleted indicates a proof response was recorded for the request.
	RequestStatusCompleted
	// RequestStatusFailed indicates proof generation failed permanently.
	RequestStatusFailed
	// RequestStatusCancelled indicates the requester cancelled the request.
	RequestStatusCancelled
	// RequestStatusExpired indicates the request deadline passed unfulfilled.
	RequestStatusExpired
)

// String returns a string-encoded status.
func (rs RequestStatus) String() string {
	switch rs {
	case RequestStatusUnspecified:
		return "unspecified"
	case RequestStatusPending:
		return "pending"
	case RequestStatusInProgress:
		return "in-progress"
	case RequestStatusCompleted:
		return "completed"
	case RequestStatusFailed:
		return "failed"
	case RequestStatusCancelled:
		return "cancelled"
	case RequestStatusExpired:
		return "expired"
	default:
		return invalidStatus
	}
}

// Priority indicates how urgently a requester needs a proof.
type Priority int

const (
	// PriorityUnspecified is an invalid priority value. Defined for safety.
	PriorityUnspecified Priority = iota
	// PriorityLow is for requests with loose deadlines.
	PriorityLow
	// PriorityNormal is the default priority.
	PriorityNormal
	// PriorityHigh is for requests that should be picked up soon.
	PriorityHigh
	// PriorityUrgent is for requests that should be picked up immediately.
	PriorityUrgent
)

// String returns a string-encoded priority.
func (p Priority) String() string {
	switch p {
	case PriorityUnspecified:
		return "unspecified"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return invalidStatus
	}
}

// ProofRequest is a unit of work seeking a proof, posted by a requester
// with a price ceiling and a deadline.
type ProofRequest struct {
	ID          RequestID
	RequesterID string
	ProgramHash string
	InputData   []byte
	Backend     string
	MaxPrice    uint64
	Deadline    time.Time
	Priority    Priority
	Status      RequestStatus
	Metadata    map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BidStatus is the status of a Bid.
type BidStatus int

const (
	// BidStatusUnspecified is an invalid status value. Defined for safety.
	BidStatusUnspecified BidStatus = iota
	// BidStatusActive indicates the bid is in the running for its request.
	BidStatusActive
	// BidStatusAccepted indicates the bid won its request.
	BidStatusAccepted
	// BidStatusRejected indicates a sibling bid won the request.
	BidStatusRejected
	// BidStatusExpired indicates the bid's request expired before resolution.
	BidStatusExpired
	// BidStatusWithdrawn indicates the prover withdrew the bid.
	BidStatusWithdrawn
)

// String returns a string-encoded status.
func (bs BidStatus) String() string {
	switch bs {
	case BidStatusUnspecified:
		return "unspecified"
	case BidStatusActive:
		return "active"
	case BidStatusAccepted:
		return "accepted"
	case BidStatusRejected:
		return "rejected"
	case BidStatusExpired:
		return "expired"
	case BidStatusWithdrawn:
		return "withdrawn"
	default:
		return invalidStatus
	}
}

// Bid is a prover's offer to fulfill a specific request at a stated
// price and time estimate.
type Bid struct {
	ID            BidID
	RequestID     RequestID
	ProverID      ProverID
	Price         uint64
	EstimatedTime time.Duration
	Status        BidStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProofResponse is the recorded result of a prover fulfilling a request.
// Exactly one response exists per request.
type ProofResponse struct {
	ID             ProofID
	RequestID      RequestID
	ProverID       ProverID
	Proof          []byte
	PublicInputs   []uint64
	GenerationTime time.Duration
	Cycles         uint64
	MemoryUsage    uint64
	ProofSize      uint64
	Price          uint64
	Verified       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PricingType selects how a prover charges for proofs.
type PricingType int

const (
	// PricingTypeUnspecified is an invalid pricing type. Defined for safety.
	PricingTypeUnspecified PricingType = iota
	// PricingTypeFixed charges the base price per proof.
	PricingTypeFixed
	// PricingTypePerCycle charges per consumed zkVM cycle.
	PricingTypePerCycle
	// PricingTypePerMB charges per megabyte of input data.
	PricingTypePerMB
	// PricingTypeHybrid combines the base price with per-cycle and per-MB components.
	PricingTypeHybrid
	// PricingTypeDynamic adjusts prices with marketplace load.
	PricingTypeDynamic
)

// String returns a string-encoded pricing type.
func (pt PricingType) String() string {
	switch pt {
	case PricingTypeUnspecified:
		return "unspecified"
	case PricingTypeFixed:
		return "fixed"
	case PricingTypePerCycle:
		return "per-cycle"
	case PricingTypePerMB:
		return "per-mb"
	case PricingTypeHybrid:
		return "hybrid"
	case PricingTypeDynamic:
		return "dynamic"
	default:
		return invalidStatus
	}
}

// PricingModel describes how a prover prices its work.
type PricingModel struct {
	Type               PricingType
	BasePrice          uint64
	PerCyclePrice      uint64
	PerMBPrice         uint64
	PriorityMultiplier map[string]float64
	BackendMultiplier  map[string]float64
}

// PerformanceStats holds a prover's self-reported rolling performance numbers.
type PerformanceStats struct {
	AverageGenerationTime   time.Duration
	AverageVerificationTime time.Duration
	SuccessRate             float64
	Throughput              float64 // proofs per hour
	MaxConcurrentRequests   int
	CurrentLoad             float64
	UptimePercentage        float64
}

// ProverProfile describes a registered proof generation service.
type ProverProfile struct {
	ID                    ProverID
	Name                  string
	Description           string
	SupportedBackends     []string
	SupportedPrograms     []string
	Pricing               PricingModel
	Performance           PerformanceStats
	ReputationScore       float64
	TotalProofs           uint64
	SuccessfulProofs      uint64
	AverageGenerationTime time.Duration
	Uptime                float64
	Verified              bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// SupportsBackend returns true if the profile declares support for the backend.
func (pp ProverProfile) SupportsBackend(backend string) bool {
	for _, b := range pp.SupportedBackends {
		if b == backend {
			return true
		}
	}
	return false
}

// VerificationResult is the outcome of externally verifying a proof response.
// At most one exists per proof.
type VerificationResult struct {
	ProofID          ProofID
	Valid            bool
	VerificationTime time.Duration
	VerifierID       string
	ErrorCause       string
	CreatedAt        time.Time
}

// MarketplaceStats is the derived marketplace-wide aggregate. It is a cache
// re-derivable from the request and response maps, not a source of truth.
type MarketplaceStats struct {
	TotalRequests    uint64
	TotalProofs      uint64
	ActiveProvers    int
	AverageProofTime time.Duration
	AveragePrice     uint64
	TotalVolume      uint64
	SuccessRate      float64
	UpdatedAt        time.Time
}

// ProverFilter selects provers in SearchProvers. Zero values apply no
// constraint on their dimension; all supplied filters are conjunctive.
type ProverFilter struct {
	Backend       string
	MaxBasePrice  uint64
	MinReputation float64
}

// Marketplace matches proof requests with provers through a bid auction and
// tracks fulfillment through proof submission and verification.
type Marketplace interface {
	// SubmitRequest validates and admits a proof request, leaving it pending.
	SubmitRequest(ctx context.Context, req ProofRequest) (ProofRequest, error)
	// CancelRequest cancels a pending or in-progress request on behalf of its requester.
	CancelRequest(ctx context.Context, id RequestID, requesterID string) error
	// ExpireRequest moves a pending request whose deadline passed to expired.
	// Expiry detection is the responsibility of an external sweeper.
	ExpireRequest(ctx context.Context, id RequestID) error
	// GetRequest returns a request by id. If not found, returns ErrNotFound.
	GetRequest(ctx context.Context, id RequestID) (ProofRequest, error)
	// GetRequestStatus returns a request's status. ok is false if the request is unknown.
	GetRequestStatus(ctx context.Context, id RequestID) (status RequestStatus, ok bool, err error)
	// PendingRequests returns all requests currently accepting bids.
	PendingRequests(ctx context.Context) ([]ProofRequest, error)

	// SubmitBid records a bid on a pending request.
	SubmitBid(ctx context.Context, bid Bid) (Bid, error)
	// AcceptBid finalizes an auction: the bid is accepted, every sibling bid is
	// rejected, and the request moves to in-progress, atomically.
	AcceptBid(ctx context.Context, id RequestID, bid BidID) error
	// BestBids returns up to n bids on a request, cheapest first.
	BestBids(ctx context.Context, id RequestID, n int) ([]Bid, error)

	// SubmitProof records a proof response for an in-progress request,
	// completing it and crediting the prover.
	SubmitProof(ctx context.Context, pr ProofResponse) (ProofResponse, error)
	// VerifyProof applies an external verification outcome to a proof response
	// and the owning prover's reputation.
	VerifyProof(ctx context.Context, res VerificationResult) error
	// GetProof returns a proof response by id. If not found, returns ErrNotFound.
	GetProof(ctx context.Context, id ProofID) (ProofResponse, error)
	// GetProofByRequest returns the proof response recorded for a request.
	GetProofByRequest(ctx context.Context, id RequestID) (ProofResponse, error)

	// RegisterProver registers a new prover profile. Prover ids are immutable;
	// a collision is a hard rejection, never an overwrite.
	RegisterProver(ctx context.Context, profile ProverProfile) error
	// GetProver returns a prover profile by id. If not found, returns ErrNotFound.
	GetProver(ctx context.Context, id ProverID) (ProverProfile, error)
	// SearchProvers returns all profiles matching every supplied filter.
	SearchProvers(ctx context.Context, filter ProverFilter) ([]ProverProfile, error)
	// Rankings returns all provers sorted by descending reputation.
	Rankings(ctx context.Context) ([]ProverProfile, error)

	// Stats returns the aggregate marketplace statistics.
	Stats(ctx context.Context) (MarketplaceStats, error)
	// Export serializes the full ledger in the given format ("json" or "csv").
	Export(ctx context.Context, format string) (string, error)
}
