package store

import (
	"context"
	"testing"
	"time"

	"github.com/piconet/market-core/market"
	"github.com/piconet/market-core/tests"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	registerProver(t, s, "prover1", "groth16")

	// Test not found.
	_, err := s.GetRequest(ctx, "R1")
	require.ErrorIs(t, err, market.ErrNotFound)

	pr := market.ProofRequest{
		ID:          "R1",
		RequesterID: "alice",
		ProgramHash: "0xabc",
		InputData:   []byte("input"),
		Backend:     "groth16",
		MaxPrice:    1000,
		Deadline:    time.Now().Add(time.Hour),
	}
	err = s.CreateRequest(ctx, &pr)
	require.NoError(t, err)
	require.Equal(t, market.RequestStatusPending, pr.Status)
	require.False(t, pr.CreatedAt.IsZero())

	pr2, err := s.GetRequest(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, pr.ID, pr2.ID)
	require.Equal(t, pr.RequesterID, pr2.RequesterID)
	require.Equal(t, pr.Backend, pr2.Backend)
	require.Equal(t, market.RequestStatusPending, pr2.Status)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.TotalRequests)
}

func TestCreateRequestNoEligibleProver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	registerProver(t, s, "prover1", "plonk")

	pr := market.ProofRequest{
		ID:          "R1",
		RequesterID: "alice",
		InputData:   []byte("input"),
		Backend:     "groth16",
		Deadline:    time.Now().Add(time.Hour),
	}
	err := s.CreateRequest(ctx, &pr)
	require.ErrorIs(t, err, market.ErrNoEligibleProver)

	// The rejected request must leave no trace.
	_, err = s.GetRequest(ctx, "R1")
	require.ErrorIs(t, err, market.ErrNotFound)
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), stats.TotalRequests)
}

func TestListPendingRequests(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	registerProver(t, s, "prover1", "groth16")

	createRequest(t, s, "R1", "alice")
	createRequest(t, s, "R2", "bob")
	err := s.CancelRequest(ctx, "R2", "bob")
	require.NoError(t, err)

	pending, err := s.ListPendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, market.RequestID("R1"), pending[0].ID)
}

func TestCancelRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	registerProver(t, s, "prover1", "groth16")
	createRequest(t, s, "R1", "alice")

	// Only the original requester may cancel.
	err := s.CancelRequest(ctx, "R1", "mallory")
	require.ErrorIs(t, err, market.ErrUnauthorized)

	err = s.CancelRequest(ctx, "R1", "alice")
	require.NoError(t, err)
	pr, err := s.GetRequest(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, market.RequestStatusCancelled, pr.Status)

	// Cancelling twice is a state violation.
	err = s.CancelRequest(ctx, "R1", "alice")
	require.ErrorIs(t, err, market.ErrInvalidState)
}

func TestExpireRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	registerProver(t, s, "prover1", "groth16")

	pr := market.ProofRequest{
		ID:          "R1",
		RequesterID: "alice",
		InputData:   []byte("input"),
		Backend:     "groth16",
		Deadline:    time.Now().Add(50 * time.Millisecond),
	}
	err := s.CreateRequest(ctx, &pr)
	require.NoError(t, err)
	_, err = s.SaveBid(ctx, market.Bid{RequestID: "R1", ProverID: "prover1", Price: 100})
	require.NoError(t, err)

	// Deadline hasn't passed yet.
	err = s.ExpireRequest(ctx, "R1")
	require.Error(t, err)

	time.Sleep(100 * time.Millisecond)
	err = s.ExpireRequest(ctx, "R1")
	require.NoError(t, err)

	pr2, err := s.GetRequest(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, market.RequestStatusExpired, pr2.Status)
	bids, err := s.ListBids(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, bids, 1)
	require.Equal(t, market.BidStatusExpired, bids[0].Status)

	// Expiring a non-pending request is a state violation.
	err = s.ExpireRequest(ctx, "R1")
	require.ErrorIs(t, err, market.ErrInvalidState)
}

func TestSaveBid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	registerProver(t, s, "prover1", "groth16")
	createRequest(t, s, "R1", "alice")

	b, err := s.SaveBid(ctx, market.Bid{
		RequestID:     "R1",
		ProverID:      "prover1",
		Price:         500,
		EstimatedTime: time.Minute,
	})
	require.NoError(t, err)
	require.NotEmpty(t, b.ID)
	require.Equal(t, market.BidStatusActive, b.Status)

	// A prover may hold multiple bids on the same request.
	b2, err := s.SaveBid(ctx, market.Bid{RequestID: "R1", ProverID: "prover1", Price: 400})
	require.NoError(t, err)
	require.NotEqual(t, b.ID, b2.ID)

	bids, err := s.ListBids(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, bids, 2)

	// Unknown request.
	_, err = s.SaveBid(ctx, market.Bid{RequestID: "nope", ProverID: "prover1", Price: 1})
	require.ErrorIs(t, err, market.ErrNotFound)
}

func TestAcceptBid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	registerProver(t, s, "prover1", "groth16")
	registerProver(t, s, "prover2", "groth16")
	createRequest(t, s, "R1", "alice")

	b1, err := s.SaveBid(ctx, market.Bid{RequestID: "R1", ProverID: "prover1", Price: 500})
	require.NoError(t, err)
	b2, err := s.SaveBid(ctx, market.Bid{RequestID: "R1", ProverID: "prover2", Price: 400})
	require.NoError(t, err)

	// Unknown bid id.
	err = s.AcceptBid(ctx, "R1", "nope")
	require.ErrorIs(t, err, market.ErrNotFound)

	err = s.AcceptBid(ctx, "R1", b2.ID)
	require.NoError(t, err)

	pr, err := s.GetRequest(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, market.RequestStatusInProgress, pr.Status)

	bids, err := s.ListBids(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, bids, 2)
	for _, b := range bids {
		switch b.ID {
		case b2.ID:
			require.Equal(t, market.BidStatusAccepted, b.Status)
		case b1.ID:
			require.Equal(t, market.BidStatusRejected, b.Status)
		}
	}

	// The auction is resolved; further bids and accepts are rejected.
	_, err = s.SaveBid(ctx, market.Bid{RequestID: "R1", ProverID: "prover1", Price: 300})
	require.ErrorIs(t, err, market.ErrRequestClosed)
	err = s.AcceptBid(ctx, "R1", b1.ID)
	require.ErrorIs(t, err, market.ErrRequestClosed)
}

func TestSaveProofResponse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	registerProver(t, s, "prover1", "groth16")
	createRequest(t, s, "R1", "alice")

	// Proofs are rejected until a bid is accepted.
	_, err := s.SaveProofResponse(ctx, market.ProofResponse{
		RequestID: "R1",
		ProverID:  "prover1",
		Proof:     []byte{1, 2, 3},
	})
	require.ErrorIs(t, err, market.ErrRequestNotInProgress)

	b, err := s.SaveBid(ctx, market.Bid{RequestID: "R1", ProverID: "prover1", Price: 500})
	require.NoError(t, err)
	err = s.AcceptBid(ctx, "R1", b.ID)
	require.NoError(t, err)

	p, err := s.SaveProofResponse(ctx, market.ProofResponse{
		RequestID:      "R1",
		ProverID:       "prover1",
		Proof:          []byte{1, 2, 3},
		GenerationTime: 2 * time.Minute,
		ProofSize:      3,
		Price:          500,
	})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	require.False(t, p.Verified)

	pr, err := s.GetRequest(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, market.RequestStatusCompleted, pr.Status)

	p2, err := s.GetProofByRequest(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, p.ID, p2.ID)

	// Settlement is final; a second response is rejected.
	_, err = s.SaveProofResponse(ctx, market.ProofResponse{
		RequestID: "R1",
		ProverID:  "prover1",
		Proof:     []byte{4, 5, 6},
	})
	require.ErrorIs(t, err, market.ErrRequestNotInProgress)

	prover, err := s.GetProver(ctx, "prover1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), prover.TotalProofs)
	require.Equal(t, uint64(1), prover.SuccessfulProofs)
	require.Equal(t, float64(100), prover.ReputationScore)
	require.Equal(t, 2*time.Minute, prover.AverageGenerationTime)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.TotalProofs)
	require.Equal(t, uint64(500), stats.TotalVolume)
	require.Equal(t, uint64(500), stats.AveragePrice)
	require.Equal(t, 2*time.Minute, stats.AverageProofTime)
}

func TestSaveVerification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	registerProver(t, s, "prover1", "groth16")
	p1 := settleRequest(t, s, "R1", "alice", "prover1")
	p2 := settleRequest(t, s, "R2", "bob", "prover1")

	err := s.SaveVerification(ctx, market.VerificationResult{
		ProofID:    p1.ID,
		Valid:      true,
		VerifierID: "verifier1",
	})
	require.NoError(t, err)

	got, err := s.GetProof(ctx, p1.ID)
	require.NoError(t, err)
	require.True(t, got.Verified)

	// An invalid outcome retracts the optimistic credit.
	err = s.SaveVerification(ctx, market.VerificationResult{
		ProofID:    p2.ID,
		Valid:      false,
		VerifierID: "verifier1",
		ErrorCause: "pairing check failed",
	})
	require.NoError(t, err)

	prover, err := s.GetProver(ctx, "prover1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), prover.TotalProofs)
	require.Equal(t, uint64(1), prover.SuccessfulProofs)
	require.Equal(t, float64(50), prover.ReputationScore)

	// Each proof is verified at most once.
	err = s.SaveVerification(ctx, market.VerificationResult{ProofID: p2.ID, Valid: true})
	require.ErrorIs(t, err, market.ErrAlreadyVerified)
	prover, err = s.GetProver(ctx, "prover1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), prover.SuccessfulProofs)

	// The recorded outcome is retrievable per proof.
	res, err := s.GetVerification(ctx, p2.ID)
	require.NoError(t, err)
	require.Equal(t, p2.ID, res.ProofID)
	require.False(t, res.Valid)
	require.Equal(t, "verifier1", res.VerifierID)
	require.Equal(t, "pairing check failed", res.ErrorCause)
	require.False(t, res.CreatedAt.IsZero())

	// Unknown proof id.
	err = s.SaveVerification(ctx, market.VerificationResult{ProofID: "nope", Valid: true})
	require.ErrorIs(t, err, market.ErrNotFound)
	_, err = s.GetVerification(ctx, "nope")
	require.ErrorIs(t, err, market.ErrNotFound)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, float64(50), stats.SuccessRate)
}

func TestSaveVerificationUnregisteredProver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	registerProver(t, s, "prover1", "groth16")
	createRequest(t, s, "R1", "alice")

	// prover2 bids and settles before registering a profile, so the
	// settlement credit never lands.
	b, err := s.SaveBid(ctx, market.Bid{RequestID: "R1", ProverID: "prover2", Price: 500})
	require.NoError(t, err)
	err = s.AcceptBid(ctx, "R1", b.ID)
	require.NoError(t, err)
	p, err := s.SaveProofResponse(ctx, market.ProofResponse{
		RequestID: "R1",
		ProverID:  "prover2",
		Proof:     []byte{1, 2, 3},
		Price:     500,
	})
	require.NoError(t, err)

	registerProver(t, s, "prover2", "groth16")

	// An invalid outcome with no credit to retract must not wrap the
	// successful-proof count below zero.
	err = s.SaveVerification(ctx, market.VerificationResult{
		ProofID:    p.ID,
		Valid:      false,
		VerifierID: "verifier1",
	})
	require.NoError(t, err)

	prover, err := s.GetProver(ctx, "prover2")
	require.NoError(t, err)
	require.Equal(t, uint64(0), prover.TotalProofs)
	require.Equal(t, uint64(0), prover.SuccessfulProofs)
	require.Equal(t, float64(0), prover.ReputationScore)
}

func TestCreateProver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	_, err := s.GetProver(ctx, "prover1")
	require.ErrorIs(t, err, market.ErrNotFound)

	registerProver(t, s, "prover1", "groth16")
	p, err := s.GetProver(ctx, "prover1")
	require.NoError(t, err)
	require.Equal(t, market.ProverID("prover1"), p.ID)

	err = s.CreateProver(ctx, market.ProverProfile{
		ID:                "prover1",
		SupportedBackends: []string{"plonk"},
	})
	require.ErrorIs(t, err, market.ErrAlreadyRegistered)

	// The registered profile is untouched by the collision.
	p, err = s.GetProver(ctx, "prover1")
	require.NoError(t, err)
	require.Equal(t, []string{"groth16"}, p.SupportedBackends)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ActiveProvers)
}

func newStore(t *testing.T) *Store {
	ds := tests.NewTxMapDatastore()
	s, err := New(ds)
	require.NoError(t, err)

	return s
}

func registerProver(t *testing.T, s *Store, id market.ProverID, backend string) {
	err := s.CreateProver(context.Background(), market.ProverProfile{
		ID:                id,
		Name:              string(id),
		SupportedBackends: []string{backend},
		Pricing: market.PricingModel{
			Type:      market.PricingTypeFixed,
			BasePrice: 100,
		},
	})
	require.NoError(t, err)
}

func createRequest(t *testing.T, s *Store, id market.RequestID, requester string) {
	pr := market.ProofRequest{
		ID:          id,
		RequesterID: requester,
		InputData:   []byte("input"),
		Backend:     "groth16",
		MaxPrice:    1000,
		Deadline:    time.Now().Add(time.Hour),
	}
	err := s.CreateRequest(context.Background(), &pr)
	require.NoError(t, err)
}

func settleRequest(
	t *testing.T,
	s *Store,
	id market.RequestID,
	requester string,
	prover market.ProverID,
) market.ProofResponse {
	ctx := context.Background()
	createRequest(t, s, id, requester)
	b, err := s.SaveBid(ctx, market.Bid{RequestID: id, ProverID: prover, Price: 500})
	require.NoError(t, err)
	err = s.AcceptBid(ctx, id, b.ID)
	require.NoError(t, err)
	p, err := s.SaveProofResponse(ctx, market.ProofResponse{
		RequestID:      id,
		ProverID:       prover,
		Proof:          []byte{1, 2, 3},
		GenerationTime: time.Minute,
		Price:          500,
	})
	require.NoError(t, err)
	return p
}
