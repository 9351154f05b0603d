package marketplace

import (
	"context"
	"testing"
	"time"

	"github.com/piconet/market-core/market"
	"github.com/stretchr/testify/require"
)

func TestRegisterProver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMarketplace(t)

	// At least one backend is required.
	err := m.RegisterProver(ctx, market.ProverProfile{ID: "prover1"})
	require.ErrorIs(t, err, market.ErrNoBackends)

	registerProver(t, m, "prover1", "groth16", "plonk")

	p, err := m.GetProver(ctx, "prover1")
	require.NoError(t, err)
	require.Equal(t, market.ProverID("prover1"), p.ID)
	require.Len(t, p.SupportedBackends, 2)

	err = m.RegisterProver(ctx, market.ProverProfile{
		ID:                "prover1",
		SupportedBackends: []string{"stark"},
	})
	require.ErrorIs(t, err, market.ErrAlreadyRegistered)
}

func TestSearchProvers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMarketplace(t)

	err := m.RegisterProver(ctx, market.ProverProfile{
		ID:                "cheap",
		SupportedBackends: []string{"groth16"},
		Pricing:           market.PricingModel{Type: market.PricingTypeFixed, BasePrice: 100},
	})
	require.NoError(t, err)
	err = m.RegisterProver(ctx, market.ProverProfile{
		ID:                "pricey",
		SupportedBackends: []string{"groth16", "plonk"},
		Pricing:           market.PricingModel{Type: market.PricingTypeFixed, BasePrice: 900},
	})
	require.NoError(t, err)

	// No conditions matches everyone.
	res, err := m.SearchProvers(ctx, market.ProverFilter{})
	require.NoError(t, err)
	require.Len(t, res, 2)

	res, err = m.SearchProvers(ctx, market.ProverFilter{Backend: "plonk"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, market.ProverID("pricey"), res[0].ID)

	res, err = m.SearchProvers(ctx, market.ProverFilter{MaxBasePrice: 500})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, market.ProverID("cheap"), res[0].ID)

	// Conditions are conjunctive.
	res, err = m.SearchProvers(ctx, market.ProverFilter{Backend: "plonk", MaxBasePrice: 500})
	require.NoError(t, err)
	require.Empty(t, res)

	// Fresh provers have zero reputation.
	res, err = m.SearchProvers(ctx, market.ProverFilter{MinReputation: 50})
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestRankings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMarketplace(t)
	registerProver(t, m, "prover1", "groth16")
	registerProver(t, m, "prover2", "groth16")

	// prover1 settles two requests with one invalid proof; prover2 settles
	// one request cleanly.
	p1a := settleWith(t, m, "alice", "prover1")
	p1b := settleWith(t, m, "bob", "prover1")
	p2 := settleWith(t, m, "carol", "prover2")

	for _, v := range []market.VerificationResult{
		{ProofID: p1a.ID, Valid: true},
		{ProofID: p1b.ID, Valid: false},
		{ProofID: p2.ID, Valid: true},
	} {
		err := m.VerifyProof(ctx, v)
		require.NoError(t, err)
	}

	ranked, err := m.Rankings(ctx)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	require.Equal(t, market.ProverID("prover2"), ranked[0].ID)
	require.Equal(t, float64(100), ranked[0].ReputationScore)
	require.Equal(t, market.ProverID("prover1"), ranked[1].ID)
	require.Equal(t, float64(50), ranked[1].ReputationScore)
}

func settleWith(t *testing.T, m *Marketplace, requester string, prover market.ProverID) market.ProofResponse {
	ctx := context.Background()
	pr := submitRequest(t, m, requester)
	b, err := m.SubmitBid(ctx, market.Bid{RequestID: pr.ID, ProverID: prover, Price: 500})
	require.NoError(t, err)
	err = m.AcceptBid(ctx, pr.ID, b.ID)
	require.NoError(t, err)
	p, err := m.SubmitProof(ctx, market.ProofResponse{
		RequestID:      pr.ID,
		ProverID:       prover,
		Proof:          []byte{1, 2, 3},
		GenerationTime: time.Minute,
		Price:          500,
	})
	require.NoError(t, err)
	return p
}
