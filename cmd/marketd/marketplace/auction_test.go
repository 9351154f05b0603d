package marketplace

import (
	"context"
	"testing"
	"time"

	"github.com/piconet/market-core/market"
	"github.com/stretchr/testify/require"
)

func TestSubmitBid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMarketplace(t)
	registerProver(t, m, "prover1", "groth16")
	pr := submitRequest(t, m, "alice")

	b, err := m.SubmitBid(ctx, market.Bid{
		RequestID:     pr.ID,
		ProverID:      "prover1",
		Price:         500,
		EstimatedTime: 10 * time.Minute,
	})
	require.NoError(t, err)
	require.NotEmpty(t, b.ID)
	require.Equal(t, market.BidStatusActive, b.Status)

	// Estimates above the ceiling are rejected.
	_, err = m.SubmitBid(ctx, market.Bid{
		RequestID:     pr.ID,
		ProverID:      "prover1",
		Price:         500,
		EstimatedTime: market.MaxBidEstimate + time.Second,
	})
	require.ErrorIs(t, err, market.ErrEstimateTooLong)

	// Bids on resolved requests are rejected.
	err = m.CancelRequest(ctx, pr.ID, "alice")
	require.NoError(t, err)
	_, err = m.SubmitBid(ctx, market.Bid{RequestID: pr.ID, ProverID: "prover1", Price: 400})
	require.ErrorIs(t, err, market.ErrRequestClosed)
}

func TestAcceptBidResolvesAuction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMarketplace(t)
	registerProver(t, m, "prover1", "groth16")
	registerProver(t, m, "prover2", "groth16")
	registerProver(t, m, "prover3", "groth16")
	pr := submitRequest(t, m, "alice")

	var bids []market.Bid
	for i, prover := range []market.ProverID{"prover1", "prover2", "prover3"} {
		b, err := m.SubmitBid(ctx, market.Bid{
			RequestID:     pr.ID,
			ProverID:      prover,
			Price:         uint64(500 - i*100),
			EstimatedTime: 10 * time.Minute,
		})
		require.NoError(t, err)
		bids = append(bids, b)
	}

	err := m.AcceptBid(ctx, pr.ID, bids[1].ID)
	require.NoError(t, err)

	status, ok, err := m.GetRequestStatus(ctx, pr.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, market.RequestStatusInProgress, status)

	// Exactly one winner; the rest are rejected and out of the running.
	remaining, err := m.BestBids(ctx, pr.ID, 10)
	require.NoError(t, err)
	require.Empty(t, remaining)

	err = m.AcceptBid(ctx, pr.ID, bids[0].ID)
	require.ErrorIs(t, err, market.ErrRequestClosed)
}

func TestBestBids(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMarketplace(t)
	registerProver(t, m, "prover1", "groth16")
	registerProver(t, m, "prover2", "groth16")
	pr := submitRequest(t, m, "alice")

	prices := []uint64{500, 300, 300, 700}
	estimates := []time.Duration{time.Minute, 20 * time.Minute, 5 * time.Minute, time.Minute}
	for i := range prices {
		_, err := m.SubmitBid(ctx, market.Bid{
			RequestID:     pr.ID,
			ProverID:      "prover1",
			Price:         prices[i],
			EstimatedTime: estimates[i],
		})
		require.NoError(t, err)
	}

	top, err := m.BestBids(ctx, pr.ID, 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	// Cheapest first, price ties broken by the shorter estimate.
	require.Equal(t, uint64(300), top[0].Price)
	require.Equal(t, 5*time.Minute, top[0].EstimatedTime)
	require.Equal(t, uint64(300), top[1].Price)
	require.Equal(t, 20*time.Minute, top[1].EstimatedTime)
	require.Equal(t, uint64(500), top[2].Price)

	// Asking for more than exist returns what exists.
	top, err = m.BestBids(ctx, pr.ID, 10)
	require.NoError(t, err)
	require.Len(t, top, 4)

	// Unknown request yields an empty result.
	top, err = m.BestBids(ctx, "nope", 3)
	require.NoError(t, err)
	require.Empty(t, top)
}
