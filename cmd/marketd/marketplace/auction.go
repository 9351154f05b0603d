package marketplace

import (
	"context"
	"fmt"

	"github.com/piconet/market-core/market"
	"github.com/piconet/market-core/metrics"
)

// SubmitBid records a bid on a pending request. A prover may submit any
// number of bids on the same request; all remain active until resolution.
func (m *Marketplace) SubmitBid(ctx context.Context, bid market.Bid) (b market.Bid, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, m.metricSubmittedBids) }()

	if bid.EstimatedTime > market.MaxBidEstimate {
		return market.Bid{}, fmt.Errorf("estimate %s: %w", bid.EstimatedTime, market.ErrEstimateTooLong)
	}

	b, err = m.store.SaveBid(ctx, bid)
	if err != nil {
		return market.Bid{}, fmt.Errorf("saving bid: %w", err)
	}
	return b, nil
}

// AcceptBid finalizes the auction for a request. Which bid wins is the
// caller's decision; the engine only enforces exclusivity and state legality,
// keeping the allocation strategy replaceable.
func (m *Marketplace) AcceptBid(ctx context.Context, id market.RequestID, bid market.BidID) (err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, m.metricAcceptedBids) }()

	if err = m.store.AcceptBid(ctx, id, bid); err != nil {
		return fmt.Errorf("accepting bid: %w", err)
	}
	log.Infof("bid %s accepted for request %s", bid, id)
	return nil
}

// BestBids returns up to n bids on a request ranked by ascending price, ties
// broken by ascending estimated time. Fewer are returned if fewer exist;
// an unknown request yields an empty result.
func (m *Marketplace) BestBids(ctx context.Context, id market.RequestID, n int) ([]market.Bid, error) {
	bids, err := m.store.ListBids(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %s", err)
	}
	active := make([]market.Bid, 0, len(bids))
	for _, b := range bids {
		if b.Status == market.BidStatusActive {
			active = append(active, b)
		}
	}
	return BidsSorter(active).Top(n, Ordered(LowerPrice(), ShorterEstimate())), nil
}
