package marketplace

import (
	"context"
	"fmt"
	"sort"

	"github.com/piconet/market-core/market"
	"github.com/piconet/market-core/metrics"
)

// RegisterProver admits a prover profile into the registry. Profiles must
// declare at least one supported backend, and ids can't be re-registered.
func (m *Marketplace) RegisterProver(ctx context.Context, p market.ProverProfile) (err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, m.metricRegisteredProvers) }()

	if len(p.SupportedBackends) == 0 {
		return market.ErrNoBackends
	}

	if err = m.store.CreateProver(ctx, p); err != nil {
		return fmt.Errorf("creating prover: %w", err)
	}
	return nil
}

// GetProver gets a prover profile by id. If it doesn't exist, it returns
// market.ErrNotFound.
func (m *Marketplace) GetProver(ctx context.Context, id market.ProverID) (market.ProverProfile, error) {
	return m.store.GetProver(ctx, id)
}

// SearchProvers returns provers matching every condition set in the filter.
// Zero-valued conditions don't constrain the result.
func (m *Marketplace) SearchProvers(
	ctx context.Context,
	f market.ProverFilter,
) ([]market.ProverProfile, error) {
	provers, err := m.store.ListProvers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing provers: %s", err)
	}
	res := make([]market.ProverProfile, 0, len(provers))
	for _, p := range provers {
		if f.Backend != "" && !p.SupportsBackend(f.Backend) {
			continue
		}
		if f.MaxBasePrice > 0 && p.Pricing.BasePrice > f.MaxBasePrice {
			continue
		}
		if f.MinReputation > 0 && p.ReputationScore < f.MinReputation {
			continue
		}
		res = append(res, p)
	}
	return res, nil
}

// Rankings returns all registered provers ordered by descending reputation,
// ties broken by descending successful proof count.
func (m *Marketplace) Rankings(ctx context.Context) ([]market.ProverProfile, error) {
	provers, err := m.store.ListProvers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing provers: %s", err)
	}
	sort.Slice(provers, func(i, j int) bool {
		if provers[i].ReputationScore != provers[j].ReputationScore {
			return provers[i].ReputationScore > provers[j].ReputationScore
		}
		return provers[i].SuccessfulProofs > provers[j].SuccessfulProofs
	})
	return provers, nil
}
