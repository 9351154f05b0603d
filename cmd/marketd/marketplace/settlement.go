package marketplace

import (
	"context"
	"fmt"

	"github.com/piconet/market-core/market"
	"github.com/piconet/market-core/metrics"
)

// SubmitProof records the proof a prover generated for an in-progress
// request, completing it. The response price settles the request; the
// prover's lifetime counters and reputation are credited in the same
// transaction.
func (m *Marketplace) SubmitProof(ctx context.Context, p market.ProofResponse) (pr market.ProofResponse, err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, m.metricSubmittedProofs) }()

	if len(p.Proof) == 0 {
		return market.ProofResponse{}, market.ErrEmptyProof
	}
	if p.ProofSize == 0 {
		p.ProofSize = uint64(len(p.Proof))
	}

	pr, err = m.store.SaveProofResponse(ctx, p)
	if err != nil {
		return market.ProofResponse{}, fmt.Errorf("saving proof response: %w", err)
	}
	return pr, nil
}

// VerifyProof records the external verification outcome for a proof.
// An invalid outcome retroactively debits the prover's reputation. Each
// proof can be verified at most once.
func (m *Marketplace) VerifyProof(ctx context.Context, res market.VerificationResult) (err error) {
	defer func() { metrics.MetricIncrCounter(ctx, err, m.metricVerifications) }()

	if err = m.store.SaveVerification(ctx, res); err != nil {
		return fmt.Errorf("saving verification: %w", err)
	}
	return nil
}

// GetProof gets a proof response by id. If it doesn't exist, it returns
// market.ErrNotFound.
func (m *Marketplace) GetProof(ctx context.Context, id market.ProofID) (market.ProofResponse, error) {
	return m.store.GetProof(ctx, id)
}

// GetProofByRequest gets the proof response recorded for a request. If none
// exists, it returns market.ErrNotFound.
func (m *Marketplace) GetProofByRequest(ctx context.Context, id market.RequestID) (market.ProofResponse, error) {
	return m.store.GetProofByRequest(ctx, id)
}
